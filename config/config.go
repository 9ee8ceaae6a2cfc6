// Package config loads the framefs configuration file.
//
// Configuration comes from exactly one file, named by the --config flag
// or the FRAMEFS_CONFIG environment variable. Values missing from the
// file keep their defaults. YAML (.yaml, .yml) and JSON with comments
// (.json, .jsonc) are accepted.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "FRAMEFS_CONFIG"

type Config struct {
	// Device configures the simulated storage device.
	Device DeviceConfig `yaml:"device"`

	// Table configures the file table limits.
	Table TableConfig `yaml:"table"`

	// Cache configures the frame cache.
	Cache CacheConfig `yaml:"cache"`

	// Transfer configures the transfer protocol.
	Transfer TransferConfig `yaml:"transfer"`

	// Faults configures fault injection in the simulated device.
	Faults FaultConfig `yaml:"faults"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

type DeviceConfig struct {
	// FrameSize is the size of a frame in bytes.
	// Default: 1024
	FrameSize int `yaml:"frame_size"`

	// MaxFrames is the highest addressable frame id.
	// Default: 65535
	MaxFrames int `yaml:"max_frames"`

	// Image is the path of the backing image. ${HOME} is expanded.
	// Default: ${HOME}/.cache/framefs/memsys.img
	Image string `yaml:"image"`

	// Compression of the image payload: none, lz4 or zstd.
	// Default: zstd
	Compression string `yaml:"compression"`

	// Checksum used on the bus: blake3 or crc32c.
	// Default: blake3
	Checksum string `yaml:"checksum"`
}

type TableConfig struct {
	// Default: 1024
	MaxFiles int `yaml:"max_files"`

	// Default: 128
	MaxPathLength int `yaml:"max_path_length"`
}

type CacheConfig struct {
	// Capacity is the number of cached frames. Zero disables caching.
	// Default: 1024
	Capacity int `yaml:"capacity"`

	// FillOnRead caches frames fetched by reads, not only by writes.
	FillOnRead bool `yaml:"fill_on_read"`
}

type TransferConfig struct {
	// MaxRetries bounds repeated attempts per transfer. Zero retries
	// until the checksum verifies.
	MaxRetries int `yaml:"max_retries"`
}

type FaultConfig struct {
	ReadCorruptRate float64 `yaml:"read_corrupt_rate"`
	WriteRejectRate float64 `yaml:"write_reject_rate"`
	Seed            uint64  `yaml:"seed"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			FrameSize:   1024,
			MaxFrames:   65535,
			Image:       "${HOME}/.cache/framefs/memsys.img",
			Compression: "zstd",
			Checksum:    "blake3",
		},
		Table: TableConfig{
			MaxFiles:      1024,
			MaxPathLength: 128,
		},
		Cache: CacheConfig{
			Capacity: 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads the file named by FRAMEFS_CONFIG. If the variable is not
// set the defaults are returned.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		// JSON is a subset of YAML once comments and trailing commas
		// are gone.
		data = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	return yaml.Unmarshal(data, c)
}

func (c *Config) expandVariables() {
	c.Device.Image = expandVars(c.Device.Image)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("device.frame_size must be positive, got %d", c.Device.FrameSize))
	}
	if c.Device.MaxFrames < 1 || c.Device.MaxFrames > 65535 {
		errs = append(errs, fmt.Errorf("device.max_frames must be in [1, 65535], got %d", c.Device.MaxFrames))
	}
	switch c.Device.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("invalid device.compression: %q", c.Device.Compression))
	}
	switch c.Device.Checksum {
	case "blake3", "crc32c":
	default:
		errs = append(errs, fmt.Errorf("invalid device.checksum: %q", c.Device.Checksum))
	}

	if c.Table.MaxFiles < 1 || c.Table.MaxFiles > 65535 {
		errs = append(errs, fmt.Errorf("table.max_files must be in [1, 65535], got %d", c.Table.MaxFiles))
	}
	if c.Table.MaxPathLength < 1 {
		errs = append(errs, fmt.Errorf("table.max_path_length must be positive, got %d", c.Table.MaxPathLength))
	} else if need := 2 + c.Table.MaxPathLength + 10; c.Device.FrameSize > 0 && need > c.Device.FrameSize {
		// count, then path, handle, length, frame count and one frame id
		errs = append(errs, fmt.Errorf("table.max_path_length %d does not fit one file into a %d byte metadata frame",
			c.Table.MaxPathLength, c.Device.FrameSize))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity))
	}
	if c.Transfer.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transfer.max_retries must not be negative, got %d", c.Transfer.MaxRetries))
	}

	for name, rate := range map[string]float64{
		"faults.read_corrupt_rate": c.Faults.ReadCorruptRate,
		"faults.write_reject_rate": c.Faults.WriteRejectRate,
	} {
		if rate < 0 || rate >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %v", name, rate))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
