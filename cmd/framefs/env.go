package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/keks/framefs/checksum"
	"github.com/keks/framefs/config"
	"github.com/keks/framefs/filetable"
	"github.com/keks/framefs/internal/logging"
	"github.com/keks/framefs/session"
	"github.com/keks/framefs/simbus"
)

// env is the wired stack of one invocation.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	device  *simbus.Device
	session *session.Session
}

func loadConfig(flags globalFlags, cacheSizeSet bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.config != "" {
		cfg, err = config.LoadFile(flags.config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.image != "" {
		cfg.Device.Image = flags.image
	}
	if cacheSizeSet {
		cfg.Cache.Capacity = flags.cacheSize
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setup(flags globalFlags, cacheSizeSet bool) (*env, error) {
	cfg, err := loadConfig(flags, cacheSizeSet)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(level)

	sum, ok := checksum.ByName(cfg.Device.Checksum)
	if !ok {
		return nil, fmt.Errorf("unknown checksum %q", cfg.Device.Checksum)
	}
	compression, err := simbus.ParseCompression(cfg.Device.Compression)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Device.Image), 0o755); err != nil {
		return nil, fmt.Errorf("creating image directory: %w", err)
	}

	device, err := simbus.New(simbus.Options{
		FrameSize:       cfg.Device.FrameSize,
		MaxFrames:       cfg.Device.MaxFrames,
		Checksum:        sum,
		Image:           cfg.Device.Image,
		Compression:     compression,
		ReadCorruptRate: cfg.Faults.ReadCorruptRate,
		WriteRejectRate: cfg.Faults.WriteRejectRate,
		Seed:            cfg.Faults.Seed,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	s, err := session.New(device, session.Options{
		Table: filetable.Config{
			FrameSize:     cfg.Device.FrameSize,
			MaxFiles:      cfg.Table.MaxFiles,
			MaxPathLength: cfg.Table.MaxPathLength,
			MaxFrames:     cfg.Device.MaxFrames,
			FillOnRead:    cfg.Cache.FillOnRead,
		},
		CacheCapacity: cfg.Cache.Capacity,
		MaxRetries:    cfg.Transfer.MaxRetries,
		Checksum:      sum,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		device:  device,
		session: s,
	}, nil
}
