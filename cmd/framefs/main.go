// framefs manages files stored in a simulated frame storage device.
//
// Every invocation powers the device on, restores the file table from
// the metadata frame, runs one command and powers the device off
// again, which writes the table and the device image back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are accepted before the command name.
type globalFlags struct {
	config    string
	image     string
	cacheSize int
	logLevel  string
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var flags globalFlags

	flagSet := pflag.NewFlagSet("framefs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&flags.config, "config", "", "path to the config file (default: $FRAMEFS_CONFIG)")
	flagSet.StringVar(&flags.image, "image", "", "path to the device image, overrides device.image")
	flagSet.IntVar(&flags.cacheSize, "cache-size", 0, "number of cached frames, overrides cache.capacity")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error, overrides log.level")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("no command given")
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cmdFlags := pflag.NewFlagSet("framefs "+rest[0], pflag.ContinueOnError)
	opts := cmd.flags(cmdFlags)
	if err := cmdFlags.Parse(rest[1:]); err != nil {
		return err
	}
	if n := cmdFlags.NArg(); n < cmd.minArgs || n > cmd.maxArgs {
		return fmt.Errorf("usage: framefs %s", cmd.usage)
	}

	env, err := setup(flags, flagSet.Changed("cache-size"))
	if err != nil {
		return err
	}

	if err := env.session.PowerOn(ctx); err != nil {
		return fmt.Errorf("powering on: %w", err)
	}

	err = cmd.run(ctx, env, &invocation{
		args:   cmdFlags.Args(),
		opts:   opts,
		stdin:  stdin,
		stdout: stdout,
	})

	// always persist, even if the command failed half way
	if offErr := env.session.PowerOff(context.WithoutCancel(ctx)); offErr != nil {
		err = errors.Join(err, fmt.Errorf("powering off: %w", offErr))
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `framefs stores flat files in a simulated frame storage device.

Usage:
  framefs [flags] <command> [args]

Commands:
  ls                   list files
  stat <name>          show the table entry of a file
  put <name> [src]     copy src (default: stdin) into a file
  get <name> [dst]     copy a file to dst (default: stdout)
  format               zero the device and drop every file
  mount <dir>          serve the files over FUSE until interrupted

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
