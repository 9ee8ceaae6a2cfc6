package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/keks/framefs/filetable"
	"github.com/keks/framefs/fusefs"
	"github.com/spf13/pflag"
)

// command is one subcommand of the framefs binary.
type command struct {
	usage   string
	minArgs int
	maxArgs int

	// flags registers the command flags and returns their values.
	flags func(*pflag.FlagSet) *cmdOptions
	run   func(context.Context, *env, *invocation) error
}

// cmdOptions holds the values of every command flag. Each command
// only registers the ones it uses.
type cmdOptions struct {
	offset     int64
	appendMode bool
	allowOther bool
}

type invocation struct {
	args   []string
	opts   *cmdOptions
	stdin  io.Reader
	stdout io.Writer
}

func noFlags(*pflag.FlagSet) *cmdOptions {
	return &cmdOptions{}
}

var commands = map[string]*command{
	"ls": {
		usage: "ls",
		flags: noFlags,
		run:   runList,
	},
	"stat": {
		usage:   "stat <name>",
		minArgs: 1,
		maxArgs: 1,
		flags:   noFlags,
		run:     runStat,
	},
	"put": {
		usage:   "put [--offset N | --append] <name> [src]",
		minArgs: 1,
		maxArgs: 2,
		flags: func(fs *pflag.FlagSet) *cmdOptions {
			var opts cmdOptions
			fs.Int64Var(&opts.offset, "offset", 0, "byte offset to write at, at most the file size")
			fs.BoolVar(&opts.appendMode, "append", false, "write at the end of the file")
			return &opts
		},
		run: runPut,
	},
	"get": {
		usage:   "get [--offset N] <name> [dst]",
		minArgs: 1,
		maxArgs: 2,
		flags: func(fs *pflag.FlagSet) *cmdOptions {
			var opts cmdOptions
			fs.Int64Var(&opts.offset, "offset", 0, "byte offset to read from")
			return &opts
		},
		run: runGet,
	},
	"format": {
		usage: "format",
		flags: noFlags,
		run:   runFormat,
	},
	"mount": {
		usage:   "mount [--allow-other] <dir>",
		minArgs: 1,
		maxArgs: 1,
		flags: func(fs *pflag.FlagSet) *cmdOptions {
			var opts cmdOptions
			fs.BoolVar(&opts.allowOther, "allow-other", false, "let other users access the mount")
			return &opts
		},
		run: runMount,
	},
}

func runList(ctx context.Context, env *env, inv *invocation) error {
	entries, err := env.session.Entries()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(inv.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tSIZE\tFRAMES\tNAME")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", e.Handle, e.Length, len(e.Frames), e.Path)
	}
	return w.Flush()
}

func runStat(ctx context.Context, env *env, inv *invocation) error {
	e, err := env.session.Stat(inv.args[0])
	if err != nil {
		return err
	}

	frames := make([]string, len(e.Frames))
	for i, id := range e.Frames {
		frames[i] = fmt.Sprint(id)
	}

	w := tabwriter.NewWriter(inv.stdout, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "name:\t%s\n", e.Path)
	fmt.Fprintf(w, "handle:\t%d\n", e.Handle)
	fmt.Fprintf(w, "size:\t%d\n", e.Length)
	fmt.Fprintf(w, "status:\t%s\n", e.Status)
	fmt.Fprintf(w, "frames:\t%s\n", strings.Join(frames, " "))
	return w.Flush()
}

func runPut(ctx context.Context, env *env, inv *invocation) (err error) {
	src := inv.stdin
	if len(inv.args) == 2 && inv.args[1] != "-" {
		file, oerr := os.Open(inv.args[1])
		if oerr != nil {
			return oerr
		}
		defer file.Close()
		src = file
	}

	f, err := env.session.OpenFile(ctx, inv.args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, f, f.Name())

	off := inv.opts.offset
	if inv.opts.appendMode {
		if off, err = f.Size(); err != nil {
			return err
		}
	}

	w := filetable.NewWriter(f, off)
	n, err := io.Copy(w, src)
	if err != nil {
		return fmt.Errorf("writing %s: %w", f.Name(), err)
	}

	env.logger.Debug("stored file", "name", f.Name(), "offset", off, "end", w.Offset(), "bytes", n)
	return nil
}

func runGet(ctx context.Context, env *env, inv *invocation) (err error) {
	if _, err := env.session.Stat(inv.args[0]); err != nil {
		return err
	}

	dst := inv.stdout
	if len(inv.args) == 2 && inv.args[1] != "-" {
		file, cerr := os.Create(inv.args[1])
		if cerr != nil {
			return cerr
		}
		defer closeInto(&err, file, file.Name())
		dst = file
	}

	f, err := env.session.OpenFile(ctx, inv.args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, f, f.Name())

	if _, err := io.Copy(dst, filetable.NewReader(f, inv.opts.offset)); err != nil {
		return fmt.Errorf("reading %s: %w", f.Name(), err)
	}
	return nil
}

func runFormat(ctx context.Context, env *env, inv *invocation) error {
	return env.session.Format(ctx)
}

func runMount(ctx context.Context, env *env, inv *invocation) error {
	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: inv.args[0],
		Session:    env.session,
		AllowOther: inv.opts.allowOther,
		Logger:     env.logger,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		env.logger.Info("unmounting", "mountpoint", inv.args[0])
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", inv.args[0], err)
		}
		<-done
	case <-done:
	}
	return nil
}

// closeInto closes c and joins a failure into *err.
func closeInto(err *error, c io.Closer, name string) {
	if cerr := c.Close(); cerr != nil {
		*err = errors.Join(*err, fmt.Errorf("closing %s: %w", name, cerr))
	}
}
