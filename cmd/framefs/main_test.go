package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "framefs.yaml")

	content := `
device:
  frame_size: 256
  image: ` + filepath.Join(dir, "img", "memsys.img") + `
  compression: lz4
table:
  max_path_length: 32
cache:
  capacity: 8
log:
  level: error
`
	require.NoError(t, os.WriteFile(config, []byte(content), 0o644))
	return &cliEnv{dir: dir, config: config}
}

func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"--config", e.config}, args...), strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestPutGet(t *testing.T) {
	r := require.New(t)
	e := newCLIEnv(t)

	_, err := e.run(t, "hello frames", "put", "greeting")
	r.NoError(err)

	out, err := e.run(t, "", "get", "greeting")
	r.NoError(err)
	r.Equal("hello frames", out)

	out, err = e.run(t, "", "get", "--offset", "6", "greeting")
	r.NoError(err)
	r.Equal("frames", out)

	_, err = e.run(t, ", more", "put", "--append", "greeting")
	r.NoError(err)
	out, err = e.run(t, "", "get", "greeting")
	r.NoError(err)
	r.Equal("hello frames, more", out)

	_, err = e.run(t, "HELLO", "put", "greeting")
	r.NoError(err)
	out, err = e.run(t, "", "get", "greeting")
	r.NoError(err)
	r.Equal("HELLO frames, more", out, "put overwrites in place")

	_, err = e.run(t, "x", "put", "--offset", "100", "greeting")
	r.Error(err)
}

func TestPutGetFiles(t *testing.T) {
	r := require.New(t)
	e := newCLIEnv(t)

	src := filepath.Join(e.dir, "src.bin")
	data := bytes.Repeat([]byte{0xaa, 0x55, 0x01}, 1000)
	r.NoError(os.WriteFile(src, data, 0o644))

	_, err := e.run(t, "", "put", "blob", src)
	r.NoError(err)

	dst := filepath.Join(e.dir, "dst.bin")
	_, err = e.run(t, "", "get", "blob", dst)
	r.NoError(err)

	got, err := os.ReadFile(dst)
	r.NoError(err)
	r.Equal(data, got)
}

func TestListStat(t *testing.T) {
	r := require.New(t)
	e := newCLIEnv(t)

	for _, name := range []string{"a", "b"} {
		_, err := e.run(t, strings.Repeat(name, 300), "put", name)
		r.NoError(err)
	}

	out, err := e.run(t, "", "ls")
	r.NoError(err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	r.Len(lines, 3)
	r.Equal([]string{"HANDLE", "SIZE", "FRAMES", "NAME"}, strings.Fields(lines[0]))
	r.Equal([]string{"300", "2", "a"}, strings.Fields(lines[1])[1:])
	r.Equal([]string{"300", "2", "b"}, strings.Fields(lines[2])[1:])

	out, err = e.run(t, "", "stat", "b")
	r.NoError(err)
	r.Contains(out, "size:   300")
	r.Contains(out, "status: closed")
	r.Contains(out, "frames: 3 4")

	_, err = e.run(t, "", "stat", "missing")
	r.ErrorIs(err, os.ErrNotExist)
}

func TestFormat(t *testing.T) {
	r := require.New(t)
	e := newCLIEnv(t)

	_, err := e.run(t, "data", "put", "f")
	r.NoError(err)
	_, err = e.run(t, "", "format")
	r.NoError(err)

	out, err := e.run(t, "", "ls")
	r.NoError(err)
	r.Equal("HANDLE  SIZE  FRAMES  NAME", strings.TrimSpace(out))
}

func TestUsageErrors(t *testing.T) {
	r := require.New(t)
	e := newCLIEnv(t)

	_, err := e.run(t, "")
	r.ErrorContains(err, "no command")

	_, err = e.run(t, "", "frobnicate")
	r.ErrorContains(err, "unknown command")

	_, err = e.run(t, "", "stat")
	r.ErrorContains(err, "usage: framefs stat <name>")

	_, err = e.run(t, "", "--log-level", "loud", "ls")
	r.ErrorContains(err, "log.level")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseInto(t *testing.T) {
	r := require.New(t)
	ok := closerFunc(func() error { return nil })
	broken := closerFunc(func() error { return os.ErrClosed })

	var err error
	closeInto(&err, ok, "out")
	r.NoError(err)

	closeInto(&err, broken, "out")
	r.ErrorIs(err, os.ErrClosed)
	r.ErrorContains(err, "closing out")

	err = io.ErrUnexpectedEOF
	closeInto(&err, broken, "out")
	r.ErrorIs(err, io.ErrUnexpectedEOF, "earlier errors are kept")
	r.ErrorIs(err, os.ErrClosed)
}
