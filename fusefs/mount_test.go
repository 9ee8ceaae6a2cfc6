package fusefs

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/keks/framefs"
	"github.com/keks/framefs/filetable"
	"github.com/keks/framefs/session"
	"github.com/keks/framefs/simbus"
	"github.com/keks/framefs/xfer"
	"github.com/stretchr/testify/require"
)

// fuseAvailable skips the test if /dev/fuse is not accessible.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T) (string, *session.Session) {
	t.Helper()
	fuseAvailable(t)
	ctx := context.Background()

	dev, err := simbus.New(simbus.Options{FrameSize: 256})
	require.NoError(t, err)
	s, err := session.New(dev, session.Options{
		Table:         filetable.Config{FrameSize: 256, MaxPathLength: 32},
		CacheCapacity: 16,
	})
	require.NoError(t, err)
	require.NoError(t, s.PowerOn(ctx))

	mountpoint := filepath.Join(t.TempDir(), "mount")
	server, err := Mount(Options{Mountpoint: mountpoint, Session: s})
	if err != nil {
		t.Skipf("skipping: cannot mount: %v", err)
	}

	t.Cleanup(func() {
		require.NoError(t, server.Unmount())
		require.NoError(t, s.PowerOff(ctx))
	})

	return mountpoint, s
}

func TestMountWriteRead(t *testing.T) {
	r := require.New(t)
	mountpoint, s := testMount(t)

	content := bytes.Repeat([]byte("frames!"), 100)
	r.NoError(os.WriteFile(filepath.Join(mountpoint, "hello.txt"), content, 0o644))

	got, err := os.ReadFile(filepath.Join(mountpoint, "hello.txt"))
	r.NoError(err)
	r.Equal(content, got)

	e, err := s.Stat("hello.txt")
	r.NoError(err)
	r.Equal(uint32(len(content)), e.Length)

	info, err := os.Stat(filepath.Join(mountpoint, "hello.txt"))
	r.NoError(err)
	r.Equal(int64(len(content)), info.Size())
}

func TestMountReaddir(t *testing.T) {
	r := require.New(t)
	mountpoint, _ := testMount(t)

	for i := 0; i < 3; i++ {
		r.NoError(os.WriteFile(filepath.Join(mountpoint, fmt.Sprintf("f%d", i)), []byte{byte(i)}, 0o644))
	}

	entries, err := os.ReadDir(mountpoint)
	r.NoError(err)
	r.Len(entries, 3)
	for i, e := range entries {
		r.Equal(fmt.Sprintf("f%d", i), e.Name())
		r.False(e.IsDir())
	}

	_, err = os.Stat(filepath.Join(mountpoint, "missing"))
	r.ErrorIs(err, fs.ErrNotExist)
}

func TestMountWriteAt(t *testing.T) {
	r := require.New(t)
	mountpoint, _ := testMount(t)
	path := filepath.Join(mountpoint, "log")

	r.NoError(os.WriteFile(path, []byte("one\n"), 0o644))

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	r.NoError(err)
	_, err = f.WriteAt([]byte("two\n"), 4)
	r.NoError(err)

	// writes may not leave a gap
	_, err = f.WriteAt([]byte("x"), 100)
	r.Error(err)
	r.NoError(f.Close())

	got, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal("one\ntwo\n", string(got))

	r.Error(os.Truncate(path, 2), "files cannot shrink")
}

func TestToErrno(t *testing.T) {
	var tcs = []struct {
		err error
		exp syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("stat: %w", fs.ErrNotExist), syscall.ENOENT},
		{framefs.ErrUnknownHandle, syscall.ENOENT},
		{framefs.ErrInvalidPath, syscall.ENAMETOOLONG},
		{framefs.ErrSeekRange, syscall.EINVAL},
		{framefs.ErrFileClosed, syscall.EBADF},
		{framefs.ErrFileTooLarge, syscall.EFBIG},
		{framefs.ErrTooManyFiles, syscall.ENOSPC},
		{framefs.ErrFramesExhausted, syscall.ENOSPC},
		{fmt.Errorf("%w: need 1106 bytes", framefs.ErrMetadataOverflow), syscall.ENOSPC},
		{framefs.ErrNotPoweredOn, syscall.ENODEV},
		{context.Canceled, syscall.EINTR},
		{&xfer.TransferError{Op: xfer.OpReadFrame, Err: framefs.ErrDeviceFailure}, syscall.EIO},
	}

	for _, tc := range tcs {
		require.Equal(t, tc.exp, toErrno(tc.err), "%v", tc.err)
	}
}
