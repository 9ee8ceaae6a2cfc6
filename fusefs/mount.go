// Package fusefs exposes the files of a session as a flat FUSE
// directory.
//
// Files can be created, read, written and listed. They cannot be
// removed, renamed or shrunk, and writes must not leave a gap after
// the current end of the file.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/keks/framefs"
	"github.com/keks/framefs/session"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Session serves the files. It must be powered on and stay
	// powered on until the mount is gone.
	Session *session.Session

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts the session at the configured mountpoint. The caller
// must call Unmount on the returned server and power the session off
// afterwards. The mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{
		options: &options,
		opens:   make(map[string]int),
	}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "framefs",
			Name:       "framefs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("framefs mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode is the only directory. It also counts the open file
// handles per path, since every open of a path shares one table
// handle.
type rootNode struct {
	gofuse.Inode
	options *Options

	mu    sync.Mutex
	opens map[string]int
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeGetattrer = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)

func (r *rootNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o755
	return 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	e, err := r.options.Session.Stat(name)
	if err != nil {
		return nil, toErrno(err)
	}

	child := r.NewPersistentInode(ctx, &fileNode{root: r, path: name}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	setAttr(&out.Attr, e.Length)
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	files, err := r.options.Session.Entries()
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(files))
	for _, e := range files {
		entries = append(entries, fuse.DirEntry{
			Name: e.Path,
			Mode: syscall.S_IFREG,
		})
	}

	return &sliceDirStream{entries: entries}, 0
}

// Create adds a file to the table, or opens it if it already exists.
func (r *rootNode) Create(ctx context.Context, name string, _ uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	h, errno := r.open(name)
	if errno != 0 {
		return nil, nil, 0, errno
	}

	_, length, err := r.options.Session.Tell(h)
	if err != nil {
		r.release(name, h)
		return nil, nil, 0, toErrno(err)
	}

	node := &fileNode{root: r, path: name}
	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	setAttr(&out.Attr, length)

	return child, &fileHandle{h: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (r *rootNode) open(path string) (framefs.Handle, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.options.Session.Open(path)
	if err != nil {
		r.options.Logger.Debug("open failed", "path", path, "error", err)
		return 0, toErrno(err)
	}
	r.opens[path]++
	return h, 0
}

// release closes the table handle once the last open of path is gone.
func (r *rootNode) release(path string, h framefs.Handle) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opens[path]--
	if r.opens[path] > 0 {
		return 0
	}
	delete(r.opens, path)

	if err := r.options.Session.Close(h); err != nil {
		r.options.Logger.Error("close failed", "path", path, "error", err)
		return toErrno(err)
	}
	return 0
}

// fileHandle carries the table handle of one open.
type fileHandle struct {
	h framefs.Handle
}

// fileNode is one file of the table.
type fileNode struct {
	gofuse.Inode
	root *rootNode
	path string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeWriter = (*fileNode)(nil)
var _ gofuse.NodeReleaser = (*fileNode)(nil)

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	e, err := n.root.options.Session.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	setAttr(&out.Attr, e.Length)
	return 0
}

// Setattr accepts truncation only to the current size. Mode, owner
// and time changes are ignored.
func (n *fileNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	e, err := n.root.options.Session.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	if size, ok := in.GetSize(); ok && size != uint64(e.Length) {
		return syscall.EINVAL
	}
	setAttr(&out.Attr, e.Length)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, errno := n.root.open(n.path)
	if errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{h: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off > int64(^uint32(0)) {
		return fuse.ReadResultData(nil), 0
	}

	read, err := n.root.options.Session.ReadAt(ctx, fh.h, dest, uint32(off))
	if errors.Is(err, framefs.ErrSeekRange) {
		return fuse.ReadResultData(nil), 0
	}
	if err != nil {
		n.root.options.Logger.Error("read failed", "path", n.path, "offset", off, "error", err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

// Write writes data at off. Writes starting past the end of the file
// fail with EINVAL.
func (n *fileNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	if off > int64(^uint32(0)) {
		return 0, syscall.EFBIG
	}

	written, err := n.root.options.Session.WriteAt(ctx, fh.h, data, uint32(off))
	if err != nil {
		n.root.options.Logger.Error("write failed", "path", n.path, "offset", off, "error", err)
		if written > 0 {
			return uint32(written), 0
		}
		return 0, toErrno(err)
	}
	return uint32(written), 0
}

func (n *fileNode) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	return n.root.release(n.path, fh.h)
}

func setAttr(out *fuse.Attr, length uint32) {
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(length)
	out.Blocks = (out.Size + 511) / 512
}

// toErrno maps session errors to errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, framefs.ErrUnknownHandle):
		return syscall.ENOENT
	case errors.Is(err, framefs.ErrInvalidPath):
		return syscall.ENAMETOOLONG
	case errors.Is(err, framefs.ErrSeekRange):
		return syscall.EINVAL
	case errors.Is(err, framefs.ErrFileClosed):
		return syscall.EBADF
	case errors.Is(err, framefs.ErrFileTooLarge):
		return syscall.EFBIG
	case errors.Is(err, framefs.ErrTooManyFiles), errors.Is(err, framefs.ErrFramesExhausted),
		errors.Is(err, framefs.ErrMetadataOverflow):
		return syscall.ENOSPC
	case errors.Is(err, framefs.ErrNotPoweredOn):
		return syscall.ENODEV
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
