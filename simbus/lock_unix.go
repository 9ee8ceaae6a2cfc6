//go:build darwin || linux

package simbus

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// imageLock is an exclusive flock on the lock file next to an image.
type imageLock struct {
	file *os.File
}

func lockImage(path string) (*imageLock, error) {
	file, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening image lock: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrImageLocked, path)
		}
		return nil, fmt.Errorf("locking image %s: %w", path, err)
	}

	return &imageLock{file: file}, nil
}

func (l *imageLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking image: %w", err)
	}
	return l.file.Close()
}
