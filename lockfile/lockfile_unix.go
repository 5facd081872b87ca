//go:build linux || darwin

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// platformLock is the unix implementation, backed by flock(2) via
// golang.org/x/sys/unix — the same dependency the teacher's eventloop
// package pulls in for its kqueue/epoll pollers, here repurposed for
// whole-file advisory locking instead of readiness polling.
type platformLock struct {
	file *os.File
}

func openPlatformLock(path string) (platformLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return platformLock{}, err
	}
	return platformLock{file: f}, nil
}

func (l platformLock) tryLock() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrBusy
	}
	return err
}

func (l platformLock) unlock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

func (l platformLock) close() error {
	return l.file.Close()
}
