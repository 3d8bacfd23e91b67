package updater

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("directory is locked by another run")

// Flock is an advisory, non-blocking exclusive lock on an open file.
type Flock struct {
	file *os.File
}

// Lock acquires the lock or fails at once with ErrLocked.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errors.Wrap(ErrLocked, f.file.Name())
	}
	if err != nil {
		return errors.Wrap(err, "flock "+f.file.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
}
