package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fwctl/fwctl/internal/errdefs"
	"golang.org/x/sys/unix"
)

// processLock is the exclusive filesystem lock guarding the engine's mutable
// state. A second engine instance fails to start instead of corrupting the
// history database or the metadata cache.
type processLock struct {
	path string
	file *os.File
}

func acquireLock(dataDir string) (*processLock, error) {
	path := filepath.Join(dataDir, "fwctl.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s is held: %w", path, errdefs.ErrAnotherInstanceRunning)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &processLock{path: path, file: f}, nil
}

func (l *processLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer l.file.Close()
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}
