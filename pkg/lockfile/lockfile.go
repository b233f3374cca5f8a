// Package lockfile implements cynagora's ".cynagora-lock" advisory
// exclusive lock: held for the daemon's lifetime, its presence is the
// "online" signal offline tooling uses to decide whether to fork a
// daemon or inject rules directly via the admin socket (spec.md §6).
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const name = ".cynagora-lock"

// Lock is a held advisory lock on the data directory.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive, non-blocking advisory lock on
// <dbdir>/.cynagora-lock, creating the directory and file if needed.
// It fails if another process already holds the lock.
func Acquire(dbdir string) (*Lock, error) {
	if err := os.MkdirAll(dbdir, 0700); err != nil {
		return nil, fmt.Errorf("lockfile: create %s: %w", dbdir, err)
	}
	path := filepath.Join(dbdir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile: %s is already locked: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file. The file itself is left
// in place; a later Acquire reuses it.
func (l *Lock) Release() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// Held reports whether dbdir's lock file is currently held, by another
// process or by an earlier Acquire in this one. It probes by taking
// the lock nonblockingly on a fresh descriptor and releasing it again
// at once when that succeeds. Offline tooling
// (cynagora-admin import, dbinit) uses this to decide whether to talk
// to a live daemon over the admin socket or edit the store directly.
func Held(dbdir string) bool {
	path := filepath.Join(dbdir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}
