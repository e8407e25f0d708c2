// Package lockutil implements the Lock Manager (spec §4.4): advisory
// file locks over the VM-directory config file and over the global VM
// home directory. Ported and extended from
// lima-vm-lima/pkg/lockutil/lockutil_unix.go, the only flock-based
// code in the example corpus.
//
// Ordering constraint (spec §4.4, §8 — critical and easy to get
// wrong): LockVMConfig must only be called after the VM's config
// document has been read into memory; the *os.File it locks may be a
// fresh descriptor opened just for locking. Advisory locks are per-open-file
// description on Darwin; opening a second file description and
// reading through it after locking a first one would silently operate
// on config data that was never protected by the lock that is
// nominally held.
package lockutil

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Flock wraps unix.Flock with EINTR retry, exactly as lima-vm-lima
// does it.
func Flock(f *os.File, how int) error {
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, how)
		if err == nil || err != unix.EINTR {
			return err
		}
	}
}

// WithDirLock blocking-locks dir exclusively for the duration of fn.
// Ported verbatim in shape from lima-vm-lima's WithDirLock.
func WithDirLock(dir string, fn func() error) error {
	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dirFile.Close()
	if err := Flock(dirFile, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %q: %w", dir, err)
	}
	defer func() {
		if err := Flock(dirFile, unix.LOCK_UN); err != nil {
			logrus.WithError(err).Errorf("failed to unlock %q", dir)
		}
	}()
	return fn()
}

// LockHome opens and blocking-exclusive-locks the VM home directory
// (spec §4.4 "Home lock"). The caller must release as soon as the
// per-VM lock has been secured (spec §5 ordering guarantee).
func LockHome(homeDir string) (release func() error, err error) {
	f, err := os.Open(homeDir)
	if err != nil {
		return nil, err
	}
	if err := Flock(f, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock home directory %q: %w", homeDir, err)
	}
	return func() error {
		err := Flock(f, unix.LOCK_UN)
		f.Close()
		return err
	}, nil
}

// TryLockExclusive attempts a non-blocking exclusive lock on f,
// returning an error immediately if another process already holds it.
func TryLockExclusive(f *os.File) error {
	return Flock(f, unix.LOCK_EX|unix.LOCK_NB)
}

// IsLocked reports whether f is currently locked by another process,
// by attempting and immediately releasing a non-blocking lock. Used
// by vmdir.Directory.Running, which the Storage Index calls (spec §4.3).
func IsLocked(f *os.File) (bool, error) {
	err := TryLockExclusive(f)
	if err == nil {
		_ = Flock(f, unix.LOCK_UN)
		return false, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return true, nil
	}
	return false, err
}

// Unlock releases a lock acquired with TryLockExclusive or Flock.
func Unlock(f *os.File) error {
	return Flock(f, unix.LOCK_UN)
}

// LockVMConfig try-locks an already-open config.json file descriptor
// (spec §4.4 "VM lock"), returning a release func that unlocks and
// closes f. The caller must have read the config document into
// memory strictly before calling this function (see the package-level
// ordering constraint); LockVMConfig itself has no way to enforce
// that.
func LockVMConfig(f *os.File) (release func() error, err error) {
	if err := TryLockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		unlockErr := Flock(f, unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}
