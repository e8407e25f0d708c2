package lockutil

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestTryLockExclusiveThenIsLockedFromSecondDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	holder, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if err := TryLockExclusive(holder); err != nil {
		t.Fatalf("TryLockExclusive(holder): %v", err)
	}
	defer Unlock(holder)

	observer, err := os.Open(path)
	if err != nil {
		t.Fatalf("open observer: %v", err)
	}
	defer observer.Close()

	locked, err := IsLocked(observer)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Fatal("IsLocked = false, want true while holder retains the lock")
	}
}

func TestIsLockedFalseWhenUnheld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	locked, err := IsLocked(f)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("IsLocked = true, want false when nobody holds the lock")
	}
}

func TestTryLockExclusiveFailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	holder, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if err := TryLockExclusive(holder); err != nil {
		t.Fatalf("TryLockExclusive(holder): %v", err)
	}
	defer Unlock(holder)

	second, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	err = TryLockExclusive(second)
	if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
		t.Fatalf("TryLockExclusive(second) = %v, want EWOULDBLOCK/EAGAIN", err)
	}
}

func TestLockHomeReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	release, err := LockHome(dir)
	if err != nil {
		t.Fatalf("LockHome: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// After release, a second acquisition must succeed without blocking
	// (spec §5: the home lock is held only briefly before release).
	release2, err := LockHome(dir)
	if err != nil {
		t.Fatalf("LockHome after release: %v", err)
	}
	if err := release2(); err != nil {
		t.Fatalf("release2: %v", err)
	}
}

func TestLockVMConfigReleaseUnlocksAndCloses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	release, err := LockVMConfig(f)
	if err != nil {
		t.Fatalf("LockVMConfig: %v", err)
	}

	observer, err := os.Open(path)
	if err != nil {
		t.Fatalf("open observer: %v", err)
	}
	defer observer.Close()

	locked, err := IsLocked(observer)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Fatal("IsLocked = false, want true while LockVMConfig's lock is held")
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	locked, err = IsLocked(observer)
	if err != nil {
		t.Fatalf("IsLocked after release: %v", err)
	}
	if locked {
		t.Fatal("IsLocked = true, want false after release")
	}
}

func TestLockVMConfigFailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	holder, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if err := TryLockExclusive(holder); err != nil {
		t.Fatalf("TryLockExclusive(holder): %v", err)
	}
	defer Unlock(holder)

	second, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	_, err = LockVMConfig(second)
	if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
		t.Fatalf("LockVMConfig(second) = %v, want EWOULDBLOCK/EAGAIN", err)
	}
}

func TestWithDirLockRunsFnUnderLock(t *testing.T) {
	dir := t.TempDir()
	ran := false
	err := WithDirLock(dir, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithDirLock: %v", err)
	}
	if !ran {
		t.Fatal("fn was not invoked")
	}
}
