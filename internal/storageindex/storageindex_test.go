package storageindex

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cirruslabs/vmrun/internal/lockutil"
	"github.com/cirruslabs/vmrun/internal/vmconfig"
	"github.com/spf13/afero"
)

func seedVM(t *testing.T, homeDir, name string, cfg vmconfig.Config) {
	t.Helper()
	dir := filepath.Join(homeDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestListEnumeratesVMDirectories(t *testing.T) {
	home := t.TempDir()
	seedVM(t, home, "alpha", vmconfig.Config{MACAddress: "aa:bb:cc:dd:ee:01"})
	seedVM(t, home, "beta", vmconfig.Config{MACAddress: "aa:bb:cc:dd:ee:02"})

	idx := NewWithFS(home, afero.NewOsFs())
	entries, err := idx.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "alpha" || entries[1].Name != "beta" {
		t.Fatalf("entries not sorted by name: %+v", entries)
	}
}

func TestListOnMissingHomeDirReturnsEmpty(t *testing.T) {
	idx := NewWithFS(filepath.Join(t.TempDir(), "does-not-exist"), afero.NewOsFs())
	entries, err := idx.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want empty", entries)
	}
}

func TestRunningPeerWithMACDetectsHeldLock(t *testing.T) {
	home := t.TempDir()
	seedVM(t, home, "alpha", vmconfig.Config{MACAddress: "aa:bb:cc:dd:ee:01"})
	seedVM(t, home, "beta", vmconfig.Config{MACAddress: "aa:bb:cc:dd:ee:01"})

	holder, err := os.OpenFile(filepath.Join(home, "alpha", "config.json"), os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if err := lockutil.TryLockExclusive(holder); err != nil {
		t.Fatalf("TryLockExclusive: %v", err)
	}
	defer lockutil.Unlock(holder)

	idx := NewWithFS(home, afero.NewOsFs())
	peer, found, err := idx.RunningPeerWithMAC(context.Background(), "aa:bb:cc:dd:ee:01", "beta")
	if err != nil {
		t.Fatalf("RunningPeerWithMAC: %v", err)
	}
	if !found || peer != "alpha" {
		t.Fatalf("peer=%q found=%v, want alpha/true", peer, found)
	}
}

func TestRunningPeerWithMACExcludesSelf(t *testing.T) {
	home := t.TempDir()
	seedVM(t, home, "alpha", vmconfig.Config{MACAddress: "aa:bb:cc:dd:ee:01"})

	holder, err := os.OpenFile(filepath.Join(home, "alpha", "config.json"), os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if err := lockutil.TryLockExclusive(holder); err != nil {
		t.Fatalf("TryLockExclusive: %v", err)
	}
	defer lockutil.Unlock(holder)

	idx := NewWithFS(home, afero.NewOsFs())
	_, found, err := idx.RunningPeerWithMAC(context.Background(), "aa:bb:cc:dd:ee:01", "alpha")
	if err != nil {
		t.Fatalf("RunningPeerWithMAC: %v", err)
	}
	if found {
		t.Fatal("found = true, want false: the querying VM itself must be excluded")
	}
}

func TestRunningNamesSwallowsErrors(t *testing.T) {
	// A regular file as the home directory makes enumeration fail with
	// a real error (not "does not exist"), which must be swallowed.
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	names := RunningNames(context.Background(), notADir)
	if names != nil {
		t.Fatalf("names = %v, want nil", names)
	}
}
