// Package vmdir owns the on-disk layout of a single VM Directory
// (spec §3, §4.3, §6): config.json, disk.img, nvram.bin, an optional
// state.bin, and the sock control socket. Grounded on
// internal/vmstore/fs.Store (JSON persistence, DefaultBaseDir) and
// internal/runstate/fs.Service (atomic-write helpers, now generalized
// in internal/atomicfile).
package vmdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cirruslabs/vmrun/internal/atomicfile"
	"github.com/cirruslabs/vmrun/internal/lockutil"
	"github.com/cirruslabs/vmrun/internal/vmconfig"
	"github.com/cirruslabs/vmrun/internal/vmerr"
	"github.com/spf13/afero"
)

// HomeDir resolves the VM home directory: TART_HOME if set and
// non-empty, else a default under the user's home (spec §6).
func HomeDir() string {
	if v := os.Getenv("TART_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tart")
	}
	return filepath.Join(home, ".tart")
}

// Directory is a handle onto one VM's on-disk layout.
type Directory struct {
	baseDir string
	name    string
	fs      afero.Fs
}

func Open(homeDir, name string) *Directory {
	return &Directory{baseDir: homeDir, name: name, fs: afero.NewOsFs()}
}

func OpenWithFS(homeDir, name string, fs afero.Fs) *Directory {
	return &Directory{baseDir: homeDir, name: name, fs: fs}
}

func (d *Directory) Name() string { return d.name }

func (d *Directory) Path() string { return filepath.Join(d.baseDir, d.name) }

func (d *Directory) ConfigPath() string { return filepath.Join(d.Path(), "config.json") }
func (d *Directory) DiskPath() string   { return filepath.Join(d.Path(), "disk.img") }
func (d *Directory) NVRAMPath() string  { return filepath.Join(d.Path(), "nvram.bin") }
func (d *Directory) StatePath() string  { return filepath.Join(d.Path(), "state.bin") }
func (d *Directory) SockPath() string   { return filepath.Join(d.Path(), "sock") }

// Exists reports whether this VM Directory is present at all (spec
// §7 VMNotFound).
func (d *Directory) Exists() (bool, error) {
	_, err := d.fs.Stat(d.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LoadConfig reads and unmarshals config.json.
func (d *Directory) LoadConfig() (*vmconfig.Config, error) {
	b, err := afero.ReadFile(d.fs, d.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerr.New(vmerr.KindVMNotFound, fmt.Sprintf("vm %q not found", d.name))
		}
		return nil, err
	}
	var cfg vmconfig.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, vmerr.Wrap(vmerr.KindVMConfigurationError, "malformed config.json", err)
	}
	return &cfg, nil
}

// SaveConfig atomically writes config.json.
func (d *Directory) SaveConfig(cfg *vmconfig.Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(d.fs, d.ConfigPath(), b, 0o644)
}

// SaveState atomically writes the suspend-to-disk blob, marking the
// VM suspended (spec §3 VM Running Record: suspended(dir) ≡ saved
// state blob present).
func (d *Directory) SaveState(data []byte) error {
	return atomicfile.Write(d.fs, d.StatePath(), data, 0o644)
}

// LoadState reads the saved-state blob.
func (d *Directory) LoadState() ([]byte, error) {
	return afero.ReadFile(d.fs, d.StatePath())
}

// ClearState removes the saved-state blob (called before resuming, per
// spec §8 scenario 3: "removes state.bin before start(resume=true)").
func (d *Directory) ClearState() error {
	return atomicfile.Remove(d.fs, d.StatePath())
}

// Suspended reports whether a saved-state blob is present (spec §3).
func (d *Directory) Suspended() bool {
	st, err := d.fs.Stat(d.StatePath())
	return err == nil && !st.IsDir()
}

// Running reports whether this VM is currently running (spec §4.3 VM
// Running Record), by delegating to the Lock Manager's non-blocking
// try-lock probe against config.json: opening a second file
// description and attempting to lock it never disturbs an existing
// holder. ctx is unused; the probe is a single non-blocking syscall,
// but the signature matches the Storage Index's ctx-taking callers.
// Only meaningful when this Directory is backed by the real
// filesystem; an afero in-memory filesystem never reports a file as
// locked.
func (d *Directory) Running(ctx context.Context) (bool, error) {
	f, err := os.Open(d.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	return lockutil.IsLocked(f)
}

// EnsureNVRAM creates an empty nvram.bin placeholder if absent.
func (d *Directory) EnsureNVRAM() error {
	if _, err := d.fs.Stat(d.NVRAMPath()); err == nil {
		return nil
	}
	return atomicfile.Write(d.fs, d.NVRAMPath(), nil, 0o644)
}

// MACAddress reads the configured MAC address without requiring the
// caller to load the full config.
func (d *Directory) MACAddress() (string, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return "", err
	}
	return cfg.MACAddress, nil
}

// OpenConfigFileForLock opens config.json as a real *os.File (not via
// the afero.Fs abstraction: advisory locks require a genuine file
// descriptor). It is a fresh descriptor, separate from the one
// LoadConfig reads through; the Lock Manager's ordering constraint —
// spec §4.4 — is that the config has been read before this file is
// locked. The caller owns the returned file and must close it after
// releasing the lock.
func (d *Directory) OpenConfigFileForLock() (*os.File, error) {
	f, err := os.OpenFile(d.ConfigPath(), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerr.New(vmerr.KindVMNotFound, fmt.Sprintf("vm %q not found", d.name))
		}
		return nil, err
	}
	return f, nil
}
