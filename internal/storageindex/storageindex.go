// Package storageindex implements the Storage Index (spec §4.3, §2):
// enumerate local VM directories by name, and answer "is any peer VM
// running with MAC M?" for collision detection (spec §8). Grounded on
// internal/vmstore/fs.Store.List, generalized beyond the vm-NNN
// sequential naming scheme to arbitrary VM names.
package storageindex

import (
	"context"
	"os"
	"sort"

	"github.com/cirruslabs/vmrun/internal/vmdir"
	"github.com/spf13/afero"
)

type Index struct {
	homeDir string
	fs      afero.Fs
}

func New(homeDir string) *Index {
	return &Index{homeDir: homeDir, fs: afero.NewOsFs()}
}

func NewWithFS(homeDir string, fs afero.Fs) *Index {
	return &Index{homeDir: homeDir, fs: fs}
}

// Entry describes one local VM directory.
type Entry struct {
	Name       string
	Running    bool
	Suspended  bool
	MACAddress string
}

// List enumerates every VM directory under the home directory.
func (idx *Index) List(ctx context.Context) ([]Entry, error) {
	entries, err := afero.ReadDir(idx.fs, idx.homeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d := vmdir.OpenWithFS(idx.homeDir, e.Name(), idx.fs)
		ok, err := d.Exists()
		if err != nil || !ok {
			continue
		}
		cfg, err := d.LoadConfig()
		if err != nil {
			continue
		}
		running, _ := d.Running(ctx)
		out = append(out, Entry{
			Name:       e.Name(),
			Running:    running,
			Suspended:  d.Suspended(),
			MACAddress: cfg.MACAddress,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RunningPeerWithMAC reports the name of another locally-known VM that
// is currently running with the given MAC address, if any (spec §4.8
// collision handling, §8 "Collision handling").
func (idx *Index) RunningPeerWithMAC(ctx context.Context, mac string, exceptName string) (peer string, found bool, err error) {
	entries, err := idx.List(ctx)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Name == exceptName {
			continue
		}
		if e.Running && e.MACAddress == mac {
			return e.Name, true, nil
		}
	}
	return "", false, nil
}

// RunningNames returns the names of every currently-running VM,
// best-effort, for VirtualMachineLimitExceeded error enrichment (spec
// §4.8). Enumeration failures are swallowed per spec §7 — a failed
// hint must never affect the primary exit path — so callers receive a
// possibly-empty slice rather than an error.
func RunningNames(ctx context.Context, homeDir string) []string {
	idx := New(homeDir)
	entries, err := idx.List(ctx)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.Running {
			names = append(names, e.Name)
		}
	}
	return names
}
