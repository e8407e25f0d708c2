// Package atomicfile provides crash-safe file writes: write to a
// sibling temp file, fsync it, rename into place, then fsync the
// parent directory. Adapted from internal/runstate/fs.Service.WritePID,
// generalized from writing a PID line to writing arbitrary bytes for
// any VM Directory artifact (config.json, nvram.bin, state.bin).
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Write atomically replaces path's contents with data.
func Write(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	af := &afero.Afero{Fs: fs}
	dir := filepath.Dir(path)
	if err := af.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := af.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if f, err := fs.Open(tmp); err == nil {
		if s, ok := f.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
		_ = f.Close()
	}
	if err := fs.Rename(tmp, path); err != nil {
		return err
	}
	if df, err := fs.Open(dir); err == nil {
		if s, ok := df.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
		_ = df.Close()
	}
	return nil
}

// Remove deletes path if present; a missing file is not an error.
func Remove(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
