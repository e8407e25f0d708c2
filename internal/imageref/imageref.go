// Package imageref is the engine's consumed interface onto the
// out-of-scope OCI image subsystem (spec §1: "the OCI registry client
// ... described in §6 only by the interfaces it exposes"). It
// recognizes the shape of a remote image reference for DiskSpec
// classification (spec §4.1) and performs the engine-owned clone step
// for remote-image-ref disk attachments (spec §4.6).
package imageref

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/cirruslabs/vmrun/internal/vmerr"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// refPattern matches references of the shape host[:port]/path[:tag],
// e.g. ghcr.io/org/img:tag, where host is a dotted domain name or
// localhost, so relative paths such as relative/path or ./disk.img are
// not taken for references. It intentionally does not validate
// against the full OCI distribution spec grammar — that grammar lives
// in the (out-of-scope) registry client this package stands in for.
var refPattern = regexp.MustCompile(`^([a-zA-Z0-9\-]+(\.[a-zA-Z0-9\-]+)+|localhost)(:[0-9]+)?(/[a-zA-Z0-9._\-]+)+(:[a-zA-Z0-9._\-]+)?$`)

// Parse reports whether location has the shape of a remote image
// reference, and is used by diskspec.classify as the last
// classification step (spec §4.1 step 3).
func Parse(location string) (ref string, ok bool) {
	if location == "" {
		return "", false
	}
	if refPattern.MatchString(location) {
		return location, true
	}
	return "", false
}

// Resolver is the minimal interface this engine needs from the OCI
// image subsystem: given a reference, produce a local path to a
// read-only backing image. The real implementation lives outside this
// spec's scope; a resolver is injected so the engine can be tested
// without a registry.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (localPath string, err error)
}

// Cloner copies a resolved remote image into an engine-owned temporary
// directory so it can be attached like any other disk image, and the
// clone can be torn down by unlink after process exit (spec §4.6,
// §5 "Resource lifetimes").
type Cloner struct {
	fs       afero.Fs
	resolver Resolver
}

func NewCloner(fs afero.Fs, resolver Resolver) *Cloner {
	return &Cloner{fs: fs, resolver: resolver}
}

// ClonedDisk is the result of cloning a remote-image-ref attachment.
type ClonedDisk struct {
	Path string
	// Release removes the temporary clone directory. Callers must
	// register it with the lifecycle controller's scoped-resource
	// stack so it fires on every exit path.
	Release func() error
}

// Clone resolves ref and copies the resulting image into a fresh
// temporary directory under baseTmpDir.
func (c *Cloner) Clone(ctx context.Context, ref string, baseTmpDir string) (ClonedDisk, error) {
	src, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return ClonedDisk{}, fmt.Errorf("resolve image reference %q: %w", ref, err)
	}

	dir := filepath.Join(baseTmpDir, "clone-"+uuid.NewString())
	af := &afero.Afero{Fs: c.fs}
	if err := af.MkdirAll(dir, 0o755); err != nil {
		return ClonedDisk{}, err
	}

	dst := filepath.Join(dir, "disk.img")
	if err := copyFile(c.fs, src, dst); err != nil {
		_ = af.RemoveAll(dir)
		return ClonedDisk{}, fmt.Errorf("clone image: %w", err)
	}

	return ClonedDisk{
		Path: dst,
		Release: func() error {
			return af.RemoveAll(dir)
		},
	}, nil
}

// copyFile is adapted from internal/artifacts/fs.FsVmArtifacts.copyFile.
func copyFile(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if s, ok := out.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// UnsupportedResolver is the default Resolver used when no registry
// client collaborator has been wired in; it always fails with
// Unsupported, matching spec §1's treatment of the OCI registry client
// as an external collaborator this engine does not implement.
type UnsupportedResolver struct{}

func (UnsupportedResolver) Resolve(ctx context.Context, ref string) (string, error) {
	return "", vmerr.New(vmerr.KindUnsupported, fmt.Sprintf("no OCI image resolver configured: cannot resolve %q", ref))
}
