package imageref

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func TestParseRecognizesImageReferenceShape(t *testing.T) {
	cases := []string{
		"ghcr.io/org/img:tag",
		"docker.io/library/ubuntu:22.04",
		"registry.example.com:5000/team/image",
	}
	for _, c := range cases {
		ref, ok := Parse(c)
		if !ok || ref != c {
			t.Errorf("Parse(%q) = (%q, %v), want (%q, true)", c, ref, ok, c)
		}
	}
}

func TestParseRejectsNonReferenceShapes(t *testing.T) {
	cases := []string{"", "/var/vms/disk.img", "relative/path", "plainword"}
	for _, c := range cases {
		if _, ok := Parse(c); ok {
			t.Errorf("Parse(%q) = ok=true, want false", c)
		}
	}
}

type fakeResolver struct {
	path string
	err  error
}

func (f fakeResolver) Resolve(ctx context.Context, ref string) (string, error) {
	return f.path, f.err
}

func TestClonerCopiesResolvedImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/src/base.img", []byte("image-bytes"), 0o644); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	c := NewCloner(fs, fakeResolver{path: "/src/base.img"})
	cloned, err := c.Clone(context.Background(), "ghcr.io/org/img:tag", "/tmp")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer cloned.Release()

	data, err := afero.ReadFile(fs, cloned.Path)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", cloned.Path, err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("data = %q", data)
	}

	if err := cloned.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := afero.Exists(fs, cloned.Path); ok {
		t.Fatal("clone directory still exists after Release")
	}
}

func TestClonerPropagatesResolveFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewCloner(fs, fakeResolver{err: context.DeadlineExceeded})
	if _, err := c.Clone(context.Background(), "ghcr.io/org/img:tag", "/tmp"); err == nil {
		t.Fatal("expected an error from a failing resolver")
	}
}

func TestUnsupportedResolverAlwaysFails(t *testing.T) {
	if _, err := (UnsupportedResolver{}).Resolve(context.Background(), "ghcr.io/org/img:tag"); err == nil {
		t.Fatal("expected UnsupportedResolver to fail")
	}
}
