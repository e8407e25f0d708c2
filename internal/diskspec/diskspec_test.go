package diskspec

import (
	"os"
	"testing"
	"time"

	"github.com/cirruslabs/vmrun/internal/vmerr"
)

func TestParseLocationOnly(t *testing.T) {
	a, err := Parse("/var/vms/data.img")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Location != "/var/vms/data.img" {
		t.Fatalf("Location = %q", a.Location)
	}
	if a.ReadOnly || a.Sync != SyncFull || a.Caching != CachingAutomatic {
		t.Fatalf("unexpected defaults: %+v", a)
	}
}

func TestParseWithOptions(t *testing.T) {
	a, err := Parse("/var/vms/data.img:ro,sync=none,caching=uncached")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Location != "/var/vms/data.img" {
		t.Fatalf("Location = %q", a.Location)
	}
	if !a.ReadOnly || a.Sync != SyncNone || a.Caching != CachingUncached {
		t.Fatalf("unexpected attachment: %+v", a)
	}
}

func TestParseColonInLocationIsPreserved(t *testing.T) {
	// The last segment "8080" doesn't look like an option list, so the
	// whole string must be read back as the location.
	a, err := Parse("nbd://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Location != "nbd://127.0.0.1:8080" {
		t.Fatalf("Location = %q, want whole string preserved", a.Location)
	}
	if a.Kind != KindNetworkBlockDevice {
		t.Fatalf("Kind = %v, want KindNetworkBlockDevice", a.Kind)
	}
}

func TestParseUnknownOptionRejected(t *testing.T) {
	_, err := Parse("/var/vms/data.img:bogus")
	if vmerr.KindOf(err) != vmerr.KindInvalidSpec {
		t.Fatalf("err = %v, want KindInvalidSpec", err)
	}
}

func TestParseAMD64ISORejected(t *testing.T) {
	_, err := Parse("/var/vms/installer-amd64.iso")
	if vmerr.KindOf(err) != vmerr.KindArchMismatch {
		t.Fatalf("err = %v, want KindArchMismatch", err)
	}
}

func TestClassifyBlockDevice(t *testing.T) {
	prev := statFn
	defer func() { statFn = prev }()
	statFn = func(name string) (os.FileInfo, error) {
		return fakeDeviceInfo{}, nil
	}

	a, err := Parse("/dev/disk9")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind != KindBlockDevice {
		t.Fatalf("Kind = %v, want KindBlockDevice", a.Kind)
	}
}

func TestParseOptionsEmptyIsDefaults(t *testing.T) {
	a, err := ParseOptions("")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if a.Location != "" || a.Sync != SyncFull || a.Caching != CachingAutomatic || a.ReadOnly {
		t.Fatalf("unexpected defaults: %+v", a)
	}
}

func TestParseOptionsNonEmpty(t *testing.T) {
	a, err := ParseOptions("ro,caching=cached")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !a.ReadOnly || a.Caching != CachingCached || a.Sync != SyncFull {
		t.Fatalf("unexpected attachment: %+v", a)
	}
}

func TestStringRoundTrip(t *testing.T) {
	a, err := Parse("/var/vms/data.img:ro,sync=fsync")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	back, err := Parse(a.String())
	if err != nil {
		t.Fatalf("re-parse %q: %v", a.String(), err)
	}
	if back.ReadOnly != a.ReadOnly || back.Sync != a.Sync || back.Caching != a.Caching {
		t.Fatalf("round trip mismatch: %+v vs %+v", a, back)
	}
}

type fakeDeviceInfo struct{}

func (fakeDeviceInfo) Name() string      { return "disk9" }
func (fakeDeviceInfo) Size() int64       { return 0 }
func (fakeDeviceInfo) Mode() os.FileMode { return os.ModeDevice }
func (fakeDeviceInfo) ModTime() time.Time { return time.Time{} }
func (fakeDeviceInfo) IsDir() bool       { return false }
func (fakeDeviceInfo) Sys() interface{}  { return nil }
