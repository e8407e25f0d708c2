package vmconfig

import "testing"

func TestSupportsSaveRestoreMacOSOnly(t *testing.T) {
	if !(Config{OS: OSMacOS}).SupportsSaveRestore() {
		t.Fatal("macOS guest should support save/restore")
	}
	if (Config{OS: OSLinux}).SupportsSaveRestore() {
		t.Fatal("linux guest should not support save/restore")
	}
}

func TestSupportsTrackpadMacOSOnly(t *testing.T) {
	if !(Config{OS: OSMacOS}).SupportsTrackpad() {
		t.Fatal("macOS guest should support a trackpad")
	}
	if (Config{OS: OSLinux}).SupportsTrackpad() {
		t.Fatal("linux guest should not support a trackpad")
	}
}
