// Package runctx defines the Run Context (spec §3): the immutable
// tuple of everything Device Assembly and the Lifecycle Controller
// need for a single `run` invocation, once the CLI's option record has
// been parsed into structured plans.
package runctx

import (
	"github.com/cirruslabs/vmrun/internal/diskspec"
	"github.com/cirruslabs/vmrun/internal/dirshare"
	"github.com/cirruslabs/vmrun/internal/netselect"
)

// SerialPlan describes how the serial device should be attached
// (spec §4.6): either a freshly-allocated PTY, or an externally
// provided path.
type SerialPlan struct {
	AllocatePTY  bool
	ExternalPath string
}

// VNCPlan configures the optional remote-display (VNC-style) server
// (spec §4.7).
type VNCPlan struct {
	Enabled      bool
	Experimental bool
}

// Context is the immutable Run Context (spec §3).
type Context struct {
	VMName          string
	NetworkPlan     netselect.Plan
	DiskPlans       []diskspec.Attachment
	DirSharePlans   []dirshare.Share
	SerialPlan      SerialPlan
	Suspendable     bool
	Nested          bool
	Audio           bool
	Clipboard       bool
	RootDiskOptions diskspec.Attachment
	Graphics        bool
	VNC             VNCPlan
	Recovery        bool
	NoTrackpad      bool
	RosettaTag      string
}
