// Package netselect implements the Network Selector (spec §4.5):
// choose exactly one of {shared-NAT, bridged(list), isolating-filter,
// host-only}, validate mutual exclusion, and describe what the filter
// helper subprocess needs to be spawned with. New code — no prior
// network-mode selection existed to build on (the prior engine
// hard-codes a NAT attachment) — grounded on the validation-pass shape
// of its cobra flag wiring and on the device shapes in
// other_examples/crc-org-vfkit__cmdline.go (virtioNet/bridged).
package netselect

import (
	"fmt"
	"net"

	"github.com/cirruslabs/vmrun/internal/vmerr"
)

type Kind int

const (
	KindSharedNAT Kind = iota
	KindBridged
	KindIsolatedFilter
	KindHostOnly
)

// Plan is the selected, validated network configuration for a run
// (spec §3 Network Plan).
type Plan struct {
	Kind       Kind
	Interfaces []string // Bridged only
	ExtraArgs  []string // IsolatedFilter / HostOnly only
}

// Options mirrors the CLI surface's network-related flags (spec §6)
// before validation.
type Options struct {
	Bridged            []string // values of repeated --net-bridged; "list" is special
	Softnet            bool
	SoftnetAllowCIDRs  []string
	SoftnetExposePorts []string
	HostOnly           bool

	Graphics           bool
	NoGraphics         bool
	CapturesSystemKeys bool
	VNC                bool
	VNCExperimental    bool
	Nested             bool
	NestedSupported    bool // host capability probe result
}

// ErrInformational is returned by Select when the caller asked for
// --net-bridged=list: the selector enumerated host interfaces and the
// CLI should print them and exit 0 without starting a VM (spec §4.5,
// §8 scenario 5).
type ErrInformational struct {
	Interfaces []string
}

func (e *ErrInformational) Error() string {
	return fmt.Sprintf("%d bridgeable interfaces available", len(e.Interfaces))
}

// interfaceLister is overridden in tests.
var interfaceLister = net.Interfaces

// Select validates opts and returns the selected Plan, or an error
// (InvalidOptions, Unsupported, or the informational "list" sentinel).
func Select(opts Options) (Plan, error) {
	bridgedRequested := len(opts.Bridged) > 0
	for _, v := range opts.Bridged {
		if v == "list" {
			names, err := listInterfaces()
			if err != nil {
				return Plan{}, err
			}
			return Plan{}, &ErrInformational{Interfaces: names}
		}
	}

	// Specifying any filter-subsystem sub-option implies isolated_filter,
	// and must be folded in before mutual exclusion is checked: e.g.
	// --net-bridged combined with --net-softnet-allow (without an
	// explicit --net-softnet) is still two network modes at once.
	filterSubOptionsGiven := len(opts.SoftnetAllowCIDRs) > 0 || len(opts.SoftnetExposePorts) > 0
	if filterSubOptionsGiven && !opts.Softnet {
		opts.Softnet = true
	}

	exclusiveCount := 0
	if bridgedRequested {
		exclusiveCount++
	}
	if opts.Softnet {
		exclusiveCount++
	}
	if opts.HostOnly {
		exclusiveCount++
	}
	if exclusiveCount > 1 {
		return Plan{}, vmerr.New(vmerr.KindInvalidOptions,
			"--net-bridged, --net-softnet, and --net-host are mutually exclusive")
	}

	if opts.Graphics && opts.NoGraphics {
		return Plan{}, vmerr.New(vmerr.KindInvalidOptions, "--graphics and --no-graphics are mutually exclusive")
	}

	if opts.CapturesSystemKeys {
		if opts.NoGraphics || opts.VNC || opts.VNCExperimental {
			return Plan{}, vmerr.New(vmerr.KindInvalidOptions,
				"--captures-system-keys requires the native UI and is incompatible with --no-graphics, --vnc, and --vnc-experimental")
		}
	}

	if opts.Nested && !opts.NestedSupported {
		return Plan{}, vmerr.New(vmerr.KindUnsupported, "nested virtualization is not supported on this host")
	}

	switch {
	case opts.Softnet:
		return Plan{Kind: KindIsolatedFilter, ExtraArgs: filterArgs(opts)}, nil
	case opts.HostOnly:
		return Plan{Kind: KindHostOnly, ExtraArgs: filterArgs(opts)}, nil
	case bridgedRequested:
		return Plan{Kind: KindBridged, Interfaces: opts.Bridged}, nil
	default:
		return Plan{Kind: KindSharedNAT}, nil
	}
}

func filterArgs(opts Options) []string {
	var args []string
	for _, c := range opts.SoftnetAllowCIDRs {
		args = append(args, "--allow", c)
	}
	for _, p := range opts.SoftnetExposePorts {
		args = append(args, "--expose", p)
	}
	return args
}

func listInterfaces() ([]string, error) {
	ifaces, err := interfaceLister()
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindNetwork, "enumerate host interfaces", err)
	}
	var names []string
	for _, i := range ifaces {
		names = append(names, i.Name)
	}
	return names, nil
}

// ValidateBridgeTargets reports Network/Bridge (spec §7) if any
// requested interface name in a Bridged plan has no matching host
// interface.
func ValidateBridgeTargets(plan Plan) error {
	if plan.Kind != KindBridged {
		return nil
	}
	ifaces, err := interfaceLister()
	if err != nil {
		return vmerr.Wrap(vmerr.KindNetwork, "enumerate host interfaces", err)
	}
	known := make(map[string]bool, len(ifaces))
	for _, i := range ifaces {
		known[i.Name] = true
	}
	for _, want := range plan.Interfaces {
		if !known[want] {
			return vmerr.New(vmerr.KindNetwork, fmt.Sprintf("no bridged interface named %q", want))
		}
	}
	return nil
}
