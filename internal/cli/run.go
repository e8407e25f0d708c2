package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Code-Hex/vz/v3"
	"github.com/cirruslabs/vmrun/internal/chrome"
	"github.com/cirruslabs/vmrun/internal/controlsock"
	"github.com/cirruslabs/vmrun/internal/dirshare"
	"github.com/cirruslabs/vmrun/internal/diskspec"
	"github.com/cirruslabs/vmrun/internal/device"
	"github.com/cirruslabs/vmrun/internal/imageref"
	"github.com/cirruslabs/vmrun/internal/lifecycle"
	"github.com/cirruslabs/vmrun/internal/netselect"
	"github.com/cirruslabs/vmrun/internal/provider/vfkit"
	"github.com/cirruslabs/vmrun/internal/runctx"
	"github.com/cirruslabs/vmrun/internal/storageindex"
	"github.com/cirruslabs/vmrun/internal/telemetry"
	"github.com/cirruslabs/vmrun/internal/vmdir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// filterHelperPathEnv names the environment variable this engine reads
// the isolating packet filter helper binary's path from (spec §4.5,
// §6). The helper itself is an out-of-scope external collaborator
// (spec §1); only its subprocess protocol is specified here, so the
// CLI surface table in spec §6 never names a flag for it.
const filterHelperPathEnv = "VMRUN_FILTER_HELPER_PATH"

type runFlags struct {
	NoGraphics         bool
	Graphics           bool
	Serial             bool
	SerialPath         string
	NoAudio            bool
	NoClipboard        bool
	Recovery           bool
	VNC                bool
	VNCExperimental    bool
	Disks              []string
	RosettaTag         string
	Dirs               []string
	Nested             bool
	NetBridged         []string
	NetSoftnet         bool
	NetSoftnetAllow    []string
	NetSoftnetExpose   []string
	NetHost            bool
	RootDiskOpts       string
	Suspendable        bool
	CapturesSystemKeys bool
	NoTrackpad         bool
	PrintVfkitCmdline  bool
}

var rf runFlags

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.BoolVar(&rf.NoGraphics, "no-graphics", false, "run headless")
	f.BoolVar(&rf.Graphics, "graphics", false, "run with the native UI")
	f.BoolVar(&rf.Serial, "serial", false, "allocate a pseudo-terminal for the serial console")
	f.StringVar(&rf.SerialPath, "serial-path", "", "attach the serial console to an existing path instead of a fresh PTY")
	f.BoolVar(&rf.NoAudio, "no-audio", false, "disable the audio device")
	f.BoolVar(&rf.NoClipboard, "no-clipboard", false, "disable clipboard sharing")
	f.BoolVar(&rf.Recovery, "recovery", false, "start up from macOS recovery")
	f.BoolVar(&rf.VNC, "vnc", false, "publish a remote-display (VNC-style) endpoint")
	f.BoolVar(&rf.VNCExperimental, "vnc-experimental", false, "publish an experimental remote-display endpoint")
	f.StringArrayVar(&rf.Disks, "disk", nil, "attach an additional disk (repeatable, see DiskSpec grammar)")
	f.StringVar(&rf.RosettaTag, "rosetta", "", "mount tag for the Rosetta translation share (linux guests only)")
	f.StringArrayVar(&rf.Dirs, "dir", nil, "share a host directory (repeatable, see DirShareSpec grammar)")
	f.BoolVar(&rf.Nested, "nested", false, "enable nested virtualization")
	f.StringArrayVar(&rf.NetBridged, "net-bridged", nil, `bridge to a host interface by name, or "list" to enumerate them`)
	f.BoolVar(&rf.NetSoftnet, "net-softnet", false, "use the isolating packet-filter network helper")
	f.StringArrayVar(&rf.NetSoftnetAllow, "net-softnet-allow", nil, "CIDR allowed through the filter helper (repeatable)")
	f.StringArrayVar(&rf.NetSoftnetExpose, "net-softnet-expose", nil, "port spec exposed through the filter helper (repeatable)")
	f.BoolVar(&rf.NetHost, "net-host", false, "host-only networking via the filter helper")
	f.StringVar(&rf.RootDiskOpts, "root-disk-opts", "", "options for the root disk (see DiskSpec grammar, location omitted)")
	f.BoolVar(&rf.Suspendable, "suspendable", false, "allow suspend-to-disk (SIGUSR1); macOS guests only")
	f.BoolVar(&rf.CapturesSystemKeys, "captures-system-keys", false, "let the native UI capture system key combinations")
	f.BoolVar(&rf.NoTrackpad, "no-trackpad", false, "do not attach a virtual trackpad (macOS guests only)")
	f.BoolVar(&rf.PrintVfkitCmdline, "print-vfkit-cmdline", false, "print the equivalent vfkit invocation and exit (diagnostic only; vfkit is not used as the runtime)")
}

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a VM to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context(), args[0], rf)
	},
}

func runEngine(ctx context.Context, name string, f runFlags) error {
	run, err := buildRunContext(name, f)
	if err != nil {
		if err == informationalExit {
			return nil
		}
		return err
	}

	homeDir := vmdir.HomeDir()
	dir := vmdir.Open(homeDir, name)
	index := storageindex.New(homeDir)

	// run.RootDiskOptions carries only the parsed --root-disk-opts
	// option list (spec §4.6: "the root disk's location is always the
	// VM Directory's own disk.img, never user-supplied"); the location
	// itself is filled in here once the VM Directory is known.
	run.RootDiskOptions.Location = dir.DiskPath()

	if f.PrintVfkitCmdline {
		cfg, loadErr := dir.LoadConfig()
		if loadErr != nil {
			return loadErr
		}
		cfg.MACAddress = orDefaultMAC(cfg.MACAddress)
		argv, descErr := vfkit.DescribeCommandLine(cfg, run)
		if descErr != nil {
			return descErr
		}
		fmt.Println(argv)
		return nil
	}

	var ctrl *controlsock.Server
	if ok, existsErr := dir.Exists(); existsErr == nil && ok {
		ctrl, err = controlsock.Listen(dir.SockPath())
		if err != nil {
			slog.Warn("control socket unavailable", "error", err)
			ctrl = nil
		}
	}
	if ctrl != nil {
		defer ctrl.Close()
	}

	mode := chrome.SelectMode(chrome.Options{
		Graphics:        f.Graphics,
		NoGraphics:      f.NoGraphics,
		VNC:             f.VNC,
		VNCExperimental: f.VNCExperimental,
	})
	slog.Info("display mode selected", "mode", mode)

	deps := lifecycle.Deps{
		Dir:     dir,
		Index:   index,
		HomeDir: homeDir,
		DeviceOptions: device.Options{
			FilterHelperPath: os.Getenv(filterHelperPathEnv),
			CloneTmpDir:      os.TempDir(),
			Cloner:           clonerAdapter{imageref.NewCloner(afero.NewOsFs(), imageref.UnsupportedResolver{})},
		},
		Telemetry: telemetry.Noop{},
	}
	if ctrl != nil {
		deps.ControlSource = ctrl
	}
	// deps.Window is left nil in every display mode, native UI
	// included: the GUI window host is out of scope (spec §1, §4.10),
	// so no window-closed events are ever produced.

	controller := lifecycle.New(deps)
	return controller.Run(ctx, name, run)
}

func buildRunContext(name string, f runFlags) (runctx.Context, error) {
	netOpts := netselect.Options{
		Bridged:            f.NetBridged,
		Softnet:            f.NetSoftnet,
		SoftnetAllowCIDRs:  f.NetSoftnetAllow,
		SoftnetExposePorts: f.NetSoftnetExpose,
		HostOnly:           f.NetHost,
		Graphics:           f.Graphics,
		NoGraphics:         f.NoGraphics,
		CapturesSystemKeys: f.CapturesSystemKeys,
		VNC:                f.VNC,
		VNCExperimental:    f.VNCExperimental,
		Nested:             f.Nested,
		NestedSupported:    vz.IsNestedVirtualizationSupported(),
	}
	netPlan, err := netselect.Select(netOpts)
	if err != nil {
		var info *netselect.ErrInformational
		if errors.As(err, &info) {
			for _, iface := range info.Interfaces {
				fmt.Println(iface)
			}
			return runctx.Context{}, informationalExit
		}
		return runctx.Context{}, err
	}
	if err := netselect.ValidateBridgeTargets(netPlan); err != nil {
		return runctx.Context{}, err
	}

	rootOpts, err := diskspec.ParseOptions(f.RootDiskOpts)
	if err != nil {
		return runctx.Context{}, err
	}

	diskPlans := make([]diskspec.Attachment, 0, len(f.Disks))
	for _, spec := range f.Disks {
		a, err := diskspec.Parse(spec)
		if err != nil {
			return runctx.Context{}, err
		}
		diskPlans = append(diskPlans, a)
	}

	dirPlans := make([]dirshare.Share, 0, len(f.Dirs))
	for _, spec := range f.Dirs {
		s, err := dirshare.Parse(spec)
		if err != nil {
			return runctx.Context{}, err
		}
		dirPlans = append(dirPlans, s)
	}
	if err := dirshare.ValidateGroup(dirPlans); err != nil {
		return runctx.Context{}, err
	}

	serial := runctx.SerialPlan{AllocatePTY: f.Serial, ExternalPath: f.SerialPath}

	return runctx.Context{
		VMName:          name,
		NetworkPlan:     netPlan,
		DiskPlans:       diskPlans,
		DirSharePlans:   dirPlans,
		SerialPlan:      serial,
		Suspendable:     f.Suspendable,
		Nested:          f.Nested,
		Audio:           !f.NoAudio,
		Clipboard:       !f.NoClipboard,
		RootDiskOptions: rootOpts,
		Graphics:        !f.NoGraphics,
		VNC:             runctx.VNCPlan{Enabled: f.VNC || f.VNCExperimental, Experimental: f.VNCExperimental},
		Recovery:        f.Recovery,
		NoTrackpad:      f.NoTrackpad,
		RosettaTag:      f.RosettaTag,
	}, nil
}

// informationalExit is a sentinel threaded through buildRunContext's
// error return for `--net-bridged=list` (spec §8 scenario 5: "prints
// enumerated interfaces and exits informationally"). runEngine
// recognizes it and returns nil instead of propagating it as a
// failure.
var informationalExit = errors.New("informational exit")

// clonerAdapter satisfies device.Clone by converting imageref's own
// ClonedDisk (a distinct named type with the same shape) into
// device.ClonedDisk. imageref and device each define their own result
// type rather than one importing the other, so this is the seam where
// the two meet.
type clonerAdapter struct {
	cloner *imageref.Cloner
}

func (c clonerAdapter) Clone(ctx context.Context, ref string, baseTmpDir string) (device.ClonedDisk, error) {
	cloned, err := c.cloner.Clone(ctx, ref, baseTmpDir)
	if err != nil {
		return device.ClonedDisk{}, err
	}
	return device.ClonedDisk{Path: cloned.Path, Release: cloned.Release}, nil
}

func orDefaultMAC(mac string) string {
	if mac != "" {
		return mac
	}
	return "00:00:00:00:00:00"
}
