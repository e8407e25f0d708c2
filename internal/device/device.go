// Package device implements Device Assembly (spec §4.6): a pure
// function from (VM config document, Run Context, Network Plan,
// Disk/DirShare Plans) to a fully specified vz.VirtualMachineConfiguration.
//
// Grounded on internal/provider/vz.Provider.configureDevices,
// generalized along every axis that prior version hard-codes: a
// single disk becomes a disk list with per-plan cache/sync modes; a
// NAT-only network becomes full netselect.Plan dispatch; no
// directory-sharing becomes mount-tag-grouped multi-directory shares;
// and Rosetta, audio, clipboard, and pointing devices (absent there
// entirely) are added per spec §4.6.
package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/Code-Hex/vz/v3"
	"github.com/cavaliergopher/grab/v3"
	"github.com/cirruslabs/vmrun/internal/diskspec"
	"github.com/cirruslabs/vmrun/internal/dirshare"
	"github.com/cirruslabs/vmrun/internal/filterhelper"
	"github.com/cirruslabs/vmrun/internal/netselect"
	"github.com/cirruslabs/vmrun/internal/runctx"
	"github.com/cirruslabs/vmrun/internal/vmconfig"
	"github.com/cirruslabs/vmrun/internal/vmerr"
	"github.com/creack/pty"
)

// Resources accumulates anything Assemble allocated that the caller
// must release on every exit path (spec §5 "scoped-acquisition
// discipline"): PTY file descriptors, cloned-disk directories, and the
// filter-helper subprocess handle.
type Resources struct {
	Releasers    []func() error
	FilterHelper *filterhelper.Handle
	AllocatedPTYPath string
}

func (r *Resources) addReleaser(f func() error) {
	r.Releasers = append(r.Releasers, f)
}

// ReleaseAll runs every registered releaser in LIFO order, continuing
// past individual failures (spec §5: release must happen on all exit
// paths even under partial failure).
func (r *Resources) ReleaseAll() {
	for i := len(r.Releasers) - 1; i >= 0; i-- {
		if err := r.Releasers[i](); err != nil {
			slog.Warn("failed to release run resource", "error", err)
		}
	}
}

// Clone is the minimal interface Assemble needs to turn a
// remote-image-ref attachment into a local disk path (spec §4.6).
type Clone interface {
	Clone(ctx context.Context, ref string, baseTmpDir string) (ClonedDisk, error)
}

type ClonedDisk struct {
	Path    string
	Release func() error
}

// FilterHelperPath and CloneTmpDir are injected rather than
// hard-coded so tests can avoid touching the real filesystem or
// spawning real subprocesses.
type Options struct {
	FilterHelperPath string
	CloneTmpDir      string
	Cloner           Clone

	// NVRAMPath is the VM Directory's nvram.bin (spec §3, §6): the EFI
	// variable store backing this VM's boot configuration. Empty or
	// missing means a fresh store is created in place, exactly as the
	// teacher's provider does for a VM's first boot.
	NVRAMPath string
}

// Assemble builds the complete hardware configuration for a run.
func Assemble(ctx context.Context, cfg *vmconfig.Config, run runctx.Context, opts Options) (*vz.VirtualMachineConfiguration, *Resources, error) {
	res := &Resources{}

	bootLoader, err := efiBootLoader(opts.NVRAMPath)
	if err != nil {
		return nil, res, err
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, cfg.CPUCount, cfg.MemoryBytes)
	if err != nil {
		return nil, res, err
	}

	if run.Nested {
		if !vz.IsNestedVirtualizationSupported() {
			return nil, res, vmerr.New(vmerr.KindUnsupported, "nested virtualization requested but not supported on this host")
		}
		platformCfg, err := vz.NewGenericPlatformConfiguration()
		if err != nil {
			return nil, res, fmt.Errorf("create platform configuration: %w", err)
		}
		if err := platformCfg.SetNestedVirtualizationEnabled(true); err != nil {
			return nil, res, fmt.Errorf("enable nested virtualization: %w", err)
		}
		vmConfig.SetPlatformVirtualMachineConfiguration(platformCfg)
	}

	if err := assembleStorage(ctx, vmConfig, cfg, run, opts, res); err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	if err := assembleSerial(vmConfig, run, res); err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	if err := assembleNetwork(ctx, vmConfig, cfg, run, opts, res); err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	dirDevices, err := assembleDirShares(run)
	if err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	if run.RosettaTag != "" {
		if cfg.OS != vmconfig.OSLinux {
			res.ReleaseAll()
			return nil, res, vmerr.New(vmerr.KindUnsupported, "rosetta translation sharing is only supported for linux guests")
		}
		rosettaDevice, err := assembleRosetta(run.RosettaTag)
		if err != nil {
			res.ReleaseAll()
			return nil, res, err
		}
		dirDevices = append(dirDevices, rosettaDevice)
	}

	if len(dirDevices) > 0 {
		vmConfig.SetDirectorySharingDevicesVirtualMachineConfiguration(dirDevices)
	}

	if run.Audio {
		if sound, err := vz.NewVirtioSoundDeviceConfiguration(); err == nil {
			vmConfig.SetAudioDevicesVirtualMachineConfiguration([]vz.AudioDeviceConfiguration{sound})
		} else {
			slog.Warn("failed to configure audio device", "error", err)
		}
	}

	if err := assemblePointingDevices(vmConfig, cfg, run); err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	if rng, err := vz.NewVirtioEntropyDeviceConfiguration(); err == nil {
		vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{rng})
	}

	if err := validateSuspendable(cfg, run); err != nil {
		res.ReleaseAll()
		return nil, res, err
	}

	if valid, err := vmConfig.Validate(); err != nil {
		res.ReleaseAll()
		return nil, res, err
	} else if !valid {
		res.ReleaseAll()
		return nil, res, vmerr.New(vmerr.KindVMConfigurationError, "virtual machine configuration invalid")
	}

	return vmConfig, res, nil
}

// efiBootLoader opens (or, on first boot, creates) the VM's persistent
// EFI variable store at nvramPath and wires it into the boot loader.
// Grounded on internal/provider/vz.Provider.StartVM's
// NewEFIVariableStore/WithCreatingEFIVariableStore sequence: an empty
// or absent nvram.bin means this is the VM's first start.
func efiBootLoader(nvramPath string) (*vz.EFIBootLoader, error) {
	var storeOpts []vz.NewEFIVariableStoreOption
	if st, err := os.Stat(nvramPath); err != nil || st.Size() == 0 {
		storeOpts = append(storeOpts, vz.WithCreatingEFIVariableStore())
	}
	varStore, err := vz.NewEFIVariableStore(nvramPath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("create efi variable store: %w", err)
	}
	return vz.NewEFIBootLoader(vz.WithEFIVariableStore(varStore))
}

// orderedDiskAttachments returns the root disk plan (when its location
// is set) followed by every additional --disk plan in argument order
// (spec §4.6: "one root disk ..., then the list of additional disks in
// argument order"). Split out as a pure function so the ordering
// itself is testable without constructing any vz device.
func orderedDiskAttachments(run runctx.Context) []diskspec.Attachment {
	plans := make([]diskspec.Attachment, 0, 1+len(run.DiskPlans))
	if run.RootDiskOptions.Location != "" {
		plans = append(plans, run.RootDiskOptions)
	}
	plans = append(plans, run.DiskPlans...)
	return plans
}

func assembleStorage(ctx context.Context, vmConfig *vz.VirtualMachineConfiguration, cfg *vmconfig.Config, run runctx.Context, opts Options, res *Resources) error {
	var storage []vz.StorageDeviceConfiguration

	for _, plan := range orderedDiskAttachments(run) {
		dev, err := attachDisk(ctx, plan, opts, res)
		if err != nil {
			return err
		}
		if dev != nil {
			storage = append(storage, dev)
		}
	}

	if len(storage) > 0 {
		vmConfig.SetStorageDevicesVirtualMachineConfiguration(storage)
	}
	return nil
}

func attachDisk(ctx context.Context, plan diskspec.Attachment, opts Options, res *Resources) (vz.StorageDeviceConfiguration, error) {
	if plan.Location == "" {
		return nil, nil
	}

	path := plan.Location
	if plan.Kind == diskspec.KindRemoteImageRef {
		if opts.Cloner == nil {
			return nil, vmerr.New(vmerr.KindUnsupported, "remote image reference disks require an image resolver")
		}
		cloned, err := opts.Cloner.Clone(ctx, plan.Location, opts.CloneTmpDir)
		if err != nil {
			return nil, err
		}
		res.addReleaser(cloned.Release)
		path = cloned.Path
	}

	if plan.Kind == diskspec.KindBlockDevice && !plan.ReadOnly {
		// A writable attach on a locked local block device must fail
		// fast rather than silently corrupt shared state.
		locked, err := blockDeviceLocked(path)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindFailedToOpenBlockDevice, path, err)
		}
		if locked {
			return nil, vmerr.New(vmerr.KindDiskAlreadyInUse, path)
		}
	}

	caching := vzCachingMode(plan.Caching)
	sync := vzSyncMode(plan.Sync)

	attachment, err := vz.NewDiskImageStorageDeviceAttachmentWithCacheAndSync(path, plan.ReadOnly, caching, sync)
	if err != nil {
		return nil, fmt.Errorf("attach disk %q: %w", path, err)
	}
	return vz.NewVirtioBlockDeviceConfiguration(attachment)
}

// blockDeviceLocked is a replaceable seam for DiskAlreadyInUse
// detection. This default performs no probe and reports every block
// device as unlocked, so DiskAlreadyInUse is never raised with it.
var blockDeviceLocked = func(path string) (bool, error) {
	return false, nil
}

func vzCachingMode(c diskspec.CachingMode) vz.DiskImageCachingMode {
	switch c {
	case diskspec.CachingCached:
		return vz.DiskImageCachingModeCached
	case diskspec.CachingUncached:
		return vz.DiskImageCachingModeUncached
	default:
		return vz.DiskImageCachingModeAutomatic
	}
}

func vzSyncMode(s diskspec.SyncMode) vz.DiskImageSynchronizationMode {
	switch s {
	case diskspec.SyncNone:
		return vz.DiskImageSynchronizationModeNone
	case diskspec.SyncFsync:
		return vz.DiskImageSynchronizationModeFsync
	default:
		return vz.DiskImageSynchronizationModeFull
	}
}

func assembleSerial(vmConfig *vz.VirtualMachineConfiguration, run runctx.Context, res *Resources) error {
	var attachment *vz.FileHandleSerialPortAttachment
	if run.SerialPlan.AllocatePTY {
		ptmx, ptsName, err := pty.Open()
		if err != nil {
			return fmt.Errorf("allocate serial pty: %w", err)
		}
		res.addReleaser(ptmx.Close)
		res.AllocatedPTYPath = ptsName.Name()
		slog.Info("serial console available", "pty", ptsName.Name())

		a, err := vz.NewFileHandleSerialPortAttachment(ptmx, ptmx)
		if err != nil {
			return err
		}
		attachment = a
	} else if run.SerialPlan.ExternalPath != "" {
		a, err := vz.NewFileSerialPortAttachment(run.SerialPlan.ExternalPath, false)
		if err != nil {
			return err
		}
		attachment = a
	} else {
		return nil
	}

	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		return err
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialCfg})
	return nil
}

func assembleNetwork(ctx context.Context, vmConfig *vz.VirtualMachineConfiguration, cfg *vmconfig.Config, run runctx.Context, opts Options, res *Resources) error {
	var attachment vz.NetworkDeviceAttachment
	var err error

	switch run.NetworkPlan.Kind {
	case netselect.KindSharedNAT:
		attachment, err = vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return err
		}
	case netselect.KindBridged:
		ifaces := vz.NetworkInterfaces()
		var match *vz.BridgedNetworkInterface
		for _, i := range ifaces {
			for _, want := range run.NetworkPlan.Interfaces {
				if i.Identifier() == want {
					match = i
				}
			}
		}
		if match == nil {
			return vmerr.New(vmerr.KindNetwork, fmt.Sprintf("no bridged interface matches %v", run.NetworkPlan.Interfaces))
		}
		attachment, err = vz.NewBridgedNetworkDeviceAttachment(match)
		if err != nil {
			return err
		}
	case netselect.KindIsolatedFilter, netselect.KindHostOnly:
		if opts.FilterHelperPath == "" {
			return vmerr.New(vmerr.KindUnsupported, "isolated/host-only networking requires the filter helper binary")
		}
		handle, err := filterhelper.Spawn(ctx, opts.FilterHelperPath, cfg.MACAddress, run.NetworkPlan.ExtraArgs)
		if err != nil {
			return err
		}
		res.FilterHelper = handle
		res.addReleaser(handle.Stop)
		attachment, err = vz.NewFileHandleNetworkDeviceAttachment(handle.HostConn)
		if err != nil {
			return err
		}
	}

	netCfg, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
	if err != nil {
		return err
	}
	if cfg.MACAddress != "" {
		hw, err := net.ParseMAC(cfg.MACAddress)
		if err != nil {
			return vmerr.Wrap(vmerr.KindVMConfigurationError, "invalid mac address", err)
		}
		macObj, err := vz.NewMACAddress(hw)
		if err != nil {
			return err
		}
		netCfg.SetMACAddress(macObj)
	}
	vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netCfg})
	return nil
}

// groupSharesByTag groups directory-share plans by mount tag,
// preserving first-seen tag order (spec §4.2, §4.6: "shares with the
// same mount tag are aggregated into a single multi-directory share
// device"). Split out as a pure function so the grouping itself is
// testable without constructing any vz device.
func groupSharesByTag(shares []dirshare.Share) (order []string, byTag map[string][]dirshare.Share) {
	byTag = make(map[string][]dirshare.Share)
	for _, s := range shares {
		if _, seen := byTag[s.MountTag]; !seen {
			order = append(order, s.MountTag)
		}
		byTag[s.MountTag] = append(byTag[s.MountTag], s)
	}
	return order, byTag
}

// assembleDirShares builds one VirtioFileSystemDeviceConfiguration per
// distinct mount tag, grouping shares that have a tag in common into a
// single multi-directory share keyed by name (spec §4.2). The Rosetta
// share is not built here; Assemble appends it to the returned list.
func assembleDirShares(run runctx.Context) ([]vz.DirectorySharingDeviceConfiguration, error) {
	if len(run.DirSharePlans) == 0 {
		return nil, nil
	}
	if err := dirshare.ValidateGroup(run.DirSharePlans); err != nil {
		return nil, err
	}

	order, byTag := groupSharesByTag(run.DirSharePlans)

	var devices []vz.DirectorySharingDeviceConfiguration
	for _, tag := range order {
		group := byTag[tag]
		directories := make(map[string]*vz.SharedDirectory, len(group))
		for _, s := range group {
			local, err := resolveShareSource(s)
			if err != nil {
				return nil, err
			}
			directory, err := vz.NewSharedDirectory(local, s.ReadOnly)
			if err != nil {
				return nil, fmt.Errorf("share directory %q: %w", local, err)
			}
			directories[shareKey(s)] = directory
		}

		var share vz.DirectoryShare
		if len(directories) == 1 {
			for _, d := range directories {
				s, err := vz.NewSingleDirectoryShare(d)
				if err != nil {
					return nil, err
				}
				share = s
			}
		} else {
			s, err := vz.NewMultipleDirectoryShare(directories)
			if err != nil {
				return nil, err
			}
			share = s
		}

		cfg, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return nil, err
		}
		cfg.SetDirectoryShare(share)
		devices = append(devices, cfg)
	}

	return devices, nil
}

func shareKey(s dirshare.Share) string {
	if s.Name != "" {
		return s.Name
	}
	return "default"
}

func resolveShareSource(s dirshare.Share) (string, error) {
	if !s.RemoteURL {
		return s.Source, nil
	}
	dir, err := fetchArchive(s.Source)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindInvalidSpec, "fetch remote directory share archive", err)
	}
	return dir, nil
}

func fetchArchive(url string) (string, error) {
	resp, err := grab.Get(filepath.Join(tmpRoot(), "dirshare"), url)
	if err != nil {
		return "", err
	}
	return resp.Filename, nil
}

var tmpRoot = func() string { return "/tmp/vmrun-dirshare" }

func assembleRosetta(tag string) (vz.DirectorySharingDeviceConfiguration, error) {
	switch vz.LinuxRosettaDirectoryShareAvailability() {
	case vz.LinuxRosettaAvailabilityNotSupported:
		return nil, vmerr.New(vmerr.KindUnsupported, "rosetta translation is not supported on this host")
	case vz.LinuxRosettaAvailabilityNotInstalled:
		if err := vz.LinuxRosettaDirectoryShareInstallRosetta(); err != nil {
			return nil, vmerr.Wrap(vmerr.KindUnsupported, "install rosetta", err)
		}
	}

	share, err := vz.NewLinuxRosettaDirectoryShare()
	if err != nil {
		return nil, err
	}
	cfg, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
	if err != nil {
		return nil, err
	}
	cfg.SetDirectoryShare(share)
	return cfg, nil
}

// validateSuspendable enforces spec §4.6's edge policy that
// --suspendable requires a platform class that supports save/restore
// (macOS guests only). Split out as a pure function so the policy
// itself is testable without constructing any vz device.
func validateSuspendable(cfg *vmconfig.Config, run runctx.Context) error {
	if run.Suspendable && !cfg.SupportsSaveRestore() {
		return vmerr.New(vmerr.KindUnsupported, "suspendable requires a macOS guest")
	}
	return nil
}

// wantsTrackpad decides whether the virtual trackpad should be
// attached: macOS guests only, and never when --no-trackpad is set
// (spec §4.6). --no-trackpad is always a no-op for non-macOS guests,
// since the device it would suppress is never added there anyway.
func wantsTrackpad(cfg *vmconfig.Config, run runctx.Context) bool {
	return cfg.SupportsTrackpad() && !run.NoTrackpad
}

func assemblePointingDevices(vmConfig *vz.VirtualMachineConfiguration, cfg *vmconfig.Config, run runctx.Context) error {
	var pointing []vz.PointingDeviceConfiguration
	if wantsTrackpad(cfg, run) {
		trackpad, err := vz.NewMacTrackpadConfiguration()
		if err != nil {
			slog.Warn("failed to configure trackpad", "error", err)
		} else {
			pointing = append(pointing, trackpad)
		}
	}
	mouse, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err == nil {
		pointing = append(pointing, mouse)
	}
	if len(pointing) > 0 {
		vmConfig.SetPointingDevicesVirtualMachineConfiguration(pointing)
	}

	keyboard, err := vz.NewUSBKeyboardConfiguration()
	if err != nil {
		return err
	}
	vmConfig.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})
	return nil
}
