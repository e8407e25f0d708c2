// Package vfkit prints the vfkit command line equivalent to a given
// run's hardware configuration, for diagnosing the Apple
// virtualization configuration Device Assembly assembles. It does not
// run VMs: the actual runtime is Code-Hex/vz (internal/device,
// internal/lifecycle), per spec §1's requirement to use the host's
// native hardware virtualization framework directly rather than a
// separate userspace VMM built on top of it.
//
// Grounded on an earlier internal/provider/vfkit.Provider, which never
// got further than a TODO-stubbed StartVM/StopVM pair, and on
// other_examples/crc-org-vfkit__cmdline.go's VirtualMachine/ToCmdLine
// shape, built here against the real github.com/crc-org/vfkit/pkg/config
// client types.
package vfkit

import (
	"fmt"
	"net"

	"github.com/cirruslabs/vmrun/internal/diskspec"
	"github.com/cirruslabs/vmrun/internal/netselect"
	"github.com/cirruslabs/vmrun/internal/runctx"
	"github.com/cirruslabs/vmrun/internal/vmconfig"
	"github.com/crc-org/vfkit/pkg/config"
)

// DescribeCommandLine renders the vfkit invocation equivalent to cfg
// and run, for `--print-vfkit-cmdline` diagnostic output. It never
// starts anything; it only exercises the same device shapes Device
// Assembly builds, through vfkit's own command-line builder.
func DescribeCommandLine(cfg *vmconfig.Config, run runctx.Context) ([]string, error) {
	bootloader := config.NewEFIBootloader("", false)

	vm := config.NewVirtualMachine(cfg.CPUCount, cfg.MemoryBytes, bootloader)

	if run.RootDiskOptions.Location != "" {
		if err := addDisk(vm, run.RootDiskOptions); err != nil {
			return nil, err
		}
	}
	for _, plan := range run.DiskPlans {
		if err := addDisk(vm, plan); err != nil {
			return nil, err
		}
	}

	netDev := &config.VirtioNet{}
	if run.NetworkPlan.Kind == netselect.KindSharedNAT {
		netDev.Nat = true
	}
	if cfg.MACAddress != "" {
		if mac, err := net.ParseMAC(cfg.MACAddress); err == nil {
			netDev.MacAddress = mac
		}
	}
	if err := vm.AddDevice(netDev); err != nil {
		return nil, fmt.Errorf("add network device: %w", err)
	}

	if err := vm.AddDevice(&config.VirtioRng{}); err != nil {
		return nil, fmt.Errorf("add rng device: %w", err)
	}

	if run.SerialPlan.ExternalPath != "" {
		if err := vm.AddDevice(&config.VirtioSerial{LogFile: run.SerialPlan.ExternalPath}); err != nil {
			return nil, fmt.Errorf("add serial device: %w", err)
		}
	}

	for _, share := range run.DirSharePlans {
		if err := vm.AddDevice(&config.VirtioFs{
			DirectorySharingConfig: config.DirectorySharingConfig{MountTag: share.MountTag},
			SharedDir:              share.Source,
		}); err != nil {
			return nil, fmt.Errorf("add directory share device: %w", err)
		}
	}

	return vm.ToCmdLine()
}

func addDisk(vm *config.VirtualMachine, plan diskspec.Attachment) error {
	return vm.AddDevice(&config.VirtioBlk{
		DiskStorageConfig: config.DiskStorageConfig{ImagePath: plan.Location},
	})
}
