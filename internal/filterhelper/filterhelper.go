// Package filterhelper spawns and wires the isolating userspace packet
// filter helper subprocess (spec §4.5, §6). The helper itself is an
// out-of-scope external collaborator, specified only as a subprocess
// protocol (spec §1); this package owns its mechanics only.
//
// Grounded on internal/shim/proc.Manager's subprocess-spawning shape
// from a re-exec-itself-as-a-detached-child model, where the engine
// isn't itself the long-lived per-VM process. This engine IS that
// process (spec §1), so the re-exec pattern is redirected at the one
// thing that genuinely is a separate external binary here — the
// filter helper — instead of at a self-re-exec shim.
package filterhelper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// DataPlaneFD is the well-known file-descriptor number the helper
// expects its end of the socket pair on (spec §6).
const DataPlaneFD = 3

// Handle represents a running filter helper subprocess and the host
// end of its data-plane socket pair.
type Handle struct {
	cmd      *exec.Cmd
	HostConn *os.File
}

// Spawn starts the filter helper binary at path, passing the VM's MAC
// address and extra arguments (derived from --net-softnet-* /
// --net-host, spec §6), and establishes a bidirectional socket pair
// for data-plane use by Device Assembly (spec §4.5).
func Spawn(ctx context.Context, helperPath string, mac string, extraArgs []string) (*Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create filter helper socket pair: %w", err)
	}
	hostEnd := os.NewFile(uintptr(fds[0]), "filter-helper-host")
	childEnd := os.NewFile(uintptr(fds[1]), "filter-helper-child")
	defer childEnd.Close()

	args := append([]string{"--mac", mac}, extraArgs...)
	cmd := exec.CommandContext(ctx, helperPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		hostEnd.Close()
		return nil, fmt.Errorf("spawn filter helper %q: %w", helperPath, err)
	}

	return &Handle{cmd: cmd, HostConn: hostEnd}, nil
}

// Stop sends SIGTERM to the helper (spec §5: "filter-helper subprocess
// ... sent SIGTERM on engine exit") and waits for it to exit.
func (h *Handle) Stop() error {
	if h == nil || h.cmd.Process == nil {
		return nil
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	_ = h.HostConn.Close()
	return h.cmd.Wait()
}

// PID returns the helper process's PID, for diagnostics.
func (h *Handle) PID() int {
	if h == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
