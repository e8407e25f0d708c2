// Package lifecycle implements the Lifecycle Controller (spec §4.8):
// the state machine that owns a single VM run from configuration
// through lock acquisition, start, the long-lived running period, and
// exit — driven by an event queue fed by OS signals, the control
// socket server, and the chrome bridge.
//
// Grounded on internal/application.App, generalized from a thin CRUD
// orchestrator (Up/ListVMs) into the engine's own run loop, and on
// internal/shim/proc/run.go's signal-handling shape (its detached
// _shim child owns exactly this kind of signal-driven wait loop, just
// without a state machine around it).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/Code-Hex/vz/v3"
	"github.com/cirruslabs/vmrun/internal/device"
	"github.com/cirruslabs/vmrun/internal/lockutil"
	"github.com/cirruslabs/vmrun/internal/runctx"
	"github.com/cirruslabs/vmrun/internal/storageindex"
	"github.com/cirruslabs/vmrun/internal/vmconfig"
	"github.com/cirruslabs/vmrun/internal/vmdir"
	"github.com/cirruslabs/vmrun/internal/vmerr"
)

// State is one node of the run state machine (spec §4.8).
type State int

const (
	StateInit State = iota
	StateConfigured
	StateLocked
	StateStarting
	StateRunning
	StateStopping
	StateSnapshottingForSuspend
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "Configured"
	case StateLocked:
		return "Locked"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateSnapshottingForSuspend:
		return "SnapshottingForSuspend"
	case StateTerminated:
		return "Terminated"
	default:
		return "Init"
	}
}

type eventKind int

const (
	eventSigInt eventKind = iota
	eventSigUsr1
	eventSigUsr2
	eventWindowClosed
	eventControlStop
	eventControlRequestStop
	eventControlSuspend
	eventVMStopped
	eventVMError
)

type lifecycleEvent struct {
	kind eventKind
	err  error
}

// VirtualMachine is the subset of *vz.VirtualMachine the controller
// drives. Grounded on lima-vm-lima's pkg/vz/vm_darwin.go and
// save_restore_arm64.go call sites (Start, StateChangedNotify, Pause,
// Resume, SaveMachineStateToPath, RestoreMachineStateFromURL,
// RequestStop, CanRequestStop).
type VirtualMachine interface {
	Start(opts ...vz.VirtualMachineStartOption) error
	Pause() error
	Resume() error
	Stop() error
	CanRequestStop() bool
	RequestStop() (bool, error)
	SaveMachineStateToPath(path string) error
	RestoreMachineStateFromURL(path string) error
	StateChangedNotify() <-chan vz.VirtualMachineState
}

// NewVirtualMachineFunc abstracts vz.NewVirtualMachine for tests.
type NewVirtualMachineFunc func(ctx context.Context, cfg *vz.VirtualMachineConfiguration) (VirtualMachine, error)

// ControlSource is the event-producing side of the Control Socket
// Server (internal/controlsock) consumed here.
type ControlSource interface {
	Events() <-chan ControlEvent
}

type ControlEvent int

const (
	ControlStop ControlEvent = iota
	ControlRequestStop
	ControlSuspend
)

// WindowSource is the event-producing side of the Chrome Bridge
// (internal/chrome) consumed here.
type WindowSource interface {
	Closed() <-chan struct{}
}

// Telemetry is the consumed telemetry collaborator (spec §7).
type Telemetry interface {
	Flush(ctx context.Context) error
}

// Clock abstracts time.Now for deterministic tests, adapted from the
// teacher's internal/domain.Clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Deps collects every collaborator the controller needs. Fields left
// nil (ControlSource, Window, Telemetry) are treated as
// absent capabilities rather than errors.
type Deps struct {
	Dir              *vmdir.Directory
	Index            *storageindex.Index
	HomeDir          string
	NewVirtualMachine NewVirtualMachineFunc
	DeviceOptions    device.Options
	ControlSource    ControlSource
	Window           WindowSource
	Telemetry        Telemetry
	Clock            Clock
	SignalTimeout    time.Duration
}

// Controller runs one VM from Configure through Terminated.
type Controller struct {
	deps  Deps
	state State
	queue *infinity.Channel[lifecycleEvent]

	vm          VirtualMachine
	resources   *device.Resources
	suspendable bool
}

func New(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.SignalTimeout == 0 {
		deps.SignalTimeout = 5 * time.Second
	}
	return &Controller{
		deps:  deps,
		state: StateInit,
		queue: infinity.NewChannel[lifecycleEvent](),
	}
}

func (c *Controller) State() State { return c.state }

// Run drives the entire lifecycle for the named VM and returns nil on
// a clean exit, or an error the caller maps to a process exit code
// (spec §6: 0 normal, 1 engine error).
func (c *Controller) Run(ctx context.Context, name string, run runctx.Context) error {
	c.suspendable = run.Suspendable

	cfg, err := c.configure(ctx, name, run)
	if err != nil {
		return err
	}

	releaseLock, err := c.acquireLocks(name, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("failed to release vm config lock", "error", err)
		}
	}()
	c.state = StateLocked

	resume, err := c.prepareResume()
	if err != nil {
		return err
	}

	deviceOptions := c.deps.DeviceOptions
	deviceOptions.NVRAMPath = c.deps.Dir.NVRAMPath()
	vmConfig, resources, err := device.Assemble(ctx, cfg, run, deviceOptions)
	c.resources = resources
	if err != nil {
		defer resources.ReleaseAll()
		return err
	}
	defer resources.ReleaseAll()

	newVM := c.deps.NewVirtualMachine
	if newVM == nil {
		newVM = defaultNewVirtualMachine
	}
	vm, err := newVM(ctx, vmConfig)
	if err != nil {
		return c.reportStartError(ctx, err)
	}
	c.vm = vm

	// Signal handlers are installed only after configuration is
	// complete and before start (spec §4.8 concurrency discipline);
	// they enqueue events and never mutate state directly.
	stopSignals := c.installSignalPump()
	defer stopSignals()

	c.state = StateStarting
	if resume {
		if err := vm.RestoreMachineStateFromURL(c.deps.Dir.StatePath()); err != nil {
			return c.reportStartError(ctx, vmerr.Wrap(vmerr.KindSuspendFailed, "restore saved state", err))
		}
		_ = c.deps.Dir.ClearState()
		if err := vm.Resume(); err != nil {
			return c.reportStartError(ctx, err)
		}
	} else {
		var startOpts []vz.VirtualMachineStartOption
		if run.Recovery {
			startOpts = append(startOpts, vz.WithStartUpFromMacOSRecovery(true))
		}
		if err := vm.Start(startOpts...); err != nil {
			return c.reportStartError(ctx, err)
		}
	}
	c.state = StateRunning

	return c.eventLoop(ctx)
}

func (c *Controller) configure(ctx context.Context, name string, run runctx.Context) (*vmconfig.Config, error) {
	ok, err := c.deps.Dir.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vmerr.New(vmerr.KindVMNotFound, name)
	}
	cfg, err := c.deps.Dir.LoadConfig()
	if err != nil {
		return nil, err
	}

	if run.Suspendable && !cfg.SupportsSaveRestore() {
		return nil, vmerr.New(vmerr.KindUnsupported, "suspendable requires a macOS guest")
	}

	if err := c.resolveMACCollision(ctx, name, cfg); err != nil {
		return nil, err
	}

	c.state = StateConfigured
	return cfg, nil
}

// resolveMACCollision implements the home-lock-scoped collision check
// (spec §4.8): briefly lock the home directory, check for a running
// peer with the same MAC, and regenerate this VM's MAC in place if
// one is found, before releasing the home lock.
func (c *Controller) resolveMACCollision(ctx context.Context, name string, cfg *vmconfig.Config) error {
	return lockutil.WithDirLock(c.deps.HomeDir, func() error {
		peer, found, err := c.deps.Index.RunningPeerWithMAC(ctx, cfg.MACAddress, name)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		slog.Warn("mac address collision with running peer, regenerating", "peer", peer)
		mac, err := vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return err
		}
		cfg.MACAddress = mac.String()
		return c.deps.Dir.SaveConfig(cfg)
	})
}

// acquireLocks opens config.json and calls lockutil.LockVMConfig on it
// for the VM lock. Per spec §5, the home lock must be released
// strictly after this succeeds, and the config document must already
// have been read before locking (flock is per-open-file-description;
// opening late would race a concurrent writer) — this is the only
// call site permitted to invoke LockVMConfig, so that ordering
// constraint holds by construction.
func (c *Controller) acquireLocks(name string, cfg *vmconfig.Config) (release func() error, err error) {
	f, err := c.deps.Dir.OpenConfigFileForLock()
	if err != nil {
		return nil, err
	}
	release, err = lockutil.LockVMConfig(f)
	if err != nil {
		return nil, vmerr.New(vmerr.KindVMAlreadyRunning, name)
	}
	return release, nil
}

func (c *Controller) prepareResume() (bool, error) {
	if !c.deps.Dir.Suspended() {
		return false, nil
	}
	slog.Info("restoring VM state...")
	return true, nil
}

func (c *Controller) reportStartError(ctx context.Context, err error) error {
	if vmerr.KindOf(err) == vmerr.KindVirtualMachineLimitExceeded {
		peers := storageindex.RunningNames(ctx, c.deps.HomeDir)
		err = vmerr.Wrap(vmerr.KindVirtualMachineLimitExceeded,
			fmt.Sprintf("other running VMs: %v", peers), err)
	}
	c.flushTelemetry(ctx, err)
	return err
}

func (c *Controller) flushTelemetry(ctx context.Context, cause error) {
	if c.deps.Telemetry == nil {
		return
	}
	if r, ok := c.deps.Telemetry.(interface{ Report(error) }); ok && cause != nil {
		r.Report(cause)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.deps.Telemetry.Flush(flushCtx); err != nil {
		slog.Warn("telemetry flush failed", "error", err, "cause", cause)
	}
}

// installSignalPump registers SIGINT/SIGUSR1/SIGUSR2 and posts
// corresponding lifecycle events; it never mutates controller state
// directly (spec §5: "signal handlers enqueue work; they never
// mutate state directly").
func (c *Controller) installSignalPump() (stop func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case s, ok := <-sigs:
				if !ok {
					return
				}
				switch s {
				case syscall.SIGINT:
					c.queue.In() <- lifecycleEvent{kind: eventSigInt}
				case syscall.SIGUSR1:
					c.queue.In() <- lifecycleEvent{kind: eventSigUsr1}
				case syscall.SIGUSR2:
					c.queue.In() <- lifecycleEvent{kind: eventSigUsr2}
				}
			case <-done:
				return
			}
		}
	}()

	if c.deps.ControlSource != nil {
		go func() {
			for ev := range c.deps.ControlSource.Events() {
				switch ev {
				case ControlStop:
					c.queue.In() <- lifecycleEvent{kind: eventControlStop}
				case ControlRequestStop:
					c.queue.In() <- lifecycleEvent{kind: eventControlRequestStop}
				case ControlSuspend:
					c.queue.In() <- lifecycleEvent{kind: eventControlSuspend}
				}
			}
		}()
	}

	if c.deps.Window != nil {
		go func() {
			for range c.deps.Window.Closed() {
				c.queue.In() <- lifecycleEvent{kind: eventWindowClosed}
			}
		}()
	}

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// eventLoop is the controller's single main task: it multiplexes VM
// state changes and queued lifecycle events until the VM terminates.
func (c *Controller) eventLoop(ctx context.Context) error {
	for {
		select {
		case newState, ok := <-c.vm.StateChangedNotify():
			if !ok {
				continue
			}
			if newState == vz.VirtualMachineStateStopped || newState == vz.VirtualMachineStateError {
				c.state = StateTerminated
				return nil
			}
		case ev := <-c.queue.Out():
			if done, err := c.handleEvent(ctx, ev); done {
				return err
			}
		case <-ctx.Done():
			return c.handleSigInt(ctx)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev lifecycleEvent) (done bool, err error) {
	switch ev.kind {
	case eventSigInt, eventControlStop:
		return true, c.handleSigInt(ctx)
	case eventSigUsr1, eventControlSuspend:
		if !c.suspendable {
			slog.Warn("suspend requested but this run is not --suspendable; ignoring")
			return false, nil
		}
		return true, c.handleSuspend(ctx)
	case eventSigUsr2, eventControlRequestStop:
		c.handleRequestStop()
		return false, nil
	case eventWindowClosed:
		return c.handleWindowClosed(ctx)
	case eventVMError:
		c.flushTelemetry(ctx, ev.err)
		return true, ev.err
	default:
		return false, nil
	}
}

func (c *Controller) handleSigInt(ctx context.Context) error {
	c.state = StateStopping
	if c.vm.CanRequestStop() {
		if _, err := c.vm.RequestStop(); err == nil {
			return c.waitBounded(ctx)
		}
	}
	if err := c.vm.Stop(); err != nil {
		c.flushTelemetry(ctx, err)
		return err
	}
	c.state = StateTerminated
	return nil
}

func (c *Controller) handleRequestStop() {
	if c.vm.CanRequestStop() {
		if _, err := c.vm.RequestStop(); err != nil {
			slog.Warn("guest stop request failed", "error", err)
		}
	}
}

// handleSuspend implements the mandatory pause -> save -> exit
// ordering (spec §5): if pause fails, save is never attempted and the
// engine reports SuspendFailed.
func (c *Controller) handleSuspend(ctx context.Context) error {
	c.state = StateSnapshottingForSuspend
	if err := c.vm.Pause(); err != nil {
		wrapped := vmerr.Wrap(vmerr.KindSuspendFailed, "pause before suspend", err)
		c.flushTelemetry(ctx, wrapped)
		return wrapped
	}
	if err := c.vm.SaveMachineStateToPath(c.deps.Dir.StatePath()); err != nil {
		wrapped := vmerr.Wrap(vmerr.KindSuspendFailed, "save machine state", err)
		c.flushTelemetry(ctx, wrapped)
		return wrapped
	}
	c.state = StateTerminated
	return nil
}

func (c *Controller) handleWindowClosed(ctx context.Context) (bool, error) {
	// Spec §4.8: "convert to SIGUSR1 if suspendable, else SIGINT" — keyed
	// off the --suspendable run option, not the VM's current on-disk
	// suspended state (state.bin is cleared on resume, so it would
	// almost never be true while a VM is actually running).
	if c.suspendable {
		return true, c.handleSuspend(ctx)
	}
	return true, c.handleSigInt(ctx)
}

// waitBounded waits briefly for a requested guest stop to take effect
// via StateChangedNotify before falling back to a forced Stop.
func (c *Controller) waitBounded(ctx context.Context) error {
	timer := time.NewTimer(c.deps.SignalTimeout)
	defer timer.Stop()
	for {
		select {
		case newState := <-c.vm.StateChangedNotify():
			if newState == vz.VirtualMachineStateStopped {
				c.state = StateTerminated
				return nil
			}
		case <-timer.C:
			if err := c.vm.Stop(); err != nil {
				c.flushTelemetry(ctx, err)
				return err
			}
			c.state = StateTerminated
			return nil
		case <-ctx.Done():
			return errors.New("context canceled while waiting for guest stop")
		}
	}
}

func defaultNewVirtualMachine(ctx context.Context, cfg *vz.VirtualMachineConfiguration) (VirtualMachine, error) {
	return vz.NewVirtualMachine(cfg)
}
