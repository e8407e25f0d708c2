package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/Code-Hex/vz/v3"
	"github.com/cirruslabs/vmrun/internal/vmdir"
	"github.com/spf13/afero"
)

type fakeVM struct {
	canRequestStop   bool
	requestStopOK    bool
	requestStopErr   error
	stopErr          error
	pauseErr         error
	saveErr          error
	stopCalled       bool
	pauseCalled      bool
	saveCalled       bool
	requestStopCalled bool
	pausedBeforeSave bool
	states           chan vz.VirtualMachineState
}

func newFakeVM() *fakeVM {
	return &fakeVM{states: make(chan vz.VirtualMachineState, 1)}
}

func (f *fakeVM) Start(opts ...vz.VirtualMachineStartOption) error { return nil }
func (f *fakeVM) Pause() error                                     { f.pauseCalled = true; return f.pauseErr }
func (f *fakeVM) Resume() error                                    { return nil }
func (f *fakeVM) Stop() error                                      { f.stopCalled = true; return f.stopErr }
func (f *fakeVM) CanRequestStop() bool                             { return f.canRequestStop }
func (f *fakeVM) RequestStop() (bool, error) {
	f.requestStopCalled = true
	return f.requestStopOK, f.requestStopErr
}
func (f *fakeVM) SaveMachineStateToPath(path string) error {
	f.saveCalled = true
	f.pausedBeforeSave = f.pauseCalled
	return f.saveErr
}
func (f *fakeVM) RestoreMachineStateFromURL(path string) error { return nil }
func (f *fakeVM) StateChangedNotify() <-chan vz.VirtualMachineState { return f.states }

func newTestController(t *testing.T, vm *fakeVM) *Controller {
	t.Helper()
	dir := vmdir.OpenWithFS(t.TempDir(), "testvm", afero.NewMemMapFs())
	c := New(Deps{Dir: dir})
	c.vm = vm
	c.state = StateRunning
	return c
}

func TestHandleSigIntPrefersGracefulRequestStop(t *testing.T) {
	vm := newFakeVM()
	vm.canRequestStop = true
	vm.requestStopOK = true
	c := newTestController(t, vm)

	go func() {
		vm.states <- vz.VirtualMachineStateStopped
	}()

	if err := c.handleSigInt(context.Background()); err != nil {
		t.Fatalf("handleSigInt: %v", err)
	}
	if !vm.requestStopCalled {
		t.Fatal("RequestStop was not attempted before falling back to Stop")
	}
	if vm.stopCalled {
		t.Fatal("Stop must not be called when the guest honors RequestStop")
	}
	if c.state != StateTerminated {
		t.Fatalf("state = %v, want StateTerminated", c.state)
	}
}

func TestHandleSigIntFallsBackToStopWhenUnsupported(t *testing.T) {
	vm := newFakeVM()
	vm.canRequestStop = false
	c := newTestController(t, vm)

	if err := c.handleSigInt(context.Background()); err != nil {
		t.Fatalf("handleSigInt: %v", err)
	}
	if vm.requestStopCalled {
		t.Fatal("RequestStop must not be attempted when CanRequestStop is false")
	}
	if !vm.stopCalled {
		t.Fatal("Stop must be called as the fallback")
	}
	if c.state != StateTerminated {
		t.Fatalf("state = %v, want StateTerminated", c.state)
	}
}

func TestHandleSuspendPauseThenSaveOrdering(t *testing.T) {
	vm := newFakeVM()
	c := newTestController(t, vm)

	if err := c.handleSuspend(context.Background()); err != nil {
		t.Fatalf("handleSuspend: %v", err)
	}
	if !vm.pauseCalled || !vm.saveCalled {
		t.Fatal("both Pause and SaveMachineStateToPath must be called")
	}
	if !vm.pausedBeforeSave {
		t.Fatal("Pause must be called before SaveMachineStateToPath")
	}
	if c.state != StateTerminated {
		t.Fatalf("state = %v, want StateTerminated", c.state)
	}
}

func TestHandleSuspendNeverSavesIfPauseFails(t *testing.T) {
	vm := newFakeVM()
	vm.pauseErr = errors.New("pause refused by hypervisor")
	c := newTestController(t, vm)

	err := c.handleSuspend(context.Background())
	if err == nil {
		t.Fatal("expected an error when Pause fails")
	}
	if vm.saveCalled {
		t.Fatal("SaveMachineStateToPath must never be called after a failed Pause")
	}
	if c.state != StateSnapshottingForSuspend {
		t.Fatalf("state = %v, a failed pause must not advance past SnapshottingForSuspend", c.state)
	}
}

func TestHandleRequestStopIsNonTerminal(t *testing.T) {
	vm := newFakeVM()
	vm.canRequestStop = true
	c := newTestController(t, vm)

	c.handleRequestStop()
	if !vm.requestStopCalled {
		t.Fatal("RequestStop was not attempted")
	}
	if c.state != StateRunning {
		t.Fatalf("state = %v, handleRequestStop must not itself change state", c.state)
	}
}

func TestHandleWindowClosedSuspendsWhenSuspendable(t *testing.T) {
	vm := newFakeVM()
	c := newTestController(t, vm)
	c.suspendable = true

	done, err := c.handleWindowClosed(context.Background())
	if !done || err != nil {
		t.Fatalf("handleWindowClosed: done=%v err=%v", done, err)
	}
	if !vm.pauseCalled || !vm.saveCalled {
		t.Fatal("window-closed on a --suspendable run should route through handleSuspend")
	}
}

func TestHandleWindowClosedStopsWhenNotSuspendable(t *testing.T) {
	vm := newFakeVM()
	vm.canRequestStop = false
	c := newTestController(t, vm)

	done, err := c.handleWindowClosed(context.Background())
	if !done || err != nil {
		t.Fatalf("handleWindowClosed: done=%v err=%v", done, err)
	}
	if !vm.stopCalled {
		t.Fatal("window-closed without --suspendable should route through handleSigInt/Stop")
	}
}
