package vmerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindNetwork, "dial guest", cause)

	if KindOf(err) != KindNetwork {
		t.Fatalf("KindOf = %v, want KindNetwork", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is must see through Wrap to the original cause")
	}
}

func TestKindOfUnknownForForeignError(t *testing.T) {
	if KindOf(errors.New("plain error")) != KindUnknown {
		t.Fatal("KindOf on a non-taxonomized error must report KindUnknown")
	}
}

func TestKindOfThroughFmtErrorfWrap(t *testing.T) {
	inner := New(KindVMNotFound, "myvm")
	outer := errorfWrap(inner)
	if KindOf(outer) != KindVMNotFound {
		t.Fatalf("KindOf = %v, want KindVMNotFound", KindOf(outer))
	}
}

func errorfWrap(err error) error {
	return fmt.Errorf("wrapped: %w", err)
}

type wrappedForTest struct{ err error }

func (w *wrappedForTest) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrappedForTest) Unwrap() error { return w.err }

func TestErrorMessageIncludesCauseWhenPresent(t *testing.T) {
	err := Wrap(KindSuspendFailed, "save state", errors.New("disk full"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() must not be empty")
	}
	if want := "SuspendFailed"; !strings.Contains(msg, want) {
		t.Fatalf("Error() = %q, want it to mention %q", msg, want)
	}
	if !strings.Contains(msg, "disk full") {
		t.Fatalf("Error() = %q, want it to mention the cause", msg)
	}
}
