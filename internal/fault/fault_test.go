package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"foreman/internal/fault"
)

func TestKindMapping(t *testing.T) {
	cases := []struct {
		marker error
		want   string
	}{
		{fault.ErrNotFound, fault.KindNotFound},
		{fault.ErrInvalidTransition, fault.KindInvalidTransition},
		{fault.ErrUnknownSession, fault.KindUnknownSession},
		{fault.ErrAlreadyRegistered, fault.KindAlreadyRegistered},
		{fault.ErrStorage, fault.KindStorageError},
		{fault.ErrValidation, fault.KindValidation},
	}
	for _, tc := range cases {
		err := fault.New(tc.marker, "context for %s", tc.want)
		if got := fault.Kind(err); got != tc.want {
			t.Fatalf("expected kind %s, got %s", tc.want, got)
		}
		if !errors.Is(err, tc.marker) {
			t.Fatalf("expected errors.Is to match marker for %s", tc.want)
		}
	}
}

func TestKindDefaultsToInternal(t *testing.T) {
	if got := fault.Kind(errors.New("plain failure")); got != fault.KindInternal {
		t.Fatalf("expected internal, got %s", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := fault.Wrap(fault.ErrStorage, "persist work item", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to survive")
	}
	if !errors.Is(err, fault.ErrStorage) {
		t.Fatal("expected storage marker to survive")
	}

	rewrapped := fmt.Errorf("outer: %w", err)
	if fault.Kind(rewrapped) != fault.KindStorageError {
		t.Fatal("expected kind to survive further wrapping")
	}
}
