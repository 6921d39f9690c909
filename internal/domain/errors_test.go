package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	for _, err := range []error{ErrInsufficientBalance, ErrUserQueueFull, ErrAlreadyActive, ErrInvalidInput} {
		if !IsUserError(err) {
			t.Errorf("%v should be a user error", err)
		}
		if IsSystemBusy(err) {
			t.Errorf("%v should not be a busy error", err)
		}
	}
	for _, err := range []error{ErrGlobalQueueFull, ErrGPUSaturated} {
		if !IsSystemBusy(err) {
			t.Errorf("%v should be a busy error", err)
		}
		if IsUserError(err) {
			t.Errorf("%v should not be a user error", err)
		}
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("submit: %w", ErrInsufficientBalance)
	if !IsUserError(wrapped) {
		t.Error("wrapped user error lost its class")
	}
}

func TestClassifyBackendError(t *testing.T) {
	be := &BackendError{Kind: BackendTimeout, Err: errors.New("deadline")}
	if got := ClassifyBackendError(be); got != BackendTimeout {
		t.Errorf("kind = %s, want timeout", got)
	}
	if got := ClassifyBackendError(fmt.Errorf("invoke: %w", be)); got != BackendTimeout {
		t.Errorf("wrapped kind = %s, want timeout", got)
	}
	if got := ClassifyBackendError(errors.New("plain")); got != BackendUnknown {
		t.Errorf("plain error kind = %s, want unknown", got)
	}
	if !errors.Is(be, be.Err) {
		t.Error("BackendError must unwrap to its cause")
	}
}
