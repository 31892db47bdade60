package types //nolint:revive // types is a valid package name

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewFetchError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewFetchError("lode:a", cause)

	if !errors.Is(err, ErrFetchFailed) {
		t.Error("should match ErrFetchFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.ID != "lode:a" {
		t.Errorf("errors.As = %+v", fe)
	}
	if got, want := err.Error(), "fetch lode:a: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewFetchError_Nil(t *testing.T) {
	if err := NewFetchError("lode:a", nil); err != nil {
		t.Errorf("NewFetchError(nil) = %v, want nil", err)
	}
}

func TestNewFetchError_CancelPassesThrough(t *testing.T) {
	err := NewFetchError("lode:a", fmt.Errorf("wait: %w", ErrCanceled))
	if err != ErrCanceled {
		t.Errorf("got %v, want ErrCanceled", err)
	}
	if errors.Is(err, ErrFetchFailed) {
		t.Error("cancellation must not classify as a failure")
	}
	if !IsCanceled(err) {
		t.Error("IsCanceled should be true")
	}
}

func TestNewFetchError_NoDoubleWrap(t *testing.T) {
	first := NewFetchError("lode:a", errors.New("boom"))
	second := NewFetchError("lode:a", first)
	if first != second {
		t.Error("rewrapping the same id should return the original error")
	}

	other := NewFetchError("lode:b", first)
	var fe *FetchError
	if !errors.As(other, &fe) || fe.ID != "lode:b" {
		t.Errorf("different id should wrap, got %v", other)
	}
}
