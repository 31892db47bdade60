package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for acquisition failures.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNoLoaderRegistered indicates no loader or fallback handles the identifier's scheme.
	ErrNoLoaderRegistered = errors.New("no loader registered")

	// ErrFetchFailed classifies every *FetchError.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrSourceMetadataMissing indicates a derived frame was requested for a
	// source with no resolvable geometry.
	ErrSourceMetadataMissing = errors.New("source metadata missing")

	// ErrNonUniformGroupSize indicates frame groups of differing lengths where
	// a uniform group size is required.
	ErrNonUniformGroupSize = errors.New("non-uniform group size")

	// ErrIdentifierInUse indicates a caller-chosen identifier already names a
	// cached or in-flight frame.
	ErrIdentifierInUse = errors.New("identifier already in use")

	// ErrCanceled is returned to waiters of a fetch that was canceled before
	// it resolved. It means "no result", not a failure.
	ErrCanceled = errors.New("fetch canceled")
)

// FetchError wraps the cause of a failed fetch with the frame identifier.
type FetchError struct {
	ID    Identifier
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As chain traversal.
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target is ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// NewFetchError wraps cause for id. Returns nil if cause is nil.
// Cancellation is passed through unwrapped so callers never see it as a failure.
func NewFetchError(id Identifier, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrCanceled) {
		return ErrCanceled
	}
	var fe *FetchError
	if errors.As(cause, &fe) && fe.ID == id {
		return fe
	}
	return &FetchError{ID: id, Cause: cause}
}

// IsCanceled reports whether err marks a canceled fetch.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
