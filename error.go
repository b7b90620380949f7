package effectz

import (
	"errors"
	"fmt"
)

// ErrUnknownKind marks a kind the source provider has no constructor for.
// Providers return an error wrapping this sentinel; the registry converts
// it to an UnknownKindError and never retries the load.
var ErrUnknownKind = errors.New("unknown effect kind")

// ErrClosed is returned by registry operations after Close.
var ErrClosed = errors.New("registry is closed")

// UnknownKindError reports a request for a kind with no configured
// constructor source. It is fatal to the call and non-retryable.
type UnknownKindError struct {
	Kind Kind
}

// Error implements the error interface.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no effect source registered for kind %q", e.Kind)
}

// Unwrap supports errors.Is(err, ErrUnknownKind).
func (*UnknownKindError) Unwrap() error {
	return ErrUnknownKind
}

// LoadError reports that a kind's constructor source failed to resolve
// after the retry budget was exhausted. Attempts counts every resolution
// attempt, including the first.
type LoadError struct {
	Err      error
	Kind     Kind
	Attempts int
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("loading effect kind %q failed after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the provider's final error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConstructionError reports that a loaded constructor failed (returned an
// error or panicked) while building an instance. Construction failures
// are never retried automatically: the module itself loaded fine, so the
// failure is surfaced immediately and the caches are left untouched.
type ConstructionError struct {
	Err         error
	Kind        Kind
	Fingerprint string
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing effect %q (fingerprint %s) failed: %v", e.Kind, e.Fingerprint, e.Err)
}

// Unwrap returns the constructor's error.
func (e *ConstructionError) Unwrap() error {
	return e.Err
}
