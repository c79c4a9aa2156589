package memory

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is wrapped by DimensionMismatchError so callers can
// test with errors.Is without caring about the concrete sizes.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DimensionMismatchError reports a vector whose length does not match the
// index's configured dimensionality. It indicates an embedding-model change
// without an index migration and is a configuration error, not a runtime
// condition to retry.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: index configured for %d, got %d", e.Want, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// CheckDimensions validates a vector against the configured dimensionality.
func CheckDimensions(want int, vec []float32) error {
	if len(vec) != want {
		return &DimensionMismatchError{Want: want, Got: len(vec)}
	}
	return nil
}

// ConfigurationError is fatal and surfaced at startup or first use; it is
// never retried. Missing credentials and dimension mismatches fall here.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ErrTransient marks failures that are worth retrying with backoff:
// network errors and timeouts on stores or providers. Call sites wrap the
// underlying error with Transient and classify with IsTransient.
var ErrTransient = errors.New("transient store error")

// Transient wraps err as a retryable store/provider failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
