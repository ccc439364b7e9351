package llm

import "errors"

// Producer failures fall into two classes: transient ones worth retrying or
// falling back over, and fatal ones where every endpoint would refuse the
// same request.

// TransientError marks a failure that may succeed on retry or on another
// endpoint (rate limits, gateway errors, timeouts).
type TransientError struct {
	wrapped error
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{wrapped: err}
}

func (e *TransientError) Error() string { return e.wrapped.Error() }
func (e *TransientError) Unwrap() error { return e.wrapped }

// FatalError marks a failure no retry or fallback can fix (bad credentials,
// malformed request).
type FatalError struct {
	wrapped error
}

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{wrapped: err}
}

func (e *FatalError) Error() string { return e.wrapped.Error() }
func (e *FatalError) Unwrap() error { return e.wrapped }

// IsTransient reports whether err is classified transient anywhere in its
// chain.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is classified fatal anywhere in its chain.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
