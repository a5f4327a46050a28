package model

// ErrWrapper is our error wrapper for transport errors. It is the
// error payload attached to completion events.
type ErrWrapper struct {
	// ConnID is the identifier of the handle that failed.
	ConnID int64

	// Code is the system error number, if any, or zero.
	Code int

	// Failure is the OONI-compatible failure string.
	Failure string

	// Operation is the operation that failed ("connect", "read", ...).
	Operation string

	// WrappedErr is the error that we're wrapping.
	WrappedErr error
}

// Error returns a description of the error that occurred.
func (e *ErrWrapper) Error() string {
	return e.Failure
}

// Unwrap allows to access the underlying error
func (e *ErrWrapper) Unwrap() error {
	return e.WrappedErr
}
