package hal

import (
	"errors"
	"fmt"
)

// Status represents a core bootloader return code as seen by the integrator.
// DFU protocol errors reported to the host are a separate taxonomy and live
// in the protocol package; a Status stops the current tick, a DFU error
// rides in an ACK frame.
type Status int

const (
	StatusNone Status = iota
	StatusInvalidArgument
	StatusNotImplemented
	StatusGeneric
)

var statusMessages = map[Status]string{
	StatusNone:            "none",
	StatusInvalidArgument: "invalid argument",
	StatusNotImplemented:  "not implemented",
	StatusGeneric:         "generic error",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Error represents a failure from the bootloader core or one of the
// integrator-supplied adapters.
type Error struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *Error) Is(target error) bool {
	var halErr *Error
	if errors.As(target, &halErr) {
		return e.Status == halErr.Status
	}
	return false
}

// NewError creates a new Error with the given status
func NewError(status Status, context string) *Error {
	return &Error{Status: status, Context: context}
}

// WrapError creates an Error with an underlying cause
func WrapError(status Status, context string, cause error) *Error {
	return &Error{Status: status, Context: context, Cause: cause}
}

// StatusOf extracts the Status carried by err, or StatusGeneric for errors
// from outside the core (an adapter returning a plain error still aborts the
// tick, it just has no finer classification).
func StatusOf(err error) Status {
	if err == nil {
		return StatusNone
	}
	var halErr *Error
	if errors.As(err, &halErr) {
		return halErr.Status
	}
	return StatusGeneric
}
