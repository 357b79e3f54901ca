package faults

import (
	"errors"
	"fmt"
)

// Code is a stable error code surfaced to clients. The full underlying error
// stays in the logs; only the code and its short message cross the process
// boundary.
type Code string

const (
	CodeRateLimited Code = "E001"
	CodeAuth        Code = "E002"
	CodePermission  Code = "E003"
	CodeDeadline    Code = "E004"
	CodeNetwork     Code = "E005"
	CodeUnknown     Code = "E099"
)

// clientMessages are the only failure texts clients ever see.
var clientMessages = map[Code]string{
	CodeRateLimited: "Service temporarily unavailable",
	CodeAuth:        "Service configuration error [E002]",
	CodePermission:  "Service configuration error [E003]",
	CodeDeadline:    "Timeout, try a smaller document",
	CodeNetwork:     "Network connection error",
	CodeUnknown:     "Unable to process document [E099]",
}

// Fault is a classified failure. Transient faults are eligible for retry.
type Fault struct {
	Code      Code
	Transient bool
	Err       error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Fault) Unwrap() error { return f.Err }

// ClientMessage returns the short message clients are allowed to see.
func (f *Fault) ClientMessage() string {
	if msg, ok := clientMessages[f.Code]; ok {
		return msg
	}
	return clientMessages[CodeUnknown]
}

func RateLimited(err error) *Fault { return &Fault{Code: CodeRateLimited, Transient: true, Err: err} }
func AuthFailed(err error) *Fault  { return &Fault{Code: CodeAuth, Err: err} }
func Permission(err error) *Fault  { return &Fault{Code: CodePermission, Err: err} }
func Deadline(err error) *Fault    { return &Fault{Code: CodeDeadline, Transient: true, Err: err} }
func Network(err error) *Fault     { return &Fault{Code: CodeNetwork, Transient: true, Err: err} }
func Unknown(err error) *Fault     { return &Fault{Code: CodeUnknown, Err: err} }

// Unavailable covers 5xx from the provider; retried like rate limits but
// reported under E001.
func Unavailable(err error) *Fault {
	return &Fault{Code: CodeRateLimited, Transient: true, Err: err}
}

// Validation marks an extracted payload that failed shape validation.
func Validation(err error) *Fault { return &Fault{Code: CodeUnknown, Err: err} }

// Persistence marks a failed save transaction, typically a missing partition
// or serialization failure after automatic rollback.
func Persistence(err error) *Fault { return &Fault{Code: CodeUnknown, Err: err} }

// InputRejectedError rejects an artifact before any processing: unsupported
// format, oversize, or corrupt input. Surfaced to the caller verbatim.
type InputRejectedError struct {
	Reason string
}

func (e *InputRejectedError) Error() string { return e.Reason }

func InputRejected(format string, args ...any) *InputRejectedError {
	return &InputRejectedError{Reason: fmt.Sprintf(format, args...)}
}

// ErrDuplicateInProgress signals a recent identical upload still being
// processed. Non-fatal; the caller waits or dedupes upstream.
var ErrDuplicateInProgress = errors.New("identical document is already being processed")

// ErrNotFound signals a lookup for a document that does not exist.
var ErrNotFound = errors.New("document not found")

// IsTransient reports whether err carries a retryable classification.
func IsTransient(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Transient
}

// CodeOf extracts the stable code from err, defaulting to E099.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeUnknown
}

// ClientMessageOf returns the client-visible message for err.
func ClientMessageOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.ClientMessage()
	}
	return clientMessages[CodeUnknown]
}
