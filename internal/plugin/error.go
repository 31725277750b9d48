package plugin

import (
	"errors"
	"fmt"
)

// Code classifies plugin failures into the shared taxonomy. Backend error
// domains are converted to one of these at the plugin boundary so the
// orchestration layer never inspects backend-specific codes.
type Code int

const (
	CodeFailed Code = iota
	CodeNotSupported
	CodeAuthInvalid
	CodeNoSecurity
	CodeACPowerRequired
	CodeBatteryTooLow
	CodeNoNetwork
	CodeInvalidFormat
	CodeWriteFailed
	CodeDownloadFailed
	CodeCancelled
)

func (c Code) String() string {
	switch c {
	case CodeNotSupported:
		return "not-supported"
	case CodeAuthInvalid:
		return "auth-invalid"
	case CodeNoSecurity:
		return "no-security"
	case CodeACPowerRequired:
		return "ac-power-required"
	case CodeBatteryTooLow:
		return "battery-too-low"
	case CodeNoNetwork:
		return "no-network"
	case CodeInvalidFormat:
		return "invalid-format"
	case CodeWriteFailed:
		return "write-failed"
	case CodeDownloadFailed:
		return "download-failed"
	case CodeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Error is a classified plugin failure, optionally carrying the app and
// operation it happened during.
type Error struct {
	Code Code
	App  string // unique ID of the affected app, if any
	Op   string // operation name, e.g. "refine", "install"
	Err  error  // wrapped cause, if any
	Msg  string
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.App != "" && e.Op != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Op, e.App, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error. Already classified errors keep
// their original code.
func WrapError(code Code, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to CodeFailed
// for unclassified errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeFailed
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
