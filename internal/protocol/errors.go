package protocol

import (
	"errors"
	"fmt"
)

const (
	CodeNotConnected        = "NOT_CONNECTED"
	CodeSessionBusy         = "SESSION_BUSY"
	CodeEmptyPage           = "EMPTY_PAGE"
	CodeCaptureTimeout      = "CAPTURE_TIMEOUT"
	CodeInvalidImageData    = "INVALID_IMAGE_DATA"
	CodeConnectionLost      = "CONNECTION_LOST"
	CodeValidation          = "VALIDATION"
	CodeNotFound            = "NOT_FOUND"
	CodeCaptureFailed       = "CAPTURE_FAILED"
	CodeGeometryUnavailable = "GEOMETRY_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries a *CodedError with the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
