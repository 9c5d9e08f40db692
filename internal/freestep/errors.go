package freestep

import (
	"fmt"
	"net/http"

	"freelab/internal/lab"
	"freelab/internal/usage"
)

// Code is the machine-readable outcome of a rejected step.
type Code string

const (
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeBackendError    Code = "BACKEND_ERROR"
	CodeMalformedOutput Code = "MALFORMED_OUTPUT"
	CodeInternalError   Code = "INTERNAL_ERROR"

	// CodeOK labels successful steps in metrics.
	CodeOK Code = "OK"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case CodeBackendError:
		return http.StatusBadGateway
	case CodeOK:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Stages name where a step failed after input was accepted.
const (
	StageMembership = "membership"
	StageAdmission  = "admission"
	StageBackend    = "backend"
	StageMetering   = "metering"
)

// Error is a rejected step. Message is safe to show to the caller; Err
// carries the cause for logs and errors.Is/As.
type Error struct {
	Code    Code
	Message string
	// State is the last state reached before rejection.
	State State
	Stage string
	// Details lists field-level problems for INVALID_INPUT.
	Details []lab.Issue
	// Snapshot is the usage the decision was based on, for QUOTA_EXCEEDED.
	Snapshot *usage.Admission
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Stage != "" {
		msg += " (stage " + e.Stage + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the response status for the error's code.
func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }
