package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies user-visible failures.
type ErrorCode string

const (
	CodeAlreadyRunning     ErrorCode = "already_running"
	CodeNotRunning         ErrorCode = "not_running"
	CodeNotConnected       ErrorCode = "not_connected"
	CodeUnknownStrategy    ErrorCode = "unknown_strategy"
	CodeValidation         ErrorCode = "validation"
	CodeInsufficientMargin ErrorCode = "insufficient_margin"
	CodeLeverageExceeded   ErrorCode = "leverage_exceeded"
	CodeAmountTooSmall     ErrorCode = "amount_too_small"
)

// Error is a structured, user-visible failure.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds a structured error.
func NewError(code ErrorCode, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the error code, or empty when err is not a core error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrStatusNotFound = errors.New("strategy status not found")
	ErrOrderRejected  = errors.New("order rejected")
	ErrNotConnected   = errors.New("broker not connected")
)
