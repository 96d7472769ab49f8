// Package core defines sentinel errors and validation error types.
package core

import (
	"errors"
	"fmt"
)

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeInvalidRule  ErrorCode = "INVALID_RULE"
	CodeRuleNotFound ErrorCode = "RULE_NOT_FOUND"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidInput indicates request validation failures.
var ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrInvalidRule indicates rule validation failures.
var ErrInvalidRule = &AppError{Code: CodeInvalidRule, Message: "invalid rule"}

// ErrNotFound indicates missing resources.
var ErrNotFound = &AppError{Code: CodeNotFound, Message: "not found"}

// RuleError describes one invalid field on one rule.
type RuleError struct {
	RuleID string
	Field  string
	Reason string
}

// Error formats the rule, field, and reason.
func (e *RuleError) Error() string {
	if e == nil {
		return ""
	}
	id := e.RuleID
	if id == "" {
		id = "?"
	}
	return fmt.Sprintf("rule %s: field %s: %s", id, e.Field, e.Reason)
}

func ruleErr(ruleID, field, format string, args ...any) *RuleError {
	return &RuleError{RuleID: ruleID, Field: field, Reason: fmt.Sprintf(format, args...)}
}
