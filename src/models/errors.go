package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced at the adapter boundary.
type ErrorCode int

const (
	InternalServerError ErrorCode = 1
	ObjectNotFound      ErrorCode = 101
	InvalidQuery        ErrorCode = 102
	InvalidJSON         ErrorCode = 107
	IncorrectType       ErrorCode = 111
	InvalidNestedKey    ErrorCode = 121
	DuplicateValue      ErrorCode = 137
)

func (c ErrorCode) String() string {
	switch c {
	case InternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case ObjectNotFound:
		return "OBJECT_NOT_FOUND"
	case InvalidQuery:
		return "INVALID_QUERY"
	case InvalidJSON:
		return "INVALID_JSON"
	case IncorrectType:
		return "INCORRECT_TYPE"
	case InvalidNestedKey:
		return "INVALID_NESTED_KEY"
	case DuplicateValue:
		return "DUPLICATE_VALUE"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a normalized adapter error. Err keeps the driver error it was
// derived from, if any.
type Error struct {
	Code    ErrorCode
	Message string

	// DuplicatedField names the field that violated a unique index, when it
	// could be read from the driver message.
	DuplicatedField string

	Err error
}

// NewError creates an Error of the given kind.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error of the given kind that keeps cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.DuplicatedField != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.DuplicatedField)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsErrorCode reports whether err is, or wraps, an Error of the given kind.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
