package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a graph error.
type Code string

const (
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeInternal       Code = "INTERNAL"
)

// Error is a coded failure of a graph operation. Message is written for
// the caller (a user or the agent) and carries no code prefix.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var statusByCode = map[Code]int{
	CodeInvalidRequest: http.StatusBadRequest,
	CodeNotFound:       http.StatusNotFound,
	CodeConflict:       http.StatusConflict,
	CodeInternal:       http.StatusInternalServerError,
}

// Errorf builds a coded error for callers outside this package.
func Errorf(code Code, format string, args ...any) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

func internal(err error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
}

// Is reports whether err is a graph Error with the given code.
func Is(err error, code Code) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Code == code
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Status
	}
	return http.StatusInternalServerError
}
