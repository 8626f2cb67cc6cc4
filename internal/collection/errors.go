package collection

import (
	"errors"
	"fmt"
)

// 狀態轉換錯誤分類，以 errors.Is 比對
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
)

// StateTransitionError 狀態轉換失敗
type StateTransitionError struct {
	Kind    error
	URI     string
	Message string
}

func (e *StateTransitionError) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (uri=%s)", e.Kind, e.Message, e.URI)
}

func (e *StateTransitionError) Unwrap() error {
	return e.Kind
}

func notFound(uri, format string, args ...interface{}) error {
	return &StateTransitionError{Kind: ErrNotFound, URI: uri, Message: fmt.Sprintf(format, args...)}
}

func conflict(uri, format string, args ...interface{}) error {
	return &StateTransitionError{Kind: ErrConflict, URI: uri, Message: fmt.Sprintf(format, args...)}
}

func badRequest(uri, format string, args ...interface{}) error {
	return &StateTransitionError{Kind: ErrBadRequest, URI: uri, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(uri, format string, args ...interface{}) error {
	return &StateTransitionError{Kind: ErrUnauthorized, URI: uri, Message: fmt.Sprintf(format, args...)}
}
