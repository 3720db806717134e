// Package service provides business logic for the application.
package service

import (
	"errors"
	"fmt"
)

// Service errors. Handlers map these to HTTP status codes.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrBadInput           = errors.New("bad input")
	ErrFlowAlreadyRunning = errors.New("flow is already running")
	ErrFlowNotRunning     = errors.New("flow is not running")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInternal           = errors.New("internal error")
)

// InputError describes a rejected field. It matches ErrBadInput.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrBadInput }

func badInput(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// internal wraps a store or scheduler fault so it matches ErrInternal
// while keeping the cause for logging.
func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
