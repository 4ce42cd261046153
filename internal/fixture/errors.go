package fixture

import (
	"errors"
	"fmt"
)

// ErrorType represents the kind of fixture failure.
type ErrorType string

const (
	// ErrorTypeStartup indicates the database never became ready.
	ErrorTypeStartup ErrorType = "startup_error"
	// ErrorTypeConfiguration indicates a bad request (image tag, label, env).
	ErrorTypeConfiguration ErrorType = "configuration_error"
)

// Error is the error type returned by the registry. Both kinds are fatal to
// the test session.
type Error struct {
	Type    ErrorType
	Message string
	Image   string
	// Original cause, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Image != "" {
		msg = fmt.Sprintf("[%s] %s", e.Image, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// NewStartupError creates an error for a container that failed to become ready.
func NewStartupError(image, message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeStartup,
		Message: message,
		Image:   image,
		Err:     err,
	}
}

// NewConfigurationError creates an error for invalid input.
func NewConfigurationError(image, message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeConfiguration,
		Message: message,
		Image:   image,
		Err:     err,
	}
}

// IsStartupError reports whether err is (or wraps) a startup error.
func IsStartupError(err error) bool {
	return isType(err, ErrorTypeStartup)
}

// IsConfigurationError reports whether err is (or wraps) a configuration error.
func IsConfigurationError(err error) bool {
	return isType(err, ErrorTypeConfiguration)
}

func isType(err error, t ErrorType) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Type == t
	}
	return false
}
