// Package gwerrors defines the error kinds shared across the data plane.
package gwerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for component lifecycle and registration.
var (
	// ErrAlreadyRunning is returned when Start is called on a running adapter.
	ErrAlreadyRunning = errors.New("adapter already running")

	// ErrMaxConnections is returned when a TCP/WebSocket adapter refuses an
	// accept beyond its configured connection limit.
	ErrMaxConnections = errors.New("max connections reached")

	// ErrNotRegistered is returned when an operation references an unknown id.
	ErrNotRegistered = errors.New("not registered")

	// ErrSchemaInvalid is returned when a frame schema fails validation.
	ErrSchemaInvalid = errors.New("invalid frame schema")

	// ErrKeyActive is returned when deleting the currently active encryption key.
	ErrKeyActive = errors.New("key is active")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
)

// ConfigError reports malformed component configuration at construction time.
// It is the only error kind surfaced synchronously to the registrar.
type ConfigError struct {
	Component string
	Reason    string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError for the given component.
func NewConfigError(component, reason string, err error) *ConfigError {
	return &ConfigError{Component: component, Reason: reason, Err: err}
}

// Parse error reason codes. Stable identifiers recorded in envelopes.
const (
	ParseInsufficientLength = "insufficient_length"
	ParseChecksumMismatch   = "checksum_mismatch"
	ParseFieldOutOfRange    = "field_out_of_range"
	ParseBadValue           = "bad_value"
)

// ParseError reports a frame decode failure with a stable reason code.
type ParseError struct {
	Reason string
	Field  string // offending field name, empty for frame-level errors
	Detail string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %s: %s", e.Reason, e.Field, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("parse %s: %s", e.Reason, e.Detail)
	}
	return "parse " + e.Reason
}

// CryptoError reports a wrap/unwrap failure. Treated as a delivery failure on
// egress and as an annotation on ingress.
type CryptoError struct {
	Op  string // encrypt, decrypt, wrap, unwrap
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }
