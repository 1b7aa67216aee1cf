package ess

import (
	"errors"
	"fmt"
)

// Error kinds carried by [DeviceError]. Match with errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTransport       = errors.New("transport failure")
)

// AuthError reports a failed login: the device rejected the password
// (Status holds what it answered) or the login call itself failed (Err).
type AuthError struct {
	Status string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "ess login: " + e.Err.Error()
	}
	return fmt.Sprintf("ess login rejected: status %q", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DeviceError reports a failed read or write against one endpoint. Kind
// is ErrUnauthenticated or ErrTransport; Err is the underlying cause.
type DeviceError struct {
	Op       string // "read" or "write"
	Endpoint string
	Kind     error
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("ess %s %s: %v: %v", e.Op, e.Endpoint, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *DeviceError) Unwrap() []error { return []error{e.Kind, e.Err} }
