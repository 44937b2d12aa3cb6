// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for engine operations.
type ErrorCode int

const (
	// ErrConnection indicates a DNS, TCP, or timeout failure.
	ErrConnection ErrorCode = iota
	// ErrProtocol indicates malformed protocol framing.
	ErrProtocol
	// ErrAuthNegotiation indicates no mutually acceptable security type.
	ErrAuthNegotiation
	// ErrAuthentication indicates rejected credentials.
	ErrAuthentication
	// ErrUnsupportedSecurity indicates a negotiated type with no provider.
	ErrUnsupportedSecurity
	// ErrAlreadyConnected indicates a second connection to an endpoint that
	// already has a live session.
	ErrAlreadyConnected
	// ErrSessionNotFound indicates an operation on an unknown session id.
	ErrSessionNotFound
	// ErrChannelClosed indicates a command could not be delivered because the
	// session actor is gone or its command channel is saturated.
	ErrChannelClosed
	// ErrValidation indicates input validation failure.
	ErrValidation
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrConnection:
		return "connection"
	case ErrProtocol:
		return "protocol"
	case ErrAuthNegotiation:
		return "auth-negotiation"
	case ErrAuthentication:
		return "authentication"
	case ErrUnsupportedSecurity:
		return "unsupported-security"
	case ErrAlreadyConnected:
		return "already-connected"
	case ErrSessionNotFound:
		return "session-not-found"
	case ErrChannelClosed:
		return "channel-closed"
	case ErrValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error provides structured error information with operation context,
// error codes, and message wrapping for comprehensive error handling.
type Error struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rfb %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("rfb %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *Error) Is(target error) bool {
	var rfbErr *Error
	if errors.As(target, &rfbErr) {
		return e.Code == rfbErr.Code && e.Op == rfbErr.Op
	}
	return false
}

// NewError creates a new Error with the specified parameters.
func NewError(op string, code ErrorCode, message string, err error) *Error {
	return &Error{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsError checks if an error is an rfb Error and optionally matches specific
// error codes. If no codes are provided, returns true for any rfb Error.
func IsError(err error, code ...ErrorCode) bool {
	var rfbErr *Error
	if !errors.As(err, &rfbErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if rfbErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from an rfb Error.
// Returns the code if the error is an rfb Error, otherwise returns -1.
func GetErrorCode(err error) ErrorCode {
	var rfbErr *Error
	if errors.As(err, &rfbErr) {
		return rfbErr.Code
	}
	return ErrorCode(-1)
}

// connectionError creates a new connection error.
func connectionError(op, message string, err error) error {
	return NewError(op, ErrConnection, message, err)
}

// protocolError creates a new protocol error.
func protocolError(op, message string, err error) error {
	return NewError(op, ErrProtocol, message, err)
}

// authNegotiationError creates a new security negotiation error.
func authNegotiationError(op, message string, err error) error {
	return NewError(op, ErrAuthNegotiation, message, err)
}

// authenticationError creates a new authentication error.
func authenticationError(op, message string, err error) error {
	return NewError(op, ErrAuthentication, message, err)
}

// unsupportedSecurityError creates a new unsupported security type error.
func unsupportedSecurityError(op, message string, err error) error {
	return NewError(op, ErrUnsupportedSecurity, message, err)
}

// validationError creates a new validation error.
func validationError(op, message string, err error) error {
	return NewError(op, ErrValidation, message, err)
}

// AlreadyConnectedError creates an already-connected error for the given
// endpoint. Exported for use by the session registry.
func AlreadyConnectedError(op, endpoint string) error {
	return NewError(op, ErrAlreadyConnected, fmt.Sprintf("session to %s already connected", endpoint), nil)
}

// SessionNotFoundError creates a session-not-found error for the given id.
// Exported for use by the session registry.
func SessionNotFoundError(op, id string) error {
	return NewError(op, ErrSessionNotFound, fmt.Sprintf("no session with id %s", id), nil)
}

// ChannelClosedError creates a channel-closed error.
// Exported for use by the session actor.
func ChannelClosedError(op string) error {
	return NewError(op, ErrChannelClosed, "session actor is not accepting commands", nil)
}
