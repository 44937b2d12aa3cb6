// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"context"
	"fmt"
	"net"
)

// Credentials carries the secret material for one authentication attempt.
// Credentials are supplied per call and are never cached by a provider
// beyond the duration of its Authenticate call.
type Credentials struct {
	// Username is required by the ARD scheme and ignored by VNC Authentication.
	Username string

	// Password is required by the VNC and ARD schemes.
	Password string
}

// SecurityProvider implements one RFB authentication sub-protocol.
// A provider is a pure function of (transport, credentials): it performs
// zero or more reads and writes on the connection and reports success or a
// typed authentication error.
type SecurityProvider interface {
	// Type returns the security type this provider implements.
	Type() SecurityType

	// Authenticate runs the sub-protocol on the connection.
	Authenticate(ctx context.Context, conn net.Conn, creds Credentials) error

	// String returns a human-readable description of the scheme.
	String() string
}

// NoneProvider implements the "None" security type: no sub-protocol
// messages are exchanged and authentication always succeeds.
type NoneProvider struct {
	logger Logger
}

// Type returns the security type identifier for None authentication.
func (p *NoneProvider) Type() SecurityType {
	return SecurityTypeNone
}

// Authenticate performs the None authentication handshake.
func (p *NoneProvider) Authenticate(ctx context.Context, conn net.Conn, creds Credentials) error {
	select {
	case <-ctx.Done():
		return connectionError("NoneProvider.Authenticate", "authentication cancelled", ctx.Err())
	default:
	}

	if p.logger != nil {
		p.logger.Debug("None authentication completed")
	}

	return nil
}

// String returns a human-readable description of the authentication method.
func (p *NoneProvider) String() string {
	return "None"
}

// SetLogger sets the logger for the authentication method.
func (p *NoneProvider) SetLogger(logger Logger) {
	p.logger = logger
}

// unsupportedProvider is the placeholder for recognized security types that
// have no implementation yet (TLS, VeNCrypt, Apple Extended, Tight). It is
// the designated extension point: implementing one of these schemes means
// replacing the placeholder in ProviderFor with a real provider.
type unsupportedProvider struct {
	securityType SecurityType
}

func (p *unsupportedProvider) Type() SecurityType {
	return p.securityType
}

func (p *unsupportedProvider) Authenticate(ctx context.Context, conn net.Conn, creds Credentials) error {
	return unsupportedSecurityError("unsupportedProvider.Authenticate",
		fmt.Sprintf("security type %s is recognized but not implemented", p.securityType.Name()), nil)
}

func (p *unsupportedProvider) String() string {
	return p.securityType.Name() + " (unimplemented)"
}

// ProviderFor returns the SecurityProvider for the given security type, or
// an unsupported-security error when no provider exists for it.
func ProviderFor(t SecurityType) (SecurityProvider, error) {
	switch t {
	case SecurityTypeNone:
		return &NoneProvider{}, nil
	case SecurityTypeVNCAuth:
		return &VNCAuthProvider{}, nil
	case SecurityTypeARD:
		return &ARDAuthProvider{}, nil
	case SecurityTypeTLS, SecurityTypeVeNCrypt, SecurityTypeAppleExtended, SecurityTypeTight:
		return &unsupportedProvider{securityType: t}, nil
	default:
		return nil, unsupportedSecurityError("ProviderFor",
			fmt.Sprintf("no provider for security type %s", t.Name()), nil)
	}
}
