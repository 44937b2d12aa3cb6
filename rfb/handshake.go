// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// protocolVersionLen is the wire size of the RFB version message.
const protocolVersionLen = 12

// maxReasonLength bounds server-supplied rejection reason strings.
const maxReasonLength = 64 * 1024

// maxServerNameLength bounds the ServerInit desktop name.
const maxServerNameLength = 1024 * 1024

// defaultResultTimeout is how long the negotiator waits for the optional
// SecurityResult on legacy 3.3 VNC Authentication before treating the
// missing field as failure.
const defaultResultTimeout = 5 * time.Second

// ProtocolVersion identifies a negotiated RFB protocol version.
type ProtocolVersion struct {
	Major uint
	Minor uint
}

// String returns the 12-byte wire form of the version, e.g. "RFB 003.008\n"
// without the trailing newline.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("RFB %03d.%03d", v.Major, v.Minor)
}

// wire returns the exact 12-byte version message.
func (v ProtocolVersion) wire() []byte {
	return []byte(fmt.Sprintf("RFB %03d.%03d\n", v.Major, v.Minor))
}

// Versions this client understands, in descending preference.
var (
	Version38 = ProtocolVersion{3, 8}
	Version37 = ProtocolVersion{3, 7}
	Version33 = ProtocolVersion{3, 3}
)

// SessionInit is the product of a successful handshake: everything the
// session layer needs to run a live connection.
type SessionInit struct {
	// Version is the negotiated protocol version.
	Version ProtocolVersion

	// Security is the security type that was selected and completed.
	Security SecurityType

	// OfferedSecurity lists every type the server announced, in server order.
	OfferedSecurity []SecurityType

	// Width and Height are the framebuffer dimensions from ServerInit.
	Width  uint16
	Height uint16

	// PixelFormat is the server's native pixel format from ServerInit.
	PixelFormat PixelFormat

	// ServerName is the human-readable desktop name from ServerInit.
	ServerName string
}

// NegotiatorConfig configures a handshake run.
type NegotiatorConfig struct {
	// Credentials supplies the secret material for the selected provider.
	Credentials Credentials

	// Exclusive requests exclusive access: the ClientInit shared flag is
	// cleared and the server may disconnect other viewers.
	Exclusive bool

	// SecurityPreference overrides the selection priority. Nil means
	// DefaultSecurityPreference ([ARD, VNC Authentication, None]).
	SecurityPreference []SecurityType

	// ResultTimeout bounds the wait for the optional SecurityResult field
	// on legacy 3.3 VNC Authentication. Zero means a 5 second default.
	ResultTimeout time.Duration

	// Logger receives handshake progress. Nil means no logging.
	Logger Logger
}

// Negotiator drives the RFB handshake on an established transport: version
// exchange, security-type selection, authentication dispatch, and the
// ClientInit/ServerInit exchange. It performs no retries; any failure aborts
// the handshake and is reported to the caller.
type Negotiator struct {
	cfg    NegotiatorConfig
	logger Logger
}

// NewNegotiator creates a Negotiator with the given configuration.
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Negotiator{cfg: cfg, logger: logger}
}

// Negotiate runs the full handshake on conn and returns the session
// parameters on success. The connection is left positioned at the start of
// the normal protocol message stream; on failure the connection state is
// undefined and the caller should close it.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn) (*SessionInit, error) {
	version, err := n.exchangeVersion(ctx, conn)
	if err != nil {
		return nil, err
	}

	chosen, offered, err := n.selectSecurity(ctx, conn, version)
	if err != nil {
		return nil, err
	}

	if err := n.authenticate(ctx, conn, chosen); err != nil {
		return nil, err
	}

	if err := n.readSecurityResult(ctx, conn, version, chosen); err != nil {
		return nil, err
	}

	init, err := n.initExchange(ctx, conn)
	if err != nil {
		return nil, err
	}

	init.Version = version
	init.Security = chosen
	init.OfferedSecurity = offered

	n.logger.Info("Handshake completed",
		Field{Key: "version", Value: version.String()},
		Field{Key: "security", Value: chosen.Name()},
		Field{Key: "server_name", Value: init.ServerName},
		Field{Key: "width", Value: init.Width},
		Field{Key: "height", Value: init.Height})

	return init, nil
}

// exchangeVersion reads the server's 12-byte version banner and replies with
// the highest mutually understood version, capped downward: 3.8, else 3.7,
// else 3.3. The reply is never a version higher than the server offered.
func (n *Negotiator) exchangeVersion(ctx context.Context, conn net.Conn) (ProtocolVersion, error) {
	validator := newInputValidator()

	var banner [protocolVersionLen]byte
	if err := readWithContext(ctx, conn, banner[:]); err != nil {
		return ProtocolVersion{}, connectionError("exchangeVersion", "failed to read protocol version", err)
	}

	if err := validator.ValidateProtocolVersion(string(banner[:])); err != nil {
		return ProtocolVersion{}, protocolError("exchangeVersion", "server sent invalid protocol version", err)
	}

	var major, minor uint
	if _, err := fmt.Sscanf(string(banner[:]), "RFB %d.%d\n", &major, &minor); err != nil {
		return ProtocolVersion{}, protocolError("exchangeVersion", "failed to parse protocol version", err)
	}

	n.logger.Debug("Received protocol version",
		Field{Key: "major", Value: major},
		Field{Key: "minor", Value: minor})

	if major < 3 {
		return ProtocolVersion{}, protocolError("exchangeVersion",
			fmt.Sprintf("unsupported major version, less than 3: %d", major), nil)
	}

	reply := Version38
	if major == 3 {
		switch {
		case minor >= 8:
			reply = Version38
		case minor >= 7:
			reply = Version37
		default:
			reply = Version33
		}
	}

	if err := writeWithContext(ctx, conn, reply.wire()); err != nil {
		return ProtocolVersion{}, connectionError("exchangeVersion", "failed to send protocol version reply", err)
	}

	return reply, nil
}

// selectSecurity performs the security-type phase for the negotiated
// version: the unilateral 4-byte announcement on 3.3, or the list exchange
// on 3.7/3.8. It returns the chosen type and the full offered set.
func (n *Negotiator) selectSecurity(ctx context.Context, conn net.Conn, version ProtocolVersion) (SecurityType, []SecurityType, error) {
	if version == Version33 {
		var raw uint32
		if err := readBinaryWithContext(ctx, conn, &raw); err != nil {
			return 0, nil, connectionError("selectSecurity", "failed to read security type", err)
		}

		if raw == 0 {
			reason := readErrorReason(conn)
			return 0, nil, authNegotiationError("selectSecurity",
				fmt.Sprintf("server rejected connection: %s", reason), nil)
		}

		chosen := SecurityType(raw) // #nosec G115 - 3.3 servers announce small registry values
		n.logger.Debug("Server chose security type unilaterally",
			Field{Key: "type", Value: chosen.Name()})
		return chosen, []SecurityType{chosen}, nil
	}

	var count uint8
	if err := readBinaryWithContext(ctx, conn, &count); err != nil {
		return 0, nil, connectionError("selectSecurity", "failed to read security type count", err)
	}

	if count == 0 {
		reason := readErrorReason(conn)
		return 0, nil, authNegotiationError("selectSecurity",
			fmt.Sprintf("server offered no security types: %s", reason), nil)
	}

	raw := make([]uint8, count)
	if err := readWithContext(ctx, conn, raw); err != nil {
		return 0, nil, connectionError("selectSecurity", "failed to read security types", err)
	}

	offered := make([]SecurityType, count)
	for i, b := range raw {
		offered[i] = SecurityType(b)
	}

	n.logger.Debug("Received security types",
		Field{Key: "count", Value: count},
		Field{Key: "types", Value: fmt.Sprintf("%v", offered)})

	chosen, err := SelectSecurityType(offered, n.cfg.SecurityPreference)
	if err != nil {
		return 0, nil, err
	}

	if err := writeWithContext(ctx, conn, []byte{uint8(chosen)}); err != nil {
		return 0, nil, connectionError("selectSecurity", "failed to send selected security type", err)
	}

	n.logger.Info("Selected security type", Field{Key: "type", Value: chosen.Name()})

	return chosen, offered, nil
}

// authenticate dispatches to the provider for the chosen security type.
func (n *Negotiator) authenticate(ctx context.Context, conn net.Conn, chosen SecurityType) error {
	provider, err := ProviderFor(chosen)
	if err != nil {
		return err
	}

	if withLogger, ok := provider.(interface{ SetLogger(Logger) }); ok {
		withLogger.SetLogger(n.logger)
	}

	return provider.Authenticate(ctx, conn, n.cfg.Credentials)
}

// readSecurityResult reads the 4-byte SecurityResult where the protocol
// defines one: always on 3.7/3.8, and on 3.3 only for VNC Authentication.
// Legacy 3.3 servers sometimes omit the field after VNC Authentication; a
// timeout waiting for it is treated as failure rather than assumed success.
func (n *Negotiator) readSecurityResult(ctx context.Context, conn net.Conn, version ProtocolVersion, chosen SecurityType) error {
	if version == Version33 {
		if chosen != SecurityTypeVNCAuth {
			return nil
		}

		timeout := n.cfg.ResultTimeout
		if timeout == 0 {
			timeout = defaultResultTimeout
		}

		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return connectionError("readSecurityResult", "failed to set read deadline", err)
		}
		defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

		var result uint32
		if err := binary.Read(conn, binary.BigEndian, &result); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return authenticationError("readSecurityResult",
					"server sent no security result (treated as failure)", err)
			}
			return connectionError("readSecurityResult", "failed to read security result", err)
		}

		if result != 0 {
			return authenticationError("readSecurityResult", "credentials rejected by server", nil)
		}
		return nil
	}

	var result uint32
	if err := readBinaryWithContext(ctx, conn, &result); err != nil {
		return connectionError("readSecurityResult", "failed to read security result", err)
	}

	if result != 0 {
		reason := readErrorReason(conn)
		return authenticationError("readSecurityResult",
			fmt.Sprintf("credentials rejected: %s", reason), nil)
	}

	n.logger.Debug("Authentication accepted by server")
	return nil
}

// initExchange sends ClientInit and parses ServerInit into a SessionInit.
func (n *Negotiator) initExchange(ctx context.Context, conn net.Conn) (*SessionInit, error) {
	validator := newInputValidator()

	var sharedFlag uint8 = 1
	if n.cfg.Exclusive {
		sharedFlag = 0
	}

	if err := writeWithContext(ctx, conn, []byte{sharedFlag}); err != nil {
		return nil, connectionError("initExchange", "failed to send client init", err)
	}

	var width, height uint16
	if err := readBinaryWithContext(ctx, conn, &width); err != nil {
		return nil, connectionError("initExchange", "failed to read framebuffer width", err)
	}
	if err := readBinaryWithContext(ctx, conn, &height); err != nil {
		return nil, connectionError("initExchange", "failed to read framebuffer height", err)
	}

	if err := validator.ValidateFramebufferDimensions(width, height); err != nil {
		return nil, protocolError("initExchange", "server sent invalid framebuffer dimensions", err)
	}

	var pixelFormat PixelFormat
	if err := readPixelFormatWithContext(ctx, conn, &pixelFormat); err != nil {
		return nil, err
	}
	if err := pixelFormat.Validate(); err != nil {
		return nil, protocolError("initExchange", "server sent invalid pixel format", err)
	}

	var nameLength uint32
	if err := readBinaryWithContext(ctx, conn, &nameLength); err != nil {
		return nil, connectionError("initExchange", "failed to read server name length", err)
	}

	if err := validator.ValidateMessageLength(nameLength, maxServerNameLength); err != nil {
		return nil, protocolError("initExchange", "server sent invalid name length", err)
	}

	nameBytes := make([]byte, nameLength)
	if err := readWithContext(ctx, conn, nameBytes); err != nil {
		return nil, connectionError("initExchange", "failed to read server name", err)
	}

	return &SessionInit{
		Width:       width,
		Height:      height,
		PixelFormat: pixelFormat,
		ServerName:  validator.SanitizeText(string(nameBytes)),
	}, nil
}

// readErrorReason reads a length-prefixed rejection reason from the server.
// Failures while reading the reason degrade to a placeholder rather than
// masking the underlying handshake error.
func readErrorReason(conn io.Reader) string {
	var reasonLen uint32
	if err := binary.Read(conn, binary.BigEndian, &reasonLen); err != nil {
		return "<failed to read error reason>"
	}

	if reasonLen > maxReasonLength {
		return "<invalid error reason length>"
	}

	reason := make([]byte, reasonLen)
	if _, err := io.ReadFull(conn, reason); err != nil {
		return "<failed to read error reason>"
	}

	return newInputValidator().SanitizeText(string(reason))
}

// Context-aware network operation helpers.

// readWithContext fills buf from the connection with context cancellation support.
func readWithContext(ctx context.Context, conn net.Conn, buf []byte) error {
	done := make(chan error, 1)

	go func() {
		_, err := io.ReadFull(conn, buf)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeWithContext writes data to the connection with context cancellation support.
func writeWithContext(ctx context.Context, conn net.Conn, data []byte) error {
	done := make(chan error, 1)

	go func() {
		_, err := conn.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readBinaryWithContext reads big-endian binary data with context cancellation support.
func readBinaryWithContext(ctx context.Context, conn net.Conn, data interface{}) error {
	done := make(chan error, 1)

	go func() {
		done <- binary.Read(conn, binary.BigEndian, data)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPixelFormatWithContext reads pixel format data with context cancellation support.
func readPixelFormatWithContext(ctx context.Context, conn net.Conn, pf *PixelFormat) error {
	done := make(chan error, 1)

	go func() {
		done <- ReadPixelFormat(conn, pf)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
