// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// runHandshake drives a Negotiator against a scripted server over an
// in-memory pipe. The script runs in its own goroutine and reports the
// first failure through the returned channel.
func runHandshake(t *testing.T, cfg NegotiatorConfig, script func(conn net.Conn) error) (*SessionInit, error, error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	scriptErr := make(chan error, 1)
	go func() {
		scriptErr <- script(serverConn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init, err := NewNegotiator(cfg).Negotiate(ctx, clientConn)

	var serverErr error
	select {
	case serverErr = <-scriptErr:
	case <-time.After(5 * time.Second):
		t.Fatal("server script did not finish")
	}

	return init, err, serverErr
}

// Script building blocks.

func sendBanner(conn net.Conn, banner string) error {
	_, err := conn.Write([]byte(banner))
	return err
}

func expectVersionReply(conn net.Conn, want ProtocolVersion) error {
	reply := make([]byte, protocolVersionLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	if got := strings.TrimSuffix(string(reply), "\n"); got != want.String() {
		return errMismatch("version reply", got, want.String())
	}
	return nil
}

func offerSecurityTypes(conn net.Conn, types ...uint8) error {
	_, err := conn.Write(append([]byte{uint8(len(types))}, types...))
	return err
}

func expectSelection(conn net.Conn, want SecurityType) error {
	var selection [1]byte
	if _, err := io.ReadFull(conn, selection[:]); err != nil {
		return err
	}
	if SecurityType(selection[0]) != want {
		return errMismatch("security selection", SecurityType(selection[0]).Name(), want.Name())
	}
	return nil
}

func sendSecurityResult(conn net.Conn, result uint32) error {
	return binary.Write(conn, binary.BigEndian, result)
}

func sendReason(conn net.Conn, reason string) error {
	if err := binary.Write(conn, binary.BigEndian, uint32(len(reason))); err != nil {
		return err
	}
	_, err := conn.Write([]byte(reason))
	return err
}

func finishInit(conn net.Conn, width, height uint16, name string) error {
	var clientInit [1]byte
	if _, err := io.ReadFull(conn, clientInit[:]); err != nil {
		return err
	}

	if err := binary.Write(conn, binary.BigEndian, width); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, height); err != nil {
		return err
	}
	if _, err := conn.Write(WritePixelFormat(PixelFormat32BitRGBA)); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(name))); err != nil {
		return err
	}
	_, err := conn.Write([]byte(name))
	return err
}

func serveVNCChallenge(conn net.Conn, password string) error {
	challenge := make([]byte, VNCChallengeSize)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	if _, err := conn.Write(challenge); err != nil {
		return err
	}

	response := make([]byte, VNCChallengeSize)
	if _, err := io.ReadFull(conn, response); err != nil {
		return err
	}

	want, err := EncryptVNCChallenge(password, challenge)
	if err != nil {
		return err
	}
	for i := range want {
		if response[i] != want[i] {
			return errMismatch("challenge response", "mismatch", "match")
		}
	}
	return nil
}

type mismatchError struct {
	what string
	got  string
	want string
}

func (e *mismatchError) Error() string {
	return e.what + ": got " + e.got + ", want " + e.want
}

func errMismatch(what, got, want string) error {
	return &mismatchError{what: what, got: got, want: want}
}

func TestNegotiateNoneAuth(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version38); err != nil {
			return err
		}
		if err := offerSecurityTypes(conn, uint8(SecurityTypeNone), uint8(SecurityTypeVNCAuth)); err != nil {
			return err
		}
		if err := expectSelection(conn, SecurityTypeNone); err != nil {
			return err
		}
		if err := sendSecurityResult(conn, 0); err != nil {
			return err
		}
		return finishInit(conn, 1024, 768, "test desktop")
	}

	cfg := NegotiatorConfig{
		SecurityPreference: []SecurityType{SecurityTypeNone},
	}
	init, err, serverErr := runHandshake(t, cfg, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	if init.Version != Version38 {
		t.Errorf("Version = %v, want %v", init.Version, Version38)
	}
	if init.Security != SecurityTypeNone {
		t.Errorf("Security = %v, want None", init.Security)
	}
	if init.Width != 1024 || init.Height != 768 {
		t.Errorf("geometry = %dx%d, want 1024x768", init.Width, init.Height)
	}
	if init.ServerName != "test desktop" {
		t.Errorf("ServerName = %q, want %q", init.ServerName, "test desktop")
	}
	if init.PixelFormat.BPP != 32 || !init.PixelFormat.TrueColor {
		t.Errorf("PixelFormat = %+v, want 32-bit true color", init.PixelFormat)
	}
	if len(init.OfferedSecurity) != 2 {
		t.Errorf("OfferedSecurity = %v, want 2 entries", init.OfferedSecurity)
	}
}

func TestNegotiateVersionCapDown(t *testing.T) {
	tests := []struct {
		name   string
		banner string
		want   ProtocolVersion
	}{
		{"exact 3.8", "RFB 003.008\n", Version38},
		{"exact 3.7", "RFB 003.007\n", Version37},
		{"exact 3.3", "RFB 003.003\n", Version33},
		{"3.5 caps to 3.3", "RFB 003.005\n", Version33},
		{"3.6 caps to 3.3", "RFB 003.006\n", Version33},
		{"apple 3.889 caps to 3.8", "RFB 003.889\n", Version38},
		{"future 4.0 caps to 3.8", "RFB 004.000\n", Version38},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := func(conn net.Conn) error {
				if err := sendBanner(conn, tt.banner); err != nil {
					return err
				}
				if err := expectVersionReply(conn, tt.want); err != nil {
					return err
				}

				if tt.want == Version33 {
					if err := binary.Write(conn, binary.BigEndian, uint32(SecurityTypeNone)); err != nil {
						return err
					}
				} else {
					if err := offerSecurityTypes(conn, uint8(SecurityTypeNone)); err != nil {
						return err
					}
					if err := expectSelection(conn, SecurityTypeNone); err != nil {
						return err
					}
					if err := sendSecurityResult(conn, 0); err != nil {
						return err
					}
				}
				return finishInit(conn, 640, 480, "cap test")
			}

			init, err, serverErr := runHandshake(t, NegotiatorConfig{}, script)
			if serverErr != nil {
				t.Fatalf("server script error: %v", serverErr)
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if init.Version != tt.want {
				t.Errorf("negotiated version = %v, want %v", init.Version, tt.want)
			}
		})
	}
}

func TestNegotiateRejectsInvalidBanner(t *testing.T) {
	script := func(conn net.Conn) error {
		return sendBanner(conn, "HTTP 200 OK\n")
	}

	_, err, _ := runHandshake(t, NegotiatorConfig{}, script)
	if !IsError(err, ErrProtocol) {
		t.Errorf("Negotiate() error code = %v, want ErrProtocol", GetErrorCode(err))
	}
}

func TestNegotiateRejectsAncientMajor(t *testing.T) {
	script := func(conn net.Conn) error {
		return sendBanner(conn, "RFB 002.000\n")
	}

	_, err, _ := runHandshake(t, NegotiatorConfig{}, script)
	if !IsError(err, ErrProtocol) {
		t.Errorf("Negotiate() error code = %v, want ErrProtocol", GetErrorCode(err))
	}
}

func TestNegotiateEmptySecurityList(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version38); err != nil {
			return err
		}
		if err := offerSecurityTypes(conn); err != nil {
			return err
		}
		return sendReason(conn, "too many connections")
	}

	_, err, serverErr := runHandshake(t, NegotiatorConfig{}, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if !IsError(err, ErrAuthNegotiation) {
		t.Fatalf("Negotiate() error code = %v, want ErrAuthNegotiation", GetErrorCode(err))
	}
	if !strings.Contains(err.Error(), "too many connections") {
		t.Errorf("error %q should carry the server's reason", err)
	}
}

func TestNegotiateUnsupportedTypesWritesNothing(t *testing.T) {
	sawExtraByte := make(chan bool, 1)

	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version38); err != nil {
			return err
		}
		if err := offerSecurityTypes(conn, uint8(SecurityTypeTight), uint8(SecurityTypeVeNCrypt)); err != nil {
			return err
		}

		// The client must abort without selecting anything.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var one [1]byte
		n, _ := conn.Read(one[:])
		sawExtraByte <- n > 0
		return nil
	}

	_, err, serverErr := runHandshake(t, NegotiatorConfig{}, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if !IsError(err, ErrAuthNegotiation) {
		t.Errorf("Negotiate() error code = %v, want ErrAuthNegotiation", GetErrorCode(err))
	}
	if <-sawExtraByte {
		t.Error("client wrote past the version reply despite having no usable security type")
	}
}

func TestNegotiateVNCAuth(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version38); err != nil {
			return err
		}
		if err := offerSecurityTypes(conn, uint8(SecurityTypeVNCAuth)); err != nil {
			return err
		}
		if err := expectSelection(conn, SecurityTypeVNCAuth); err != nil {
			return err
		}
		if err := serveVNCChallenge(conn, "abc"); err != nil {
			return err
		}
		if err := sendSecurityResult(conn, 0); err != nil {
			return err
		}
		return finishInit(conn, 800, 600, "vnc auth")
	}

	cfg := NegotiatorConfig{Credentials: Credentials{Password: "abc"}}
	init, err, serverErr := runHandshake(t, cfg, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if init.Security != SecurityTypeVNCAuth {
		t.Errorf("Security = %v, want VNCAuth", init.Security)
	}
}

func TestNegotiateVNCAuthRejected(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version38); err != nil {
			return err
		}
		if err := offerSecurityTypes(conn, uint8(SecurityTypeVNCAuth)); err != nil {
			return err
		}
		if err := expectSelection(conn, SecurityTypeVNCAuth); err != nil {
			return err
		}
		if err := serveVNCChallenge(conn, "wrong"); err != nil {
			// The response will not match the server's expectation; keep
			// going to deliver the rejection either way.
			_ = err
		}
		if err := sendSecurityResult(conn, 1); err != nil {
			return err
		}
		return sendReason(conn, "bad password")
	}

	cfg := NegotiatorConfig{Credentials: Credentials{Password: "abc"}}
	_, err, _ := runHandshake(t, cfg, script)
	if !IsError(err, ErrAuthentication) {
		t.Fatalf("Negotiate() error code = %v, want ErrAuthentication", GetErrorCode(err))
	}
	if !strings.Contains(err.Error(), "bad password") {
		t.Errorf("error %q should carry the server's reason", err)
	}
}

func TestNegotiate33Unilateral(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.003\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version33); err != nil {
			return err
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(SecurityTypeVNCAuth)); err != nil {
			return err
		}
		if err := serveVNCChallenge(conn, "abc"); err != nil {
			return err
		}
		if err := sendSecurityResult(conn, 0); err != nil {
			return err
		}
		return finishInit(conn, 800, 600, "legacy")
	}

	cfg := NegotiatorConfig{Credentials: Credentials{Password: "abc"}}
	init, err, serverErr := runHandshake(t, cfg, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if init.Version != Version33 {
		t.Errorf("Version = %v, want 3.3", init.Version)
	}
	if init.Security != SecurityTypeVNCAuth {
		t.Errorf("Security = %v, want VNCAuth", init.Security)
	}
}

func TestNegotiate33MissingSecurityResult(t *testing.T) {
	serverDone := make(chan struct{})

	script := func(conn net.Conn) error {
		defer close(serverDone)
		if err := sendBanner(conn, "RFB 003.003\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version33); err != nil {
			return err
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(SecurityTypeVNCAuth)); err != nil {
			return err
		}
		if err := serveVNCChallenge(conn, "abc"); err != nil {
			return err
		}
		// Legacy server behavior: never send the security result.
		time.Sleep(500 * time.Millisecond)
		return nil
	}

	cfg := NegotiatorConfig{
		Credentials:   Credentials{Password: "abc"},
		ResultTimeout: 100 * time.Millisecond,
	}
	_, err, _ := runHandshake(t, cfg, script)
	if !IsError(err, ErrAuthentication) {
		t.Errorf("Negotiate() error code = %v, want ErrAuthentication", GetErrorCode(err))
	}
	<-serverDone
}

func TestNegotiate33Rejection(t *testing.T) {
	script := func(conn net.Conn) error {
		if err := sendBanner(conn, "RFB 003.003\n"); err != nil {
			return err
		}
		if err := expectVersionReply(conn, Version33); err != nil {
			return err
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
			return err
		}
		return sendReason(conn, "connections disabled")
	}

	_, err, serverErr := runHandshake(t, NegotiatorConfig{}, script)
	if serverErr != nil {
		t.Fatalf("server script error: %v", serverErr)
	}
	if !IsError(err, ErrAuthNegotiation) {
		t.Fatalf("Negotiate() error code = %v, want ErrAuthNegotiation", GetErrorCode(err))
	}
	if !strings.Contains(err.Error(), "connections disabled") {
		t.Errorf("error %q should carry the server's reason", err)
	}
}

func TestNegotiateExclusiveFlag(t *testing.T) {
	tests := []struct {
		name      string
		exclusive bool
		wantFlag  uint8
	}{
		{"shared by default", false, 1},
		{"exclusive clears the flag", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotFlag := make(chan uint8, 1)

			script := func(conn net.Conn) error {
				if err := sendBanner(conn, "RFB 003.008\n"); err != nil {
					return err
				}
				if err := expectVersionReply(conn, Version38); err != nil {
					return err
				}
				if err := offerSecurityTypes(conn, uint8(SecurityTypeNone)); err != nil {
					return err
				}
				if err := expectSelection(conn, SecurityTypeNone); err != nil {
					return err
				}
				if err := sendSecurityResult(conn, 0); err != nil {
					return err
				}

				var clientInit [1]byte
				if _, err := io.ReadFull(conn, clientInit[:]); err != nil {
					return err
				}
				gotFlag <- clientInit[0]

				if err := binary.Write(conn, binary.BigEndian, uint16(640)); err != nil {
					return err
				}
				if err := binary.Write(conn, binary.BigEndian, uint16(480)); err != nil {
					return err
				}
				if _, err := conn.Write(WritePixelFormat(PixelFormat32BitRGBA)); err != nil {
					return err
				}
				if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
					return err
				}
				return nil
			}

			_, err, serverErr := runHandshake(t, NegotiatorConfig{Exclusive: tt.exclusive}, script)
			if serverErr != nil {
				t.Fatalf("server script error: %v", serverErr)
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if flag := <-gotFlag; flag != tt.wantFlag {
				t.Errorf("shared flag = %d, want %d", flag, tt.wantFlag)
			}
		})
	}
}
