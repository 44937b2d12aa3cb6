// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"context"
	"crypto/des" // #nosec G502 - DES is required by the VNC protocol specification (RFC 6143)
	"io"
	"net"
)

// VNC Authentication constants.
const (
	// VNCChallengeSize is the length of the server challenge.
	VNCChallengeSize = 16

	// DESKeySize is the DES block and key size.
	DESKeySize = 8

	// VNCMaxPasswordLength is the protocol limit on significant password bytes.
	VNCMaxPasswordLength = 8
)

// VNCAuthProvider implements VNC Authentication (security type 2): a
// 16-byte server challenge encrypted with DES in ECB mode under a key
// derived from the connection password.
//
// DES is cryptographically weak and is used here only because the protocol
// requires it. The password is truncated or zero-padded to 8 bytes and each
// key byte has its bit order reversed before use, a non-RFC-documented quirk
// shared by all deployed VNC implementations.
type VNCAuthProvider struct {
	logger Logger
}

// Type returns the security type identifier for VNC Authentication.
func (p *VNCAuthProvider) Type() SecurityType {
	return SecurityTypeVNCAuth
}

// Authenticate performs the VNC password challenge-response with the server.
func (p *VNCAuthProvider) Authenticate(ctx context.Context, conn net.Conn, creds Credentials) error {
	select {
	case <-ctx.Done():
		return connectionError("VNCAuthProvider.Authenticate", "authentication cancelled", ctx.Err())
	default:
	}

	if p.logger != nil && len(creds.Password) > VNCMaxPasswordLength {
		p.logger.Warn("Password exceeds VNC maximum length, will be truncated for DES encryption",
			Field{Key: "password_length", Value: len(creds.Password)})
	}

	var challenge [VNCChallengeSize]byte
	if _, err := io.ReadFull(conn, challenge[:]); err != nil {
		return connectionError("VNCAuthProvider.Authenticate", "failed to read authentication challenge", err)
	}

	response, err := EncryptVNCChallenge(creds.Password, challenge[:])
	if err != nil {
		return err
	}
	defer zeroBytes(response)

	if _, err := conn.Write(response); err != nil {
		return connectionError("VNCAuthProvider.Authenticate", "failed to send encrypted challenge", err)
	}

	if p.logger != nil {
		p.logger.Debug("VNC password challenge-response completed")
	}

	return nil
}

// String returns a human-readable description of the authentication method.
func (p *VNCAuthProvider) String() string {
	return "VNC Authentication"
}

// SetLogger sets the logger for the authentication method.
func (p *VNCAuthProvider) SetLogger(logger Logger) {
	p.logger = logger
}

// EncryptVNCChallenge encrypts a 16-byte VNC authentication challenge with
// DES-ECB under the key derived from password: truncated or zero-padded to
// 8 bytes with the bit order of each byte reversed.
func EncryptVNCChallenge(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != VNCChallengeSize {
		return nil, validationError("EncryptVNCChallenge",
			"challenge must be exactly 16 bytes", nil)
	}

	key := make([]byte, DESKeySize)
	defer zeroBytes(key)

	keyLen := len(password)
	if keyLen > VNCMaxPasswordLength {
		keyLen = VNCMaxPasswordLength
	}
	for i := 0; i < keyLen; i++ {
		key[i] = reverseBits(password[i])
	}

	block, err := des.NewCipher(key) // #nosec G405 - DES is required by the VNC protocol specification
	if err != nil {
		return nil, authenticationError("EncryptVNCChallenge", "failed to create DES cipher", err)
	}

	result := make([]byte, VNCChallengeSize)
	block.Encrypt(result[0:DESKeySize], challenge[0:DESKeySize])
	block.Encrypt(result[DESKeySize:VNCChallengeSize], challenge[DESKeySize:VNCChallengeSize])

	return result, nil
}

// reverseBits reverses the bit order of a single byte.
func reverseBits(b byte) byte {
	b = (b&0x55)<<1 | (b&0xAA)>>1
	b = (b&0x33)<<2 | (b&0xCC)>>2
	b = (b&0x0F)<<4 | (b&0xF0)>>4
	return b
}

// zeroBytes clears key material once it is no longer needed.
func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
