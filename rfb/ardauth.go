// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"context"
	"crypto/aes"
	"crypto/md5" // #nosec G501 - MD5 is mandated by the ARD authentication scheme
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"net"
)

// ARD authentication constants.
const (
	// ardCredentialBlockSize is the fixed size of the encrypted credential block.
	ardCredentialBlockSize = 128

	// ardCredentialFieldSize is the size of each null-padded credential field.
	ardCredentialFieldSize = 64

	// ardMaxKeyLength bounds the Diffie-Hellman modulus length accepted from
	// the server.
	ardMaxKeyLength = 1024
)

// ARDAuthProvider implements the Apple Remote Desktop security type (30):
// an anonymous Diffie-Hellman key agreement followed by AES-128-ECB
// encryption of a fixed-size username/password block.
//
// The server supplies the DH generator, prime modulus, and its public key.
// The client generates an ephemeral private exponent, derives the shared
// secret, hashes it with MD5 to obtain the AES key, and sends its own
// public key followed by the encrypted credential block.
type ARDAuthProvider struct {
	logger Logger
}

// Type returns the security type identifier for ARD authentication.
func (p *ARDAuthProvider) Type() SecurityType {
	return SecurityTypeARD
}

// ardParams holds the Diffie-Hellman parameters announced by the server.
type ardParams struct {
	generator *big.Int
	prime     *big.Int
	peerKey   *big.Int
	keyLength int
}

// readARDParams reads the server's DH parameter block: a length-prefixed
// generator, a length-prefixed prime modulus, and a peer public key of the
// same length as the modulus.
func readARDParams(conn io.Reader) (*ardParams, error) {
	var generatorLen uint16
	if err := binary.Read(conn, binary.BigEndian, &generatorLen); err != nil {
		return nil, connectionError("readARDParams", "failed to read generator length", err)
	}
	if generatorLen == 0 || generatorLen > ardMaxKeyLength {
		return nil, protocolError("readARDParams", "invalid generator length", nil)
	}

	generator := make([]byte, generatorLen)
	if _, err := io.ReadFull(conn, generator); err != nil {
		return nil, connectionError("readARDParams", "failed to read generator", err)
	}

	var primeLen uint16
	if err := binary.Read(conn, binary.BigEndian, &primeLen); err != nil {
		return nil, connectionError("readARDParams", "failed to read prime length", err)
	}
	if primeLen == 0 || primeLen > ardMaxKeyLength {
		return nil, protocolError("readARDParams", "invalid prime length", nil)
	}

	prime := make([]byte, primeLen)
	if _, err := io.ReadFull(conn, prime); err != nil {
		return nil, connectionError("readARDParams", "failed to read prime modulus", err)
	}

	peerKey := make([]byte, primeLen)
	if _, err := io.ReadFull(conn, peerKey); err != nil {
		return nil, connectionError("readARDParams", "failed to read peer public key", err)
	}

	params := &ardParams{
		generator: new(big.Int).SetBytes(generator),
		prime:     new(big.Int).SetBytes(prime),
		peerKey:   new(big.Int).SetBytes(peerKey),
		keyLength: int(primeLen),
	}

	if params.generator.Sign() == 0 || params.prime.Sign() == 0 {
		return nil, protocolError("readARDParams", "degenerate Diffie-Hellman parameters", nil)
	}

	return params, nil
}

// ARDKeyExchange exposes the server's Diffie-Hellman parameters to
// diagnostic tooling without completing the exchange.
type ARDKeyExchange struct {
	params *ardParams
}

// ReadARDParams reads only the server's DH parameter block from the ARD
// sub-protocol. The connection is left mid-handshake; callers that do not
// continue the exchange must close it.
func ReadARDParams(r io.Reader) (*ARDKeyExchange, error) {
	params, err := readARDParams(r)
	if err != nil {
		return nil, err
	}
	return &ARDKeyExchange{params: params}, nil
}

// BitLength returns the size of the prime modulus in bits.
func (k *ARDKeyExchange) BitLength() int {
	return k.params.prime.BitLen()
}

// KeyLength returns the DH key length in bytes.
func (k *ARDKeyExchange) KeyLength() int {
	return k.params.keyLength
}

// Authenticate performs the ARD Diffie-Hellman handshake and sends the
// encrypted credential block.
func (p *ARDAuthProvider) Authenticate(ctx context.Context, conn net.Conn, creds Credentials) error {
	select {
	case <-ctx.Done():
		return connectionError("ARDAuthProvider.Authenticate", "authentication cancelled", ctx.Err())
	default:
	}

	params, err := readARDParams(conn)
	if err != nil {
		return err
	}

	if p.logger != nil {
		p.logger.Debug("Received ARD Diffie-Hellman parameters",
			Field{Key: "key_length", Value: params.keyLength})
	}

	privateKey, err := randomExponent(params.keyLength)
	if err != nil {
		return err
	}
	defer privateKey.SetInt64(0)

	publicKey := new(big.Int).Exp(params.generator, privateKey, params.prime)
	sharedSecret := new(big.Int).Exp(params.peerKey, privateKey, params.prime)
	defer sharedSecret.SetInt64(0)

	secretBytes := leftPad(sharedSecret.Bytes(), params.keyLength)
	defer zeroBytes(secretBytes)

	aesKey := md5.Sum(secretBytes) // #nosec G401 - MD5 is mandated by the ARD authentication scheme
	defer zeroBytes(aesKey[:])

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return authenticationError("ARDAuthProvider.Authenticate", "failed to create AES cipher", err)
	}

	credBlock := make([]byte, ardCredentialBlockSize)
	copy(credBlock[0:ardCredentialFieldSize], creds.Username)
	copy(credBlock[ardCredentialFieldSize:], creds.Password)
	defer zeroBytes(credBlock)

	ciphertext := make([]byte, ardCredentialBlockSize)
	for i := 0; i < ardCredentialBlockSize; i += aes.BlockSize {
		block.Encrypt(ciphertext[i:i+aes.BlockSize], credBlock[i:i+aes.BlockSize])
	}

	if _, err := conn.Write(leftPad(publicKey.Bytes(), params.keyLength)); err != nil {
		return connectionError("ARDAuthProvider.Authenticate", "failed to send public key", err)
	}

	if _, err := conn.Write(ciphertext); err != nil {
		return connectionError("ARDAuthProvider.Authenticate", "failed to send encrypted credentials", err)
	}

	if p.logger != nil {
		p.logger.Debug("ARD credential exchange completed")
	}

	return nil
}

// String returns a human-readable description of the authentication method.
func (p *ARDAuthProvider) String() string {
	return "Apple Remote Desktop"
}

// SetLogger sets the logger for the authentication method.
func (p *ARDAuthProvider) SetLogger(logger Logger) {
	p.logger = logger
}

// randomExponent generates a random DH private exponent of the given byte
// length.
func randomExponent(length int) (*big.Int, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return nil, authenticationError("randomExponent", "failed to generate private exponent", err)
	}
	defer zeroBytes(raw)

	exponent := new(big.Int).SetBytes(raw)
	if exponent.Sign() == 0 {
		exponent.SetInt64(1)
	}
	return exponent, nil
}

// leftPad zero-extends b on the left to exactly length bytes.
func leftPad(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	padded := make([]byte, length)
	copy(padded[length-len(b):], b)
	return padded
}
