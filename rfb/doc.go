// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package rfb implements the wire level of the RFB (Remote Framebuffer)
// protocol family used by VNC and Apple Remote Desktop screen sharing.
//
// The package covers the client side of the handshake as defined in RFC 6143:
// protocol version exchange, security-type negotiation, the pluggable
// authentication sub-protocols (None, VNC password challenge, and the Apple
// Remote Desktop Diffie-Hellman + AES variant), and the ClientInit/ServerInit
// exchange that yields framebuffer geometry and pixel format.
//
// # Handshake
//
//	creds := rfb.Credentials{Username: "admin", Password: "secret"}
//	neg := rfb.NewNegotiator(rfb.NegotiatorConfig{Credentials: creds})
//
//	conn, err := net.Dial("tcp", "host:5900")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	init, err := neg.Negotiate(ctx, conn)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%s %dx%d\n", init.ServerName, init.Width, init.Height)
//
// After a successful handshake the connection carries ordinary protocol
// messages: client messages are serialized with the Write* functions and
// server messages are parsed with MessageReader.ReadMessage. Rectangle
// payloads are captured byte-exact but left opaque; decoding pixel data is
// the concern of a renderer, not of this package.
//
// # Error Handling
//
//	if rfb.IsError(err, rfb.ErrAuthentication) {
//		log.Printf("credentials rejected: %v", err)
//	}
package rfb
