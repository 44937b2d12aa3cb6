// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package session manages live RFB connections as isolated actors behind a
// registry.
//
// Each connection is owned by exactly one Session: a reader goroutine
// parses server messages into a drainable event queue, and a command
// goroutine serializes client input onto the wire. Nothing outside the
// session ever touches its net.Conn, so no protocol state needs locking
// across I/O.
//
// The Registry creates sessions by dialing and negotiating, hands out
// opaque ids, enforces one connected session per endpoint, and keeps
// disconnected entries around for inspection until they are removed or
// pruned.
//
//	reg := session.NewRegistry(session.Options{})
//	id, err := reg.Connect(ctx, "host:5900", rfb.Credentials{Password: "secret"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	_ = reg.RequestUpdate(id, false)
//	for _, ev := range reg.DrainEvents(0) {
//		fmt.Printf("%s: %T\n", ev.SessionID, ev.Event)
//	}
package session
