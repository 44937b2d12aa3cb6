// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// Client-to-server message types from RFC 6143 section 7.5.
const (
	msgSetPixelFormat           uint8 = 0
	msgSetEncodings             uint8 = 2
	msgFramebufferUpdateRequest uint8 = 3
	msgKeyEvent                 uint8 = 4
	msgPointerEvent             uint8 = 5
	msgClientCutText            uint8 = 6
)

// maxCutTextLength bounds outgoing clipboard payloads.
const maxCutTextLength = 1024 * 1024

// Each writer serializes one complete client message and writes it with a
// single Write call, returning the number of bytes written so callers can
// account for traffic.

// WriteSetPixelFormat sends a SetPixelFormat message asking the server to
// use the given format for subsequent framebuffer updates.
func WriteSetPixelFormat(w io.Writer, format *PixelFormat) (int, error) {
	if err := format.Validate(); err != nil {
		return 0, validationError("WriteSetPixelFormat", "invalid pixel format", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 20))
	buf.WriteByte(msgSetPixelFormat)
	buf.Write([]byte{0, 0, 0}) // padding
	buf.Write(WritePixelFormat(format))

	return writeMessage(w, "WriteSetPixelFormat", buf.Bytes())
}

// WriteSetEncodings sends a SetEncodings message declaring, in preference
// order, which encodings the client can accept.
func WriteSetEncodings(w io.Writer, encodings []EncodingType) (int, error) {
	if len(encodings) > math.MaxUint16 {
		return 0, validationError("WriteSetEncodings", "too many encodings", nil)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+4*len(encodings)))
	buf.WriteByte(msgSetEncodings)
	buf.WriteByte(0) // padding
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(encodings)))
	buf.Write(count[:])

	var enc [4]byte
	for _, e := range encodings {
		binary.BigEndian.PutUint32(enc[:], uint32(e)) // #nosec G115 - two's complement wire form
		buf.Write(enc[:])
	}

	return writeMessage(w, "WriteSetEncodings", buf.Bytes())
}

// WriteFramebufferUpdateRequest sends a FramebufferUpdateRequest for the
// given region. An incremental request asks only for changes since the last
// update; a non-incremental request asks for the full region contents.
func WriteFramebufferUpdateRequest(w io.Writer, incremental bool, x, y, width, height uint16) (int, error) {
	var buf [10]byte
	buf[0] = msgFramebufferUpdateRequest
	if incremental {
		buf[1] = 1
	}
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)
	binary.BigEndian.PutUint16(buf[6:8], width)
	binary.BigEndian.PutUint16(buf[8:10], height)

	return writeMessage(w, "WriteFramebufferUpdateRequest", buf[:])
}

// WriteKeyEvent sends a KeyEvent for the X11 keysym. down reports whether
// the key was pressed (true) or released (false).
func WriteKeyEvent(w io.Writer, down bool, keysym uint32) (int, error) {
	var buf [8]byte
	buf[0] = msgKeyEvent
	if down {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[4:8], keysym)

	return writeMessage(w, "WriteKeyEvent", buf[:])
}

// WritePointerEvent sends a PointerEvent with the pointer position and a
// bitmask of pressed buttons (bit 0 = left, bit 1 = middle, bit 2 = right,
// bits 3/4 = scroll up/down).
func WritePointerEvent(w io.Writer, buttonMask uint8, x, y uint16) (int, error) {
	var buf [6]byte
	buf[0] = msgPointerEvent
	buf[1] = buttonMask
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)

	return writeMessage(w, "WritePointerEvent", buf[:])
}

// WriteClientCutText sends the client clipboard contents to the server.
// The protocol carries Latin-1 text; the caller is responsible for any
// charset conversion.
func WriteClientCutText(w io.Writer, text string) (int, error) {
	if len(text) > maxCutTextLength {
		return 0, validationError("WriteClientCutText", "clipboard text too large", nil)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 8+len(text)))
	buf.WriteByte(msgClientCutText)
	buf.Write([]byte{0, 0, 0}) // padding
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(text))) // #nosec G115 - bounded above
	buf.Write(length[:])
	buf.WriteString(text)

	return writeMessage(w, "WriteClientCutText", buf.Bytes())
}

func writeMessage(w io.Writer, op string, data []byte) (int, error) {
	n, err := w.Write(data)
	if err != nil {
		return n, connectionError(op, "failed to write message", err)
	}
	return n, nil
}
