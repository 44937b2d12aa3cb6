// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Server-to-client message types from RFC 6143 section 7.6.
const (
	msgFramebufferUpdate  uint8 = 0
	msgSetColorMapEntries uint8 = 1
	msgBell               uint8 = 2
	msgServerCutText      uint8 = 3
)

// maxPayloadLength bounds a single length-prefixed payload.
const maxPayloadLength = 16 * 1024 * 1024

// maxRectanglesPerUpdate bounds a single framebuffer update.
const maxRectanglesPerUpdate = 10000

// ServerMessage is a parsed server-to-client protocol message.
type ServerMessage interface {
	// Type returns the wire message type identifier.
	Type() uint8
}

// FrameRect is one rectangle of a framebuffer update. The payload is the
// encoding-specific wire data, captured byte-exact but not decoded.
type FrameRect struct {
	X        uint16
	Y        uint16
	Width    uint16
	Height   uint16
	Encoding EncodingType
	Payload  []byte
}

// FramebufferUpdate carries one or more updated framebuffer rectangles.
type FramebufferUpdate struct {
	Rects []FrameRect
}

// Type returns the FramebufferUpdate message type.
func (*FramebufferUpdate) Type() uint8 { return msgFramebufferUpdate }

// SetColorMapEntries updates part of the palette for indexed pixel formats.
type SetColorMapEntries struct {
	FirstColor uint16
	Colors     []Color
}

// Type returns the SetColorMapEntries message type.
func (*SetColorMapEntries) Type() uint8 { return msgSetColorMapEntries }

// Bell asks the client to ring an audible bell.
type Bell struct{}

// Type returns the Bell message type.
func (*Bell) Type() uint8 { return msgBell }

// ServerCutText carries the server clipboard contents.
type ServerCutText struct {
	Text string
}

// Type returns the ServerCutText message type.
func (*ServerCutText) Type() uint8 { return msgServerCutText }

// MessageReader parses the server-to-client message stream after a
// completed handshake. It tracks the pixel format needed to size rectangle
// payloads and maintains the local color map for indexed formats.
//
// ReadMessage must be called from a single goroutine. SetFormat and
// SetGeometry may be called concurrently with it; the new values take
// effect from the next message boundary.
type MessageReader struct {
	mu        sync.Mutex
	format    PixelFormat
	colorMap  [ColorMapSize]Color
	validator *InputValidator
	maxWidth  uint16
	maxHeight uint16
}

// NewMessageReader creates a MessageReader for a connection negotiated to
// the given pixel format and framebuffer geometry.
func NewMessageReader(init *SessionInit) *MessageReader {
	return &MessageReader{
		format:    init.PixelFormat,
		validator: newInputValidator(),
		maxWidth:  init.Width,
		maxHeight: init.Height,
	}
}

// SetFormat records a pixel format change requested via SetPixelFormat, so
// that subsequent rectangle payloads are sized against the new format.
func (mr *MessageReader) SetFormat(format PixelFormat) {
	mr.mu.Lock()
	mr.format = format
	mr.mu.Unlock()
}

// SetGeometry records a framebuffer resize, typically after a DesktopSize
// pseudo-rectangle.
func (mr *MessageReader) SetGeometry(width, height uint16) {
	mr.mu.Lock()
	mr.maxWidth = width
	mr.maxHeight = height
	mr.mu.Unlock()
}

// ColorMap returns the current contents of the local color map.
func (mr *MessageReader) ColorMap() [ColorMapSize]Color {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.colorMap
}

// ReadMessage reads and parses exactly one server message. An unknown
// message type is a protocol error: without knowing its length the stream
// cannot be resynchronized.
func (mr *MessageReader) ReadMessage(r io.Reader) (ServerMessage, error) {
	var msgType uint8
	if err := binary.Read(r, binary.BigEndian, &msgType); err != nil {
		return nil, connectionError("ReadMessage", "failed to read message type", err)
	}

	switch msgType {
	case msgFramebufferUpdate:
		return mr.readFramebufferUpdate(r)
	case msgSetColorMapEntries:
		return mr.readSetColorMapEntries(r)
	case msgBell:
		return &Bell{}, nil
	case msgServerCutText:
		return mr.readServerCutText(r)
	default:
		return nil, protocolError("ReadMessage",
			fmt.Sprintf("unknown server message type: %d", msgType), nil)
	}
}

func (mr *MessageReader) readFramebufferUpdate(r io.Reader) (*FramebufferUpdate, error) {
	var header struct {
		Padding  uint8
		NumRects uint16
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, connectionError("readFramebufferUpdate", "failed to read update header", err)
	}

	if header.NumRects > maxRectanglesPerUpdate {
		return nil, protocolError("readFramebufferUpdate", "too many rectangles in update", nil)
	}

	mr.mu.Lock()
	format := mr.format
	maxWidth, maxHeight := mr.maxWidth, mr.maxHeight
	mr.mu.Unlock()

	rects := make([]FrameRect, 0, header.NumRects)
	for i := uint16(0); i < header.NumRects; i++ {
		var rectHeader struct {
			X        uint16
			Y        uint16
			Width    uint16
			Height   uint16
			Encoding int32
		}
		if err := binary.Read(r, binary.BigEndian, &rectHeader); err != nil {
			return nil, connectionError("readFramebufferUpdate", "failed to read rectangle header", err)
		}

		encoding := EncodingType(rectHeader.Encoding)

		// Pseudo-rectangles are allowed to fall outside the framebuffer.
		if encoding >= 0 && maxWidth > 0 && maxHeight > 0 {
			if err := mr.validator.ValidateRectangle(rectHeader.X, rectHeader.Y,
				rectHeader.Width, rectHeader.Height, maxWidth, maxHeight); err != nil {
				return nil, protocolError("readFramebufferUpdate", "invalid rectangle dimensions", err)
			}
		}

		payload, err := readEncodingPayload(r, encoding, rectHeader.Width, rectHeader.Height, &format)
		if err != nil {
			return nil, err
		}

		if encoding == EncodingDesktopSizePseudo {
			maxWidth, maxHeight = rectHeader.Width, rectHeader.Height
			mr.SetGeometry(rectHeader.Width, rectHeader.Height)
		}

		rects = append(rects, FrameRect{
			X:        rectHeader.X,
			Y:        rectHeader.Y,
			Width:    rectHeader.Width,
			Height:   rectHeader.Height,
			Encoding: encoding,
			Payload:  payload,
		})
	}

	return &FramebufferUpdate{Rects: rects}, nil
}

func (mr *MessageReader) readSetColorMapEntries(r io.Reader) (*SetColorMapEntries, error) {
	var header struct {
		Padding    uint8
		FirstColor uint16
		NumColors  uint16
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, connectionError("readSetColorMapEntries", "failed to read color map header", err)
	}

	if err := mr.validator.ValidateColorMapEntries(header.FirstColor, header.NumColors, ColorMapSize); err != nil {
		return nil, protocolError("readSetColorMapEntries", "invalid color map range", err)
	}

	msg := &SetColorMapEntries{
		FirstColor: header.FirstColor,
		Colors:     make([]Color, header.NumColors),
	}

	for i := uint16(0); i < header.NumColors; i++ {
		var color Color
		if err := binary.Read(r, binary.BigEndian, &color); err != nil {
			return nil, connectionError("readSetColorMapEntries", "failed to read color entry", err)
		}
		msg.Colors[i] = color
	}

	mr.mu.Lock()
	for i, color := range msg.Colors {
		mr.colorMap[int(header.FirstColor)+i] = color
	}
	mr.mu.Unlock()

	return msg, nil
}

func (mr *MessageReader) readServerCutText(r io.Reader) (*ServerCutText, error) {
	var header struct {
		Padding [3]uint8
		Length  uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, connectionError("readServerCutText", "failed to read cut text header", err)
	}

	if err := mr.validator.ValidateMessageLength(header.Length, maxCutTextLength); err != nil {
		return nil, protocolError("readServerCutText", "invalid cut text length", err)
	}

	text := make([]byte, header.Length)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, connectionError("readServerCutText", "failed to read cut text", err)
	}

	return &ServerCutText{Text: mr.validator.SanitizeText(string(text))}, nil
}
