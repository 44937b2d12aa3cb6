// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package session

import (
	"time"

	"github.com/supermarsx/rfbcore/rfb"
)

// Command is an input operation applied to a live session. Commands are
// submitted through the session's command channel and applied strictly in
// submission order by the session's own goroutine; callers never touch the
// transport directly.
type Command interface {
	isCommand()
}

// KeyEventCommand presses or releases one key, identified by X11 keysym.
type KeyEventCommand struct {
	Down   bool
	Keysym uint32
}

// PointerEventCommand moves the pointer and sets the button state.
type PointerEventCommand struct {
	ButtonMask uint8
	X          uint16
	Y          uint16
}

// SetClipboardCommand pushes text to the server clipboard.
type SetClipboardCommand struct {
	Text string
}

// RequestUpdateCommand asks the server for a framebuffer update covering
// the whole screen. Incremental requests only changed regions.
type RequestUpdateCommand struct {
	Incremental bool
}

// SetPixelFormatCommand switches the pixel format used for updates.
type SetPixelFormatCommand struct {
	Format rfb.PixelFormat
}

// SetEncodingsCommand declares the encodings the client accepts.
type SetEncodingsCommand struct {
	Encodings []rfb.EncodingType
}

func (KeyEventCommand) isCommand()       {}
func (PointerEventCommand) isCommand()   {}
func (SetClipboardCommand) isCommand()   {}
func (RequestUpdateCommand) isCommand()  {}
func (SetPixelFormatCommand) isCommand() {}
func (SetEncodingsCommand) isCommand()   {}

// Event is an output item produced by a session's reader goroutine.
// Events accumulate in a per-session FIFO queue until drained.
type Event interface {
	isEvent()

	// When returns the time the event was observed.
	When() time.Time
}

// eventTime provides the shared When accessor.
type eventTime struct {
	Time time.Time
}

func (e eventTime) When() time.Time { return e.Time }

// FrameUpdateEvent carries the rectangles of one framebuffer update.
type FrameUpdateEvent struct {
	eventTime
	Rects []rfb.FrameRect
}

// ClipboardEvent carries new server clipboard contents.
type ClipboardEvent struct {
	eventTime
	Text string
}

// BellEvent signals an audible bell from the server.
type BellEvent struct {
	eventTime
}

// ErrorEvent reports a transport or protocol failure observed by the
// reader goroutine. It is usually followed by a DisconnectedEvent.
type ErrorEvent struct {
	eventTime
	Err error
}

// DisconnectedEvent marks the end of the session's life on the wire.
type DisconnectedEvent struct {
	eventTime
	Reason string
}

func (FrameUpdateEvent) isEvent()  {}
func (ClipboardEvent) isEvent()    {}
func (BellEvent) isEvent()         {}
func (ErrorEvent) isEvent()        {}
func (DisconnectedEvent) isEvent() {}
