// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/supermarsx/rfbcore/rfb"
)

// defaultCommandBuffer is the capacity of the command channel.
const defaultCommandBuffer = 64

// defaultEventBuffer caps the per-session event queue.
const defaultEventBuffer = 1024

// Status is a point-in-time snapshot of a session. It holds only scalar
// state copied out under the session's lock; it never aliases live protocol
// structures.
type Status struct {
	ID          string
	Endpoint    string
	Connected   bool
	ServerName  string
	Width       uint16
	Height      uint16
	Version     string
	Security    rfb.SecurityType
	PixelFormat rfb.PixelFormat
	ConnectedAt time.Time
}

// Stats holds the session's monotonic traffic counters. Counters only ever
// increase for the lifetime of the session entry, including after disconnect.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	FrameUpdates  uint64
}

// Session owns one negotiated RFB connection. It is the only holder of the
// underlying net.Conn: a reader goroutine turns server messages into queued
// events, and a command goroutine applies submitted commands in FIFO order.
// All other access goes through snapshots and the command channel.
type Session struct {
	id       string
	endpoint string

	conn    net.Conn
	msgs    *rfb.MessageReader
	logger  rfb.Logger
	encoder *countingWriter

	commands chan Command
	done     chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	connected   bool
	serverName  string
	width       uint16
	height      uint16
	version     string
	security    rfb.SecurityType
	pixelFormat rfb.PixelFormat
	connectedAt time.Time

	eventMu  sync.Mutex
	events   []Event
	eventCap int

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	frameUpdates  atomic.Uint64
}

// countingWriter adds written byte counts to the session's sent counter.
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n.Add(uint64(n)) // #nosec G115 - Write never returns negative counts
	return n, err
}

// countingReader adds read byte counts to the session's received counter.
type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n.Add(uint64(n))
	}
	return n, err
}

// newSession wraps a freshly negotiated connection in a running actor.
func newSession(id, endpoint string, conn net.Conn, init *rfb.SessionInit, eventCap int, logger rfb.Logger) *Session {
	if eventCap <= 0 {
		eventCap = defaultEventBuffer
	}
	if logger == nil {
		logger = &rfb.NoOpLogger{}
	}

	s := &Session{
		id:          id,
		endpoint:    endpoint,
		conn:        conn,
		msgs:        rfb.NewMessageReader(init),
		logger:      logger,
		commands:    make(chan Command, defaultCommandBuffer),
		done:        make(chan struct{}),
		connected:   true,
		serverName:  init.ServerName,
		width:       init.Width,
		height:      init.Height,
		version:     init.Version.String(),
		security:    init.Security,
		pixelFormat: init.PixelFormat,
		connectedAt: time.Now(),
		eventCap:    eventCap,
	}
	s.encoder = &countingWriter{w: conn, n: &s.bytesSent}

	go s.readLoop()
	go s.commandLoop()

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the host:port the session was connected to.
func (s *Session) Endpoint() string { return s.endpoint }

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:          s.id,
		Endpoint:    s.endpoint,
		Connected:   s.connected,
		ServerName:  s.serverName,
		Width:       s.width,
		Height:      s.height,
		Version:     s.version,
		Security:    s.security,
		PixelFormat: s.pixelFormat,
		ConnectedAt: s.connectedAt,
	}
}

// Stats returns the current traffic counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		FrameUpdates:  s.frameUpdates.Load(),
	}
}

// Connected reports whether the transport is still live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Submit queues a command for the session goroutine without blocking. If
// the session has shut down or the command channel is full, the command is
// rejected with a ChannelClosed error rather than stalling the caller.
func (s *Session) Submit(cmd Command) error {
	select {
	case <-s.done:
		return rfb.ChannelClosedError("Session.Submit")
	default:
	}

	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return rfb.ChannelClosedError("Session.Submit")
	default:
		return rfb.ChannelClosedError("Session.Submit")
	}
}

// Shutdown closes the transport and stops both goroutines. It is advisory
// and idempotent: events already queued remain drainable, and a reader
// blocked in a read is unblocked by the socket close.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.markDisconnected("shutdown requested")
	})
}

// Drain removes and returns up to max queued events in arrival order.
// max <= 0 drains nothing.
func (s *Session) Drain(max int) []Event {
	if max <= 0 {
		return nil
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if max > len(s.events) {
		max = len(s.events)
	}
	if max == 0 {
		return nil
	}

	drained := make([]Event, max)
	copy(drained, s.events[:max])
	s.events = append(s.events[:0], s.events[max:]...)
	return drained
}

// DrainFrames removes and returns only the queued frame update events,
// leaving other event kinds in place.
func (s *Session) DrainFrames() []FrameUpdateEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	var frames []FrameUpdateEvent
	kept := s.events[:0]
	for _, ev := range s.events {
		if frame, ok := ev.(FrameUpdateEvent); ok {
			frames = append(frames, frame)
		} else {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	return frames
}

// QueuedEvents returns the number of events waiting to be drained.
func (s *Session) QueuedEvents() int {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	return len(s.events)
}

func (s *Session) markDisconnected(reason string) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		s.pushEvent(DisconnectedEvent{eventTime: now(), Reason: reason})
		s.logger.Info("Session disconnected",
			rfb.Field{Key: "session_id", Value: s.id},
			rfb.Field{Key: "endpoint", Value: s.endpoint},
			rfb.Field{Key: "reason", Value: reason})
	}
}

// pushEvent appends to the event queue, discarding the oldest entry when
// the queue is at capacity.
func (s *Session) pushEvent(ev Event) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if len(s.events) >= s.eventCap {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, ev)
}

// readLoop is the sole reader of the connection. It parses server messages
// into events until the transport fails or is shut down.
func (s *Session) readLoop() {
	reader := &countingReader{r: s.conn, n: &s.bytesReceived}

	for {
		msg, err := s.msgs.ReadMessage(reader)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate shutdown; the close already queued the
				// disconnect event.
			default:
				if !errors.Is(err, io.EOF) {
					s.pushEvent(ErrorEvent{eventTime: now(), Err: err})
				}
				s.markDisconnected(err.Error())
				s.Shutdown()
			}
			return
		}

		switch m := msg.(type) {
		case *rfb.FramebufferUpdate:
			s.frameUpdates.Add(1)
			s.pushEvent(FrameUpdateEvent{eventTime: now(), Rects: m.Rects})
			s.applyGeometry(m.Rects)
		case *rfb.ServerCutText:
			s.pushEvent(ClipboardEvent{eventTime: now(), Text: m.Text})
		case *rfb.Bell:
			s.pushEvent(BellEvent{eventTime: now()})
		case *rfb.SetColorMapEntries:
			// Applied to the connection-local color map by the message
			// reader; nothing to surface.
		}
	}
}

// applyGeometry tracks desktop size changes announced via pseudo-rectangles.
func (s *Session) applyGeometry(rects []rfb.FrameRect) {
	for _, rect := range rects {
		if rect.Encoding == rfb.EncodingDesktopSizePseudo {
			s.mu.Lock()
			s.width = rect.Width
			s.height = rect.Height
			s.mu.Unlock()
		}
	}
}

// commandLoop applies submitted commands in order. Write failures surface
// as an error event and end the session.
func (s *Session) commandLoop() {
	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.commands:
			if err := s.apply(cmd); err != nil {
				s.pushEvent(ErrorEvent{eventTime: now(), Err: err})
				s.markDisconnected(err.Error())
				s.Shutdown()
				return
			}
		}
	}
}

func (s *Session) apply(cmd Command) error {
	switch c := cmd.(type) {
	case KeyEventCommand:
		_, err := rfb.WriteKeyEvent(s.encoder, c.Down, c.Keysym)
		return err
	case PointerEventCommand:
		_, err := rfb.WritePointerEvent(s.encoder, c.ButtonMask, c.X, c.Y)
		return err
	case SetClipboardCommand:
		_, err := rfb.WriteClientCutText(s.encoder, c.Text)
		return err
	case RequestUpdateCommand:
		s.mu.Lock()
		width, height := s.width, s.height
		s.mu.Unlock()
		_, err := rfb.WriteFramebufferUpdateRequest(s.encoder, c.Incremental, 0, 0, width, height)
		return err
	case SetPixelFormatCommand:
		n, err := rfb.WriteSetPixelFormat(s.encoder, &c.Format)
		if err == nil && n > 0 {
			s.msgs.SetFormat(c.Format)
			s.mu.Lock()
			s.pixelFormat = c.Format
			s.mu.Unlock()
		}
		return err
	case SetEncodingsCommand:
		_, err := rfb.WriteSetEncodings(s.encoder, c.Encodings)
		return err
	default:
		return rfb.NewError("Session.apply", rfb.ErrValidation, "unknown command type", nil)
	}
}

func now() eventTime {
	return eventTime{Time: time.Now()}
}
