// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package session

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supermarsx/rfbcore/rfb"
)

// defaultDrainLimit caps DrainEvents when the caller passes no limit.
const defaultDrainLimit = 1000

// defaultDialTimeout bounds the TCP connect when no timeout is configured.
const defaultDialTimeout = 10 * time.Second

// defaultHandshakeTimeout bounds the RFB handshake.
const defaultHandshakeTimeout = 30 * time.Second

// Options configures a Registry.
type Options struct {
	// DialTimeout bounds the TCP connect. Zero means 10 seconds.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the RFB handshake. Zero means 30 seconds.
	HandshakeTimeout time.Duration

	// Exclusive requests exclusive desktop access on every connection.
	Exclusive bool

	// ViewOnly refuses keyboard and pointer input on every session.
	ViewOnly bool

	// EventBufferCap caps each session's event queue. Zero means 1024.
	EventBufferCap int

	// SecurityPreference overrides the security selection priority for
	// every connection. Nil means the package default.
	SecurityPreference []rfb.SecurityType

	// Logger receives registry and session logging. Nil means no logging.
	Logger rfb.Logger
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	ID        string
	Endpoint  string
	Connected bool
}

// SessionEvent is an event drained through the registry, tagged with the
// session it came from.
type SessionEvent struct {
	SessionID string
	Event     Event
}

// Registry tracks every session by id. It creates sessions by dialing and
// negotiating, enforces at most one connected session per endpoint, and
// retains disconnected entries for inspection until they are removed or
// pruned.
//
// The registry lock guards only the id map; it is never held across dials,
// handshakes, or any other I/O.
type Registry struct {
	opts   Options
	logger rfb.Logger

	mu      sync.Mutex
	entries map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = &rfb.NoOpLogger{}
	}
	return &Registry{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*Session),
	}
}

// Connect dials endpoint, runs the RFB handshake with the given
// credentials, and registers a new session actor for the connection. It
// returns the new session id. A second connected session to the same
// endpoint is rejected with an AlreadyConnected error; disconnected entries
// for the endpoint do not block reconnecting.
func (r *Registry) Connect(ctx context.Context, endpoint string, creds rfb.Credentials) (string, error) {
	if err := r.checkEndpointFree(endpoint); err != nil {
		return "", err
	}

	dialTimeout := r.opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return "", rfb.NewError("Registry.Connect", rfb.ErrConnection,
			"failed to dial "+endpoint, err)
	}

	handshakeTimeout := r.opts.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	neg := rfb.NewNegotiator(rfb.NegotiatorConfig{
		Credentials:        creds,
		Exclusive:          r.opts.Exclusive,
		SecurityPreference: r.opts.SecurityPreference,
		Logger:             r.logger,
	})

	init, err := neg.Negotiate(handshakeCtx, conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}

	id := uuid.NewString()

	r.mu.Lock()
	// A concurrent Connect may have won the race for this endpoint while
	// the handshake was in flight.
	for _, existing := range r.entries {
		if existing.Endpoint() == endpoint && existing.Connected() {
			r.mu.Unlock()
			_ = conn.Close()
			return "", rfb.AlreadyConnectedError("Registry.Connect", endpoint)
		}
	}
	s := newSession(id, endpoint, conn, init, r.opts.EventBufferCap, r.logger)
	r.entries[id] = s
	r.mu.Unlock()

	r.logger.Info("Session registered",
		rfb.Field{Key: "session_id", Value: id},
		rfb.Field{Key: "endpoint", Value: endpoint},
		rfb.Field{Key: "server_name", Value: init.ServerName},
		rfb.Field{Key: "security", Value: init.Security.Name()})

	return id, nil
}

func (r *Registry) checkEndpointFree(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.entries {
		if s.Endpoint() == endpoint && s.Connected() {
			return rfb.AlreadyConnectedError("Registry.Connect", endpoint)
		}
	}
	return nil
}

// lookup returns the session for id or a SessionNotFound error.
func (r *Registry) lookup(op, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[id]
	if !ok {
		return nil, rfb.SessionNotFoundError(op, id)
	}
	return s, nil
}

// Disconnect closes the session's transport. The entry stays in the
// registry so queued events and counters remain inspectable. Disconnecting
// an already disconnected session is a no-op.
func (r *Registry) Disconnect(id string) error {
	s, err := r.lookup("Registry.Disconnect", id)
	if err != nil {
		return err
	}
	s.Shutdown()
	return nil
}

// RemoveSession disconnects the session if needed and drops its entry,
// discarding any undrained events.
func (r *Registry) RemoveSession(id string) error {
	s, err := r.lookup("Registry.RemoveSession", id)
	if err != nil {
		return err
	}
	s.Shutdown()

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}

// DisconnectAndRemove is Disconnect followed by RemoveSession.
func (r *Registry) DisconnectAndRemove(id string) error {
	return r.RemoveSession(id)
}

// DisconnectAll closes every session, clears the registry, and returns the
// ids it touched. Intended for application shutdown.
func (r *Registry) DisconnectAll() []string {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	ids := make([]string, 0, len(r.entries))
	for id, s := range r.entries {
		sessions = append(sessions, s)
		ids = append(ids, id)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	sort.Strings(ids)
	return ids
}

// PruneDisconnected removes every disconnected entry and returns the
// removed ids. A second call with no disconnects in between returns an
// empty slice.
func (r *Registry) PruneDisconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := make([]string, 0)
	for id, s := range r.entries {
		if !s.Connected() {
			delete(r.entries, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// DrainEvents collects up to max pending events across all sessions,
// preserving each session's internal ordering. max <= 0 applies a cap of
// 1000. Sessions are visited in id order so repeated drains are stable.
func (r *Registry) DrainEvents(max int) []SessionEvent {
	if max <= 0 {
		max = defaultDrainLimit
	}

	var out []SessionEvent
	for _, s := range r.snapshotSorted() {
		remaining := max - len(out)
		if remaining <= 0 {
			break
		}
		for _, ev := range s.Drain(remaining) {
			out = append(out, SessionEvent{SessionID: s.ID(), Event: ev})
		}
	}
	return out
}

// DrainSessionEvents drains up to max pending events from one session.
// max <= 0 applies the same cap of 1000.
func (r *Registry) DrainSessionEvents(id string, max int) ([]Event, error) {
	s, err := r.lookup("Registry.DrainSessionEvents", id)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = defaultDrainLimit
	}
	return s.Drain(max), nil
}

// CollectFrameEvents drains only the framebuffer update events from one
// session, leaving bells, clipboard changes, and lifecycle events queued.
func (r *Registry) CollectFrameEvents(id string) ([]FrameUpdateEvent, error) {
	s, err := r.lookup("Registry.CollectFrameEvents", id)
	if err != nil {
		return nil, err
	}
	return s.DrainFrames(), nil
}

// SessionInfo returns a snapshot of one session's state.
func (r *Registry) SessionInfo(id string) (Status, error) {
	s, err := r.lookup("Registry.SessionInfo", id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// SessionStats returns one session's traffic counters.
func (r *Registry) SessionStats(id string) (Stats, error) {
	s, err := r.lookup("Registry.SessionStats", id)
	if err != nil {
		return Stats{}, err
	}
	return s.Stats(), nil
}

// ListSessions returns a summary of every entry, sorted by id.
func (r *Registry) ListSessions() []SessionSummary {
	sessions := r.snapshotSorted()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:        s.ID(),
			Endpoint:  s.Endpoint(),
			Connected: s.Connected(),
		})
	}
	return out
}

// SendKeyEvent queues a key press or release on the session. It fails on a
// view-only registry.
func (r *Registry) SendKeyEvent(id string, down bool, keysym uint32) error {
	if err := r.checkInputAllowed("Registry.SendKeyEvent"); err != nil {
		return err
	}
	return r.submit("Registry.SendKeyEvent", id, KeyEventCommand{Down: down, Keysym: keysym})
}

// SendPointerEvent queues a pointer move with button state on the session.
// It fails on a view-only registry.
func (r *Registry) SendPointerEvent(id string, buttonMask uint8, x, y uint16) error {
	if err := r.checkInputAllowed("Registry.SendPointerEvent"); err != nil {
		return err
	}
	return r.submit("Registry.SendPointerEvent", id, PointerEventCommand{ButtonMask: buttonMask, X: x, Y: y})
}

func (r *Registry) checkInputAllowed(op string) error {
	if r.opts.ViewOnly {
		return rfb.NewError(op, rfb.ErrValidation, "registry is view-only", nil)
	}
	return nil
}

// SendClipboard queues a clipboard push to the server.
func (r *Registry) SendClipboard(id, text string) error {
	return r.submit("Registry.SendClipboard", id, SetClipboardCommand{Text: text})
}

// RequestUpdate queues a framebuffer update request for the whole screen.
func (r *Registry) RequestUpdate(id string, incremental bool) error {
	return r.submit("Registry.RequestUpdate", id, RequestUpdateCommand{Incremental: incremental})
}

// SetPixelFormat queues a pixel format change on the session.
func (r *Registry) SetPixelFormat(id string, format rfb.PixelFormat) error {
	return r.submit("Registry.SetPixelFormat", id, SetPixelFormatCommand{Format: format})
}

// SetEncodings queues an encoding preference declaration on the session.
func (r *Registry) SetEncodings(id string, encodings []rfb.EncodingType) error {
	return r.submit("Registry.SetEncodings", id, SetEncodingsCommand{Encodings: encodings})
}

func (r *Registry) submit(op, id string, cmd Command) error {
	s, err := r.lookup(op, id)
	if err != nil {
		return err
	}
	return s.Submit(cmd)
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}

func (r *Registry) snapshotSorted() []*Session {
	out := r.snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
