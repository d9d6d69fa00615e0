// Package broker is the event surface of the stream coordinator. It admits
// broadcasters and listeners into per-stream rooms, relays WebRTC signaling
// between them, feeds audio chunks to the media relay, and reacts to
// transport disconnects.
package broker

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/audiobox-live/backend/internal/session"
)

// Messenger delivers events to single connections or whole rooms.
type Messenger interface {
	SendToConn(connID, event string, payload interface{}) bool
	BroadcastToRoom(roomID, event string, payload interface{}, exceptConnID string)
}

// Rooms tracks room membership per connection.
type Rooms interface {
	Join(connID, roomID string)
	Leave(connID, roomID string)
	IsMember(connID, roomID string) bool
	Drop(connID string) []string
	DropRoom(roomID string) []string
}

// Sinks is the media relay surface the broker drives.
type Sinks interface {
	Ensure(streamID string) error
	Forward(streamID string, chunk []byte)
	Release(streamID string) (archivePath string)
}

// HistoryRecorder persists finished-session snapshots. Implementations
// must not block the caller.
type HistoryRecorder interface {
	Record(snap session.Snapshot, archivePath string)
}

// Phase is a listener connection's position in the signaling handshake.
// The negotiating->connected transition is an external signal; the broker
// records it when told and never waits for it.
type Phase string

const (
	PhaseJoining       Phase = "joining"
	PhaseAwaitingOffer Phase = "awaiting-offer"
	PhaseNegotiating   Phase = "negotiating"
	PhaseConnected     Phase = "connected"
)

type listenerState struct {
	streamID string
	phase    Phase
}

// streamID names must be usable as room keys and output directory names.
var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Broker coordinates stream sessions over a message transport.
type Broker struct {
	msgr  Messenger
	rooms Rooms
	table *session.Table
	sinks Sinks
	hist  HistoryRecorder
	log   *zap.Logger

	mu           sync.Mutex
	broadcasting map[string]string         // connID -> streamID it owns
	listeners    map[string]*listenerState // connID -> handshake state

	wg sync.WaitGroup // in-flight teardown side effects
}

// New creates a broker.
func New(msgr Messenger, rooms Rooms, table *session.Table, sinks Sinks, hist HistoryRecorder, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		msgr:         msgr,
		rooms:        rooms,
		table:        table,
		sinks:        sinks,
		hist:         hist,
		log:          log,
		broadcasting: make(map[string]string),
		listeners:    make(map[string]*listenerState),
	}
}

// StartStreamPayload is the body of a start-stream event.
type StartStreamPayload struct {
	StreamID    string `json:"stream_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// UpdateMetadataPayload is the body of an update-metadata event.
type UpdateMetadataPayload struct {
	StreamID    string  `json:"stream_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// StreamRefPayload names a stream.
type StreamRefPayload struct {
	StreamID string `json:"stream_id"`
}

// HandleStartStream registers or resumes a broadcast for connID.
func (b *Broker) HandleStartStream(connID, userID string, p StartStreamPayload) {
	if !streamIDPattern.MatchString(p.StreamID) {
		b.log.Warn("start-stream with invalid stream id",
			zap.String("conn_id", connID), zap.String("stream_id", p.StreamID))
		b.msgr.SendToConn(connID, "broadcast-failed", map[string]string{
			"stream_id": p.StreamID, "reason": "invalid stream id",
		})
		return
	}

	prevOwner := ""
	if info, ok := b.table.Get(p.StreamID); ok {
		prevOwner = info.OwnerConnID
	}

	outcome := b.table.CreateOrResume(p.StreamID, p.Title, p.Description, connID, userID)
	if outcome == session.OutcomeCreated {
		if err := b.sinks.Ensure(p.StreamID); err != nil {
			// Roll back: a session without a sink cannot serve anyone.
			b.table.Discard(p.StreamID)
			b.log.Error("sink start failed, broadcast rolled back",
				zap.String("stream_id", p.StreamID), zap.Error(err))
			b.msgr.SendToConn(connID, "broadcast-failed", map[string]string{
				"stream_id": p.StreamID, "reason": "transcoder unavailable",
			})
			return
		}
	}

	b.rooms.Join(connID, p.StreamID)

	b.mu.Lock()
	if prevOwner != "" && prevOwner != connID {
		delete(b.broadcasting, prevOwner)
	}
	b.broadcasting[connID] = p.StreamID
	b.mu.Unlock()

	b.msgr.SendToConn(connID, "stream-started", map[string]interface{}{
		"stream_id": p.StreamID,
		"resumed":   outcome == session.OutcomeResumed,
	})
}

// HandleAudioChunk forwards one raw audio chunk from the connection's
// active broadcast to the media relay.
func (b *Broker) HandleAudioChunk(connID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	streamID, ok := b.broadcasting[connID]
	b.mu.Unlock()
	if !ok {
		return
	}
	// A stale former owner must not feed a resumed stream.
	info, live := b.table.Get(streamID)
	if !live || info.OwnerConnID != connID {
		return
	}
	b.sinks.Forward(streamID, chunk)
}

// HandleUpdateMetadata applies an owner's metadata change and notifies the
// room. Non-owner attempts are silently ignored.
func (b *Broker) HandleUpdateMetadata(connID string, p UpdateMetadataPayload) {
	info, ok := b.table.UpdateMetadata(p.StreamID, connID, p.Title, p.Description)
	if !ok {
		return
	}
	b.msgr.BroadcastToRoom(p.StreamID, "metadata-updated", map[string]string{
		"title":       info.Title,
		"description": info.Description,
	}, "")
}

// HandleEndStream ends the broadcast if connID is the current owner.
func (b *Broker) HandleEndStream(connID string, p StreamRefPayload) {
	b.table.EndSession(p.StreamID, connID, session.ReasonEndedByOwner)
}

// HandleJoinStream admits connID as a listener of a live stream: sends it
// the metadata snapshot, announces it to the owner and bumps the count.
// Unknown streams get a stream-not-found signal and no side effects.
func (b *Broker) HandleJoinStream(connID string, p StreamRefPayload) {
	info, ok := b.table.Get(p.StreamID)
	if !ok {
		b.msgr.SendToConn(connID, "stream-not-found", map[string]string{"stream_id": p.StreamID})
		return
	}
	if connID == info.OwnerConnID {
		return // the owner is already in the room
	}
	if b.rooms.IsMember(connID, p.StreamID) {
		return // duplicate join, keep counters honest
	}
	b.rooms.Join(connID, p.StreamID)
	b.table.IncrementListener(p.StreamID)

	b.mu.Lock()
	b.listeners[connID] = &listenerState{streamID: p.StreamID, phase: PhaseAwaitingOffer}
	b.mu.Unlock()

	b.msgr.SendToConn(connID, "stream-metadata", map[string]interface{}{
		"stream_id":   info.StreamID,
		"title":       info.Title,
		"description": info.Description,
		"start_time":  info.StartTime,
	})
	b.msgr.SendToConn(info.OwnerConnID, "watcher", map[string]string{"listener_id": connID})
}

// HandleLeaveStream removes a listener from a stream's room.
func (b *Broker) HandleLeaveStream(connID string, p StreamRefPayload) {
	if !b.rooms.IsMember(connID, p.StreamID) {
		return
	}
	b.rooms.Leave(connID, p.StreamID)
	b.dropListener(connID, p.StreamID)
}

// MarkConnected records that a listener's peer connection reached the
// connected state (reported by the listener; the media path is opaque).
func (b *Broker) MarkConnected(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.listeners[connID]; ok {
		st.phase = PhaseConnected
	}
}

// ListenerPhase returns a listener's handshake phase, for status queries.
func (b *Broker) ListenerPhase(connID string) (Phase, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.listeners[connID]
	if !ok {
		return "", false
	}
	return st.phase, true
}

// HandleDisconnect reacts to a transport-level close. The connection may
// have been broadcaster of one room and listener of others; each room is
// handled exactly once. Always safe to call, even for connections with no
// session or room.
func (b *Broker) HandleDisconnect(connID string) {
	rooms := b.rooms.Drop(connID)
	for _, roomID := range rooms {
		info, ok := b.table.Get(roomID)
		if !ok {
			continue
		}
		if info.OwnerConnID == connID {
			// Owner drop: debounce, the broadcaster may be back shortly.
			b.table.BeginGrace(roomID, connID)
			continue
		}
		b.dropListener(connID, roomID)
	}
	b.mu.Lock()
	delete(b.broadcasting, connID)
	delete(b.listeners, connID)
	b.mu.Unlock()
}

// SessionEnded is the session table's end handler: one broadcast, one
// sink release and one history write per torn-down session. Sink and
// persistence I/O run off the caller's goroutine.
func (b *Broker) SessionEnded(snap session.Snapshot) {
	b.msgr.BroadcastToRoom(snap.StreamID, "stream-ended", map[string]string{"stream_id": snap.StreamID}, "")

	// Empty the room: a member left behind would trip the duplicate-join
	// guard on a later stream of the same name and keep receiving its
	// broadcasts without ever joining it.
	b.rooms.DropRoom(snap.StreamID)

	b.mu.Lock()
	for connID, st := range b.listeners {
		if st.streamID == snap.StreamID {
			delete(b.listeners, connID)
		}
	}
	for connID, streamID := range b.broadcasting {
		if streamID == snap.StreamID {
			delete(b.broadcasting, connID)
		}
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		archivePath := b.sinks.Release(snap.StreamID)
		if b.hist != nil {
			b.hist.Record(snap, archivePath)
		}
	}()
}

// Drain waits for in-flight teardown side effects, bounded by ctx.
func (b *Broker) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("teardown drain timed out")
	case <-time.After(30 * time.Second):
		b.log.Warn("teardown drain timed out")
	}
}

// dropListener handles a listener leaving roomID for any reason.
func (b *Broker) dropListener(connID, roomID string) {
	b.table.DecrementListener(roomID)
	b.mu.Lock()
	if st, ok := b.listeners[connID]; ok && st.streamID == roomID {
		delete(b.listeners, connID)
	}
	b.mu.Unlock()
	if info, ok := b.table.Get(roomID); ok {
		b.msgr.SendToConn(info.OwnerConnID, "listener-left", map[string]string{"listener_id": connID})
	}
}
