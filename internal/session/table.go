// Package session holds the authoritative table of active broadcast
// sessions. All mutation of one stream is serialized behind that stream's
// entry lock, so concurrent joins, metadata updates, grace expiry and
// explicit ends can never observe a torn session.
package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome reports what CreateOrResume did.
type Outcome int

const (
	// OutcomeCreated means a fresh session was registered (first start, or
	// restart over a session whose sink was already gone).
	OutcomeCreated Outcome = iota
	// OutcomeResumed means an existing live session was handed to a new
	// owner connection without interrupting it.
	OutcomeResumed
)

// Reasons recorded on the teardown snapshot.
const (
	ReasonEndedByOwner = "ended-by-owner"
	ReasonGraceExpired = "owner-grace-expired"
	ReasonShutdown     = "server-shutdown"
)

// SinkChecker reports whether the transcoding sink for a stream is still
// alive. A live sink is what makes a returning broadcaster a resumption
// rather than a fresh start.
type SinkChecker interface {
	Alive(streamID string) bool
}

// EndHandler receives the snapshot of a torn-down session. It is invoked
// exactly once per session, outside any table or entry lock.
type EndHandler func(snap Snapshot)

// Info is a read-only view of a live session.
type Info struct {
	StreamID        string    `json:"stream_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	OwnerConnID     string    `json:"-"`
	OwnerUserID     string    `json:"user_id"`
	StartTime       time.Time `json:"start_time"`
	ListenerCount   int       `json:"listener_count"`
	PeakListeners   int       `json:"peak_listeners"`
	PendingTeardown bool      `json:"pending_teardown"`
}

// Snapshot is the record handed to the history writer when a session ends.
type Snapshot struct {
	StreamID      string
	Title         string
	Description   string
	OwnerUserID   string
	StartTime     time.Time
	EndTime       time.Time
	DurationSec   int64
	PeakListeners int
	Reason        string
}

type entry struct {
	mu          sync.Mutex
	streamID    string
	ownerConnID string
	ownerUserID string
	title       string
	description string
	startTime   time.Time
	listeners   int
	peak        int

	// Grace timer state. The timer handle lives on the entry so the timer
	// and the session lifecycle cannot drift apart; graceGen invalidates
	// callbacks from timers that were cancelled after firing.
	graceTimer *time.Timer
	graceGen   uint64

	ended bool
}

// Table is the stream session table.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	grace    time.Duration
	sinks    SinkChecker
	onEnd    EndHandler
	log      *zap.Logger
}

// NewTable creates a session table. grace is the owner-disconnect window.
func NewTable(grace time.Duration, sinks SinkChecker, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		sessions: make(map[string]*entry),
		grace:    grace,
		sinks:    sinks,
		log:      log,
	}
}

// SetEndHandler sets the callback invoked once per session teardown.
func (t *Table) SetEndHandler(fn EndHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = fn
}

// CreateOrResume registers a broadcast for streamID under ownerConnID.
//
// No session: a fresh one is created. Existing session with a live sink:
// the session is handed to the new connection, any pending grace timer is
// cancelled and metadata, start time and counters are untouched. Existing
// session whose sink is gone: the prior broadcast is unrecoverable, so the
// entry is restarted in place with new metadata and a new start time.
func (t *Table) CreateOrResume(streamID, title, description, ownerConnID, ownerUserID string) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[streamID]
	if ok {
		s.mu.Lock()
		if !s.ended {
			if t.sinks != nil && t.sinks.Alive(streamID) {
				s.cancelGraceLocked()
				s.ownerConnID = ownerConnID
				s.mu.Unlock()
				t.log.Info("stream resumed",
					zap.String("stream_id", streamID),
					zap.String("owner_conn", ownerConnID))
				return OutcomeResumed
			}
			// Sink dead or never created: restart in place.
			s.cancelGraceLocked()
			s.ownerConnID = ownerConnID
			s.ownerUserID = ownerUserID
			s.title = title
			s.description = description
			s.startTime = time.Now()
			s.listeners = 0
			s.peak = 0
			s.mu.Unlock()
			t.log.Info("stream restarted",
				zap.String("stream_id", streamID),
				zap.String("owner_conn", ownerConnID))
			return OutcomeCreated
		}
		s.mu.Unlock()
		// Entry lost a teardown race; fall through and replace it.
	}

	t.sessions[streamID] = &entry{
		streamID:    streamID,
		ownerConnID: ownerConnID,
		ownerUserID: ownerUserID,
		title:       title,
		description: description,
		startTime:   time.Now(),
	}
	t.log.Info("stream started",
		zap.String("stream_id", streamID),
		zap.String("owner_conn", ownerConnID),
		zap.String("owner_user", ownerUserID))
	return OutcomeCreated
}

// Discard removes a just-created session without teardown side effects.
// Used to roll back registration when the transcoding sink cannot start.
func (t *Table) Discard(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[streamID]; ok {
		s.mu.Lock()
		s.cancelGraceLocked()
		s.ended = true
		s.mu.Unlock()
		delete(t.sessions, streamID)
	}
}

// UpdateMetadata mutates title/description if callerConnID is the current
// owner. Nil fields are left unchanged. Returns the updated view and
// whether the update was applied; non-owner calls are silently ignored.
func (t *Table) UpdateMetadata(streamID, callerConnID string, title, description *string) (Info, bool) {
	s := t.lookup(streamID)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.ownerConnID != callerConnID {
		return Info{}, false
	}
	if title != nil {
		s.title = *title
	}
	if description != nil {
		s.description = *description
	}
	return s.infoLocked(), true
}

// IncrementListener bumps the listener count and returns the new peak.
func (t *Table) IncrementListener(streamID string) (peak int, ok bool) {
	s := t.lookup(streamID)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, false
	}
	s.listeners++
	if s.listeners > s.peak {
		s.peak = s.listeners
	}
	return s.peak, true
}

// DecrementListener lowers the listener count, flooring at zero.
func (t *Table) DecrementListener(streamID string) {
	s := t.lookup(streamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners > 0 {
		s.listeners--
	}
}

// EndSession tears the session down. When callerConnID is non-empty, it
// must match the current owner or the call is ignored (a stale former
// owner cannot close a resumed session). Returns the snapshot and whether
// this call performed the teardown; the end handler fires exactly once.
func (t *Table) EndSession(streamID, callerConnID, reason string) (*Snapshot, bool) {
	s := t.lookup(streamID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	if s.ended || (callerConnID != "" && s.ownerConnID != callerConnID) {
		s.mu.Unlock()
		return nil, false
	}
	snap := s.endLocked(reason)
	s.mu.Unlock()

	t.remove(streamID, s)
	t.fireEnd(snap)
	return &snap, true
}

// BeginGrace starts the disconnect countdown for streamID, if connID is
// still its owner. Any previous countdown is superseded.
func (t *Table) BeginGrace(streamID, connID string) bool {
	s := t.lookup(streamID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.ownerConnID != connID {
		return false
	}
	s.cancelGraceLocked()
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(t.grace, func() {
		t.expireGrace(streamID, gen)
	})
	t.log.Info("grace period started",
		zap.String("stream_id", streamID),
		zap.Duration("grace", t.grace))
	return true
}

// expireGrace is the timer callback. The generation check under the entry
// lock is the single authoritative "is this countdown still mine" test, so
// a cancel-then-fire race can never end a resumed session.
func (t *Table) expireGrace(streamID string, gen uint64) {
	s := t.lookup(streamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended || s.graceGen != gen {
		s.mu.Unlock()
		return
	}
	snap := s.endLocked(ReasonGraceExpired)
	s.mu.Unlock()

	t.remove(streamID, s)
	t.fireEnd(snap)
}

// Get returns a read-only view of a live session.
func (t *Table) Get(streamID string) (Info, bool) {
	s := t.lookup(streamID)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Info{}, false
	}
	return s.infoLocked(), true
}

// List returns all live sessions, newest first.
func (t *Table) List() []Info {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, s := range t.sessions {
		entries = append(entries, s)
	}
	t.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, s := range entries {
		s.mu.Lock()
		if !s.ended {
			out = append(out, s.infoLocked())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// Close ends every live session with the given reason (drain on shutdown).
func (t *Table) Close(reason string) {
	for _, info := range t.List() {
		t.EndSession(info.StreamID, "", reason)
	}
}

func (t *Table) lookup(streamID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[streamID]
}

// remove deletes the entry if it is still the one we ended. A restart that
// replaced the entry in the meantime must not lose the new session.
func (t *Table) remove(streamID string, s *entry) {
	t.mu.Lock()
	if cur, ok := t.sessions[streamID]; ok && cur == s {
		delete(t.sessions, streamID)
	}
	t.mu.Unlock()
}

func (t *Table) fireEnd(snap Snapshot) {
	t.mu.RLock()
	fn := t.onEnd
	t.mu.RUnlock()
	t.log.Info("stream ended",
		zap.String("stream_id", snap.StreamID),
		zap.String("reason", snap.Reason),
		zap.Int64("duration_sec", snap.DurationSec),
		zap.Int("peak_listeners", snap.PeakListeners))
	if fn != nil {
		fn(snap)
	}
}

func (s *entry) infoLocked() Info {
	return Info{
		StreamID:        s.streamID,
		Title:           s.title,
		Description:     s.description,
		OwnerConnID:     s.ownerConnID,
		OwnerUserID:     s.ownerUserID,
		StartTime:       s.startTime,
		ListenerCount:   s.listeners,
		PeakListeners:   s.peak,
		PendingTeardown: s.graceTimer != nil,
	}
}

func (s *entry) endLocked(reason string) Snapshot {
	s.ended = true
	s.cancelGraceLocked()
	now := time.Now()
	return Snapshot{
		StreamID:      s.streamID,
		Title:         s.title,
		Description:   s.description,
		OwnerUserID:   s.ownerUserID,
		StartTime:     s.startTime,
		EndTime:       now,
		DurationSec:   int64(now.Sub(s.startTime).Seconds()),
		PeakListeners: s.peak,
		Reason:        reason,
	}
}

// cancelGraceLocked stops the pending countdown and invalidates any timer
// callback that already fired but has not yet taken the entry lock.
func (s *entry) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
}
