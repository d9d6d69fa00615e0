package models

import "time"

// AnonymousUserID is recorded when a broadcast was started without a valid token.
const AnonymousUserID = "anonymous"

// StreamHistory is one finished broadcast, persisted when a session tears down.
type StreamHistory struct {
	ID            int64     `json:"id"`
	StreamID      string    `json:"stream_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationSec   int64     `json:"duration"`
	PeakListeners int       `json:"peak_listeners"`
	UserID        string    `json:"user_id"`
	ArchiveURL    string    `json:"archive_url,omitempty"`
	ArchiveBytes  int64     `json:"archive_bytes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
