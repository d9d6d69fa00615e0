package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/audiobox-live/backend/internal/models"
	"github.com/audiobox-live/backend/internal/session"
	"github.com/audiobox-live/backend/pkg/queue"
)

// Store is the persistence half of the recorder.
type Store interface {
	Insert(ctx context.Context, h *models.StreamHistory) (int64, error)
}

type record struct {
	snap        session.Snapshot
	archivePath string
}

// Recorder writes finished broadcasts to storage off the teardown path. A
// bounded queue keeps session teardown non-blocking: when the queue is full
// the record is dropped and logged, never blocking the caller.
type Recorder struct {
	store  Store
	jobs   *queue.Queue // nil when archive upload is disabled
	ch     chan record
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a recorder draining into store. queueSize bounds the
// in-flight records.
func NewRecorder(store Store, jobs *queue.Queue, queueSize int, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		jobs:   jobs,
		ch:     make(chan record, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run()
	return r
}

// Record enqueues one finished broadcast. Never blocks; drops and logs when
// the queue is full or intake has already been closed (a teardown racing
// shutdown must not panic on a closed channel).
func (r *Recorder) Record(snap session.Snapshot, archivePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("history recorder closed, dropping record",
			zap.String("stream_id", snap.StreamID))
		return
	}
	select {
	case r.ch <- record{snap: snap, archivePath: archivePath}:
	default:
		r.logger.Warn("history queue full, dropping record",
			zap.String("stream_id", snap.StreamID))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		r.persist(rec)
	}
}

func (r *Recorder) persist(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := &models.StreamHistory{
		StreamID:      rec.snap.StreamID,
		Title:         rec.snap.Title,
		Description:   rec.snap.Description,
		StartTime:     rec.snap.StartTime,
		EndTime:       rec.snap.EndTime,
		DurationSec:   rec.snap.DurationSec,
		PeakListeners: rec.snap.PeakListeners,
		UserID:        rec.snap.OwnerUserID,
	}
	if h.UserID == "" {
		h.UserID = models.AnonymousUserID
	}

	id, err := r.store.Insert(ctx, h)
	if err != nil {
		r.logger.Error("history insert failed",
			zap.String("stream_id", h.StreamID), zap.Error(err))
		return
	}
	r.logger.Info("broadcast recorded",
		zap.Int64("history_id", id),
		zap.String("stream_id", h.StreamID),
		zap.Int64("duration", h.DurationSec),
		zap.Int("peak_listeners", h.PeakListeners))

	if r.jobs != nil && rec.archivePath != "" {
		err := r.jobs.EnqueueArchiveUpload(ctx, queue.ArchiveUploadPayload{
			HistoryID: id,
			StreamID:  h.StreamID,
			LocalPath: rec.archivePath,
		})
		if err != nil {
			r.logger.Error("archive job enqueue failed",
				zap.Int64("history_id", id), zap.Error(err))
		}
	}
}

// Close stops intake and waits for queued records to drain, bounded by ctx.
// Safe to call more than once.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
