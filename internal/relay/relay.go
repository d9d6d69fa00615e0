// Package relay bridges broadcaster audio chunks to an external
// transcoding sink (ffmpeg producing an HLS stream) per active broadcast.
// Chunks arriving before the sink exists, or after it died, are staged in
// a bounded buffer and flushed in order once a sink is available.
package relay

import (
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Config holds transcoder settings.
type Config struct {
	FFmpegPath     string
	OutputDir      string // HLS playlists and segments, served over HTTP
	ArchiveDir     string // raw archive copies; must not be HTTP-served
	SegmentSeconds int
	PlaylistSize   int
	BufferChunks   int
}

// Adapter manages one transcoding sink per live stream.
type Adapter struct {
	mu      sync.Mutex
	streams map[string]*stream
	cfg     Config
	log     *zap.Logger

	// newCmd builds the transcoder command for a stream's output dir.
	// Overridable in tests.
	newCmd func(dir string) *exec.Cmd
}

type stream struct {
	// mu serializes sink start/stop for this stream only, so reclaiming
	// one stream's lingering subprocess never stalls the others. The sink
	// pointer itself is guarded by the adapter mutex.
	mu   sync.Mutex
	buf  *chunkBuffer
	sink *sink
}

// NewAdapter creates a media relay adapter.
func NewAdapter(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 4
	}
	if cfg.PlaylistSize <= 0 {
		cfg.PlaylistSize = 6
	}
	if cfg.BufferChunks <= 0 {
		cfg.BufferChunks = 256
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "archives"
	}
	a := &Adapter{
		streams: make(map[string]*stream),
		cfg:     cfg,
		log:     log,
	}
	a.newCmd = func(dir string) *exec.Cmd { return buildFFmpegCmd(a.cfg, dir) }
	return a
}

// Ensure starts the transcoding sink for streamID if one is not already
// alive. Idempotent: a resuming broadcaster reuses the running sink, so
// listeners' segment pulls never see a new container header. Any staged
// chunks are flushed to the new sink in arrival order.
func (a *Adapter) Ensure(streamID string) error {
	a.mu.Lock()
	st := a.getOrCreateLocked(streamID)
	a.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	a.mu.Lock()
	cur := st.sink
	a.mu.Unlock()
	if cur != nil {
		if cur.alive() {
			return nil
		}
		// Dead subprocess: reclaim it before rebuilding. stop can wait on
		// the lingering process, so it runs outside the adapter lock.
		cur.stop()
		a.mu.Lock()
		st.sink = nil
		a.mu.Unlock()
	}

	dir := filepath.Join(a.cfg.OutputDir, streamID)
	archivePath := filepath.Join(a.cfg.ArchiveDir, streamID+".webm")
	s, err := startSink(a.newCmd(dir), dir, archivePath, st.buf, a.log.With(zap.String("stream_id", streamID)))
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.streams[streamID] != st {
		// Released while we were starting; the stream is gone.
		a.mu.Unlock()
		s.stop()
		return nil
	}
	st.sink = s
	a.mu.Unlock()
	a.log.Info("sink started", zap.String("stream_id", streamID), zap.String("dir", dir))
	return nil
}

// Forward hands one audio chunk to the stream's sink. Without a live sink
// the chunk is staged; the bounded buffer drops oldest on overflow.
func (a *Adapter) Forward(streamID string, chunk []byte) {
	a.mu.Lock()
	st := a.getOrCreateLocked(streamID)
	s := st.sink
	a.mu.Unlock()

	if st.buf.Push(chunk) {
		a.log.Debug("chunk buffer overflow, oldest dropped", zap.String("stream_id", streamID))
	}
	if s != nil && s.alive() {
		s.wake()
	}
}

// Alive reports whether streamID has a running sink.
func (a *Adapter) Alive(streamID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.streams[streamID]
	return st != nil && st.sink != nil && st.sink.alive()
}

// Release signals end-of-input to the sink and drops all state for the
// stream. Returns the path of the raw archive file, or "" when no sink
// ever ran. Safe to call without a sink.
func (a *Adapter) Release(streamID string) (archivePath string) {
	a.mu.Lock()
	st := a.streams[streamID]
	delete(a.streams, streamID)
	a.mu.Unlock()

	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a.mu.Lock()
	s := st.sink
	st.sink = nil
	a.mu.Unlock()
	if s == nil {
		return ""
	}
	s.stop()
	a.log.Info("sink released", zap.String("stream_id", streamID))
	return s.archivePath
}

// Close releases every sink (shutdown).
func (a *Adapter) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Release(id)
	}
}

func (a *Adapter) getOrCreateLocked(streamID string) *stream {
	st, ok := a.streams[streamID]
	if !ok {
		st = &stream{buf: newChunkBuffer(a.cfg.BufferChunks)}
		a.streams[streamID] = st
	}
	return st
}
