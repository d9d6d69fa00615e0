package relay

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const stopTimeout = 10 * time.Second

// sink is one transcoding subprocess: raw audio in on stdin, HLS playlist
// and segments out on disk, plus a raw archive copy for later upload.
type sink struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	archive     *os.File
	archivePath string

	buf    *chunkBuffer
	notify chan struct{} // nudges the writer; capacity 1
	done   chan struct{}
	exited chan struct{} // closed when the subprocess exits
	dead   atomic.Bool

	log *zap.Logger
}

// buildFFmpegCmd builds the HLS transcoder command for one stream. Input
// is whatever container the broadcaster's encoder produced, piped on
// stdin; output is an AAC HLS rolling playlist under dir.
func buildFFmpegCmd(cfg Config, dir string) *exec.Cmd {
	return exec.Command(cfg.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-c:a", "aac", "-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(cfg.PlaylistSize),
		"-hls_flags", "delete_segments+append_list",
		filepath.Join(dir, "live.m3u8"),
	)
}

func startSink(cmd *exec.Cmd, dir, archivePath string, buf *chunkBuffer, log *zap.Logger) (*sink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// The archive lives outside the HLS output dir: segments are served
	// over HTTP, the raw recording must not be.
	if err := os.MkdirAll(filepath.Dir(archivePath), 0750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = archive.Close()
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	s := &sink{
		cmd:         cmd,
		stdin:       stdin,
		archive:     archive,
		archivePath: archivePath,
		buf:         buf,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		log:         log,
	}
	go s.watch()
	go s.writeLoop()
	s.wake()
	return s, nil
}

func (s *sink) alive() bool {
	return !s.dead.Load()
}

// wake nudges the writer without ever blocking the caller.
func (s *sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// writeLoop is the single consumer of the chunk buffer, so chunks reach
// the subprocess in arrival order.
func (s *sink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			chunk, ok := s.buf.Pop()
			if !ok {
				break
			}
			if _, err := s.stdin.Write(chunk); err != nil {
				s.dead.Store(true)
				s.log.Warn("sink write failed", zap.Error(err))
				return
			}
			if _, err := s.archive.Write(chunk); err != nil {
				s.log.Warn("archive write failed", zap.Error(err))
			}
		}
	}
}

// watch marks the sink dead when the subprocess exits on its own.
func (s *sink) watch() {
	err := s.cmd.Wait()
	close(s.exited)
	if s.dead.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			// stopped deliberately
		default:
			s.log.Warn("transcoder exited mid-stream", zap.Error(err))
		}
	}
}

// stop signals end-of-input, waits for the subprocess to finalize the
// playlist, and kills it if it lingers. Safe to call on a dead sink.
func (s *sink) stop() {
	s.dead.Store(true)
	close(s.done)
	_ = s.stdin.Close()
	select {
	case <-s.exited:
	case <-time.After(stopTimeout):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
			select {
			case <-s.exited:
			case <-time.After(2 * time.Second):
				_ = s.cmd.Process.Kill()
			}
		}
	}
	_ = s.archive.Close()
}
