package relay

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// catSink replaces ffmpeg with a shell cat so tests can inspect exactly
// what reached the subprocess, in what order.
func catSink(a *Adapter) {
	a.newCmd = func(dir string) *exec.Cmd {
		return exec.Command("sh", "-c", "cat > "+filepath.Join(dir, "out.bin"))
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(Config{OutputDir: t.TempDir(), ArchiveDir: t.TempDir(), BufferChunks: 32}, nil)
	catSink(a)
	return a
}

func waitForFileSize(t *testing.T, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(path); err == nil && int(fi.Size()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never reached %d bytes", path, want)
}

func TestForwardReachesSinkInOrder(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	if !a.Alive("s1") {
		t.Fatal("sink not alive after Ensure")
	}

	chunks := []string{"one|", "two|", "three|"}
	total := 0
	for _, c := range chunks {
		a.Forward("s1", []byte(c))
		total += len(c)
	}

	// The archive gets the same bytes; once it is complete every stdin
	// write has been issued.
	archive := filepath.Join(a.cfg.ArchiveDir, "s1.webm")
	waitForFileSize(t, archive, total)

	got := a.Release("s1")
	if got != archive {
		t.Fatalf("Release = %q, want %q", got, archive)
	}

	out, err := os.ReadFile(filepath.Join(a.cfg.OutputDir, "s1", "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "one|two|three|" {
		t.Fatalf("sink received %q, want chunks in arrival order", out)
	}
}

func TestChunksStagedBeforeSinkAreFlushed(t *testing.T) {
	a := newTestAdapter(t)

	a.Forward("s1", []byte("early|"))
	a.Forward("s1", []byte("bird|"))
	if a.Alive("s1") {
		t.Fatal("no sink should exist yet")
	}

	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(a.cfg.ArchiveDir, "s1.webm")
	waitForFileSize(t, archive, len("early|bird|"))
	a.Release("s1")

	out, err := os.ReadFile(filepath.Join(a.cfg.OutputDir, "s1", "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "early|bird|" {
		t.Fatalf("sink received %q, want staged chunks in order", out)
	}
}

func TestEnsureIsIdempotentWhileAlive(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	first := a.streams["s1"].sink
	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	if a.streams["s1"].sink != first {
		t.Fatal("Ensure replaced a live sink")
	}
}

func TestDeadSinkIsRebuilt(t *testing.T) {
	a := NewAdapter(Config{OutputDir: t.TempDir(), ArchiveDir: t.TempDir(), BufferChunks: 32}, nil)
	exitNow := true
	a.newCmd = func(dir string) *exec.Cmd {
		if exitNow {
			return exec.Command("sh", "-c", "exit 0")
		}
		return exec.Command("sh", "-c", "cat > "+filepath.Join(dir, "out.bin"))
	}

	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Alive("s1") {
		if time.Now().After(deadline) {
			t.Fatal("sink never noticed subprocess exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	exitNow = false
	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	if !a.Alive("s1") {
		t.Fatal("rebuilt sink not alive")
	}
	a.Release("s1")
}

func TestArchiveKeptOutOfServedDir(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.Ensure("s1"); err != nil {
		t.Fatal(err)
	}
	a.Forward("s1", []byte("abc"))
	waitForFileSize(t, filepath.Join(a.cfg.ArchiveDir, "s1.webm"), 3)

	archive := a.Release("s1")
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	// The HLS output dir is exposed over HTTP; the raw recording must
	// never land under it.
	if rel, err := filepath.Rel(a.cfg.OutputDir, archive); err == nil && !strings.HasPrefix(rel, "..") {
		t.Fatalf("archive %q written inside served dir %q", archive, a.cfg.OutputDir)
	}
}

func TestReclaimingDeadSinkDoesNotStallOtherStreams(t *testing.T) {
	a := NewAdapter(Config{OutputDir: t.TempDir(), ArchiveDir: t.TempDir(), BufferChunks: 32}, nil)
	linger := true
	a.newCmd = func(dir string) *exec.Cmd {
		if linger {
			// Keeps the process around after stdin closes, so stopping
			// it takes a noticeable while.
			return exec.Command("sh", "-c", "cat >/dev/null; sleep 2")
		}
		return exec.Command("sh", "-c", "cat > "+filepath.Join(dir, "out.bin"))
	}

	if err := a.Ensure("a"); err != nil {
		t.Fatal(err)
	}
	// A wedged subprocess: the sink is marked dead but its process has
	// not exited, so the next Ensure has to wait it out.
	a.mu.Lock()
	a.streams["a"].sink.dead.Store(true)
	a.mu.Unlock()

	linger = false
	reclaimed := make(chan struct{})
	go func() {
		_ = a.Ensure("a")
		close(reclaimed)
	}()

	start := time.Now()
	if err := a.Ensure("b"); err != nil {
		t.Fatal(err)
	}
	a.Forward("b", []byte("x"))
	if !a.Alive("b") {
		t.Fatal("stream b sink not alive")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stream b stalled %v behind another stream's reclaim", elapsed)
	}

	<-reclaimed
	a.Release("a")
	a.Release("b")
}

func TestReleaseWithoutSink(t *testing.T) {
	a := newTestAdapter(t)
	if got := a.Release("missing"); got != "" {
		t.Fatalf("Release = %q, want empty for unknown stream", got)
	}

	// Staged-only stream: chunks but no sink.
	a.Forward("s1", []byte("x"))
	if got := a.Release("s1"); got != "" {
		t.Fatalf("Release = %q, want empty for sink-less stream", got)
	}
}
