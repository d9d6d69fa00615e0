package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSinks struct {
	mu    sync.Mutex
	alive map[string]bool
}

func (f *fakeSinks) Alive(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[streamID]
}

func (f *fakeSinks) set(streamID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive == nil {
		f.alive = make(map[string]bool)
	}
	f.alive[streamID] = v
}

func newTestTable(grace time.Duration) (*Table, *fakeSinks) {
	sinks := &fakeSinks{}
	return NewTable(grace, sinks, nil), sinks
}

func TestCreateFresh(t *testing.T) {
	tbl, _ := newTestTable(time.Second)

	if got := tbl.CreateOrResume("s1", "morning show", "", "conn-1", "user-1"); got != OutcomeCreated {
		t.Fatalf("outcome = %v, want OutcomeCreated", got)
	}
	info, ok := tbl.Get("s1")
	if !ok {
		t.Fatal("session not found after create")
	}
	if info.Title != "morning show" || info.OwnerConnID != "conn-1" || info.OwnerUserID != "user-1" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := len(tbl.List()); got != 1 {
		t.Fatalf("List() len = %d, want 1", got)
	}
}

func TestResumePreservesSession(t *testing.T) {
	tbl, sinks := newTestTable(time.Second)

	tbl.CreateOrResume("s1", "show", "desc", "conn-1", "user-1")
	before, _ := tbl.Get("s1")
	tbl.IncrementListener("s1")
	tbl.IncrementListener("s1")
	sinks.set("s1", true)

	if got := tbl.CreateOrResume("s1", "ignored", "ignored", "conn-2", "user-1"); got != OutcomeResumed {
		t.Fatalf("outcome = %v, want OutcomeResumed", got)
	}

	info, ok := tbl.Get("s1")
	if !ok {
		t.Fatal("session gone after resume")
	}
	if info.Title != "show" || info.Description != "desc" {
		t.Fatalf("resume must not change metadata, got %+v", info)
	}
	if !info.StartTime.Equal(before.StartTime) {
		t.Fatal("resume must not change start time")
	}
	if info.OwnerConnID != "conn-2" {
		t.Fatalf("owner conn = %q, want conn-2", info.OwnerConnID)
	}
	if info.ListenerCount != 2 || info.PeakListeners != 2 {
		t.Fatalf("resume must keep counters, got %+v", info)
	}
	if got := len(tbl.List()); got != 1 {
		t.Fatalf("List() len = %d after resume, want 1", got)
	}
}

func TestRestartOverDeadSink(t *testing.T) {
	tbl, sinks := newTestTable(time.Second)

	tbl.CreateOrResume("s1", "old", "old desc", "conn-1", "user-1")
	tbl.IncrementListener("s1")
	sinks.set("s1", false)

	if got := tbl.CreateOrResume("s1", "new", "new desc", "conn-2", "user-2"); got != OutcomeCreated {
		t.Fatalf("outcome = %v, want OutcomeCreated for dead sink", got)
	}

	info, _ := tbl.Get("s1")
	if info.Title != "new" || info.OwnerUserID != "user-2" {
		t.Fatalf("restart must take new metadata, got %+v", info)
	}
	if info.ListenerCount != 0 || info.PeakListeners != 0 {
		t.Fatalf("restart must zero counters, got %+v", info)
	}
}

func TestListenerCountFloorAndPeak(t *testing.T) {
	tbl, _ := newTestTable(time.Second)
	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")

	for i := 0; i < 3; i++ {
		tbl.IncrementListener("s1")
	}
	tbl.DecrementListener("s1")
	tbl.DecrementListener("s1")
	tbl.IncrementListener("s1")

	info, _ := tbl.Get("s1")
	if info.ListenerCount != 2 {
		t.Fatalf("listener count = %d, want 2", info.ListenerCount)
	}
	if info.PeakListeners != 3 {
		t.Fatalf("peak = %d, want 3", info.PeakListeners)
	}

	// Extra decrements must floor at zero.
	for i := 0; i < 10; i++ {
		tbl.DecrementListener("s1")
	}
	info, _ = tbl.Get("s1")
	if info.ListenerCount != 0 {
		t.Fatalf("listener count = %d after over-decrement, want 0", info.ListenerCount)
	}
	if info.PeakListeners != 3 {
		t.Fatalf("peak must not regress, got %d", info.PeakListeners)
	}
}

func TestEndSessionOwnerOnly(t *testing.T) {
	tbl, _ := newTestTable(time.Second)
	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")

	if _, ok := tbl.EndSession("s1", "conn-other", ReasonEndedByOwner); ok {
		t.Fatal("non-owner must not end the session")
	}
	if _, live := tbl.Get("s1"); !live {
		t.Fatal("session should still be live")
	}

	snap, ok := tbl.EndSession("s1", "conn-1", ReasonEndedByOwner)
	if !ok {
		t.Fatal("owner end rejected")
	}
	if snap.Reason != ReasonEndedByOwner {
		t.Fatalf("reason = %q", snap.Reason)
	}
	if _, live := tbl.Get("s1"); live {
		t.Fatal("session should be gone")
	}
	if _, ok := tbl.EndSession("s1", "conn-1", ReasonEndedByOwner); ok {
		t.Fatal("second end must be a no-op")
	}
}

func TestStaleOwnerCannotEndResumedSession(t *testing.T) {
	tbl, sinks := newTestTable(time.Second)
	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")
	sinks.set("s1", true)
	tbl.CreateOrResume("s1", "t", "", "conn-2", "u")

	if _, ok := tbl.EndSession("s1", "conn-1", ReasonEndedByOwner); ok {
		t.Fatal("stale owner conn must not end a resumed session")
	}
	if _, live := tbl.Get("s1"); !live {
		t.Fatal("session must survive stale end attempt")
	}
}

func TestUpdateMetadataOwnerOnly(t *testing.T) {
	tbl, _ := newTestTable(time.Second)
	tbl.CreateOrResume("s1", "old title", "old desc", "conn-1", "u")

	title := "new title"
	if _, ok := tbl.UpdateMetadata("s1", "conn-other", &title, nil); ok {
		t.Fatal("non-owner metadata update must be ignored")
	}

	info, ok := tbl.UpdateMetadata("s1", "conn-1", &title, nil)
	if !ok {
		t.Fatal("owner update rejected")
	}
	if info.Title != "new title" {
		t.Fatalf("title = %q", info.Title)
	}
	if info.Description != "old desc" {
		t.Fatalf("nil field must be untouched, got %q", info.Description)
	}
}

func TestGraceExpiryEndsSession(t *testing.T) {
	tbl, _ := newTestTable(20 * time.Millisecond)

	var mu sync.Mutex
	var snaps []Snapshot
	tbl.SetEndHandler(func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})

	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")
	if !tbl.BeginGrace("s1", "conn-1") {
		t.Fatal("BeginGrace rejected for owner")
	}

	deadline := time.After(time.Second)
	for {
		if _, live := tbl.Get("s1"); !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("grace expiry never tore the session down")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 1 {
		t.Fatalf("end handler fired %d times, want 1", len(snaps))
	}
	if snaps[0].Reason != ReasonGraceExpired {
		t.Fatalf("reason = %q, want %q", snaps[0].Reason, ReasonGraceExpired)
	}
}

func TestResumeCancelsGrace(t *testing.T) {
	tbl, sinks := newTestTable(30 * time.Millisecond)

	var mu sync.Mutex
	ends := 0
	tbl.SetEndHandler(func(Snapshot) {
		mu.Lock()
		ends++
		mu.Unlock()
	})

	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")
	sinks.set("s1", true)
	tbl.BeginGrace("s1", "conn-1")
	tbl.CreateOrResume("s1", "t", "", "conn-2", "u")

	time.Sleep(100 * time.Millisecond)

	if _, live := tbl.Get("s1"); !live {
		t.Fatal("resumed session was torn down by a cancelled grace timer")
	}
	mu.Lock()
	defer mu.Unlock()
	if ends != 0 {
		t.Fatalf("end handler fired %d times, want 0", ends)
	}
}

func TestBeginGraceNonOwnerIgnored(t *testing.T) {
	tbl, _ := newTestTable(10 * time.Millisecond)
	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")

	if tbl.BeginGrace("s1", "conn-other") {
		t.Fatal("grace must only start for the current owner")
	}
	time.Sleep(50 * time.Millisecond)
	if _, live := tbl.Get("s1"); !live {
		t.Fatal("session must still be live")
	}
}

func TestEndExactlyOnceConcurrent(t *testing.T) {
	tbl, _ := newTestTable(time.Second)
	tbl.CreateOrResume("s1", "t", "", "conn-1", "u")

	var mu sync.Mutex
	ends := 0
	tbl.SetEndHandler(func(Snapshot) {
		mu.Lock()
		ends++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	okCount := 0
	var okMu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tbl.EndSession("s1", "", ReasonShutdown); ok {
				okMu.Lock()
				okCount++
				okMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Fatalf("%d callers observed the teardown, want 1", okCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if ends != 1 {
		t.Fatalf("end handler fired %d times, want 1", ends)
	}
}

func TestCloseEndsAll(t *testing.T) {
	tbl, _ := newTestTable(time.Second)

	var mu sync.Mutex
	reasons := map[string]string{}
	tbl.SetEndHandler(func(snap Snapshot) {
		mu.Lock()
		reasons[snap.StreamID] = snap.Reason
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		tbl.CreateOrResume(id, "t", "", "conn-"+id, "u")
	}
	tbl.Close(ReasonShutdown)

	if got := len(tbl.List()); got != 0 {
		t.Fatalf("%d sessions survive Close", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 5 {
		t.Fatalf("end handler fired for %d sessions, want 5", len(reasons))
	}
	for id, r := range reasons {
		if r != ReasonShutdown {
			t.Fatalf("session %s ended with reason %q", id, r)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	tbl, _ := newTestTable(time.Second)
	tbl.CreateOrResume("older", "t", "", "c1", "u")
	time.Sleep(2 * time.Millisecond)
	tbl.CreateOrResume("newer", "t", "", "c2", "u")

	list := tbl.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d", len(list))
	}
	if list[0].StreamID != "newer" {
		t.Fatalf("List()[0] = %s, want newer first", list[0].StreamID)
	}
}
