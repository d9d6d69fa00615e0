package realtime

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

// countingSubscriber tracks how many room subscriptions were opened and
// how many were cancelled.
type countingSubscriber struct {
	mu         sync.Mutex
	subscribed int
	cancelled  int
}

func (f *countingSubscriber) SubscribeRoom(roomID string, handler func(origin, event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	f.subscribed++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}, nil
}

func (f *countingSubscriber) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed, f.cancelled
}

func newTestHub(sub RoomSubscriber) *Hub {
	return NewHub(zap.NewNop(), NewRegistry(), nil, sub)
}

func TestConcurrentFirstJoinsSubscribeOnce(t *testing.T) {
	sub := &countingSubscriber{}
	h := newTestHub(sub)

	var wg sync.WaitGroup
	for _, connID := range []string{"c1", "c2", "c3", "c4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.Join(id, "room")
		}(connID)
	}
	wg.Wait()

	subscribed, cancelled := sub.counts()
	if subscribed != 1 {
		t.Fatalf("room subscribed %d times, want 1", subscribed)
	}
	if cancelled != 0 {
		t.Fatalf("cancelled %d subscriptions, want 0", cancelled)
	}
}

func TestLastLeaveCancelsSubscription(t *testing.T) {
	sub := &countingSubscriber{}
	h := newTestHub(sub)
	h.Join("c1", "room")
	h.Join("c2", "room")

	h.Leave("c1", "room")
	if _, cancelled := sub.counts(); cancelled != 0 {
		t.Fatal("subscription cancelled while a member remains")
	}

	h.Leave("c2", "room")
	subscribed, cancelled := sub.counts()
	if subscribed != 1 || cancelled != 1 {
		t.Fatalf("subscribed=%d cancelled=%d, want 1/1", subscribed, cancelled)
	}

	// A fresh join after the room emptied re-subscribes.
	h.Join("c3", "room")
	if subscribed, _ := sub.counts(); subscribed != 2 {
		t.Fatalf("re-join subscribed %d times total, want 2", subscribed)
	}
}

func TestDropRoomEmptiesAndUnsubscribes(t *testing.T) {
	sub := &countingSubscriber{}
	h := newTestHub(sub)
	h.Join("c1", "room")
	h.Join("c2", "room")

	members := h.DropRoom("room")
	if len(members) != 2 {
		t.Fatalf("DropRoom returned %d members, want 2", len(members))
	}
	if h.IsMember("c1", "room") || h.IsMember("c2", "room") {
		t.Fatal("dropped room still has members")
	}
	if _, cancelled := sub.counts(); cancelled != 1 {
		t.Fatalf("cancelled %d subscriptions, want 1", cancelled)
	}
}

func TestDropCancelsWhenLastMemberDisconnects(t *testing.T) {
	sub := &countingSubscriber{}
	h := newTestHub(sub)
	h.Join("c1", "a")
	h.Join("c1", "b")
	h.Join("c2", "b")

	rooms := h.Drop("c1")
	if len(rooms) != 2 {
		t.Fatalf("Drop returned %d rooms, want 2", len(rooms))
	}
	// Room a emptied, room b still has c2.
	if _, cancelled := sub.counts(); cancelled != 1 {
		t.Fatalf("cancelled %d subscriptions, want 1", cancelled)
	}
}
