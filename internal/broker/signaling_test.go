package broker

import (
	"encoding/json"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func signal(t *testing.T, target string, payload interface{}) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]interface{}{"target": target, "payload": payload})
}

func sdpPayload() map[string]string {
	return map[string]string{"type": "offer", "sdp": "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"}
}

func TestRouteOfferToTarget(t *testing.T) {
	fx := newFixture(time.Second)

	fx.b.Route("c1", EventOffer, signal(t, "l1", sdpPayload()))

	if n := fx.msgr.sentTo("l1", EventOffer); n != 1 {
		t.Fatalf("offer delivered %d times, want 1", n)
	}
	fx.msgr.mu.Lock()
	payload := fx.msgr.sent[0].payload.(map[string]interface{})
	fx.msgr.mu.Unlock()
	if payload["from"] != "c1" {
		t.Fatalf("from = %v, want c1", payload["from"])
	}
}

func TestRouteDropsMalformed(t *testing.T) {
	fx := newFixture(time.Second)

	cases := []json.RawMessage{
		json.RawMessage(`not json`),
		mustJSON(t, map[string]interface{}{"payload": sdpPayload()}),          // no target
		mustJSON(t, map[string]interface{}{"target": "l1"}),                   // no payload
		signal(t, "l1", map[string]string{"type": "offer"}),                   // empty sdp
		signal(t, "l1", map[string]string{"sdp": ""}),                         // empty sdp
		signal(t, "l1", map[string]interface{}{"unrelated": true}),            // wrong shape
	}
	for _, data := range cases {
		fx.b.Route("c1", EventOffer, data)
	}
	fx.b.Route("c1", "unknown-event", signal(t, "l1", sdpPayload()))

	fx.msgr.mu.Lock()
	defer fx.msgr.mu.Unlock()
	if len(fx.msgr.sent) != 0 {
		t.Fatalf("%d malformed messages delivered, want 0", len(fx.msgr.sent))
	}
}

func TestRouteCandidate(t *testing.T) {
	fx := newFixture(time.Second)

	fx.b.Route("l1", EventCandidate, signal(t, "c1", map[string]string{
		"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host",
	}))
	if n := fx.msgr.sentTo("c1", EventCandidate); n != 1 {
		t.Fatalf("candidate delivered %d times, want 1", n)
	}

	fx.b.Route("l1", EventCandidate, signal(t, "c1", map[string]string{"candidate": ""}))
	if n := fx.msgr.sentTo("c1", EventCandidate); n != 1 {
		t.Fatal("empty candidate must be dropped")
	}
}

func TestOfferAdvancesListenerPhase(t *testing.T) {
	fx := newFixture(time.Second)
	fx.b.HandleStartStream("c1", "u", StartStreamPayload{StreamID: "jazz"})
	fx.b.HandleJoinStream("l1", StreamRefPayload{StreamID: "jazz"})

	fx.b.Route("c1", EventOffer, signal(t, "l1", sdpPayload()))

	if phase, _ := fx.b.ListenerPhase("l1"); phase != PhaseNegotiating {
		t.Fatalf("phase = %v, want negotiating", phase)
	}

	// The answer back to the broadcaster does not touch listener phase.
	fx.b.Route("l1", EventAnswer, signal(t, "c1", map[string]string{"type": "answer", "sdp": "v=0\r\n"}))
	if phase, _ := fx.b.ListenerPhase("l1"); phase != PhaseNegotiating {
		t.Fatalf("phase = %v after answer, want negotiating", phase)
	}
}

func TestRouteToGoneTarget(t *testing.T) {
	fx := newFixture(time.Second)
	fx.msgr.missing["ghost"] = true

	fx.b.Route("c1", EventOffer, signal(t, "ghost", sdpPayload()))

	fx.msgr.mu.Lock()
	defer fx.msgr.mu.Unlock()
	if len(fx.msgr.sent) != 0 {
		t.Fatal("nothing should be recorded for a gone target")
	}
}
