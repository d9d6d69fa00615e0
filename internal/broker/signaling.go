package broker

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalPayload addresses one signaling message to one peer connection.
// The inner payload is relayed untouched; the broker only checks its shape.
type SignalPayload struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// Signaling event names the broker routes.
const (
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
)

// Route relays an offer, answer or ICE candidate from connID to the target
// connection, tagged with the sender so the recipient can map it to the
// right peer connection. Malformed messages are dropped and logged; they
// never reach anyone.
func (b *Broker) Route(connID, event string, data json.RawMessage) {
	var p SignalPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Target == "" || len(p.Payload) == 0 {
		b.log.Warn("malformed signaling message dropped",
			zap.String("conn_id", connID), zap.String("event", event))
		return
	}
	if !validSignalPayload(event, p.Payload) {
		b.log.Warn("signaling payload failed shape check",
			zap.String("conn_id", connID), zap.String("event", event))
		return
	}

	delivered := b.msgr.SendToConn(p.Target, event, map[string]interface{}{
		"from":    connID,
		"payload": p.Payload,
	})
	if !delivered {
		b.log.Debug("signaling target gone",
			zap.String("event", event), zap.String("target", p.Target))
		return
	}

	// An offer reaching a listener moves its handshake forward.
	if event == EventOffer {
		b.mu.Lock()
		if st, ok := b.listeners[p.Target]; ok && st.phase == PhaseAwaitingOffer {
			st.phase = PhaseNegotiating
		}
		b.mu.Unlock()
	}
}

// validSignalPayload checks that the opaque payload at least parses as the
// WebRTC type the event name claims. Contents are not interpreted further.
func validSignalPayload(event string, payload json.RawMessage) bool {
	switch event {
	case EventOffer, EventAnswer:
		var sdp webrtc.SessionDescription
		return json.Unmarshal(payload, &sdp) == nil && sdp.SDP != ""
	case EventCandidate:
		var cand webrtc.ICECandidateInit
		return json.Unmarshal(payload, &cand) == nil && cand.Candidate != ""
	default:
		return false
	}
}
