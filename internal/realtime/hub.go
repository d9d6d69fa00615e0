package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RoomPublisher publishes room events to Redis for cross-instance fanout.
type RoomPublisher interface {
	PublishRoomEvent(roomID, origin, event string, payload []byte) error
}

// RoomSubscriber subscribes to a room's channel and invokes handler for
// incoming events. Returns a cancel func.
type RoomSubscriber interface {
	SubscribeRoom(roomID string, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// Hub owns the live WebSocket connections and delivers messages to single
// connections or whole rooms. Room membership lives in the Registry; Redis
// pub/sub extends room broadcasts across instances.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client // connID -> client
	subs     map[string]func()  // roomID -> cancel Redis subscription
	registry *Registry
	id       string // instance id, used to skip self-published messages
	redisPub RoomPublisher
	redisSub RoomSubscriber
	log      *zap.Logger
}

// NewHub creates a hub over the given registry. redisPub/redisSub may be
// nil for single-instance deployments.
func NewHub(log *zap.Logger, registry *Registry, redisPub RoomPublisher, redisSub RoomSubscriber) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		subs:     make(map[string]func()),
		registry: registry,
		id:       uuid.New().String(),
		redisPub: redisPub,
		redisSub: redisSub,
		log:      log,
	}
}

// Registry returns the connection registry backing this hub.
func (h *Hub) Registry() *Registry { return h.registry }

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Debug("client connected", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID))
}

// Unregister removes a connection from the hub. Room membership must
// already have been dropped via Drop.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.log.Debug("client disconnected", zap.String("conn_id", c.ID))
}

// Join adds the connection to a room, subscribing the room's Redis
// channel if this instance is not subscribed yet. Membership and
// subscription bookkeeping change under one lock, so two concurrent first
// joins cannot double-subscribe and leak a subscription.
func (h *Hub) Join(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry.Join(connID, roomID)
	if h.redisSub == nil {
		return
	}
	if _, ok := h.subs[roomID]; ok {
		return
	}
	cancel, err := h.redisSub.SubscribeRoom(roomID, func(origin, event string, payload []byte) {
		if origin == h.id {
			return // delivered locally at publish time
		}
		h.deliverLocal(roomID, event, json.RawMessage(payload), "")
	})
	if err != nil {
		h.log.Warn("room subscribe failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	h.subs[roomID] = cancel
}

// Leave removes the connection from a room, cancelling the Redis
// subscription when the last local member is gone.
func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	h.registry.Leave(connID, roomID)
	cancel := h.maybeUnsubscribeLocked(roomID)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsMember reports room membership.
func (h *Hub) IsMember(connID, roomID string) bool {
	return h.registry.IsMember(connID, roomID)
}

// Drop removes the connection from all rooms and returns them.
func (h *Hub) Drop(connID string) []string {
	h.mu.Lock()
	rooms := h.registry.Drop(connID)
	cancels := make([]func(), 0, len(rooms))
	for _, roomID := range rooms {
		if c := h.maybeUnsubscribeLocked(roomID); c != nil {
			cancels = append(cancels, c)
		}
	}
	h.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return rooms
}

// DropRoom empties a room and cancels its Redis subscription. Called when
// the room's session ends; members of the dead room must not linger into a
// later stream registered under the same name.
func (h *Hub) DropRoom(roomID string) []string {
	h.mu.Lock()
	members := h.registry.DropRoom(roomID)
	cancel := h.maybeUnsubscribeLocked(roomID)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return members
}

// maybeUnsubscribeLocked returns the cancel func for roomID's subscription
// if the room has no local members left, removing it from the map. The
// caller invokes it outside the lock.
func (h *Hub) maybeUnsubscribeLocked(roomID string) func() {
	if len(h.registry.MembersOf(roomID)) > 0 {
		return nil
	}
	cancel, ok := h.subs[roomID]
	if !ok {
		return nil
	}
	delete(h.subs, roomID)
	return cancel
}

// SendToConn sends an event to a single connection. Returns false when the
// connection is not on this instance.
func (h *Hub) SendToConn(connID, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return false
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
		// buffer full, skip
	}
	return true
}

// BroadcastToRoom sends an event to every member of a room except
// exceptConnID, and publishes it for other instances.
func (h *Hub) BroadcastToRoom(roomID, event string, payload interface{}, exceptConnID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.deliverLocal(roomID, event, data, exceptConnID)
	if h.redisPub != nil {
		_ = h.redisPub.PublishRoomEvent(roomID, h.id, event, data)
	}
}

func (h *Hub) deliverLocal(roomID, event string, data json.RawMessage, exceptConnID string) {
	members := h.registry.MembersOf(roomID)
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range members {
		if id == exceptConnID {
			continue
		}
		c, ok := h.clients[id]
		if !ok || c == nil {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
