package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/audiobox-live/backend/internal/broker"
	"github.com/audiobox-live/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope for text frames. Binary
// frames carry raw audio chunks for the connection's active broadcast.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	UserID   string // "anonymous" without a valid token
	JoinedAt time.Time
	hub      *Hub
	events   *broker.Broker
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The
// token query parameter is optional: a valid token binds the broadcaster
// identity for history attribution, its absence means anonymous.
func ServeWs(hub *Hub, events *broker.Broker, logger *zap.Logger, jwtValidate func(token string) (userID string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := models.AnonymousUserID
		if token := c.Query("token"); token != "" {
			id, err := jwtValidate(token)
			if err != nil {
				logger.Debug("ws token rejected, continuing anonymous", zap.Error(err))
			} else {
				userID = id
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			UserID:   userID,
			JoinedAt: time.Now(),
			hub:      hub,
			events:   events,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.events.HandleDisconnect(c.ID)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if mt == websocket.BinaryMessage {
			c.events.HandleAudioChunk(c.ID, data)
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start-stream":
			var p broker.StartStreamPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.events.HandleStartStream(c.ID, c.UserID, p)
			}
		case "update-metadata":
			var p broker.UpdateMetadataPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.events.HandleUpdateMetadata(c.ID, p)
			}
		case "end-stream":
			var p broker.StreamRefPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.events.HandleEndStream(c.ID, p)
			}
		case "join-stream":
			var p broker.StreamRefPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.events.HandleJoinStream(c.ID, p)
			}
		case "leave-stream":
			var p broker.StreamRefPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.events.HandleLeaveStream(c.ID, p)
			}
		case broker.EventOffer, broker.EventAnswer, broker.EventCandidate:
			c.events.Route(c.ID, msg.Event, msg.Data)
		case "peer-connected":
			c.events.MarkConnected(c.ID)
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
