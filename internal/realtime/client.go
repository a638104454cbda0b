package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is the caller resolved from the connection token.
type Identity struct {
	UserID         uuid.UUID
	Role           string
	OrganizationID *uuid.UUID
}

// Authenticate resolves a token to an identity.
type Authenticate func(token string) (Identity, error)

// Authorize reports whether id may watch the organization's seat feed.
type Authorize func(id Identity, orgID uuid.UUID) bool

// Client represents a single WebSocket connection on an organization feed.
type Client struct {
	ID             string
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	hub            *Hub
	conn           *websocket.Conn
	send           chan WSMessage
	logger         *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, authenticate Authenticate, authorize Authorize) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		orgIDStr := c.Query("organization_id")
		token := c.Query("token")
		if orgIDStr == "" || token == "" {
			response.BadRequest(c, "organization_id and token required")
			return
		}
		orgID, err := uuid.Parse(orgIDStr)
		if err != nil {
			response.BadRequest(c, "invalid organization_id")
			return
		}
		id, err := authenticate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		if !authorize(id, orgID) {
			response.Forbidden(c, "insufficient permissions")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			UserID:         id.UserID,
			hub:            hub,
			conn:           conn,
			send:           make(chan WSMessage, 256),
			logger:         logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump keeps the read deadline fresh and answers application pings. The feed is server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "ping" {
			select {
			case c.send <- WSMessage{Event: "pong"}:
			default:
			}
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
