package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// EventSeat is the websocket event name for committed seat events.
	EventSeat = "seat_event"
)

// Hub maintains organization_id -> set of connections and fans out seat events.
// With Redis configured, events go through pub/sub so every instance delivers them once.
type Hub struct {
	// orgID -> map[clientID]*Client
	orgs     map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per organization
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishOrgEvent(ctx context.Context, orgID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to organization channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeOrg(orgID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		orgs:     make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger.With(zap.String("component", "realtime")),
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to an organization feed. Starts the Redis subscription for the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.orgs[c.OrganizationID] == nil {
		h.orgs[c.OrganizationID] = make(map[string]*Client)
		if h.redisSub != nil {
			orgID := c.OrganizationID
			cancel, err := h.redisSub.SubscribeOrg(orgID, func(event string, payload []byte) {
				h.Broadcast(orgID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("organization_id", orgID.String()), zap.Error(err))
			} else {
				h.subs[orgID] = cancel
			}
		}
	}
	h.orgs[c.OrganizationID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client subscribed", zap.String("client_id", c.ID), zap.String("organization_id", c.OrganizationID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.orgs[c.OrganizationID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.orgs, c.OrganizationID)
			if cancel, ok := h.subs[c.OrganizationID]; ok {
				cancel()
				delete(h.subs, c.OrganizationID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client unsubscribed", zap.String("client_id", c.ID), zap.String("organization_id", c.OrganizationID.String()))
}

// Broadcast sends a message to all local clients of an organization.
func (h *Hub) Broadcast(orgID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.orgs[orgID] {
		select {
		case c.send <- msg:
		default:
			// slow consumer, drop
		}
	}
}

// PublishSeatEvent delivers a committed seat event to subscribers of its organization.
// With Redis it only publishes; the subscription callback performs the local broadcast.
func (h *Hub) PublishSeatEvent(ctx context.Context, e models.SeatEvent) {
	if h.redis == nil {
		h.Broadcast(e.OrganizationID, EventSeat, e)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := h.redis.PublishOrgEvent(ctx, e.OrganizationID, EventSeat, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.Error(err))
		h.Broadcast(e.OrganizationID, EventSeat, json.RawMessage(data))
	}
}

// SubscriberCount returns the number of local clients on an organization feed.
func (h *Hub) SubscriberCount(orgID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgs[orgID])
}
