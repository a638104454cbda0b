package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-lms/seats/internal/models"
)

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	err       error
	handlers  map[uuid.UUID]func(string, []byte)
	cancelled int
}

func (f *fakeRedis) PublishOrgEvent(_ context.Context, orgID uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, event)
	h := f.handlers[orgID]
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (f *fakeRedis) SubscribeOrg(orgID uuid.UUID, handler func(string, []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[uuid.UUID]func(string, []byte))
	}
	f.handlers[orgID] = handler
	return func() {
		f.mu.Lock()
		f.cancelled++
		delete(f.handlers, orgID)
		f.mu.Unlock()
	}, nil
}

func newTestClient(orgID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), OrganizationID: orgID, send: make(chan WSMessage, 4)}
}

func recv(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case m := <-c.send:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

func TestHubLocalDelivery(t *testing.T) {
	h := NewHub(nil, nil, nil)
	orgA, orgB := uuid.New(), uuid.New()
	a, b := newTestClient(orgA), newTestClient(orgB)
	h.Register(a)
	h.Register(b)
	assert.Equal(t, 1, h.SubscriberCount(orgA))

	h.PublishSeatEvent(context.Background(), models.SeatEvent{OrganizationID: orgA, Type: models.EventAssigned, SeatsUsed: 3})

	m := recv(t, a)
	assert.Equal(t, EventSeat, m.Event)
	var got models.SeatEvent
	require.NoError(t, json.Unmarshal(m.Data, &got))
	assert.Equal(t, models.EventAssigned, got.Type)
	assert.Equal(t, 3, got.SeatsUsed)
	assert.Empty(t, b.send, "other organizations see nothing")

	h.Unregister(a)
	assert.Equal(t, 0, h.SubscriberCount(orgA))
	_, open := <-a.send
	assert.False(t, open)
}

func TestHubRedisDeliversOnce(t *testing.T) {
	r := &fakeRedis{}
	h := NewHub(nil, r, r)
	org := uuid.New()
	c := newTestClient(org)
	h.Register(c)

	h.PublishSeatEvent(context.Background(), models.SeatEvent{OrganizationID: org, Type: models.EventReleased})

	assert.Equal(t, []string{EventSeat}, r.published)
	recv(t, c)
	assert.Empty(t, c.send)

	h.Unregister(c)
	assert.Equal(t, 1, r.cancelled)
}

func TestHubRedisFailureFallsBackLocal(t *testing.T) {
	r := &fakeRedis{err: errors.New("down")}
	h := NewHub(nil, r, nil)
	org := uuid.New()
	c := newTestClient(org)
	h.Register(c)

	h.PublishSeatEvent(context.Background(), models.SeatEvent{OrganizationID: org, Type: models.EventExpired})
	assert.Equal(t, EventSeat, recv(t, c).Event)
}

func TestServeWs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(nil, nil, nil)
	org, user := uuid.New(), uuid.New()

	authn := func(token string) (Identity, error) {
		if token != "good" {
			return Identity{}, errors.New("bad token")
		}
		return Identity{UserID: user, Role: "org_admin", OrganizationID: &org}, nil
	}
	authz := func(id Identity, orgID uuid.UUID) bool {
		return id.OrganizationID != nil && *id.OrganizationID == orgID
	}

	r := gin.New()
	r.GET("/ws", ServeWs(h, nil, authn, authz))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?organization_id="+org.String()+"&token=bad", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?organization_id="+uuid.NewString()+"&token=good", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=good", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?organization_id="+org.String()+"&token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.SubscriberCount(org) == 1 }, time.Second, 10*time.Millisecond)

	h.PublishSeatEvent(context.Background(), models.SeatEvent{OrganizationID: org, UserID: user, Type: models.EventAssigned})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventSeat, msg.Event)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Event)
}
