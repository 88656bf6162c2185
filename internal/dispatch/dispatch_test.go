package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/kv/kvtest"
)

type fakeSender struct {
	pushes []Push
	err    error
}

func (f *fakeSender) Send(_ context.Context, p Push) error {
	f.pushes = append(f.pushes, p)
	return f.err
}

func TestNotifierSwallowsErrorsAndSkipsEmptyTokens(t *testing.T) {
	s := &fakeSender{err: errors.New("quota")}
	n := NewNotifier(s, nil)

	n.Send(context.Background(), "", TemplateAssigned, nil)
	assert.Empty(t, s.pushes)

	n.Send(context.Background(), "tok", TemplateAssigned, map[string]string{"orderId": "o1"})
	require.Len(t, s.pushes, 1)
	assert.Equal(t, "tok", s.pushes[0].Token)
	assert.Equal(t, "o1", s.pushes[0].Args["orderId"])
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "No driver found", Title(TemplateNoDriverFound))
	assert.Equal(t, "custom", Title("custom"))
}

func TestEventsPublishesOnChannels(t *testing.T) {
	ctx := context.Background()
	store := kvtest.NewStore(t)
	sub, err := store.Subscribe(ctx, DriverChannel("d1"), RiderChannel("r1"), AdminChannel("noDriverFound"))
	require.NoError(t, err)
	defer sub.Close()

	ev := NewEvents(store, nil)
	ev.Driver(ctx, "d1", Event{Type: EventRideOfferReceived, OrderID: "o1"})
	ev.Rider(ctx, "r1", Event{Type: EventOrderUpdated, OrderID: "o1"})
	ev.Admin(ctx, "noDriverFound", Event{Type: EventOrderUpdated, OrderID: "o1"})

	got := map[string]Event{}
	for i := 0; i < 3; i++ {
		select {
		case m := <-sub.Messages():
			var e Event
			require.NoError(t, json.Unmarshal(m.Payload, &e))
			got[m.Channel] = e
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, EventRideOfferReceived, got["driver:d1:event"].Type)
	assert.Equal(t, "o1", got["rider:r1:order.updated"].OrderID)
	assert.False(t, got["admin:noDriverFound"].At.IsZero())
}

func TestWSHubRelaysChannel(t *testing.T) {
	store := kvtest.NewStore(t)
	hub := NewWSHub(store, nil)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = hub.Serve(r.Context(), DriverChannel("d1"), conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Sessions(DriverChannel("d1")) == 1 }, time.Second, 10*time.Millisecond)
	NewEvents(store, nil).Driver(context.Background(), "d1", Event{Type: EventRideOfferRevoked, OrderID: "o9"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(payload, &e))
	assert.Equal(t, "o9", e.OrderID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Sessions(DriverChannel("d1")) == 0 }, time.Second, 10*time.Millisecond)
}
