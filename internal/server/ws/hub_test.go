package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/events"
)

func TestHubStreamsEventsToSubscribers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(nil, func() map[string]any { return map[string]any{"halted": false} }, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var status map[string]any
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "status", status["type"])

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{events.ProfitRecorded}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.isSubscribed(events.ProfitRecorded)
		}
		return false
	}, time.Second, 10*time.Millisecond)

	pub := events.NewPublisher(nil, logger)
	pub.AddSink(hub)
	pub.Publish(ctx, events.ProfitRecorded, map[string]any{"id": "skipped"})
	pub.Publish(ctx, events.ProfitVerified, map[string]any{"id": "tx1"})

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	ev, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, events.ProfitVerified, ev.Type)
	assert.Equal(t, "tx1", ev.Data["id"])
}

func TestWildcardSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{"withdrawal_*": true}}
	assert.True(t, c.isSubscribed(events.WithdrawalConfirmed))
	assert.False(t, c.isSubscribed(events.ProfitVerified))
}
