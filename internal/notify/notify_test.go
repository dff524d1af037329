package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/events"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type captureSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.titles...)
}

func encode(t *testing.T, channel string, data map[string]any) []byte {
	t.Helper()
	b, err := events.Encode(events.Event{Type: channel, At: time.Now(), Data: data})
	require.NoError(t, err)
	return b
}

func TestNotifierFiltersAndDelivers(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, []string{events.ProfitVerified, events.WithdrawalsHalted}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Broadcast(events.ProfitRecorded, encode(t, events.ProfitRecorded, nil))
	n.Broadcast(events.ProfitVerified, encode(t, events.ProfitVerified, map[string]any{"amount": "2"}))
	n.Broadcast(events.WithdrawalsHalted, encode(t, events.WithdrawalsHalted, map[string]any{"reason": "ops"}))

	require.Eventually(t, func() bool { return len(sender.seen()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Profit verified", "Withdrawals halted"}, sender.seen())
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &captureSender{err: errors.New("down")}
	good := &captureSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Len(t, good.seen(), 1)
}

func TestFormat(t *testing.T) {
	title, msg := Format(events.Event{Type: events.WithdrawalRejected, Data: map[string]any{
		"amount": "3", "reason": "transfer failed",
	}})
	assert.Equal(t, "Withdrawal rejected", title)
	assert.Equal(t, "3: transfer failed", msg)

	title, msg = Format(events.Event{Type: events.PolicyUpdated, Data: map[string]any{
		"version": float64(4), "mode": "auto", "threshold": "10",
	}})
	assert.Equal(t, "Policy updated", title)
	assert.Equal(t, "v4 mode=auto threshold=10", msg)
}

func TestTelegramSenderEscapesHTML(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Profit verified", "1.5 <pending_x>"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Profit verified</b>\n1.5 &lt;pending_x&gt;", got["text"])
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Withdrawals halted", "ops"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Withdrawals halted", got.Embeds[0].Title)
	assert.Equal(t, "ops", got.Embeds[0].Description)
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
