// Package notify sends operator alerts about ledger and withdrawal events to
// chat channels (Telegram, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/profitledger/internal/events"
)

// Sender delivers one message to a chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender. Events outside the allowed set
// are dropped; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan events.Event
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Call Run to start delivery.
func NewNotifier(senders []Sender, allowed []string, logger *slog.Logger) *Notifier {
	set := make(map[string]bool, len(allowed))
	for _, e := range allowed {
		if e = strings.TrimSpace(e); e != "" {
			set[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  set,
		queue:   make(chan events.Event, 64),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Broadcast implements events.Sink. It never blocks; events arriving while
// the queue is full are dropped.
func (n *Notifier) Broadcast(channel string, payload []byte) {
	if !n.Enabled() || (len(n.events) > 0 && !n.events[channel]) {
		return
	}
	ev, err := events.Decode(payload)
	if err != nil {
		n.logger.Warn("undecodable event", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notification queue full, dropping", slog.String("event", channel))
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.queue:
			title, msg := Format(ev)
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			_ = n.dispatch(sendCtx, title, msg)
			cancel()
		}
	}
}

// NotifyAll sends a message regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Format renders an event as a title and message body.
func Format(ev events.Event) (string, string) {
	d := ev.Data
	s := func(k string) string {
		v, _ := d[k].(string)
		return v
	}
	switch ev.Type {
	case events.ProfitRecorded:
		return "Profit recorded", fmt.Sprintf("%s pending for %s", s("amount"), s("source_reference"))
	case events.ProfitVerified:
		return "Profit verified", fmt.Sprintf("%s confirmed on chain (%s)", s("amount"), s("source_reference"))
	case events.ProfitFailed:
		return "Profit failed", fmt.Sprintf("%s for %s: %s", s("amount"), s("source_reference"), s("failure_reason"))
	case events.WithdrawalRequested:
		return "Withdrawal requested", fmt.Sprintf("%s %s to %s %s", s("mode"), s("amount"), s("destination"), s("tx_hash"))
	case events.WithdrawalConfirmed:
		return "Withdrawal confirmed", fmt.Sprintf("%s to %s (%s)", s("amount"), s("destination"), s("tx_hash"))
	case events.WithdrawalRejected:
		return "Withdrawal rejected", fmt.Sprintf("%s: %s", s("amount"), s("reason"))
	case events.PolicyUpdated:
		v, _ := d["version"].(float64)
		return "Policy updated", fmt.Sprintf("v%d mode=%s threshold=%s", int64(v), s("mode"), s("threshold"))
	case events.WithdrawalsHalted:
		return "Withdrawals halted", s("reason")
	}
	return ev.Type, fmt.Sprint(d)
}
