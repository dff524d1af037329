// Package events defines the signal bus channels and the wire encoding of
// event payloads. Payloads are protobuf-encoded google.protobuf.Struct
// messages so dashboards in any language can decode them.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// Channel names.
const (
	ProfitRecorded      = "profit_recorded"
	ProfitVerified      = "profit_verified"
	ProfitFailed        = "profit_failed"
	WithdrawalRequested = "withdrawal_requested"
	WithdrawalConfirmed = "withdrawal_confirmed"
	WithdrawalRejected  = "withdrawal_rejected"
	PolicyUpdated       = "policy_updated"
	WithdrawalsHalted   = "withdrawals_halted"
)

// All lists every channel a subscriber may care about.
var All = []string{
	ProfitRecorded, ProfitVerified, ProfitFailed,
	WithdrawalRequested, WithdrawalConfirmed, WithdrawalRejected,
	PolicyUpdated, WithdrawalsHalted,
}

// Event is the decoded form of a bus message.
type Event struct {
	Type string
	At   time.Time
	Data map[string]any
}

// Encode serialises e as a protobuf Struct.
func Encode(e Event) ([]byte, error) {
	data, err := structpb.NewStruct(e.Data)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(e.Type),
		"at":   structpb.NewStringValue(timestamppb.New(e.At).AsTime().Format(time.RFC3339Nano)),
		"data": structpb.NewStructValue(data),
	}}
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	return b, nil
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (Event, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(b, &msg); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal: %w", err)
	}
	e := Event{Type: msg.Fields["type"].GetStringValue()}
	if at := msg.Fields["at"].GetStringValue(); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Event{}, fmt.Errorf("events: timestamp %q: %w", at, err)
		}
		e.At = t
	}
	if d := msg.Fields["data"].GetStructValue(); d != nil {
		e.Data = d.AsMap()
	}
	return e, nil
}

// EntryData flattens a profit entry for an event payload.
func EntryData(e domain.ProfitEntry) map[string]any {
	m := map[string]any{
		"id":               e.ID,
		"source_reference": e.SourceReference,
		"amount":           e.Amount.String(),
		"state":            string(e.State),
		"created_at":       e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.VerifiedAt != nil {
		m["verified_at"] = e.VerifiedAt.Format(time.RFC3339Nano)
	}
	if e.FailureReason != "" {
		m["failure_reason"] = e.FailureReason
	}
	return m
}

// WithdrawalData flattens a withdrawal record for an event payload.
func WithdrawalData(w domain.WithdrawalRecord) map[string]any {
	m := map[string]any{
		"id":             w.ID,
		"amount":         w.Amount.String(),
		"destination":    w.Destination,
		"mode":           string(w.Mode),
		"status":         string(w.Status),
		"policy_version": float64(w.PolicyVersion),
		"initiated_at":   w.InitiatedAt.Format(time.RFC3339Nano),
	}
	if w.TxHash != "" {
		m["tx_hash"] = w.TxHash
	}
	if w.Reason != "" {
		m["reason"] = w.Reason
	}
	return m
}

// PolicyData flattens a policy version for an event payload.
func PolicyData(v domain.PolicyVersion) map[string]any {
	p := v.Policy
	return map[string]any{
		"version":             float64(v.Version),
		"mode":                string(p.Mode),
		"threshold":           p.Threshold.String(),
		"withdrawal_fraction": p.WithdrawalFraction.String(),
		"min_amount":          p.MinAmount.String(),
		"max_amount":          p.MaxAmount.String(),
		"destination":         p.Destination,
		"cooldown":            p.Cooldown.String(),
		"daily_limit":         p.DailyLimit.String(),
	}
}

// WithdrawalChannel maps a record status to its channel.
func WithdrawalChannel(s domain.WithdrawalStatus) string {
	switch s {
	case domain.WithdrawalConfirmed:
		return WithdrawalConfirmed
	case domain.WithdrawalRejected:
		return WithdrawalRejected
	}
	return WithdrawalRequested
}

// Sink receives encoded events in-process.
type Sink interface {
	Broadcast(channel string, payload []byte)
}

// Publisher encodes events, sends them to the signal bus when one is
// configured, and hands them to every local sink. Publishing never fails the
// caller.
type Publisher struct {
	bus    domain.SignalBus
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher. bus may be nil.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

// AddSink registers an in-process sink. Sinks must not block.
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Publish encodes data under channel and delivers it.
func (p *Publisher) Publish(ctx context.Context, channel string, data map[string]any) {
	payload, err := Encode(Event{Type: channel, At: p.now().UTC(), Data: data})
	if err != nil {
		p.logger.ErrorContext(ctx, "encode event", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if p.bus != nil {
		if err := p.bus.Publish(ctx, channel, payload); err != nil {
			p.logger.WarnContext(ctx, "publish event",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, s := range p.sinks {
		s.Broadcast(channel, payload)
	}
}
