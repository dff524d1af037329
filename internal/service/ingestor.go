package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// TradeResult is the stream payload published by the trading side.
type TradeResult struct {
	SourceReference string          `json:"source_reference"`
	Amount          decimal.Decimal `json:"amount"`
}

// Ingestor reads trade results from a Redis stream and records them as
// pending profit. Replays are harmless because recording is idempotent, so
// reading starts from the beginning of the stream on every start.
type Ingestor struct {
	bus     domain.SignalBus
	profits *ProfitService
	stream  string
	batch   int
	idle    time.Duration
	lastID  string
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(bus domain.SignalBus, profits *ProfitService, stream string, batch int, logger *slog.Logger) *Ingestor {
	if stream == "" {
		stream = "trade_results"
	}
	if batch <= 0 {
		batch = 100
	}
	return &Ingestor{
		bus:     bus,
		profits: profits,
		stream:  stream,
		batch:   batch,
		idle:    time.Second,
		lastID:  "0",
		logger:  logger.With(slog.String("component", "ingestor"), slog.String("stream", stream)),
	}
}

// Run consumes the stream until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		n, err := in.Poll(ctx)
		if err != nil {
			in.logger.ErrorContext(ctx, "stream read failed", slog.String("error", err.Error()))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(in.idle):
		}
	}
}

// Poll reads and records one batch and returns how many messages it
// consumed.
func (in *Ingestor) Poll(ctx context.Context) (int, error) {
	msgs, err := in.bus.StreamRead(ctx, in.stream, in.lastID, in.batch)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := in.handle(ctx, m); err != nil {
			if !permanent(err) {
				// Leave lastID here so the message is retried.
				return 0, err
			}
			in.logger.WarnContext(ctx, "trade result rejected",
				slog.String("msg_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		in.lastID = m.ID
	}
	return len(msgs), nil
}

func (in *Ingestor) handle(ctx context.Context, m domain.StreamMessage) error {
	var tr TradeResult
	if err := json.Unmarshal(m.Payload, &tr); err != nil {
		return fmt.Errorf("ingestor: decode %s: %w: %w", m.ID, domain.ErrInvalidAmount, err)
	}
	_, _, err := in.profits.Record(ctx, tr.SourceReference, tr.Amount)
	return err
}

// permanent reports whether retrying a message cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrInvalidReference)
}
