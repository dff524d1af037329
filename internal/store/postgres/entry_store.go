package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// EntryStore implements domain.EntryStore.
type EntryStore struct {
	pool *pgxpool.Pool
}

// NewEntryStore creates an EntryStore backed by pool.
func NewEntryStore(pool *pgxpool.Pool) *EntryStore {
	return &EntryStore{pool: pool}
}

const entrySelectCols = `id, source_reference, amount::text, state, failure_reason,
	created_at, verified_at, resolved_at`

func scanEntry(row pgx.Row) (domain.ProfitEntry, error) {
	var (
		e      domain.ProfitEntry
		amount string
		state  string
	)
	if err := row.Scan(&e.ID, &e.SourceReference, &amount, &state, &e.FailureReason,
		&e.CreatedAt, &e.VerifiedAt, &e.ResolvedAt); err != nil {
		return domain.ProfitEntry{}, err
	}
	d, err := parseAmount(amount)
	if err != nil {
		return domain.ProfitEntry{}, err
	}
	e.Amount = d
	e.State = domain.EntryState(state)
	return e, nil
}

// Insert journals a new pending entry. A duplicate source reference yields
// domain.ErrAlreadyExists.
func (s *EntryStore) Insert(ctx context.Context, e domain.ProfitEntry) error {
	const query = `
		INSERT INTO profit_entries (id, source_reference, amount, state, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.SourceReference, e.Amount.String(), string(e.State), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert entry %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert entry %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// MarkVerified moves a pending entry to verified.
func (s *EntryStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE profit_entries
		SET state = 'verified', verified_at = $2, resolved_at = $2
		WHERE id = $1 AND state = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: verify entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id)
	}
	return nil
}

// MarkFailed moves a pending entry to failed.
func (s *EntryStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	const query = `
		UPDATE profit_entries
		SET state = 'failed', failure_reason = $2, resolved_at = $3
		WHERE id = $1 AND state = 'pending'`
	tag, err := s.pool.Exec(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("postgres: fail entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id)
	}
	return nil
}

// transitionMiss explains why a conditional update touched no row.
func (s *EntryStore) transitionMiss(ctx context.Context, id string) error {
	e, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("postgres: entry %s is %s: %w", id, e.State, domain.ErrInvalidTransition)
}

// GetByID returns one entry.
func (s *EntryStore) GetByID(ctx context.Context, id string) (domain.ProfitEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entrySelectCols+` FROM profit_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		return domain.ProfitEntry{}, notFound(err, "entry", id)
	}
	return e, nil
}

// ListAll returns every entry in insertion order.
func (s *EntryStore) ListAll(ctx context.Context) ([]domain.ProfitEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entrySelectCols+` FROM profit_entries ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries: %w", err)
	}
	defer rows.Close()

	var out []domain.ProfitEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list entries rows: %w", err)
	}
	return out, nil
}
