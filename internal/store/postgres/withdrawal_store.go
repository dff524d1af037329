package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// WithdrawalStore implements domain.WithdrawalStore.
type WithdrawalStore struct {
	pool *pgxpool.Pool
}

// NewWithdrawalStore creates a WithdrawalStore backed by pool.
func NewWithdrawalStore(pool *pgxpool.Pool) *WithdrawalStore {
	return &WithdrawalStore{pool: pool}
}

const withdrawalSelectCols = `id, amount::text, destination, mode, status, tx_hash,
	reason, policy_version, initiated_at, confirmed_at`

func scanWithdrawal(row pgx.Row) (domain.WithdrawalRecord, error) {
	var (
		w            domain.WithdrawalRecord
		amount       string
		mode, status string
	)
	if err := row.Scan(&w.ID, &amount, &w.Destination, &mode, &status, &w.TxHash,
		&w.Reason, &w.PolicyVersion, &w.InitiatedAt, &w.ConfirmedAt); err != nil {
		return domain.WithdrawalRecord{}, err
	}
	d, err := parseAmount(amount)
	if err != nil {
		return domain.WithdrawalRecord{}, err
	}
	w.Amount = d
	w.Mode = domain.WithdrawalMode(mode)
	w.Status = domain.WithdrawalStatus(status)
	return w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]domain.WithdrawalRecord, error) {
	defer rows.Close()
	var out []domain.WithdrawalRecord
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Create inserts a new record.
func (s *WithdrawalStore) Create(ctx context.Context, w domain.WithdrawalRecord) error {
	const query = `
		INSERT INTO withdrawals (
			id, amount, destination, mode, status, tx_hash,
			reason, policy_version, initiated_at, confirmed_at
		) VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		w.ID, w.Amount.String(), w.Destination, string(w.Mode), string(w.Status), w.TxHash,
		w.Reason, w.PolicyVersion, w.InitiatedAt, w.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("postgres: create withdrawal %s: %w", w.ID, err)
	}
	return nil
}

// UpdateStatus writes the mutable fields of w. Terminal records are never
// modified.
func (s *WithdrawalStore) UpdateStatus(ctx context.Context, w domain.WithdrawalRecord) error {
	const query = `
		UPDATE withdrawals
		SET status = $2, tx_hash = $3, reason = $4, confirmed_at = $5
		WHERE id = $1 AND status = 'requested'`
	tag, err := s.pool.Exec(ctx, query, w.ID, string(w.Status), w.TxHash, w.Reason, w.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("postgres: update withdrawal %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetByID(ctx, w.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("postgres: withdrawal %s is %s: %w", w.ID, cur.Status, domain.ErrInvalidTransition)
	}
	return nil
}

// GetByID returns one record.
func (s *WithdrawalStore) GetByID(ctx context.Context, id string) (domain.WithdrawalRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalSelectCols+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		return domain.WithdrawalRecord{}, notFound(err, "withdrawal", id)
	}
	return w, nil
}

// List returns records newest first.
func (s *WithdrawalStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.WithdrawalRecord, error) {
	query, args := appendWindow(`SELECT `+withdrawalSelectCols+` FROM withdrawals WHERE 1=1`, nil, "initiated_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals: %w", err)
	}
	out, err := collectWithdrawals(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals: %w", err)
	}
	return out, nil
}

// ListByStatus returns every record in status, oldest first.
func (s *WithdrawalStore) ListByStatus(ctx context.Context, status domain.WithdrawalStatus) ([]domain.WithdrawalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalSelectCols+` FROM withdrawals WHERE status = $1 ORDER BY initiated_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals by status: %w", err)
	}
	out, err := collectWithdrawals(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals by status: %w", err)
	}
	return out, nil
}
