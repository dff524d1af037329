package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// PolicyStore implements domain.PolicyStore. Each version is a JSONB row.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a PolicyStore backed by pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// Save appends a version. Versions are immutable.
func (s *PolicyStore) Save(ctx context.Context, v domain.PolicyVersion) error {
	body, err := json.Marshal(v.Policy)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy: %w", err)
	}
	const query = `
		INSERT INTO withdrawal_policies (version, policy, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (version) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, v.Version, body, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save policy v%d: %w", v.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy v%d: %w", v.Version, domain.ErrAlreadyExists)
	}
	return nil
}

// Latest returns the highest version.
func (s *PolicyStore) Latest(ctx context.Context) (domain.PolicyVersion, error) {
	var (
		v    domain.PolicyVersion
		body []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, policy, updated_at FROM withdrawal_policies ORDER BY version DESC LIMIT 1`,
	).Scan(&v.Version, &body, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PolicyVersion{}, fmt.Errorf("postgres: latest policy: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.PolicyVersion{}, fmt.Errorf("postgres: latest policy: %w", err)
	}
	if err := json.Unmarshal(body, &v.Policy); err != nil {
		return domain.PolicyVersion{}, fmt.Errorf("postgres: unmarshal policy v%d: %w", v.Version, err)
	}
	return v, nil
}
