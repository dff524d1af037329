package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EntryStore journals profit entries. Transition methods are conditional on
// the entry still being pending and return ErrInvalidTransition otherwise.
type EntryStore interface {
	Insert(ctx context.Context, e ProfitEntry) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
	GetByID(ctx context.Context, id string) (ProfitEntry, error)
	ListAll(ctx context.Context) ([]ProfitEntry, error)
}

// WithdrawalStore persists withdrawal records.
type WithdrawalStore interface {
	Create(ctx context.Context, w WithdrawalRecord) error
	UpdateStatus(ctx context.Context, w WithdrawalRecord) error
	GetByID(ctx context.Context, id string) (WithdrawalRecord, error)
	List(ctx context.Context, opts ListOpts) ([]WithdrawalRecord, error)
	ListByStatus(ctx context.Context, status WithdrawalStatus) ([]WithdrawalRecord, error)
}

// PolicyStore persists policy versions.
type PolicyStore interface {
	Save(ctx context.Context, v PolicyVersion) error
	Latest(ctx context.Context) (PolicyVersion, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
