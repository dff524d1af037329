package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryState is the lifecycle state of a profit entry.
type EntryState string

const (
	EntryPending  EntryState = "pending"
	EntryVerified EntryState = "verified"
	EntryFailed   EntryState = "failed"
)

// Valid reports whether s is a known entry state.
func (s EntryState) Valid() bool {
	switch s {
	case EntryPending, EntryVerified, EntryFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s EntryState) Terminal() bool {
	return s == EntryVerified || s == EntryFailed
}

// ProfitEntry is one recorded trade result. Entries are never deleted; only
// PENDING entries may change state.
type ProfitEntry struct {
	ID              string
	SourceReference string
	Amount          decimal.Decimal
	State           EntryState
	FailureReason   string
	PollAttempts    int
	CreatedAt       time.Time
	VerifiedAt      *time.Time
	ResolvedAt      *time.Time
}

// LedgerSnapshot is a consistent view of the ledger aggregates.
type LedgerSnapshot struct {
	// VerifiedTotal is verified profit that is neither withdrawn nor
	// reserved by an in-flight withdrawal.
	VerifiedTotal  decimal.Decimal
	PendingTotal   decimal.Decimal
	GrossVerified  decimal.Decimal
	ReservedTotal  decimal.Decimal
	WithdrawnTotal decimal.Decimal
	PendingCount   int
	VerifiedCount  int
	FailedCount    int
	TakenAt        time.Time
}

// EntryFilter narrows ledger listings.
type EntryFilter struct {
	State  EntryState
	Limit  int
	Offset int
}
