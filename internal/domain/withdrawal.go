package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalMode selects whether withdrawals execute automatically.
type WithdrawalMode string

const (
	ModeManual WithdrawalMode = "manual"
	ModeAuto   WithdrawalMode = "auto"
)

// WithdrawalPolicy governs when and how much verified profit is withdrawn.
type WithdrawalPolicy struct {
	Mode               WithdrawalMode  `json:"mode"`
	Threshold          decimal.Decimal `json:"threshold"`
	WithdrawalFraction decimal.Decimal `json:"withdrawal_fraction"`
	MinAmount          decimal.Decimal `json:"min_amount"`
	MaxAmount          decimal.Decimal `json:"max_amount"`
	Destination        string          `json:"destination,omitempty"`
	Cooldown           time.Duration   `json:"cooldown"`
	// DailyLimit caps the sum of withdrawals per UTC day. Zero disables it.
	DailyLimit decimal.Decimal `json:"daily_limit"`
}

// PolicyVersion is an immutable, numbered policy snapshot.
type PolicyVersion struct {
	Version   int64            `json:"version"`
	Policy    WithdrawalPolicy `json:"policy"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// WithdrawalProposal is the outcome of evaluating a policy against the
// ledger. A non-executable proposal is informational only.
type WithdrawalProposal struct {
	Mode          WithdrawalMode
	Amount        decimal.Decimal
	VerifiedTotal decimal.Decimal
	Excess        decimal.Decimal
	Executable    bool
	PolicyVersion int64
}

// WithdrawalStatus is the lifecycle state of a withdrawal record.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "requested"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// WithdrawalRecord tracks a single movement of verified profit out of the
// ledger.
type WithdrawalRecord struct {
	ID            string
	Amount        decimal.Decimal
	Destination   string
	Mode          WithdrawalMode
	Status        WithdrawalStatus
	TxHash        string
	Reason        string
	PolicyVersion int64
	InitiatedAt   time.Time
	ConfirmedAt   *time.Time
}
