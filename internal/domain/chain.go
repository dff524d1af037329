package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainTxStatus is the raw status a chain source reports for a transaction.
type ChainTxStatus string

const (
	ChainTxSuccess  ChainTxStatus = "success"
	ChainTxReverted ChainTxStatus = "reverted"
	ChainTxPending  ChainTxStatus = "pending"
	ChainTxNotFound ChainTxStatus = "not_found"
)

// ChainReport is a single observation of a transaction on chain.
type ChainReport struct {
	Status        ChainTxStatus
	BlockNumber   uint64
	Confirmations uint64
}

// ConfirmationStatus is the verdict of a poll cycle.
type ConfirmationStatus string

const (
	StatusConfirmed ConfirmationStatus = "CONFIRMED"
	StatusFailed    ConfirmationStatus = "FAILED"
	StatusPending   ConfirmationStatus = "PENDING"
)

// PollResult describes the outcome of one poll cycle for a reference.
type PollResult struct {
	Reference     string
	Status        ConfirmationStatus
	Attempts      int
	Confirmations uint64
	Reason        string
	// Err carries the last transient error when the cycle ended PENDING
	// because retries were exhausted. It wraps ErrConfirmationTimeout.
	Err error
}

// ChainStatusSource queries an external chain status service.
type ChainStatusSource interface {
	TxStatus(ctx context.Context, reference string) (ChainReport, error)
}

// TransferExecutor moves funds to a destination and returns the tx hash.
type TransferExecutor interface {
	Transfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

// BalanceSource reports the native balance of an address in whole units.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}
