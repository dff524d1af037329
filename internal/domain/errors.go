package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInvalidPolicy       = errors.New("invalid withdrawal policy")
	ErrInvalidReference    = errors.New("invalid transaction reference")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrChainRejected       = errors.New("transaction rejected on chain")
	ErrInsufficientFunds   = errors.New("insufficient verified funds")
	ErrModeMismatch        = errors.New("operation not allowed in current withdrawal mode")
	ErrHalted              = errors.New("withdrawals halted")
	ErrCooldown            = errors.New("withdrawal cooldown active")
	ErrDailyLimit          = errors.New("daily withdrawal limit reached")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrStaleProposal       = errors.New("proposal evaluated under an older policy")
)
