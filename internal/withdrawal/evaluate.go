// Package withdrawal decides when verified profit leaves the ledger and
// tracks each withdrawal through its lifecycle.
package withdrawal

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

// Evaluate compares the ledger against a policy version. It returns false
// when no withdrawal should be proposed, including when an AUTO amount falls
// below the policy minimum and is deferred.
//
// In MANUAL mode the whole verified total is reported as withdrawal-ready but
// the proposal is not executable.
func Evaluate(snap domain.LedgerSnapshot, pv domain.PolicyVersion) (domain.WithdrawalProposal, bool) {
	p := pv.Policy
	total := snap.VerifiedTotal
	if !total.IsPositive() || total.LessThan(p.Threshold) {
		return domain.WithdrawalProposal{}, false
	}
	excess := total.Sub(p.Threshold)

	prop := domain.WithdrawalProposal{
		Mode:          p.Mode,
		VerifiedTotal: total,
		Excess:        excess,
		PolicyVersion: pv.Version,
	}

	switch p.Mode {
	case domain.ModeManual:
		prop.Amount = total
		return prop, true

	case domain.ModeAuto:
		amount := excess.Mul(p.WithdrawalFraction)
		if amount.LessThan(p.MinAmount) || !amount.IsPositive() {
			return domain.WithdrawalProposal{}, false
		}
		if amount.GreaterThan(p.MaxAmount) {
			amount = p.MaxAmount
		}
		amount = decimal.Min(amount, total)
		prop.Amount = amount
		prop.Executable = true
		return prop, true
	}
	return domain.WithdrawalProposal{}, false
}
