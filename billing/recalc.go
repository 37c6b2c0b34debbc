package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECALCULATION ENGINE - Forward replay of running balances
// =============================================================================

// RecalcResult summarizes one replay.
type RecalcResult struct {
	CompanyID    CompanyID
	From         time.Time
	Scanned      int
	Updated      int
	FinalBalance decimal.Decimal
}

// Recalculator restores the running-balance invariant after a movement is
// inserted, removed or superseded out of tail order.
type Recalculator struct {
	Movements MovementStore
	Tolerance decimal.Decimal
}

// Recalculate replays every movement at or after from, starting at the
// balance of the last movement strictly before from (zero if none). Only
// balances that drift beyond the tolerance are written back, so running it
// twice changes nothing the second time.
func (r Recalculator) Recalculate(ctx context.Context, companyID CompanyID, from time.Time) (RecalcResult, error) {
	res := RecalcResult{CompanyID: companyID, From: from, FinalBalance: decimal.Zero}

	prev, err := r.Movements.LastMovementBefore(ctx, companyID, from)
	if err != nil {
		return res, Unavailable("load balance basis", err)
	}
	running := decimal.Zero
	if prev != nil {
		running = prev.Balance
	}

	movements, err := r.Movements.MovementsFrom(ctx, companyID, from)
	if err != nil {
		return res, Unavailable("load movements", err)
	}

	tol := r.Tolerance
	if tol.IsZero() {
		tol = DefaultTolerance
	}

	for _, m := range movements {
		running = running.Add(m.Signed())
		res.Scanned++
		if WithinTolerance(m.Balance, running, tol) {
			continue
		}
		if err := r.Movements.UpdateMovementBalance(ctx, m.ID, running); err != nil {
			return res, Unavailable("update movement balance", err)
		}
		res.Updated++
	}

	res.FinalBalance = running
	return res, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Violation is a movement whose stored balance breaks the invariant.
type Violation struct {
	MovementID MovementID
	At         time.Time
	Stored     decimal.Decimal
	Expected   decimal.Decimal
}

// Verify checks movements, which must be one company's full ledger in
// (At, ID) order, against the running-balance invariant.
func Verify(movements []Movement, tol decimal.Decimal) []Violation {
	var violations []Violation
	running := decimal.Zero
	for _, m := range movements {
		running = running.Add(m.Signed())
		if !WithinTolerance(m.Balance, running, tol) {
			violations = append(violations, Violation{
				MovementID: m.ID,
				At:         m.At,
				Stored:     m.Balance,
				Expected:   running,
			})
		}
	}
	return violations
}
