package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISCOUNT MANAGER
// =============================================================================

// DiscountResult is the updated statement and the movement that carried
// the change to the ledger.
type DiscountResult struct {
	Statement Statement
	Movement  Movement
	Recalc    RecalcResult
}

// DiscountDetail describes a statement's discount for the read API.
type DiscountDetail struct {
	StatementID StatementID
	Percentage  decimal.Decimal
	Amount      decimal.Decimal
	Active      *Movement  // current DISCOUNT-STMT movement, nil if none
	History     []Movement // every discount and reversal movement of the statement
}

// DiscountManager posts discounts as credits and reversals as charges.
// Callers hold the company's critical section.
type DiscountManager struct {
	Statements *StatementBook
	Ledger     *Ledger
}

// DiscountAmount is pct of the statement's gross charged, at currency scale.
func DiscountAmount(s Statement, pct decimal.Decimal) decimal.Decimal {
	return s.GrossCharged.Mul(pct).Div(hundred).Round(CurrencyScale)
}

// Apply credits pct of s's gross charged amount and records pct on s.
func (d *DiscountManager) Apply(ctx context.Context, s Statement, pct decimal.Decimal, description string) (DiscountResult, error) {
	if err := CheckDiscountable(s, pct); err != nil {
		return DiscountResult{Statement: s}, err
	}
	amount := DiscountAmount(s, pct)
	if !amount.IsPositive() {
		return DiscountResult{Statement: s}, &StatementStateError{StatementID: s.ID, Sentinel: ErrNothingToDiscount}
	}
	if description == "" {
		description = fmt.Sprintf("Discount %s%% on statement %s", pct.String(), s.Label)
	}

	mv, err := d.Ledger.Append(ctx, PostInput{
		CompanyID:   s.CompanyID,
		Kind:        KindCredit,
		Amount:      amount,
		Description: description,
		Reference:   DiscountReference(s.ID),
		StatementID: s.ID,
	})
	if err != nil {
		return DiscountResult{Statement: s, Movement: mv}, err
	}

	if err := d.Statements.Store.SetStatementDiscount(ctx, s.ID, pct); err != nil {
		return DiscountResult{Statement: s, Movement: mv}, Unavailable("set statement discount", err)
	}
	s.DiscountPct = pct

	res, err := d.Ledger.Recalc.Recalculate(ctx, s.CompanyID, mv.At)
	if err != nil {
		return DiscountResult{Statement: s, Movement: mv}, err
	}
	return DiscountResult{Statement: s, Movement: d.refresh(ctx, mv), Recalc: res}, nil
}

// Reverse charges back the statement's discount credit, supersedes it and
// resets the statement's percentage to zero.
func (d *DiscountManager) Reverse(ctx context.Context, s Statement, description string) (DiscountResult, error) {
	if err := CheckReversible(s); err != nil {
		return DiscountResult{Statement: s}, err
	}

	credit, err := d.Ledger.FindByReference(ctx, s.CompanyID, DiscountReference(s.ID))
	if err != nil {
		return DiscountResult{Statement: s}, err
	}
	if credit == nil {
		return DiscountResult{Statement: s}, &ConflictError{
			CompanyID: s.CompanyID,
			Key:       DiscountReference(s.ID),
			Detail:    "statement carries a discount but no active discount movement exists",
		}
	}
	if description == "" {
		description = fmt.Sprintf("Discount reversal on statement %s", s.Label)
	}

	rev, res, err := d.Ledger.Reverse(ctx, *credit, DiscountReversalReference(s.ID), description)
	if err != nil {
		return DiscountResult{Statement: s, Movement: rev}, err
	}

	if err := d.Statements.Store.SetStatementDiscount(ctx, s.ID, decimal.Zero); err != nil {
		return DiscountResult{Statement: s, Movement: rev}, Unavailable("reset statement discount", err)
	}
	s.DiscountPct = decimal.Zero
	return DiscountResult{Statement: s, Movement: d.refresh(ctx, rev), Recalc: res}, nil
}

// Detail reports the discount state of s.
func (d *DiscountManager) Detail(ctx context.Context, s Statement) (DiscountDetail, error) {
	detail := DiscountDetail{StatementID: s.ID, Percentage: s.DiscountPct, Amount: decimal.Zero}

	movements, err := d.Ledger.Store.MovementsByStatement(ctx, s.ID)
	if err != nil {
		return detail, Unavailable("load statement movements", err)
	}
	discountRef := DiscountReference(s.ID)
	reversalRef := DiscountReversalReference(s.ID)
	for i := range movements {
		m := movements[i]
		if m.Reference != discountRef && m.Reference != reversalRef {
			continue
		}
		detail.History = append(detail.History, m)
		if m.Reference == discountRef && m.Status == StatusActive {
			detail.Active = &m
			detail.Amount = m.Amount
		}
	}
	return detail, nil
}

// refresh reloads m so callers see the balance left by recalculation.
func (d *DiscountManager) refresh(ctx context.Context, m Movement) Movement {
	if fresh, err := d.Ledger.Store.GetMovement(ctx, m.ID); err == nil && fresh != nil {
		return *fresh
	}
	return m
}
