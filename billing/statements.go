package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATEMENT BOOK - Statement rules on top of StatementStore
// =============================================================================

// StatementBook creates statements and enforces their state transitions.
// It does not lock; callers hold the company's critical section.
type StatementBook struct {
	Store StatementStore
	Guard Guard
	Clock Clock
	NewID IDGenerator
}

// NewStatementBook builds a StatementBook with system defaults.
func NewStatementBook(store StatementStore) *StatementBook {
	return &StatementBook{
		Store: store,
		Guard: NewGuard(),
		Clock: SystemClock{},
		NewID: NewTimeOrderedID,
	}
}

// Find returns the statement covering exactly p, or nil.
func (b *StatementBook) Find(ctx context.Context, companyID CompanyID, p Period) (*Statement, error) {
	s, err := b.Store.FindStatement(ctx, companyID, p.Start, p.End)
	return s, Unavailable("find statement", err)
}

// Get returns the statement with id, or ErrStatementNotFound.
func (b *StatementBook) Get(ctx context.Context, id StatementID) (*Statement, error) {
	s, err := b.Store.GetStatement(ctx, id)
	if err == nil && s == nil {
		return nil, ErrStatementNotFound
	}
	return s, Unavailable("load statement", err)
}

// Build turns an aggregate into an unsaved statement for p.
func (b *StatementBook) Build(companyID CompanyID, p Period, agg Aggregate) Statement {
	centers := make(map[string]CostCenterTotal, len(agg.PerCostCenter))
	for k, v := range agg.PerCostCenter {
		centers[k] = v
	}
	return Statement{
		ID:               StatementID(b.NewID()),
		CompanyID:        companyID,
		Label:            p.Label(),
		GeneratedAt:      b.Clock.Now(),
		PeriodStart:      p.Start,
		PeriodEnd:        p.End,
		TicketsConfirmed: agg.TicketsConfirmed,
		TicketsCancelled: agg.TicketsCancelled,
		GrossCharged:     agg.GrossCharged,
		GrossRefunded:    agg.GrossRefunded,
		CostCenters:      centers,
		DiscountPct:      decimal.Zero,
	}
}

// Create checks the period through the Guard and inserts want. When the
// period is already covered it returns the existing statement with a
// DuplicatePeriodError, or a ConflictError if the stored totals disagree
// with want.
func (b *StatementBook) Create(ctx context.Context, want Statement) (Statement, error) {
	existing, err := b.Store.FindStatement(ctx, want.CompanyID, want.PeriodStart, want.PeriodEnd)
	if err != nil {
		return Statement{}, Unavailable("find statement", err)
	}

	switch v := b.Guard.ForStatement(want, existing); v.Decision {
	case Skip:
		return *existing, b.duplicate(want, existing.ID)
	case Conflict:
		return *existing, &ConflictError{CompanyID: want.CompanyID, Key: want.Label, Detail: v.Reason}
	}

	if err := b.Store.InsertStatement(ctx, want); err != nil {
		if errors.Is(err, ErrDuplicatePeriod) {
			// Lost the race to a writer outside this process.
			if s, ferr := b.Store.FindStatement(ctx, want.CompanyID, want.PeriodStart, want.PeriodEnd); ferr == nil && s != nil {
				return *s, b.duplicate(want, s.ID)
			}
			return Statement{}, b.duplicate(want, "")
		}
		return Statement{}, Unavailable("insert statement", err)
	}
	return want, nil
}

// CheckDiscountable validates that pct may be applied to s. A zero
// percentage is in range but yields no credit.
func CheckDiscountable(s Statement, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return &InvalidPercentageError{Percentage: pct}
	}
	switch {
	case s.Paid:
		return &StatementStateError{StatementID: s.ID, Sentinel: ErrAlreadyPaid}
	case s.HasDiscount():
		return &StatementStateError{StatementID: s.ID, Sentinel: ErrAlreadyDiscounted}
	case pct.IsZero():
		return &StatementStateError{StatementID: s.ID, Sentinel: ErrNothingToDiscount}
	}
	return nil
}

// CheckReversible validates that the discount on s may be reversed.
func CheckReversible(s Statement) error {
	switch {
	case !s.HasDiscount():
		return &StatementStateError{StatementID: s.ID, Sentinel: ErrNoDiscount}
	case s.Paid:
		return &StatementStateError{StatementID: s.ID, Sentinel: ErrAlreadyPaid}
	}
	return nil
}

// MarkPaid records payment of s at t.
func (b *StatementBook) MarkPaid(ctx context.Context, s Statement, t time.Time) (Statement, error) {
	if s.Paid {
		return s, &StatementStateError{StatementID: s.ID, Sentinel: ErrAlreadyPaid}
	}
	if err := b.Store.SetStatementPaid(ctx, s.ID, t); err != nil {
		return s, Unavailable("mark statement paid", err)
	}
	s.Paid = true
	s.PaidAt = &t
	return s, nil
}

func (b *StatementBook) duplicate(want Statement, existing StatementID) error {
	return &DuplicatePeriodError{
		CompanyID:  want.CompanyID,
		Start:      want.PeriodStart,
		End:        want.PeriodEnd,
		ExistingID: existing,
	}
}
