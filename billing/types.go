/*
Package billing provides the statement and ledger engine.

PURPOSE:
  Closes billing periods into statements and posts them to a per-company
  running-balance ledger. Ticket sales and refunds accumulate during a
  period; on the company's billing day the period closes, a Statement is
  written and its net amount is posted as a ledger Movement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Company: the tenant being billed, with its billing day
  - TicketEvent: a ticket sale or refund read from the ticketing side
  - Statement: the closed summary of one billing period
  - Movement: a single ledger posting carrying the running balance

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Type Safety: distinct ID types for companies, statements and movements
  3. Idempotency: every posting carries a deterministic reference tag
  4. Auditability: reversals add movements instead of editing them

USAGE:
  stmt := billing.Statement{CompanyID: "acme", GrossCharged: billing.Money(2200)}
  mv := billing.Movement{Kind: billing.KindCharge, Amount: stmt.Net()}

SEE ALSO:
  - period.go: Billing period calculation
  - ledger.go: Movement posting and running balance
  - engine.go: Generation, discount and recalculation entry points
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CurrencyScale is the number of decimal places money is rounded to.
const CurrencyScale int32 = 2

// DefaultTolerance absorbs rounding noise when comparing stored balances.
var DefaultTolerance = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// Money builds a decimal amount from a whole number of currency units.
func Money(units int64) decimal.Decimal { return decimal.NewFromInt(units) }

// WithinTolerance reports whether a and b differ by at most tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CompanyID string
type StatementID string
type MovementID string

// =============================================================================
// COMPANY - Tenant being billed
// =============================================================================

// Company is owned by admin flows. The engine only reads BillingDay and
// Active, and refreshes AccumulatedAmount after each generation.
type Company struct {
	ID                CompanyID
	Name              string
	BillingDay        int // 1-31, 0 means not configured
	DueDay            int
	AccumulatedAmount decimal.Decimal
	Active            bool

	// KeepEmptyStatements makes scheduled runs write a Statement even when
	// the period had no ticket activity.
	KeepEmptyStatements bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible reports whether the company takes part in scheduled generation.
func (c Company) Eligible() bool {
	return c.Active && c.BillingDay != 0
}

// =============================================================================
// TICKET EVENTS - Read-only input from the ticketing side
// =============================================================================

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketConfirmed TicketStatus = "confirmed"
	TicketCancelled TicketStatus = "cancelled"
)

// Terminal reports whether the ticket reached a billable state.
func (s TicketStatus) Terminal() bool {
	return s == TicketConfirmed || s == TicketCancelled
}

type TicketEvent struct {
	ID           string
	CompanyID    CompanyID
	CostCenterID string
	Status       TicketStatus
	ConfirmedAt  time.Time
	ChargeAmount decimal.Decimal
	RefundAmount decimal.Decimal
}

// =============================================================================
// STATEMENT - Closed summary of one billing period
// =============================================================================

// CostCenterTotal is one entry of a statement's per-cost-center breakdown.
type CostCenterTotal struct {
	Count     int             `json:"count"`
	NetAmount decimal.Decimal `json:"net_amount"`
}

// Statement is unique per (CompanyID, PeriodStart, PeriodEnd).
type Statement struct {
	ID               StatementID
	CompanyID        CompanyID
	Label            string
	GeneratedAt      time.Time
	PeriodStart      time.Time
	PeriodEnd        time.Time
	TicketsConfirmed int
	TicketsCancelled int
	GrossCharged     decimal.Decimal
	GrossRefunded    decimal.Decimal
	CostCenters      map[string]CostCenterTotal
	Paid             bool
	PaidAt           *time.Time
	DiscountPct      decimal.Decimal
}

// Net is what the company owes for the period before discounts.
func (s Statement) Net() decimal.Decimal {
	return s.GrossCharged.Sub(s.GrossRefunded)
}

// HasDiscount reports whether a non-zero discount is applied.
func (s Statement) HasDiscount() bool {
	return !s.DiscountPct.IsZero()
}

// Key returns the natural idempotency key of the statement.
func (s Statement) Key() PeriodKey {
	return PeriodKey{CompanyID: s.CompanyID, Start: s.PeriodStart, End: s.PeriodEnd}
}

// Period returns the statement's billing period.
func (s Statement) Period() Period {
	return Period{Start: s.PeriodStart, End: s.PeriodEnd}
}

// PeriodKey identifies a statement without its id.
type PeriodKey struct {
	CompanyID CompanyID
	Start     time.Time
	End       time.Time
}

// Matches compares keys at instant precision, ignoring location.
func (k PeriodKey) Matches(o PeriodKey) bool {
	return k.CompanyID == o.CompanyID && k.Start.Equal(o.Start) && k.End.Equal(o.End)
}

// =============================================================================
// MOVEMENT - Ledger posting with running balance
// =============================================================================

type MovementKind string

const (
	KindCharge MovementKind = "charge" // company owes more, balance goes down
	KindCredit MovementKind = "credit" // company owes less, balance goes up
)

// Valid reports whether k is a known movement kind.
func (k MovementKind) Valid() bool {
	return k == KindCharge || k == KindCredit
}

// Opposite returns the kind that cancels k.
func (k MovementKind) Opposite() MovementKind {
	if k == KindCharge {
		return KindCredit
	}
	return KindCharge
}

type MovementStatus string

const (
	StatusActive   MovementStatus = "active"
	StatusReversed MovementStatus = "reversed" // superseded by a reversal movement
	StatusReversal MovementStatus = "reversal" // compensates a reversed movement
)

type Movement struct {
	ID          MovementID
	CompanyID   CompanyID
	At          time.Time
	Kind        MovementKind
	Amount      decimal.Decimal // always positive
	Description string
	Balance     decimal.Decimal // running balance as of this movement
	Reference   string
	StatementID StatementID // empty when not produced by a statement
	Status      MovementStatus
	ReversalOf  MovementID // set on reversal movements
	CreatedAt   time.Time
}

// Signed returns the movement's effect on the running balance.
func (m Movement) Signed() decimal.Decimal {
	if m.Kind == KindCredit {
		return m.Amount
	}
	return m.Amount.Neg()
}

// Before orders movements by (At, ID), the ledger's canonical order.
func (m Movement) Before(o Movement) bool {
	if m.At.Equal(o.At) {
		return m.ID < o.ID
	}
	return m.At.Before(o.At)
}

// =============================================================================
// FILTERS - Read API
// =============================================================================

// StatementFilter narrows statement listings. Zero values mean "any".
type StatementFilter struct {
	CompanyID CompanyID
	From      *time.Time // period start >= From
	To        *time.Time // period end <= To
	Paid      *bool
}

// MovementFilter narrows movement listings. Zero values mean "any".
type MovementFilter struct {
	CompanyID CompanyID
	From      *time.Time // At >= From
	To        *time.Time // At < To
}
