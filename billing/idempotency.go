/*
idempotency.go - Reference tags and duplicate-prevention policy

PURPOSE:
  Every statement and movement the engine creates goes through the Guard
  first. The Guard is pure: it is handed the record the caller wants to
  write and whatever already exists under the same natural key, and it
  answers proceed, skip or conflict.

NATURAL KEYS:
  Statement: (company, period start, period end)
  Movement:  (company, reference tag) among active movements

REFERENCE TAGS:
  CHARGE-STMT-<id>         net charge of a statement
  CREDIT-STMT-<id>         net credit of a statement (refunds exceeded sales)
  DISCOUNT-STMT-<id>       discount credit
  REV-DISCOUNT-STMT-<id>   discount reversal
  REV-CHARGE-STMT-<id>     charge reversal on administrative reset
  ADJ-<key>                manual adjustment

  Uniqueness covers active movements only. A reversal is written with
  status "reversal" and stays outside it, so every apply/reverse cycle on
  a statement adds another REV-DISCOUNT-STMT-<id> row. ReversalOf tells
  them apart: each one points at the credit it compensates.

DECISIONS:
  Proceed:  nothing exists, write it
  Skip:     an identical record exists, report and move on
  Conflict: a record exists under the key but its content differs; nothing
            is written and an operator has to look at it
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERENCE TAGS
// =============================================================================

const (
	prefixCharge          = "CHARGE-STMT-"
	prefixCredit          = "CREDIT-STMT-"
	prefixDiscount        = "DISCOUNT-STMT-"
	prefixDiscountReverse = "REV-DISCOUNT-STMT-"
	prefixChargeReverse   = "REV-CHARGE-STMT-"
	prefixAdjustment      = "ADJ-"
)

func ChargeReference(id StatementID) string   { return prefixCharge + string(id) }
func CreditReference(id StatementID) string   { return prefixCredit + string(id) }
func DiscountReference(id StatementID) string { return prefixDiscount + string(id) }

func DiscountReversalReference(id StatementID) string { return prefixDiscountReverse + string(id) }
func ChargeReversalReference(id StatementID) string   { return prefixChargeReverse + string(id) }

// AdjustmentReference namespaces a caller-supplied idempotency key.
func AdjustmentReference(key string) string {
	if strings.HasPrefix(key, prefixAdjustment) {
		return key
	}
	return prefixAdjustment + key
}

// NetReference returns the reference used to post a statement's net amount.
func NetReference(s Statement) string {
	if s.Net().IsNegative() {
		return CreditReference(s.ID)
	}
	return ChargeReference(s.ID)
}

// =============================================================================
// GUARD
// =============================================================================

type Decision int

const (
	Proceed Decision = iota
	Skip
	Conflict
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Verdict is a Decision with the reason behind it.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Guard decides whether a write may proceed. Amounts within Tolerance are
// considered equal.
type Guard struct {
	Tolerance decimal.Decimal
}

// NewGuard returns a Guard with the default tolerance.
func NewGuard() Guard {
	return Guard{Tolerance: DefaultTolerance}
}

// ForStatement compares the statement about to be written with the one
// already stored for its period, if any.
func (g Guard) ForStatement(want Statement, existing *Statement) Verdict {
	if existing == nil {
		return Verdict{Decision: Proceed}
	}
	if !existing.Key().Matches(want.Key()) {
		return Verdict{Decision: Conflict, Reason: fmt.Sprintf("statement %s covers a different period", existing.ID)}
	}

	switch {
	case existing.TicketsConfirmed != want.TicketsConfirmed,
		existing.TicketsCancelled != want.TicketsCancelled:
		return Verdict{Decision: Conflict, Reason: fmt.Sprintf(
			"statement %s counted %d/%d tickets, activity now shows %d/%d",
			existing.ID, existing.TicketsConfirmed, existing.TicketsCancelled,
			want.TicketsConfirmed, want.TicketsCancelled)}
	case !WithinTolerance(existing.GrossCharged, want.GrossCharged, g.tolerance()),
		!WithinTolerance(existing.GrossRefunded, want.GrossRefunded, g.tolerance()):
		return Verdict{Decision: Conflict, Reason: fmt.Sprintf(
			"statement %s totals %s/%s differ from activity %s/%s",
			existing.ID, existing.GrossCharged, existing.GrossRefunded,
			want.GrossCharged, want.GrossRefunded)}
	}
	return Verdict{Decision: Skip, Reason: fmt.Sprintf("statement %s already covers %s", existing.ID, existing.Label)}
}

// ForMovement compares the movement about to be posted with the active
// movement already holding its reference, if any.
func (g Guard) ForMovement(want Movement, existing *Movement) Verdict {
	if existing == nil {
		return Verdict{Decision: Proceed}
	}
	if existing.CompanyID != want.CompanyID || existing.Reference != want.Reference {
		return Verdict{Decision: Conflict, Reason: fmt.Sprintf("movement %s holds a different key", existing.ID)}
	}
	if existing.Kind != want.Kind || !WithinTolerance(existing.Amount, want.Amount, g.tolerance()) {
		return Verdict{Decision: Conflict, Reason: fmt.Sprintf(
			"%s already posted as %s %s, wanted %s %s",
			want.Reference, existing.Kind, existing.Amount, want.Kind, want.Amount)}
	}
	return Verdict{Decision: Skip, Reason: fmt.Sprintf("%s already posted as movement %s", want.Reference, existing.ID)}
}

func (g Guard) tolerance() decimal.Decimal {
	if g.Tolerance.IsZero() {
		return DefaultTolerance
	}
	return g.Tolerance
}
