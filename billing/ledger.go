/*
ledger.go - Per-company running-balance ledger

PURPOSE:
  The Ledger posts movements and keeps every company's running balance
  consistent. A charge lowers the balance, a credit raises it:

    balance[i] = balance[i-1] + amount[i]   (credit)
    balance[i] = balance[i-1] - amount[i]   (charge)
    balance[-1] = 0

  over movements ordered by (timestamp, id).

CRITICAL INVARIANTS:
  1. APPEND-MOSTLY: amount and kind never change after posting
  2. IDEMPOTENT: one active movement per (company, reference)
  3. CONSISTENT: balances are repaired by recalculation after any
     out-of-order insert or removal

CORRECTIONS:
  A posted movement is not edited. Instead:
  1. Post a reversal movement of the opposite kind and same amount
  2. Mark the original as reversed
  3. Both stay in the ledger; the net effect cancels out

  Removal of a movement exists for manual corrections only and always
  triggers recalculation from the removed movement's timestamp.

EXAMPLE FLOW:
  1. Statement closes with net 1000:     charge 1000   balance -1000
  2. 20% discount applied:               credit 200    balance  -800
  3. Discount reversed:                  charge 200    balance -1000

CONCURRENCY:
  The Ledger does not lock. Callers run it inside the company's critical
  section (see engine.go) so the "last balance" it reads is still the last
  one when it writes.

SEE ALSO:
  - recalc.go: Forward replay of balances
  - idempotency.go: Reference tags and the Guard
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

// PostInput describes a movement to post. At is optional for Append.
type PostInput struct {
	CompanyID   CompanyID
	Kind        MovementKind
	Amount      decimal.Decimal
	Description string
	Reference   string
	StatementID StatementID
	At          time.Time

	// ReversalOf marks the posting as the reversal of another movement.
	ReversalOf MovementID
}

type Ledger struct {
	Store  MovementStore
	Guard  Guard
	Clock  Clock
	NewID  IDGenerator
	Recalc Recalculator
}

// NewLedger builds a Ledger with system defaults.
func NewLedger(store MovementStore) *Ledger {
	return &Ledger{
		Store:  store,
		Guard:  NewGuard(),
		Clock:  SystemClock{},
		NewID:  NewTimeOrderedID,
		Recalc: Recalculator{Movements: store, Tolerance: DefaultTolerance},
	}
}

// LastMovement returns the company's most recent movement, or nil.
func (l *Ledger) LastMovement(ctx context.Context, companyID CompanyID) (*Movement, error) {
	m, err := l.Store.LastMovement(ctx, companyID)
	return m, Unavailable("load last movement", err)
}

// FindByReference returns the active movement holding reference, or nil.
func (l *Ledger) FindByReference(ctx context.Context, companyID CompanyID, reference string) (*Movement, error) {
	m, err := l.Store.FindMovementByReference(ctx, companyID, reference)
	return m, Unavailable("find movement by reference", err)
}

// Append posts a movement at the tail of the ledger. Its balance is the
// last movement's balance plus the signed amount. If the reference is
// already posted, the existing movement is returned together with a
// DuplicateReferenceError (or a ConflictError when it disagrees).
func (l *Ledger) Append(ctx context.Context, in PostInput) (Movement, error) {
	if in.At.IsZero() {
		in.At = l.Clock.Now()
	}
	m, existing, err := l.prepare(ctx, in)
	if err != nil {
		if existing != nil {
			return *existing, err
		}
		return Movement{}, err
	}

	last, err := l.LastMovement(ctx, in.CompanyID)
	if err != nil {
		return Movement{}, err
	}
	if last != nil && m.At.Before(last.At) {
		// Clock went backwards relative to the tail; keep order honest.
		posted, _, err := l.insertAndReplay(ctx, m)
		return posted, err
	}

	basis := decimal.Zero
	if last != nil {
		basis = last.Balance
	}
	m.Balance = basis.Add(m.Signed())
	if err := l.Store.InsertMovement(ctx, m); err != nil {
		return Movement{}, l.insertError(m, err)
	}
	return m, nil
}

// Insert posts a movement at an explicit, possibly past, timestamp and
// replays every later balance.
func (l *Ledger) Insert(ctx context.Context, in PostInput) (Movement, RecalcResult, error) {
	if in.At.IsZero() {
		in.At = l.Clock.Now()
	}
	m, existing, err := l.prepare(ctx, in)
	if err != nil {
		if existing != nil {
			return *existing, RecalcResult{}, err
		}
		return Movement{}, RecalcResult{}, err
	}
	return l.insertAndReplay(ctx, m)
}

// Reverse supersedes original with a movement of the opposite kind and the
// same amount, posted now under reference.
func (l *Ledger) Reverse(ctx context.Context, original Movement, reference, description string) (Movement, RecalcResult, error) {
	if original.Status != StatusActive {
		return Movement{}, RecalcResult{}, &ConflictError{
			CompanyID: original.CompanyID,
			Key:       original.Reference,
			Detail:    "movement " + string(original.ID) + " is " + string(original.Status),
		}
	}

	rev, err := l.Append(ctx, PostInput{
		CompanyID:   original.CompanyID,
		Kind:        original.Kind.Opposite(),
		Amount:      original.Amount,
		Description: description,
		Reference:   reference,
		StatementID: original.StatementID,
		ReversalOf:  original.ID,
	})
	if err != nil {
		return rev, RecalcResult{}, err
	}
	if err := l.Store.SetMovementStatus(ctx, original.ID, StatusReversed); err != nil {
		return rev, RecalcResult{}, Unavailable("mark reversed", err)
	}

	res, err := l.Recalc.Recalculate(ctx, original.CompanyID, earliest(original.At, rev.At))
	return rev, res, err
}

// Remove deletes a movement for manual correction and replays the
// balances after it.
func (l *Ledger) Remove(ctx context.Context, companyID CompanyID, id MovementID) (Movement, RecalcResult, error) {
	m, err := l.Store.GetMovement(ctx, id)
	if err != nil {
		return Movement{}, RecalcResult{}, Unavailable("load movement", err)
	}
	if m.CompanyID != companyID {
		return Movement{}, RecalcResult{}, ErrMovementNotFound
	}
	if err := l.Store.DeleteMovement(ctx, id); err != nil {
		return Movement{}, RecalcResult{}, Unavailable("delete movement", err)
	}
	res, err := l.Recalc.Recalculate(ctx, companyID, m.At)
	return *m, res, err
}

// Balance returns the company's current balance.
func (l *Ledger) Balance(ctx context.Context, companyID CompanyID) (decimal.Decimal, error) {
	last, err := l.LastMovement(ctx, companyID)
	if err != nil || last == nil {
		return decimal.Zero, err
	}
	return last.Balance, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// prepare validates in, routes it through the Guard and builds the
// movement. On a guard hit it returns the existing movement.
func (l *Ledger) prepare(ctx context.Context, in PostInput) (Movement, *Movement, error) {
	if !in.Kind.Valid() {
		return Movement{}, nil, ErrInvalidMovementKind
	}
	if !in.Amount.IsPositive() {
		return Movement{}, nil, ErrInvalidAmount
	}

	m := Movement{
		ID:          MovementID(l.NewID()),
		CompanyID:   in.CompanyID,
		At:          in.At,
		Kind:        in.Kind,
		Amount:      in.Amount,
		Description: in.Description,
		Reference:   in.Reference,
		StatementID: in.StatementID,
		Status:      StatusActive,
		ReversalOf:  in.ReversalOf,
		CreatedAt:   l.Clock.Now(),
	}
	if in.ReversalOf != "" {
		m.Status = StatusReversal
	}

	if in.Reference == "" {
		return m, nil, nil
	}
	existing, err := l.FindByReference(ctx, in.CompanyID, in.Reference)
	if err != nil {
		return Movement{}, nil, err
	}
	switch v := l.Guard.ForMovement(m, existing); v.Decision {
	case Skip:
		return Movement{}, existing, &DuplicateReferenceError{
			CompanyID:  in.CompanyID,
			Reference:  in.Reference,
			ExistingID: existing.ID,
		}
	case Conflict:
		return Movement{}, existing, &ConflictError{CompanyID: in.CompanyID, Key: in.Reference, Detail: v.Reason}
	}
	return m, nil, nil
}

func (l *Ledger) insertAndReplay(ctx context.Context, m Movement) (Movement, RecalcResult, error) {
	prev, err := l.Store.LastMovementBefore(ctx, m.CompanyID, m.At)
	if err != nil {
		return Movement{}, RecalcResult{}, Unavailable("load balance basis", err)
	}
	basis := decimal.Zero
	if prev != nil {
		basis = prev.Balance
	}
	m.Balance = basis.Add(m.Signed())
	if err := l.Store.InsertMovement(ctx, m); err != nil {
		return Movement{}, RecalcResult{}, l.insertError(m, err)
	}

	res, err := l.Recalc.Recalculate(ctx, m.CompanyID, m.At)
	if err != nil {
		return m, res, err
	}
	// The replay may have moved the new movement's own balance.
	if fresh, err := l.Store.GetMovement(ctx, m.ID); err == nil && fresh != nil {
		m = *fresh
	}
	return m, res, nil
}

func (l *Ledger) insertError(m Movement, err error) error {
	if IsIdempotencyHit(err) {
		return &DuplicateReferenceError{CompanyID: m.CompanyID, Reference: m.Reference}
	}
	return Unavailable("insert movement", err)
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
