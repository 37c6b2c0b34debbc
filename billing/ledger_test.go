package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/billing/store"
)

func newLedger(now time.Time) (*billing.Ledger, *store.Memory) {
	mem := store.NewMemory()
	l := billing.NewLedger(mem)
	l.Clock = newTestClock(now)
	l.NewID = sequentialIDs("mv")
	return l, mem
}

func post(kind billing.MovementKind, value, ref string, when time.Time) billing.PostInput {
	return billing.PostInput{
		CompanyID: "acme",
		Kind:      kind,
		Amount:    amount(value),
		Reference: ref,
		At:        when,
	}
}

func TestLedger_AppendKeepsRunningBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(date(2025, time.March, 10))

	// GIVEN: A charge followed by a credit
	charge, err := l.Append(ctx, post(billing.KindCharge, "1000", "CHARGE-STMT-s1", date(2025, time.March, 5)))
	require.NoError(t, err)
	credit, err := l.Append(ctx, post(billing.KindCredit, "200", "DISCOUNT-STMT-s1", time.Time{}))
	require.NoError(t, err)

	// THEN: A charge lowers the balance and a credit raises it
	assertAmount(t, "-1000", charge.Balance)
	assertAmount(t, "-800", credit.Balance)
	assert.Equal(t, date(2025, time.March, 10), credit.At, "zero At defaults to the clock")
	assert.Equal(t, billing.StatusActive, credit.Status)

	balance, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assertAmount(t, "-800", balance)
}

func TestLedger_AppendDuplicateReference(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(date(2025, time.March, 10))

	first, err := l.Append(ctx, post(billing.KindCharge, "1000", "CHARGE-STMT-s1", date(2025, time.March, 5)))
	require.NoError(t, err)

	t.Run("same content returns the existing movement", func(t *testing.T) {
		again, err := l.Append(ctx, post(billing.KindCharge, "1000", "CHARGE-STMT-s1", date(2025, time.March, 5)))
		require.ErrorIs(t, err, billing.ErrDuplicateReference)
		assert.Equal(t, first.ID, again.ID)
		assert.True(t, billing.IsIdempotencyHit(err))
	})

	t.Run("different amount is a conflict", func(t *testing.T) {
		_, err := l.Append(ctx, post(billing.KindCharge, "999", "CHARGE-STMT-s1", date(2025, time.March, 5)))
		require.ErrorIs(t, err, billing.ErrIdempotencyConflict)
		assert.False(t, billing.IsIdempotencyHit(err))
	})

	balance, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assertAmount(t, "-1000", balance)
}

func TestLedger_InsertInThePastReplaysLaterBalances(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	// GIVEN: Two charges on March 1 and March 3
	_, err := l.Append(ctx, post(billing.KindCharge, "100", "a", date(2025, time.March, 1)))
	require.NoError(t, err)
	later, err := l.Append(ctx, post(billing.KindCharge, "50", "b", date(2025, time.March, 3)))
	require.NoError(t, err)
	assertAmount(t, "-150", later.Balance)

	// WHEN: A credit is backdated to March 2
	mv, res, err := l.Insert(ctx, post(billing.KindCredit, "30", "c", date(2025, time.March, 2)))
	require.NoError(t, err)

	// THEN: The inserted movement starts from the balance before it
	assertAmount(t, "-70", mv.Balance)

	// AND: Only the later movement was rewritten
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Updated)
	assertAmount(t, "-120", res.FinalBalance)

	ms, err := mem.ListMovements(ctx, billing.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, "c", ms[1].Reference)
	assertAmount(t, "-120", ms[2].Balance)
	assert.Empty(t, billing.Verify(ms, billing.DefaultTolerance))
}

func TestLedger_AppendBeforeTailIsInsertedInOrder(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	_, err := l.Append(ctx, post(billing.KindCharge, "100", "late", date(2025, time.March, 9)))
	require.NoError(t, err)

	// WHEN: Appending a movement dated before the tail
	_, err = l.Append(ctx, post(billing.KindCharge, "40", "early", date(2025, time.March, 5)))
	require.NoError(t, err)

	// THEN: The ledger stays ordered and consistent
	ms, err := mem.ListMovements(ctx, billing.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "early", ms[0].Reference)
	assertAmount(t, "-140", ms[1].Balance)
	assert.Empty(t, billing.Verify(ms, billing.DefaultTolerance))
}

func TestLedger_Reverse(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	original, err := l.Append(ctx, post(billing.KindCharge, "100", "CHARGE-STMT-s1", date(2025, time.March, 5)))
	require.NoError(t, err)

	// WHEN: Reversing the charge
	rev, _, err := l.Reverse(ctx, original, "REV-CHARGE-STMT-s1", "reset")
	require.NoError(t, err)

	// THEN: The reversal is an opposite movement linked to the original
	assert.Equal(t, billing.KindCredit, rev.Kind)
	assertAmount(t, "100", rev.Amount)
	assert.Equal(t, billing.StatusReversal, rev.Status)
	assert.Equal(t, original.ID, rev.ReversalOf)
	assertAmount(t, "0", rev.Balance)

	// AND: The original is superseded
	stored, err := mem.GetMovement(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusReversed, stored.Status)

	// AND: A superseded movement cannot be reversed twice
	_, _, err = l.Reverse(ctx, *stored, "REV-CHARGE-STMT-s1", "again")
	assert.ErrorIs(t, err, billing.ErrIdempotencyConflict)

	// AND: Its reference is free for a new active movement
	_, err = l.Append(ctx, post(billing.KindCharge, "100", "CHARGE-STMT-s1", time.Time{}))
	require.NoError(t, err)
}

func TestLedger_Remove(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(date(2025, time.March, 10))

	_, err := l.Append(ctx, post(billing.KindCharge, "100", "a", date(2025, time.March, 1)))
	require.NoError(t, err)
	middle, err := l.Append(ctx, post(billing.KindCharge, "50", "b", date(2025, time.March, 2)))
	require.NoError(t, err)
	_, err = l.Append(ctx, post(billing.KindCharge, "25", "c", date(2025, time.March, 3)))
	require.NoError(t, err)

	t.Run("other company cannot remove it", func(t *testing.T) {
		_, _, err := l.Remove(ctx, "globex", middle.ID)
		assert.ErrorIs(t, err, billing.ErrMovementNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, _, err := l.Remove(ctx, "acme", "nope")
		assert.ErrorIs(t, err, billing.ErrMovementNotFound)
	})

	// WHEN: Removing the middle movement
	removed, res, err := l.Remove(ctx, "acme", middle.ID)
	require.NoError(t, err)

	// THEN: Later balances are replayed without it
	assert.Equal(t, "b", removed.Reference)
	assert.Equal(t, 1, res.Updated)
	assertAmount(t, "-125", res.FinalBalance)
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(date(2025, time.March, 10))

	tests := []struct {
		name string
		in   billing.PostInput
		want error
	}{
		{name: "zero amount", in: post(billing.KindCharge, "0", "x", time.Time{}), want: billing.ErrInvalidAmount},
		{name: "negative amount", in: post(billing.KindCredit, "-5", "x", time.Time{}), want: billing.ErrInvalidAmount},
		{name: "unknown kind", in: post("debit", "5", "x", time.Time{}), want: billing.ErrInvalidMovementKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, billing.IsClientError(err))
		})
	}

	last, err := l.LastMovement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, last)
}
