package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
)

func TestRecalculate_RepairsDriftedBalances(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	// GIVEN: Three movements, two with corrupted balances
	a, err := l.Append(ctx, post(billing.KindCharge, "100", "a", date(2025, time.January, 5)))
	require.NoError(t, err)
	b, err := l.Append(ctx, post(billing.KindCredit, "40", "b", date(2025, time.February, 5)))
	require.NoError(t, err)
	c, err := l.Append(ctx, post(billing.KindCharge, "10", "c", date(2025, time.March, 5)))
	require.NoError(t, err)
	require.NoError(t, mem.UpdateMovementBalance(ctx, b.ID, amount("999")))
	require.NoError(t, mem.UpdateMovementBalance(ctx, c.ID, amount("-1")))

	all := func() []billing.Movement {
		ms, err := mem.ListMovements(ctx, billing.MovementFilter{CompanyID: "acme"})
		require.NoError(t, err)
		return ms
	}

	// THEN: Verification reports both without writing
	violations := billing.Verify(all(), billing.DefaultTolerance)
	require.Len(t, violations, 2)
	assert.Equal(t, b.ID, violations[0].MovementID)
	assertAmount(t, "-60", violations[0].Expected)
	assertAmount(t, "999", violations[0].Stored)

	// WHEN: Replaying from the first movement
	rc := billing.Recalculator{Movements: mem}
	res, err := rc.Recalculate(ctx, "acme", a.At)
	require.NoError(t, err)

	// THEN: Only the drifted balances are rewritten
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Updated)
	assertAmount(t, "-70", res.FinalBalance)
	assert.Empty(t, billing.Verify(all(), billing.DefaultTolerance))

	// AND: A second replay changes nothing
	again, err := rc.Recalculate(ctx, "acme", a.At)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Updated)
	assertAmount(t, "-70", again.FinalBalance)
}

func TestRecalculate_StartsFromBalanceBeforeFrom(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	_, err := l.Append(ctx, post(billing.KindCharge, "100", "a", date(2025, time.January, 5)))
	require.NoError(t, err)
	b, err := l.Append(ctx, post(billing.KindCharge, "20", "b", date(2025, time.February, 5)))
	require.NoError(t, err)
	require.NoError(t, mem.UpdateMovementBalance(ctx, b.ID, amount("0")))

	// WHEN: Replaying from February only
	res, err := billing.Recalculator{Movements: mem}.Recalculate(ctx, "acme", b.At)
	require.NoError(t, err)

	// THEN: The basis is the January balance
	assert.Equal(t, 1, res.Scanned)
	assertAmount(t, "-120", res.FinalBalance)
}

func TestRecalculate_IgnoresNoiseWithinTolerance(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger(date(2025, time.March, 10))

	m, err := l.Append(ctx, post(billing.KindCharge, "100", "a", date(2025, time.January, 5)))
	require.NoError(t, err)
	require.NoError(t, mem.UpdateMovementBalance(ctx, m.ID, amount("-100.005")))

	res, err := billing.Recalculator{Movements: mem}.Recalculate(ctx, "acme", m.At)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
}

func TestRecalculate_EmptyLedger(t *testing.T) {
	_, mem := newLedger(date(2025, time.March, 10))

	res, err := billing.Recalculator{Movements: mem}.Recalculate(context.Background(), "acme", date(2025, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.True(t, res.FinalBalance.IsZero())
}
