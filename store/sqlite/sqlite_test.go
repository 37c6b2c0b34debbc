package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(month time.Month, day, hour int) time.Time {
	return time.Date(2025, month, day, hour, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mv(id, ref string, at time.Time, kind billing.MovementKind, amount, balance string) billing.Movement {
	return billing.Movement{
		ID:        billing.MovementID(id),
		CompanyID: "acme",
		At:        at,
		Kind:      kind,
		Amount:    dec(amount),
		Balance:   dec(balance),
		Reference: ref,
		Status:    billing.StatusActive,
		CreatedAt: at,
	}
}

// =============================================================================
// COMPANIES AND TICKETS
// =============================================================================

func TestStore_Companies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// GIVEN: A company with an accumulated amount
	acme := billing.Company{
		ID:                  "acme",
		Name:                "Acme Transit",
		BillingDay:          31,
		DueDay:              10,
		AccumulatedAmount:   dec("12.50"),
		Active:              true,
		KeepEmptyStatements: true,
		CreatedAt:           ts(time.January, 1, 9),
		UpdatedAt:           ts(time.January, 2, 9),
	}
	require.NoError(t, store.SaveCompany(ctx, acme))
	require.NoError(t, store.SaveCompany(ctx, billing.Company{ID: "globex", Name: "Globex", CreatedAt: ts(time.January, 1, 9), UpdatedAt: ts(time.January, 1, 9)}))

	// THEN: Every field round-trips
	got, err := store.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Transit", got.Name)
	assert.Equal(t, 31, got.BillingDay)
	assert.Equal(t, 10, got.DueDay)
	assert.True(t, got.AccumulatedAmount.Equal(dec("12.5")))
	assert.True(t, got.Active)
	assert.True(t, got.KeepEmptyStatements)
	assert.True(t, got.CreatedAt.Equal(acme.CreatedAt))

	// AND: Saving again updates in place
	acme.Name = "Acme Rail"
	acme.Active = false
	require.NoError(t, store.SaveCompany(ctx, acme))
	got, err = store.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Rail", got.Name)
	assert.False(t, got.Active)

	require.NoError(t, store.SetAccumulated(ctx, "acme", dec("-40")))
	got, err = store.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, got.AccumulatedAmount.Equal(dec("-40")))

	all, err := store.ListCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, billing.CompanyID("acme"), all[0].ID)

	_, err = store.GetCompany(ctx, "ghost")
	assert.ErrorIs(t, err, billing.ErrCompanyNotFound)
	assert.ErrorIs(t, store.SetAccumulated(ctx, "ghost", dec("1")), billing.ErrCompanyNotFound)
}

func TestStore_TicketEventsAreHalfOpen(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i, at := range []time.Time{ts(time.February, 5, 0), ts(time.February, 20, 13), ts(time.March, 5, 0)} {
		require.NoError(t, store.SaveTicket(ctx, billing.TicketEvent{
			ID:           fmt.Sprintf("t%d", i),
			CompanyID:    "acme",
			CostCenterID: "ops",
			Status:       billing.TicketConfirmed,
			ConfirmedAt:  at,
			ChargeAmount: dec("10.10"),
			RefundAmount: decimal.Zero,
		}))
	}

	events, err := store.TicketEvents(ctx, "acme", ts(time.February, 5, 0), ts(time.March, 5, 0))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "t0", events[0].ID)
	assert.Equal(t, "ops", events[1].CostCenterID)
	assert.True(t, events[1].ConfirmedAt.Equal(ts(time.February, 20, 13)))
	assert.True(t, events[1].ChargeAmount.Equal(dec("10.1")))
}

// =============================================================================
// STATEMENTS
// =============================================================================

func TestStore_Statements(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	s := billing.Statement{
		ID:               "s1",
		CompanyID:        "acme",
		Label:            "2025-02-05/2025-03-05",
		GeneratedAt:      ts(time.March, 10, 12),
		PeriodStart:      ts(time.February, 5, 0),
		PeriodEnd:        ts(time.March, 5, 0),
		TicketsConfirmed: 1,
		TicketsCancelled: 1,
		GrossCharged:     dec("2200.00"),
		GrossRefunded:    dec("300.00"),
		CostCenters: map[string]billing.CostCenterTotal{
			"ops":                        {Count: 1, NetAmount: dec("2200")},
			billing.UnassignedCostCenter: {Count: 1, NetAmount: dec("-300")},
		},
		DiscountPct: decimal.Zero,
	}
	require.NoError(t, store.InsertStatement(ctx, s))

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetStatement(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, s.Label, got.Label)
		assert.True(t, got.PeriodStart.Equal(s.PeriodStart))
		assert.True(t, got.PeriodEnd.Equal(s.PeriodEnd))
		assert.True(t, got.Net().Equal(dec("1900")))
		require.Len(t, got.CostCenters, 2)
		assert.True(t, got.CostCenters[billing.UnassignedCostCenter].NetAmount.Equal(dec("-300")))
		assert.False(t, got.Paid)
		assert.Nil(t, got.PaidAt)
	})

	t.Run("duplicate period is rejected by the unique index", func(t *testing.T) {
		dup := s
		dup.ID = "s2"
		assert.ErrorIs(t, store.InsertStatement(ctx, dup), billing.ErrDuplicatePeriod)
	})

	t.Run("find by period", func(t *testing.T) {
		found, err := store.FindStatement(ctx, "acme", s.PeriodStart, s.PeriodEnd)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, billing.StatementID("s1"), found.ID)

		missing, err := store.FindStatement(ctx, "acme", s.PeriodEnd, s.PeriodEnd.AddDate(0, 1, 0))
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("discount and payment", func(t *testing.T) {
		require.NoError(t, store.SetStatementDiscount(ctx, "s1", dec("12.5")))
		require.NoError(t, store.SetStatementPaid(ctx, "s1", ts(time.March, 11, 8)))

		got, err := store.GetStatement(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, got.DiscountPct.Equal(dec("12.5")))
		assert.True(t, got.Paid)
		require.NotNil(t, got.PaidAt)
		assert.True(t, got.PaidAt.Equal(ts(time.March, 11, 8)))

		paid := true
		list, err := store.ListStatements(ctx, billing.StatementFilter{CompanyID: "acme", Paid: &paid})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		from := ts(time.March, 1, 0)
		list, err = store.ListStatements(ctx, billing.StatementFilter{From: &from})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("missing statement", func(t *testing.T) {
		_, err := store.GetStatement(ctx, "nope")
		assert.ErrorIs(t, err, billing.ErrStatementNotFound)
		assert.ErrorIs(t, store.SetStatementDiscount(ctx, "nope", dec("1")), billing.ErrStatementNotFound)
	})

	t.Run("delete frees the period", func(t *testing.T) {
		require.NoError(t, store.DeleteStatement(ctx, "s1"))
		assert.ErrorIs(t, store.DeleteStatement(ctx, "s1"), billing.ErrStatementNotFound)

		again := s
		again.ID = "s3"
		require.NoError(t, store.InsertStatement(ctx, again))
	})
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestStore_Movements(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// GIVEN: Movements inserted out of order, two sharing a timestamp
	require.NoError(t, store.InsertMovement(ctx, mv("m3", "CHARGE-STMT-s1", ts(time.March, 5, 0), billing.KindCharge, "1900", "-1900")))
	require.NoError(t, store.InsertMovement(ctx, mv("m2", "ADJ-b", ts(time.February, 20, 0), billing.KindCredit, "50", "50")))
	require.NoError(t, store.InsertMovement(ctx, mv("m1", "ADJ-a", ts(time.February, 20, 0), billing.KindCharge, "0.10", "-0.10")))

	t.Run("ledger order is (At, ID)", func(t *testing.T) {
		ms, err := store.ListMovements(ctx, billing.MovementFilter{CompanyID: "acme"})
		require.NoError(t, err)
		require.Len(t, ms, 3)
		assert.Equal(t, billing.MovementID("m1"), ms[0].ID)
		assert.Equal(t, billing.MovementID("m2"), ms[1].ID)
		assert.Equal(t, billing.MovementID("m3"), ms[2].ID)
		assert.True(t, ms[0].Amount.Equal(dec("0.1")))
		assert.True(t, ms[2].At.Equal(ts(time.March, 5, 0)))
	})

	t.Run("tail and strict predecessor", func(t *testing.T) {
		last, err := store.LastMovement(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, billing.MovementID("m3"), last.ID)

		prev, err := store.LastMovementBefore(ctx, "acme", ts(time.March, 5, 0))
		require.NoError(t, err)
		assert.Equal(t, billing.MovementID("m2"), prev.ID)

		none, err := store.LastMovementBefore(ctx, "acme", ts(time.February, 20, 0))
		require.NoError(t, err)
		assert.Nil(t, none)

		from, err := store.MovementsFrom(ctx, "acme", ts(time.February, 21, 0))
		require.NoError(t, err)
		assert.Len(t, from, 1)
	})

	t.Run("active reference is unique", func(t *testing.T) {
		err := store.InsertMovement(ctx, mv("m4", "CHARGE-STMT-s1", ts(time.March, 6, 0), billing.KindCharge, "1", "0"))
		assert.ErrorIs(t, err, billing.ErrDuplicateReference)

		require.NoError(t, store.SetMovementStatus(ctx, "m3", billing.StatusReversed))
		require.NoError(t, store.InsertMovement(ctx, mv("m5", "CHARGE-STMT-s1", ts(time.March, 6, 0), billing.KindCharge, "1", "0")))

		found, err := store.FindMovementByReference(ctx, "acme", "CHARGE-STMT-s1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, billing.MovementID("m5"), found.ID)
	})

	t.Run("balance update and removal", func(t *testing.T) {
		require.NoError(t, store.UpdateMovementBalance(ctx, "m2", dec("49.90")))
		got, err := store.GetMovement(ctx, "m2")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(dec("49.9")))

		require.NoError(t, store.DeleteMovement(ctx, "m2"))
		_, err = store.GetMovement(ctx, "m2")
		assert.ErrorIs(t, err, billing.ErrMovementNotFound)
		assert.ErrorIs(t, store.DeleteMovement(ctx, "m2"), billing.ErrMovementNotFound)
	})
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.InsertMovement(ctx, mv("m1", "r", ts(time.March, 1, 0), billing.KindCharge, "1", "-1")))
		require.NoError(t, store.LockCompany(ctx, tx, "acme"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	last, err := store.LastMovement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, last)
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func TestStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	start, end := ts(time.February, 5, 0), ts(time.March, 5, 0)

	require.NoError(t, store.SaveRun(ctx, sqlite.RunRecord{
		ID: "r1", CompanyID: "acme", PeriodStart: &start, PeriodEnd: &end,
		Status: "generated", StatementID: "s1", CreatedAt: ts(time.March, 10, 1),
	}))
	require.NoError(t, store.SaveRun(ctx, sqlite.RunRecord{
		ID: "r2", CompanyID: "blank", Status: "failed", Reason: "billing day not configured",
		CreatedAt: ts(time.March, 10, 2),
	}))
	require.NoError(t, store.SaveRun(ctx, sqlite.RunRecord{
		ID: "r3", CompanyID: "flaky", Status: "failed", Retryable: true, CreatedAt: ts(time.March, 10, 3),
	}))

	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID, "newest first")
	assert.True(t, all[0].Retryable)

	failed, err := store.ListRuns(ctx, "failed", 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r3", failed[0].ID)

	generated, err := store.ListRuns(ctx, "generated", 10)
	require.NoError(t, err)
	require.Len(t, generated, 1)
	require.NotNil(t, generated[0].PeriodStart)
	assert.True(t, generated[0].PeriodStart.Equal(start))
	assert.Nil(t, all[1].PeriodStart)

	require.NoError(t, store.Reset(ctx))
	all, err = store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_OnSQLite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := ts(time.March, 10, 12)

	var n atomic.Int64
	engine := billing.NewEngine(store,
		billing.WithClock(billing.ClockFunc(func() time.Time { return now })),
		billing.WithIDs(func() string { return fmt.Sprintf("id-%06d", n.Add(1)) }),
	)

	// GIVEN: A company with activity in the closed period
	_, err := engine.SaveCompany(ctx, billing.Company{ID: "acme", Name: "Acme", BillingDay: 5, Active: true})
	require.NoError(t, err)
	require.NoError(t, store.SaveTicket(ctx, billing.TicketEvent{
		ID: "t1", CompanyID: "acme", Status: billing.TicketConfirmed,
		ConfirmedAt: ts(time.February, 10, 9), ChargeAmount: dec("2200"), RefundAmount: decimal.Zero,
	}))
	require.NoError(t, store.SaveTicket(ctx, billing.TicketEvent{
		ID: "t2", CompanyID: "acme", Status: billing.TicketCancelled,
		ConfirmedAt: ts(time.February, 12, 9), ChargeAmount: decimal.Zero, RefundAmount: dec("300"),
	}))

	// WHEN: Running twice
	first := engine.RunForCompany(ctx, "acme", now)
	second := engine.RunForCompany(ctx, "acme", now)

	// THEN: One statement and one charge
	require.Equal(t, billing.RunGenerated, first.Status, first.Reason)
	assert.Equal(t, billing.RunSkipped, second.Status)
	assert.True(t, first.Movement.Balance.Equal(dec("-1900")))

	// AND: Discount, reset and regeneration keep the ledger consistent
	_, err = engine.ApplyDiscount(ctx, first.Statement.ID, dec("20"), "")
	require.NoError(t, err)
	balance, err := engine.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("-1460")), balance.String())

	reset, err := engine.ResetStatement(ctx, first.Statement.ID)
	require.NoError(t, err)
	assert.Len(t, reset.Reversals, 2)

	again := engine.RunForCompany(ctx, "acme", now)
	require.Equal(t, billing.RunGenerated, again.Status, again.Reason)

	report, err := engine.VerifyLedger(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 5, report.Movements)
	assert.True(t, report.Balance.Equal(dec("-1900")))
}
