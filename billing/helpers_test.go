package billing_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func at(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertAmount compares decimals by value, so "1900" equals "1900.00".
func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, amount(want).Equal(got), "want %s, got %s %v", want, got, fmt.Sprint(msgAndArgs...))
}

// sequentialIDs returns an IDGenerator whose ids sort in generation order.
func sequentialIDs(prefix string) billing.IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%06d", prefix, n.Add(1))
	}
}

// testClock is a settable clock.
type testClock struct {
	now atomic.Pointer[time.Time]
}

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.Set(t)
	return c
}

func (c *testClock) Now() time.Time { return *c.now.Load() }

func (c *testClock) Set(t time.Time) { c.now.Store(&t) }

type fixture struct {
	store  *store.Memory
	clock  *testClock
	engine *billing.Engine
	ctx    context.Context
}

// newFixture builds an engine on the memory store with the clock at now.
func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := newTestClock(now)
	return &fixture{
		store: mem,
		clock: clock,
		engine: billing.NewEngine(mem,
			billing.WithClock(clock),
			billing.WithIDs(sequentialIDs("id")),
			billing.WithWorkers(3),
		),
		ctx: context.Background(),
	}
}

func (f *fixture) company(t *testing.T, id string, billingDay int) billing.Company {
	t.Helper()
	c, err := f.engine.SaveCompany(f.ctx, billing.Company{
		ID:         billing.CompanyID(id),
		Name:       "Company " + id,
		BillingDay: billingDay,
		Active:     true,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) confirmed(t *testing.T, companyID, ticketID string, when time.Time, charge string) {
	t.Helper()
	require.NoError(t, f.store.SaveTicket(f.ctx, billing.TicketEvent{
		ID:           ticketID,
		CompanyID:    billing.CompanyID(companyID),
		Status:       billing.TicketConfirmed,
		ConfirmedAt:  when,
		ChargeAmount: amount(charge),
		RefundAmount: decimal.Zero,
	}))
}

func (f *fixture) cancelled(t *testing.T, companyID, ticketID string, when time.Time, refund string) {
	t.Helper()
	require.NoError(t, f.store.SaveTicket(f.ctx, billing.TicketEvent{
		ID:           ticketID,
		CompanyID:    billing.CompanyID(companyID),
		Status:       billing.TicketCancelled,
		ConfirmedAt:  when,
		ChargeAmount: decimal.Zero,
		RefundAmount: amount(refund),
	}))
}

func (f *fixture) movements(t *testing.T, companyID string) []billing.Movement {
	t.Helper()
	ms, err := f.engine.ListMovements(f.ctx, billing.MovementFilter{CompanyID: billing.CompanyID(companyID)})
	require.NoError(t, err)
	return ms
}

func (f *fixture) statements(t *testing.T, companyID string) []billing.Statement {
	t.Helper()
	ss, err := f.engine.ListStatements(f.ctx, billing.StatementFilter{CompanyID: billing.CompanyID(companyID)})
	require.NoError(t, err)
	return ss
}

// generated runs the company and requires a generated statement.
func (f *fixture) generated(t *testing.T, companyID string) billing.RunResult {
	t.Helper()
	res := f.engine.RunForCompany(f.ctx, billing.CompanyID(companyID), f.clock.Now())
	require.Equal(t, billing.RunGenerated, res.Status, "reason: %s", res.Reason)
	require.NotNil(t, res.Statement)
	return res
}
