package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/billing/store"
)

func TestSummarize(t *testing.T) {
	p := billing.Period{Start: date(2025, time.February, 5), End: date(2025, time.March, 5)}
	ev := func(id, cc string, status billing.TicketStatus, when time.Time, charge, refund string) billing.TicketEvent {
		return billing.TicketEvent{
			ID:           id,
			CompanyID:    "acme",
			CostCenterID: cc,
			Status:       status,
			ConfirmedAt:  when,
			ChargeAmount: amount(charge),
			RefundAmount: amount(refund),
		}
	}

	// GIVEN: Confirmed and cancelled tickets, plus noise the period must ignore
	events := []billing.TicketEvent{
		ev("t1", "ops", billing.TicketConfirmed, date(2025, time.February, 10), "2200", "0"),
		ev("t2", "ops", billing.TicketCancelled, date(2025, time.February, 20), "0", "300"),
		ev("t3", "", billing.TicketConfirmed, date(2025, time.February, 5), "100.50", "0"),
		ev("t4", "ops", billing.TicketPending, date(2025, time.February, 11), "999", "0"),
		ev("t5", "ops", billing.TicketConfirmed, date(2025, time.March, 5), "500", "0"),
		ev("t6", "ops", billing.TicketConfirmed, date(2025, time.February, 4), "700", "0"),
	}

	// WHEN: Summarizing
	agg := billing.Summarize(events, p)

	// THEN: Only terminal tickets inside [Start, End) count
	assert.Equal(t, 2, agg.TicketsConfirmed)
	assert.Equal(t, 1, agg.TicketsCancelled)
	assertAmount(t, "2300.50", agg.GrossCharged)
	assertAmount(t, "300", agg.GrossRefunded)
	assertAmount(t, "2000.50", agg.Net())
	assert.False(t, agg.Empty())

	// AND: Cost centers carry counts and signed nets
	require.Len(t, agg.PerCostCenter, 2)
	assert.Equal(t, 2, agg.PerCostCenter["ops"].Count)
	assertAmount(t, "1900", agg.PerCostCenter["ops"].NetAmount)
	assert.Equal(t, 1, agg.PerCostCenter[billing.UnassignedCostCenter].Count)
	assertAmount(t, "100.50", agg.PerCostCenter[billing.UnassignedCostCenter].NetAmount)
}

func TestSummarize_Empty(t *testing.T) {
	p := billing.Period{Start: date(2025, time.February, 5), End: date(2025, time.March, 5)}

	agg := billing.Summarize(nil, p)

	assert.True(t, agg.Empty())
	assert.True(t, agg.GrossCharged.IsZero())
	assert.True(t, agg.Net().Equal(decimal.Zero))
	assert.Empty(t, agg.PerCostCenter)
}

func TestAggregator_StoreFailureIsUnavailable(t *testing.T) {
	// GIVEN: A ticket source that fails
	mem := store.NewMemory()
	mem.FailTickets("acme", errors.New("connection reset"))

	// WHEN: Aggregating
	_, err := billing.Aggregator{Tickets: mem}.Aggregate(context.Background(), "acme",
		billing.Period{Start: date(2025, time.February, 5), End: date(2025, time.March, 5)})

	// THEN: The failure is a retryable store error
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.True(t, billing.IsRetryable(err))
}
