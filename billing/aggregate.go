package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// UnassignedCostCenter keys tickets that carry no cost center.
const UnassignedCostCenter = "unassigned"

// Aggregate is the activity of one company over one period.
type Aggregate struct {
	TicketsConfirmed int
	TicketsCancelled int
	GrossCharged     decimal.Decimal
	GrossRefunded    decimal.Decimal
	PerCostCenter    map[string]CostCenterTotal
}

// Net is gross charged minus gross refunded.
func (a Aggregate) Net() decimal.Decimal {
	return a.GrossCharged.Sub(a.GrossRefunded)
}

// Empty reports a period without terminal ticket activity.
func (a Aggregate) Empty() bool {
	return a.TicketsConfirmed == 0 && a.TicketsCancelled == 0
}

// Aggregator reads ticket events and folds them into an Aggregate.
type Aggregator struct {
	Tickets TicketSource
}

// Aggregate loads the company's events for p and summarizes them.
func (a Aggregator) Aggregate(ctx context.Context, companyID CompanyID, p Period) (Aggregate, error) {
	events, err := a.Tickets.TicketEvents(ctx, companyID, p.Start, p.End)
	if err != nil {
		return Aggregate{}, Unavailable("load ticket events", err)
	}
	return Summarize(events, p), nil
}

// Summarize folds events into an Aggregate. Events outside p or not in a
// terminal status are ignored. The returned map is owned by the caller.
func Summarize(events []TicketEvent, p Period) Aggregate {
	agg := Aggregate{
		GrossCharged:  decimal.Zero,
		GrossRefunded: decimal.Zero,
		PerCostCenter: make(map[string]CostCenterTotal),
	}

	for _, e := range events {
		if !e.Status.Terminal() || !p.Contains(e.ConfirmedAt) {
			continue
		}

		var net decimal.Decimal
		switch e.Status {
		case TicketConfirmed:
			agg.TicketsConfirmed++
			agg.GrossCharged = agg.GrossCharged.Add(e.ChargeAmount)
			net = e.ChargeAmount
		case TicketCancelled:
			agg.TicketsCancelled++
			agg.GrossRefunded = agg.GrossRefunded.Add(e.RefundAmount)
			net = e.RefundAmount.Neg()
		}

		key := e.CostCenterID
		if key == "" {
			key = UnassignedCostCenter
		}
		cc := agg.PerCostCenter[key]
		cc.Count++
		cc.NetAmount = cc.NetAmount.Add(net)
		agg.PerCostCenter[key] = cc
	}
	return agg
}
