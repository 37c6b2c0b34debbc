package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Half-open billing interval
// =============================================================================

// Period is the half-open interval [Start, End) closed by a billing day.
//
// Examples for billing day 5:
//   - now = Jan 10: [Jan 5, Feb 5), current
//   - now = Jan 5:  [Dec 5, Jan 5), just closed
//
// Billing days past the end of a month are clamped: day 31 closes on
// Feb 28 (or 29), Apr 30, and so on.
type Period struct {
	Start     time.Time
	End       time.Time
	IsCurrent bool

	billingDay int
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Closed reports whether the period ended at or before now.
func (p Period) Closed(now time.Time) bool {
	return !now.Before(p.End)
}

// Label is the human readable name stored on statements.
func (p Period) Label() string {
	return p.Start.Format("2006-01-02") + "/" + p.End.Format("2006-01-02")
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// BillingDay returns the configured day the period was built from.
func (p Period) BillingDay() int { return p.billingDay }

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	prev := periodStarting(p.Start.Year(), p.Start.Month()-1, p.billingDay, p.Start.Location())
	return prev
}

// Next returns the period immediately after p.
func (p Period) Next() Period {
	return periodStarting(p.Start.Year(), p.Start.Month()+1, p.billingDay, p.Start.Location())
}

// =============================================================================
// PERIOD CALCULATOR
// =============================================================================

// ValidateBillingDay checks that day can close a period.
func ValidateBillingDay(companyID CompanyID, day int) error {
	if day == 0 {
		return &ConfigurationError{CompanyID: companyID, Reason: "billing day not configured"}
	}
	if day < 1 || day > 31 {
		return &ConfigurationError{CompanyID: companyID, Reason: fmt.Sprintf("billing day %d outside 1-31", day)}
	}
	return nil
}

// PeriodFor returns the billing period for now under billingDay.
//
// If now's day is on or before the (clamped) billing day, the period
// started on the billing day of the previous month; otherwise it started
// this month. Calculations happen in now's location.
func PeriodFor(now time.Time, billingDay int) (Period, error) {
	if err := ValidateBillingDay("", billingDay); err != nil {
		return Period{}, err
	}

	year, month := now.Year(), now.Month()
	if now.Day() <= clampDay(year, month, billingDay) {
		month--
	}

	p := periodStarting(year, month, billingDay, now.Location())
	p.IsCurrent = now.Before(p.End)
	return p, nil
}

// PeriodForCompany is PeriodFor with the company's id on configuration errors.
func PeriodForCompany(c Company, now time.Time) (Period, error) {
	if err := ValidateBillingDay(c.ID, c.BillingDay); err != nil {
		return Period{}, err
	}
	return PeriodFor(now, c.BillingDay)
}

// LastClosedPeriod returns the most recent period whose end is at or
// before now.
func LastClosedPeriod(now time.Time, billingDay int) (Period, error) {
	p, err := PeriodFor(now, billingDay)
	if err != nil {
		return Period{}, err
	}
	if p.Closed(now) {
		p.IsCurrent = false
		return p, nil
	}
	return p.Previous(), nil
}

// PeriodsBetween returns every closed period that overlaps [from, to),
// oldest first. Periods ending after now are left out.
func PeriodsBetween(from, to, now time.Time, billingDay int) ([]Period, error) {
	if !from.Before(to) {
		return nil, nil
	}
	p, err := PeriodFor(from, billingDay)
	if err != nil {
		return nil, err
	}
	// PeriodFor treats the billing day itself as the end of the prior period.
	if !p.Contains(from) {
		p = p.Next()
	}

	var periods []Period
	for p.Start.Before(to) {
		if !p.Closed(now) {
			break
		}
		p.IsCurrent = false
		periods = append(periods, p)
		p = p.Next()
	}
	return periods, nil
}

// periodStarting builds the period that starts in year/month; month may be
// out of range and is normalized.
func periodStarting(year int, month time.Month, billingDay int, loc *time.Location) Period {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	next := first.AddDate(0, 1, 0)
	return Period{
		Start:      dayOfMonth(first, billingDay),
		End:        dayOfMonth(next, billingDay),
		billingDay: billingDay,
	}
}

func dayOfMonth(first time.Time, billingDay int) time.Time {
	d := clampDay(first.Year(), first.Month(), billingDay)
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, first.Location())
}

func clampDay(year int, month time.Month, day int) int {
	if last := DaysInMonth(year, month); day > last {
		return last
	}
	return day
}

// DaysInMonth handles month overflow the way time.Date does.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
