package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
)

func TestPeriodFor(t *testing.T) {
	tests := []struct {
		name       string
		now        time.Time
		billingDay int
		wantStart  time.Time
		wantEnd    time.Time
		current    bool
	}{
		{
			name:       "after billing day is the current period",
			now:        at(2025, time.January, 10, 12),
			billingDay: 5,
			wantStart:  date(2025, time.January, 5),
			wantEnd:    date(2025, time.February, 5),
			current:    true,
		},
		{
			name:       "on billing day the previous period just closed",
			now:        date(2025, time.January, 5),
			billingDay: 5,
			wantStart:  date(2024, time.December, 5),
			wantEnd:    date(2025, time.January, 5),
			current:    false,
		},
		{
			name:       "day 31 clamps to the end of February",
			now:        date(2025, time.March, 10),
			billingDay: 31,
			wantStart:  date(2025, time.February, 28),
			wantEnd:    date(2025, time.March, 31),
			current:    true,
		},
		{
			name:       "day 31 in a leap year",
			now:        date(2024, time.March, 1),
			billingDay: 31,
			wantStart:  date(2024, time.February, 29),
			wantEnd:    date(2024, time.March, 31),
			current:    true,
		},
		{
			name:       "day 30 clamps in February and not in April",
			now:        date(2025, time.February, 28),
			billingDay: 30,
			wantStart:  date(2025, time.January, 30),
			wantEnd:    date(2025, time.February, 28),
			current:    false,
		},
		{
			name:       "billing day 1 rolls over the year",
			now:        at(2025, time.January, 1, 9),
			billingDay: 1,
			wantStart:  date(2024, time.December, 1),
			wantEnd:    date(2025, time.January, 1),
			current:    false,
		},
		{
			name:       "period spanning new year",
			now:        date(2025, time.January, 15),
			billingDay: 20,
			wantStart:  date(2024, time.December, 20),
			wantEnd:    date(2025, time.January, 20),
			current:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := billing.PeriodFor(tt.now, tt.billingDay)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
			assert.Equal(t, tt.current, p.IsCurrent)
			assert.Equal(t, tt.billingDay, p.BillingDay())
		})
	}
}

func TestPeriodFor_InvalidBillingDay(t *testing.T) {
	for _, day := range []int{0, -1, 32} {
		_, err := billing.PeriodFor(date(2025, time.January, 10), day)
		assert.ErrorIs(t, err, billing.ErrConfiguration, "billing day %d", day)
	}
}

func TestPeriod_HalfOpen(t *testing.T) {
	// GIVEN: The period [Jan 5, Feb 5)
	p, err := billing.PeriodFor(date(2025, time.January, 10), 5)
	require.NoError(t, err)

	// THEN: Start is inside, End belongs to the next period
	assert.True(t, p.Contains(date(2025, time.January, 5)))
	assert.True(t, p.Contains(date(2025, time.February, 5).Add(-time.Nanosecond)))
	assert.False(t, p.Contains(date(2025, time.February, 5)))
	assert.True(t, p.Next().Contains(date(2025, time.February, 5)))
	assert.Equal(t, "2025-01-05/2025-02-05", p.Label())
}

func TestLastClosedPeriod(t *testing.T) {
	// GIVEN: Billing day 5, checked mid-period
	// WHEN: Asking for the last closed period
	p, err := billing.LastClosedPeriod(date(2025, time.March, 10), 5)
	require.NoError(t, err)

	// THEN: The period that closed on March 5 is returned
	assert.Equal(t, date(2025, time.February, 5), p.Start)
	assert.Equal(t, date(2025, time.March, 5), p.End)
	assert.False(t, p.IsCurrent)

	// AND: On the billing day itself the just-closed period is the same one
	same, err := billing.LastClosedPeriod(at(2025, time.March, 5, 1), 5)
	require.NoError(t, err)
	assert.Equal(t, p.Start, same.Start)
	assert.Equal(t, p.End, same.End)
}

func TestLastClosedPeriod_ClampedEnds(t *testing.T) {
	// GIVEN: Billing day 31 on March 10
	p, err := billing.LastClosedPeriod(date(2025, time.March, 10), 31)
	require.NoError(t, err)

	// THEN: The closed period is [Jan 31, Feb 28)
	assert.Equal(t, date(2025, time.January, 31), p.Start)
	assert.Equal(t, date(2025, time.February, 28), p.End)

	// AND: Consecutive periods share their boundary
	assert.Equal(t, p.End, p.Next().Start)
	assert.Equal(t, p.Start, p.Previous().End)
}

func TestPeriodsBetween(t *testing.T) {
	now := date(2025, time.March, 10)

	t.Run("every closed period in range", func(t *testing.T) {
		periods, err := billing.PeriodsBetween(date(2024, time.December, 5), now, now, 5)
		require.NoError(t, err)
		require.Len(t, periods, 3)
		assert.Equal(t, date(2024, time.December, 5), periods[0].Start)
		assert.Equal(t, date(2025, time.January, 5), periods[1].Start)
		assert.Equal(t, date(2025, time.February, 5), periods[2].Start)
		assert.Equal(t, date(2025, time.March, 5), periods[2].End)
	})

	t.Run("from inside a period includes that period", func(t *testing.T) {
		periods, err := billing.PeriodsBetween(date(2024, time.December, 20), date(2025, time.January, 6), now, 5)
		require.NoError(t, err)
		require.Len(t, periods, 2)
		assert.Equal(t, date(2024, time.December, 5), periods[0].Start)
		assert.Equal(t, date(2025, time.January, 5), periods[1].Start)
	})

	t.Run("current period is never included", func(t *testing.T) {
		periods, err := billing.PeriodsBetween(date(2025, time.February, 5), date(2025, time.April, 1), now, 5)
		require.NoError(t, err)
		require.Len(t, periods, 1)
		assert.Equal(t, date(2025, time.March, 5), periods[0].End)
	})

	t.Run("empty range", func(t *testing.T) {
		periods, err := billing.PeriodsBetween(now, now, now, 5)
		require.NoError(t, err)
		assert.Empty(t, periods)
	})
}

func TestPeriodFor_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)

	// GIVEN: 02:00 UTC on March 5 is still March 4 in UTC-5
	now := time.Date(2025, time.March, 5, 2, 0, 0, 0, time.UTC).In(loc)

	// WHEN: Computing the period for billing day 5
	p, err := billing.PeriodFor(now, 5)
	require.NoError(t, err)

	// THEN: The February period is still open in that zone
	assert.True(t, p.IsCurrent)
	assert.Equal(t, time.Date(2025, time.March, 5, 0, 0, 0, 0, loc), p.End)
}

func TestPeriodFor_NeverSkipsAMonth(t *testing.T) {
	monthIndex := func(t time.Time) int { return t.Year()*12 + int(t.Month()) }

	for _, day := range []int{1, 28, 29, 30, 31} {
		// 2024 is a leap year, 2025 is not.
		var prev billing.Period
		for now := at(2024, time.January, 1, 12); now.Year() < 2026; now = now.AddDate(0, 0, 1) {
			p, err := billing.PeriodFor(now, day)
			require.NoError(t, err)

			// Each period spans one month step and chains into the next.
			require.Equal(t, 1, monthIndex(p.End)-monthIndex(p.Start), "day %d at %s", day, now)
			require.True(t, p.End.Equal(p.Next().Start), "day %d at %s", day, now)
			require.True(t, p.Previous().End.Equal(p.Start), "day %d at %s", day, now)
			require.False(t, now.Before(p.Start), "day %d at %s", day, now)
			require.True(t, now.Before(p.End.AddDate(0, 0, 1)), "day %d at %s", day, now)

			// Walking day by day, a new period starts where the last one ended.
			if !prev.Start.IsZero() && !p.Start.Equal(prev.Start) {
				require.True(t, p.Start.Equal(prev.End), "day %d: gap between %s and %s", day, prev.End, p.Start)
			}
			prev = p
		}
	}
}
