package billing

import (
	"time"

	"toeicprep/internal/types"
)

// DailyPeriod returns the calendar day containing now in loc, as UTC instants.
// End is the next local midnight and doubles as the quota resetAt.
func DailyPeriod(now time.Time, loc *time.Location) types.QuotaPeriod {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	// AddDate keeps DST days correct where adding 24h would not.
	end := start.AddDate(0, 0, 1)
	return types.QuotaPeriod{Start: start.UTC(), End: end.UTC()}
}

// billingPeriodEnd extends start by one plan interval. Plans without an
// interval get one month.
func billingPeriodEnd(start time.Time, interval types.BillingInterval) time.Time {
	if interval == types.IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
