package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// businessOpen and businessClose bound the Mon–Fri working window.
const (
	businessOpenHour  = 9
	businessCloseHour = 18
)

// jitterSpread is the upper bound of the jitter factor: delays scale by
// (1 + U(0, jitterSpread)) to avoid synchronized retry storms.
const jitterSpread = 0.3

// Delay computes the wait before attempt n (1-indexed) under the
// policy, anchored at now for the business-hours strategy.
func (p Policy) Delay(attempt int, now time.Time, loc *time.Location) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyExponential:
		d = capDelay(time.Duration(float64(p.BaseDelay)*math.Pow(p.BackoffMultiplier, float64(attempt-1))), p.MaxDelay)
	case StrategyLinear:
		d = capDelay(time.Duration(float64(p.BaseDelay)*(1+float64(attempt-1)*p.BackoffMultiplier)), p.MaxDelay)
	case StrategyBusinessHours:
		d = p.businessHoursDelay(now, loc)
	case StrategyFixed, StrategyImmediate:
		d = p.BaseDelay
	default:
		d = p.BaseDelay
	}

	if p.JitterEnabled && d > 0 {
		d = time.Duration(float64(d) * (1 + rand.Float64()*jitterSpread)) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return d
}

// businessHoursDelay returns the base delay when now falls inside the
// Mon–Fri 09:00–18:00 window, and otherwise the wait until the next
// business day opens.
func (p Policy) businessHoursDelay(now time.Time, loc *time.Location) time.Duration {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if withinBusinessHours(local) {
		return p.BaseDelay
	}
	return nextBusinessOpen(local).Sub(local)
}

func withinBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= businessOpenHour && t.Hour() < businessCloseHour
}

// nextBusinessOpen returns the next weekday 09:00 strictly after t.
func nextBusinessOpen(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), businessOpenHour, 0, 0, 0, t.Location())
	if t.Before(day) && t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
		return day
	}
	for {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return day
		}
	}
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
