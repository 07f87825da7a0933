package outreach

import (
	"strings"
	"time"
)

// Golden window for first-touch opens: 09:30 to 11:30 in the lead's local time.
const (
	windowStart = 9*60 + 30
	windowEnd   = 11*60 + 30
	targetHour  = 10
	fallbackUTC = 9
)

// SendSlot decides whether now is inside the lead's golden window. When it is
// not, at is the next 10:00 local (tomorrow if 11:30 has passed). Leads with
// no usable timezone get 09:00 UTC the next day.
func SendSlot(now time.Time, tz string) (at time.Time, inWindow bool) {
	tz = strings.TrimSpace(tz)
	var loc *time.Location
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	if loc == nil {
		next := now.UTC().AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), fallbackUTC, 0, 0, 0, time.UTC), false
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if minute >= windowStart && minute <= windowEnd {
		return now, true
	}

	day := local
	if minute > windowEnd {
		day = local.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), targetHour, 0, 0, 0, loc), false
}
