package notification

import (
	"fmt"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
)

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// QuietWindow reports whether now falls inside the user's quiet hours and, if so, when they end.
// Windows whose start is after their end wrap past midnight. Start is inclusive, end exclusive.
func QuietWindow(q domain.QuietHours, now time.Time) (bool, time.Time, error) {
	if !q.Enabled {
		return false, time.Time{}, nil
	}
	tz := q.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid timezone %q", q.Timezone)
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false, time.Time{}, err
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false, time.Time{}, err
	}
	if start == end {
		return false, time.Time{}, nil
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	var inside bool
	if start < end {
		inside = cur >= start && cur < end
	} else {
		inside = cur >= start || cur < end
	}
	if !inside {
		return false, time.Time{}, nil
	}

	release := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	if !release.After(local) {
		release = release.AddDate(0, 0, 1)
	}
	return true, release.UTC(), nil
}
