package quiethours

import (
	"fmt"
	"time"

	"pricealert/internal/models"
)

// ParseClock converts "HH:MM" into minutes since midnight (0..1439).
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' || !digits(s[:2]) || !digits(s[3:]) {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// InWindow reports whether minute-of-day now lies inside [from, to).
// Windows with from > to wrap past midnight; a zero-length window is empty.
func InWindow(now, from, to int) bool {
	if from == to {
		return false
	}
	if from < to {
		return now >= from && now < to
	}
	return now >= from || now < to
}

// IsQuiet reports whether nowLocal falls inside the user's quiet hours.
// Disabled, unset or malformed windows are never quiet.
func IsQuiet(prefs models.NotificationPreferences, nowLocal time.Time) bool {
	if !prefs.QuietHoursEnabled || prefs.QuietHoursStart == "" || prefs.QuietHoursEnd == "" {
		return false
	}
	start, err := ParseClock(prefs.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(prefs.QuietHoursEnd)
	if err != nil {
		return false
	}
	return InWindow(nowLocal.Hour()*60+nowLocal.Minute(), start, end)
}

// LocalNow converts now into the user's timezone, falling back to UTC for an
// empty or unknown zone.
func LocalNow(prefs models.NotificationPreferences, now time.Time) time.Time {
	if prefs.Timezone == "" {
		return now.UTC()
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		return now.UTC()
	}
	return now.In(loc)
}
