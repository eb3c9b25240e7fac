package quiethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricealert/internal/models"
)

func at(hh, mm int) time.Time {
	return time.Date(2025, 5, 5, hh, mm, 0, 0, time.UTC)
}

func prefs(start, end string) models.NotificationPreferences {
	p := models.DefaultPreferences("u1")
	p.QuietHoursEnabled = true
	p.QuietHoursStart = start
	p.QuietHoursEnd = end
	return p
}

func TestIsQuiet_WindowSpanningMidnight(t *testing.T) {
	p := prefs("22:00", "08:00")

	assert.True(t, IsQuiet(p, at(23, 0)))
	assert.True(t, IsQuiet(p, at(22, 0)), "start is inclusive")
	assert.True(t, IsQuiet(p, at(0, 0)))
	assert.True(t, IsQuiet(p, at(7, 59)))
	assert.False(t, IsQuiet(p, at(8, 0)), "end is exclusive")
	assert.False(t, IsQuiet(p, at(9, 0)))
	assert.False(t, IsQuiet(p, at(21, 59)))
}

func TestIsQuiet_SameDayWindow(t *testing.T) {
	p := prefs("08:00", "22:00")

	assert.False(t, IsQuiet(p, at(7, 59)))
	assert.True(t, IsQuiet(p, at(8, 0)))
	assert.True(t, IsQuiet(p, at(21, 59)))
	assert.False(t, IsQuiet(p, at(22, 0)))
}

func TestIsQuiet_ZeroLengthWindowNeverQuiet(t *testing.T) {
	p := prefs("10:00", "10:00")
	assert.False(t, IsQuiet(p, at(10, 0)))
	assert.False(t, IsQuiet(p, at(3, 0)))
}

func TestIsQuiet_DisabledOrUnset(t *testing.T) {
	p := prefs("22:00", "08:00")
	p.QuietHoursEnabled = false
	assert.False(t, IsQuiet(p, at(23, 0)))

	assert.False(t, IsQuiet(prefs("", "08:00"), at(23, 0)))
	assert.False(t, IsQuiet(prefs("22:00", ""), at(23, 0)))
	assert.False(t, IsQuiet(prefs("25:00", "08:00"), at(23, 0)))
	assert.False(t, IsQuiet(prefs("late", "08:00"), at(23, 0)))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("00:00")
	require.NoError(t, err)
	assert.Equal(t, 0, m)

	m, err = ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 1439, m)

	for _, bad := range []string{"", "8:00", "24:00", "12:60", "12-00", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocalNow(t *testing.T) {
	now := time.Date(2025, 5, 5, 20, 30, 0, 0, time.UTC)

	p := models.DefaultPreferences("u1")
	assert.Equal(t, time.UTC, LocalNow(p, now).Location())

	p.Timezone = "Europe/Moscow"
	local := LocalNow(p, now)
	assert.Equal(t, 23, local.Hour())
	assert.True(t, local.Equal(now))

	p.Timezone = "Mars/Olympus"
	assert.Equal(t, time.UTC, LocalNow(p, now).Location())
}

func TestIsQuiet_UsesLocalClock(t *testing.T) {
	p := prefs("22:00", "08:00")
	p.Timezone = "Europe/Moscow"
	// 20:30 UTC is 23:30 in Moscow.
	now := time.Date(2025, 5, 5, 20, 30, 0, 0, time.UTC)
	assert.True(t, IsQuiet(p, LocalNow(p, now)))
	assert.False(t, IsQuiet(p, now))
}
