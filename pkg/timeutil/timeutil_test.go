package timeutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateOfUsesZone(t *testing.T) {
	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	instant := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, NewDate(2026, 10, 18), DateOf(instant, nil))
	assert.Equal(t, NewDate(2026, 10, 19), DateOf(instant, tokyo))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Mars/Olympus")
	assert.Error(t, err)
	assert.Equal(t, time.UTC, MustLoadLocation("Mars/Olympus"))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate(" 2026-02-28 ")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", d.String())
	assert.Equal(t, "2026-03-01", d.AddDays(1).String())

	for _, bad := range []string{"", "2026-2-28", "28/02/2026", "2026-02-30"} {
		_, err := ParseDate(bad)
		assert.Error(t, err, bad)
	}
}

func TestDateArithmetic(t *testing.T) {
	a := NewDate(2026, 3, 28)
	b := NewDate(2026, 3, 30)

	assert.Equal(t, 2, b.DaysSince(a))
	assert.Equal(t, -2, a.DaysSince(b))
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.After(a))
	assert.Equal(t, NewDate(2027, 1, 1), NewDate(2026, 12, 31).AddDays(1))
	assert.Equal(t, NewDate(2026, 3, 1), NewDate(2026, 2, 29))
}

func TestIsWeekend(t *testing.T) {
	assert.False(t, NewDate(2026, 10, 19).IsWeekend()) // Monday
	assert.True(t, NewDate(2026, 10, 24).IsWeekend())
	assert.True(t, NewDate(2026, 10, 25).IsWeekend())
}

func TestDateJSON(t *testing.T) {
	type wrapper struct {
		Last Date `json:"last"`
	}

	out, err := json.Marshal(wrapper{Last: NewDate(2026, 10, 19)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"last":"2026-10-19"}`, string(out))

	out, err = json.Marshal(wrapper{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"last":null}`, string(out))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"last":"2026-01-05"}`), &w))
	assert.Equal(t, NewDate(2026, 1, 5), w.Last)
	require.NoError(t, json.Unmarshal([]byte(`{"last":null}`), &w))
	assert.True(t, w.Last.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`{"last":"yesterday"}`), &w))
}

func TestPeriodBoundaries(t *testing.T) {
	sunday := time.Date(2026, 10, 25, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC), StartOfDay(sunday, nil))
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), StartOfWeek(sunday, time.UTC))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), StartOfMonth(sunday, time.UTC))
	assert.Equal(t, "2026-W43", WeekKey(sunday, nil))
	assert.Equal(t, "2026-10", MonthKey(sunday, nil))
}

func TestWeekKeyAcrossYearBoundary(t *testing.T) {
	assert.Equal(t, "2026-W01", WeekKey(time.Date(2025, 12, 29, 12, 0, 0, 0, time.UTC), nil))
	assert.Equal(t, "2026-W53", WeekKey(time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC), nil))
}
