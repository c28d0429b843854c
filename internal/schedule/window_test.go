package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "09:30", want: 9*time.Hour + 30*time.Minute},
		{input: " 00:00 ", want: 0},
		{input: "23:59", want: 23*time.Hour + 59*time.Minute},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "0930", wantErr: true},
		{input: "ab:cd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClock(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWindowContains(t *testing.T) {
	t.Run("Daytime window in New York", func(t *testing.T) {
		w, err := ParseWindow("09:30", "16:00", "America/New_York")
		require.NoError(t, err)

		// 2026-10-14 is a Wednesday; New York is UTC-4 in October
		assert.True(t, w.Contains(time.Date(2026, 10, 14, 13, 30, 0, 0, time.UTC)))
		assert.True(t, w.Contains(time.Date(2026, 10, 14, 19, 59, 0, 0, time.UTC)))
		assert.False(t, w.Contains(time.Date(2026, 10, 14, 20, 0, 0, 0, time.UTC)))
		assert.False(t, w.Contains(time.Date(2026, 10, 14, 13, 29, 0, 0, time.UTC)))
	})

	t.Run("Overnight window", func(t *testing.T) {
		w, err := ParseWindow("22:00", "07:00", "UTC")
		require.NoError(t, err)

		assert.True(t, w.Contains(time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)))
		assert.True(t, w.Contains(time.Date(2026, 10, 15, 6, 59, 0, 0, time.UTC)))
		assert.False(t, w.Contains(time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)))
		assert.False(t, w.Contains(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("Weekday filter", func(t *testing.T) {
		w, err := ParseWindow("09:00", "17:00", "UTC")
		require.NoError(t, err)
		w.Weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

		assert.True(t, w.Contains(time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)))  // Wednesday
		assert.False(t, w.Contains(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))) // Saturday
	})

	t.Run("Overnight session belongs to the day it started", func(t *testing.T) {
		w, err := ParseWindow("22:00", "02:00", "UTC")
		require.NoError(t, err)
		w.Weekdays = []time.Weekday{time.Friday}

		assert.True(t, w.Contains(time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC))) // Friday night
		assert.True(t, w.Contains(time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)))  // early Saturday
		assert.False(t, w.Contains(time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC))) // early Sunday
	})
}

func TestParseWindowErrors(t *testing.T) {
	_, err := ParseWindow("09:00", "09:00", "UTC")
	assert.Error(t, err)

	_, err = ParseWindow("09:00", "17:00", "Mars/Olympus")
	assert.Error(t, err)

	_, err = ParseWindow("9am", "17:00", "UTC")
	assert.Error(t, err)
}

func TestWindowString(t *testing.T) {
	w, err := ParseWindow("09:30", "16:00", "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "09:30-16:00 America/New_York", w.String())
}

func TestDayBounds(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name   string
		at     time.Time
		length time.Duration
	}{
		{"regular day", time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC), 24 * time.Hour},
		{"clocks fall back", time.Date(2026, 11, 2, 4, 30, 0, 0, time.UTC), 25 * time.Hour},
		{"clocks spring forward", time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC), 23 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := DayBounds(tt.at, ny)
			assert.Equal(t, tt.length, end.Sub(start))
			assert.False(t, tt.at.Before(start))
			assert.True(t, tt.at.Before(end))
			assert.Equal(t, 0, end.In(ny).Hour())
		})
	}
}
