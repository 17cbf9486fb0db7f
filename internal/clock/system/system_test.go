package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "expected %v between %v and %v", got, before, after)
}

func TestStartOfDay(t *testing.T) {
	t.Parallel()

	local := time.FixedZone("UTC+5", 5*3600)
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 6, 2, 0, 0, 0, local), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		require.True(t, tt.want.Equal(StartOfDay(tt.in)), "StartOfDay(%v)", tt.in)
	}
}
