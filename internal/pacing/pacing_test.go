package pacing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/santarrsgrotto/readarr-server/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestGateSpacesRequests(t *testing.T) {
	t.Parallel()

	gate := NewGate("test", 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, gate.Wait(ctx))
	require.Less(t, time.Since(start), 40*time.Millisecond, "first request should pass immediately")
	require.NoError(t, gate.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestGateDisabled(t *testing.T) {
	t.Parallel()

	gate := NewGate("off", 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, gate.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestGateHonorsContext(t *testing.T) {
	t.Parallel()

	gate := NewGate("slow", time.Hour)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, gate.Wait(ctx))
}

func TestTimerSleeper(t *testing.T) {
	t.Parallel()

	var s TimerSleeper
	require.NoError(t, s.Sleep(context.Background(), 0))
	require.NoError(t, s.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Sleep(ctx, time.Hour)
	require.True(t, errors.Is(err, context.Canceled))
}
