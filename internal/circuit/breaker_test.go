package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingBreaker(t *testing.T, cooldown time.Duration) *Breaker {
	t.Helper()
	return New(Config{
		Name:        "test",
		MaxProbes:   2,
		Cooldown:    cooldown,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := failingBreaker(t, time.Minute)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error {
		t.Fatal("function must not run while open")
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := failingBreaker(t, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := failingBreaker(t, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Enough successful probes close the circuit.
	require.NoError(t, b.Execute(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := failingBreaker(t, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCountsSnapshot(t *testing.T) {
	b := New(DefaultConfig("counts"))

	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errBoom })

	c := b.Counts()
	assert.Equal(t, uint32(2), c.Requests)
	assert.Equal(t, uint32(1), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)
	assert.InDelta(t, 0.5, c.FailureRatio(), 1e-9)
}
