package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
	require.False(t, clk.Now().Before(got), "successive timestamps are non-decreasing")
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.FixedZone("EDT", -4*3600))
	clk := Fixed{T: at}
	require.Equal(t, at.UTC(), clk.Now())
	require.Equal(t, time.UTC, clk.Now().Location())
}
