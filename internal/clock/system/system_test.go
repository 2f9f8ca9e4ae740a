package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
)

var (
	_ fiction.Clock = (*Clock)(nil)
	_ fiction.Clock = Fixed{}
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
	require.Zero(t, got.Nanosecond()%1000, "sub-microsecond precision is dropped")
}

func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first))
}

func TestFixed(t *testing.T) {
	t.Parallel()

	at := time.Date(2020, 2, 28, 0, 0, 0, 0, time.UTC)
	require.Equal(t, at, Fixed(at).Now())
}
