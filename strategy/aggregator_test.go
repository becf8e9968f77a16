package strategy

import (
	"testing"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAggregator_BuildsBarFromTicks(t *testing.T) {
	a := NewAggregator()

	a.Ingest(100, t0)
	a.Ingest(103, t0.Add(10*time.Second))
	a.Ingest(99, t0.Add(30*time.Second))
	a.Ingest(101, t0.Add(50*time.Second))

	bar, ok := a.CurrentBar()
	require.True(t, ok)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 103.0, bar.High)
	assert.Equal(t, 99.0, bar.Low)
	assert.Equal(t, 101.0, bar.Close)
	assert.Equal(t, t0, bar.Time)
}

func TestAggregator_ClosesBarOnMinuteRollover(t *testing.T) {
	a := NewAggregator()

	closed := a.Ingest(100, t0)
	assert.False(t, closed)

	closed = a.Ingest(102, t0.Add(time.Minute))
	assert.True(t, closed)
	assert.Equal(t, 1, a.Close1m.Length())
	assert.Equal(t, 100.0, a.Close1m.Last(0))

	// New bar opened from the rollover tick.
	bar, ok := a.CurrentBar()
	require.True(t, ok)
	assert.Equal(t, 102.0, bar.Open)
}

func TestAggregator_BuffersAreBounded(t *testing.T) {
	a := NewAggregator()
	now := t0
	for i := 0; i < cap1m+50; i++ {
		a.Ingest(100+float64(i%5), now)
		now = now.Add(time.Minute)
	}
	assert.Equal(t, cap1m, a.Close1m.Length())
	assert.Equal(t, cap1m, a.High1m.Length())
	assert.Equal(t, cap1m, a.Low1m.Length())
	assert.LessOrEqual(t, a.Close5m.Length(), capRollup)
}

func TestAggregator_RollupOnBoundaries(t *testing.T) {
	a := NewAggregator()
	now := t0 // aligned to a 15m boundary
	for i := 0; i < 31; i++ {
		a.Ingest(100+float64(i), now)
		now = now.Add(time.Minute)
	}

	// 30 closed bars: boundary crossings at +5..+30 minutes, gated on five
	// warm-up closes for 5m and fifteen for 15m.
	assert.Equal(t, 30, a.Close1m.Length())
	assert.GreaterOrEqual(t, a.Close5m.Length(), 5)
	assert.GreaterOrEqual(t, a.Close15m.Length(), 1)
	// Rollup closes are genuine 1m closes.
	assert.Contains(t, a.Close1m.Values(), a.Close5m.Last(0))
}

func TestAggregator_DeterministicReplay(t *testing.T) {
	build := func() *Aggregator {
		a := NewAggregator()
		now := t0
		for i := 0; i < 120; i++ {
			a.Ingest(100+float64(i%7), now)
			now = now.Add(20 * time.Second)
		}
		return a
	}

	a, b := build(), build()
	assert.Equal(t, a.Close1m, b.Close1m)
	assert.Equal(t, a.Close5m, b.Close5m)
	assert.Equal(t, a.Close15m, b.Close15m)
}

func TestAggregator_PreloadSeedsRollups(t *testing.T) {
	candles := make([]core.Candle, 0, 60)
	now := t0
	for i := 0; i < 60; i++ {
		price := 100 + float64(i)
		candles = append(candles, core.Candle{
			Time: now, Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		})
		now = now.Add(time.Minute)
	}

	a := NewAggregator()
	a.Preload(candles)

	assert.Equal(t, 60, a.Close1m.Length())
	assert.GreaterOrEqual(t, a.Close5m.Length(), 10)
	assert.GreaterOrEqual(t, a.Close15m.Length(), 3)
}

func TestAggregator_PreloadSkipsInvalidCandles(t *testing.T) {
	a := NewAggregator()
	a.Preload([]core.Candle{
		{Time: t0, Open: 100, High: 99, Low: 101, Close: 100}, // inverted
		{Time: t0.Add(time.Minute), Open: 100, High: 101, Low: 99, Close: 100},
	})
	assert.Equal(t, 1, a.Close1m.Length())
}
