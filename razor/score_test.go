package razor

import (
	"testing"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aggFromCloses(closes []float64, spread float64, end time.Time) *strategy.Aggregator {
	candles := make([]core.Candle, len(closes))
	start := end.Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		candles[i] = core.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   c,
			High:   c + spread,
			Low:    c - spread,
			Close:  c,
			Volume: 1,
		}
	}
	a := strategy.NewAggregator()
	a.Preload(candles)
	return a
}

func scoreAgg(a *strategy.Aggregator, cfg core.RazorConfig, dailyLimitHit bool) core.Signal {
	return score(scoreInput{
		snap:          computeSnapshot(a, cfg),
		agg:           a,
		cfg:           cfg,
		dailyLimitHit: dailyLimitHit,
	})
}

func TestScore_DailyLimitHardReject(t *testing.T) {
	a := aggFromCloses(make([]float64, 0), 0, t0)
	sig := scoreAgg(a, core.DefaultRazorConfig(), true)

	assert.Equal(t, core.DirectionNone, sig.Direction)
	assert.Contains(t, sig.Reasons, "daily trade limit reached")
}

func TestScore_InsufficientHistory(t *testing.T) {
	a := aggFromCloses([]float64{50000, 50001}, 5, t0)
	sig := scoreAgg(a, core.DefaultRazorConfig(), false)

	assert.Equal(t, core.DirectionNone, sig.Direction)
	assert.Contains(t, sig.Reasons, "insufficient indicator history")
}

func TestScore_DeadMarketRejected(t *testing.T) {
	// A perfectly flat series clamps volatility to the floor, under the
	// default 0.03% minimum.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50000
	}
	a := aggFromCloses(closes, 0.5, t0)
	sig := scoreAgg(a, core.DefaultRazorConfig(), false)

	assert.Equal(t, core.DirectionNone, sig.Direction)
	require.NotEmpty(t, sig.Reasons)
	assert.Contains(t, sig.Reasons[0], "volatility")
}

func TestScore_DeepOversoldProducesLong(t *testing.T) {
	// Twenty quiet bars then a steady sell-off: RSI pins low while the
	// overall range stays in the scorer's volatility sweet spot, so the
	// mean-reversion side outweighs the trend-following one.
	closes := make([]float64, 0, 30)
	for i := 0; i < 20; i++ {
		closes = append(closes, 50000+float64(i%3))
	}
	for i := 1; i <= 10; i++ {
		closes = append(closes, 50000-float64(i)*12)
	}
	a := aggFromCloses(closes, 20, t0)

	cfg := core.DefaultRazorConfig()
	sig := scoreAgg(a, cfg, false)

	assert.Equal(t, core.DirectionLong, sig.Direction)
	assert.GreaterOrEqual(t, sig.Strength, cfg.MinConfluenceScore)
	assert.Greater(t, sig.Confidence, 0.0)
	assert.NotEmpty(t, sig.Reasons)
}

func TestScore_DeepOverboughtProducesShort(t *testing.T) {
	closes := make([]float64, 0, 30)
	for i := 0; i < 20; i++ {
		closes = append(closes, 50000-float64(i%3))
	}
	for i := 1; i <= 10; i++ {
		closes = append(closes, 50000+float64(i)*12)
	}
	a := aggFromCloses(closes, 20, t0)

	cfg := core.DefaultRazorConfig()
	sig := scoreAgg(a, cfg, false)

	assert.Equal(t, core.DirectionShort, sig.Direction)
	assert.GreaterOrEqual(t, sig.Strength, cfg.MinConfluenceScore)
}

func TestScore_NeutralMarketBelowThreshold(t *testing.T) {
	// Mild oscillation: volatility passes the gate but no side accumulates
	// enough confluence.
	closes := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		closes = append(closes, 50000+float64(i%5)*15-30)
	}
	a := aggFromCloses(closes, 10, t0)

	sig := scoreAgg(a, core.DefaultRazorConfig(), false)
	assert.Equal(t, core.DirectionNone, sig.Direction)
}

func TestComputeSnapshot_PointerFieldsGateOnHistory(t *testing.T) {
	cfg := core.DefaultRazorConfig()

	short := aggFromCloses([]float64{50000, 50010}, 5, t0)
	snap := computeSnapshot(short, cfg)
	assert.NotNil(t, snap.EMAFast1m)
	assert.Nil(t, snap.RSI14)

	empty := aggFromCloses(nil, 0, t0)
	snap = computeSnapshot(empty, cfg)
	assert.Nil(t, snap.EMAFast1m)
	assert.Nil(t, snap.VolatilityPct)
}

func TestMomentum(t *testing.T) {
	closes := core.Series[float64]{100, 100, 100, 100, 100, 102}
	m, ok := momentum(closes)
	require.True(t, ok)
	assert.InDelta(t, 2.0, m, 0.001)

	_, ok = momentum(core.Series[float64]{100, 101})
	assert.False(t, ok)
}
