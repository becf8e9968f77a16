package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func flat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEMA_ShortSeriesFallsBackToMean(t *testing.T) {
	series := []float64{10, 20, 30}
	assert.InDelta(t, 20.0, EMA(series, 9), 1e-9)
}

func TestEMA_FollowsTrend(t *testing.T) {
	up := ramp(100, 1, 50)
	ema := EMA(up, 9)
	// EMA lags but tracks close to the latest value of a steady ramp.
	assert.Greater(t, ema, up[40])
	assert.Less(t, ema, up[49])
}

func TestEMA_DoesNotMutateInput(t *testing.T) {
	series := []float64{3, 1, 2, 5, 4}
	clone := append([]float64(nil), series...)
	EMA(series, 3)
	assert.Equal(t, clone, series)
}

func TestRSI_AllUpIs100(t *testing.T) {
	assert.Equal(t, 100.0, RSI(ramp(100, 1, 20), 14))
}

func TestRSI_AllDownIs0(t *testing.T) {
	assert.InDelta(t, 0.0, RSI(ramp(100, -1, 20), 14), 1e-9)
}

func TestRSI_TinySeriesIsNeutral(t *testing.T) {
	assert.Equal(t, 50.0, RSI([]float64{100, 101}, 14))
	assert.Equal(t, 50.0, RSI(nil, 14))
}

func TestRSI_ShortSeriesShrinksPeriod(t *testing.T) {
	// 5 points against a 14 period: computed over max(2, len-1).
	v := RSI([]float64{100, 101, 99, 102, 100}, 14)
	assert.Greater(t, v, 0.0)
	assert.Less(t, v, 100.0)
}

func TestATR_RequiresTwoBars(t *testing.T) {
	_, ok := ATR([]float64{101}, []float64{99}, []float64{100}, 14)
	assert.False(t, ok)
}

func TestATR_SimpleAverageWhenShort(t *testing.T) {
	high := []float64{101, 102, 103}
	low := []float64{99, 100, 101}
	close := []float64{100, 101, 102}
	atr, ok := ATR(high, low, close, 14)
	require.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATR_WilderSmoothing(t *testing.T) {
	n := 30
	high := ramp(101, 1, n)
	low := ramp(99, 1, n)
	close := ramp(100, 1, n)
	atr, ok := ATR(high, low, close, 14)
	require.True(t, ok)
	// Constant 2-point bar range with 1-point gaps: ATR settles near 2.
	assert.InDelta(t, 2.0, atr, 0.25)
}

func TestVolatility_FlatSeriesHitsFloor(t *testing.T) {
	assert.Equal(t, VolatilityFloor, Volatility(flat(100, 30)))
}

func TestVolatility_RangeDominates(t *testing.T) {
	series := append(flat(100, 28), 90, 110)
	v := Volatility(series)
	// Range is 20% of mean and dwarfs the stdev contribution.
	assert.Greater(t, v, 15.0)
}

func TestVolatility_ShortInput(t *testing.T) {
	assert.Equal(t, VolatilityFloor, Volatility([]float64{100}))
	assert.Equal(t, VolatilityFloor, Volatility(nil))
}

func TestPullbackReady_UnknownWithoutImpulse(t *testing.T) {
	closes := flat(100, 10)
	_, known := PullbackReady(closes, closes, closes, 30)
	assert.False(t, known)
}

func TestPullbackReady_LongImpulseRetraced(t *testing.T) {
	// Rally 100 -> 110, then retrace to 106 (40% of the impulse).
	closes := []float64{100, 102, 104, 106, 108, 110, 109, 108, 107, 106}
	ready, known := PullbackReady(closes, closes, closes, 30)
	require.True(t, known)
	assert.True(t, ready)
}

func TestPullbackReady_LongImpulseNotRetraced(t *testing.T) {
	closes := []float64{100, 102, 104, 106, 108, 110, 110, 110, 110, 110}
	ready, known := PullbackReady(closes, closes, closes, 30)
	require.True(t, known)
	assert.False(t, ready)
}

func TestPullbackReady_ShortImpulse(t *testing.T) {
	// Sell-off 110 -> 100, then bounce to 104.
	closes := []float64{110, 108, 106, 104, 102, 100, 101, 102, 103, 104}
	ready, known := PullbackReady(closes, closes, closes, 30)
	require.True(t, known)
	assert.True(t, ready)
}

func TestTrendScore(t *testing.T) {
	assert.Equal(t, 3, TrendScore(1, 0.5, 0.1))
	assert.Equal(t, -3, TrendScore(-1, -0.5, -0.1))
	assert.Equal(t, 1, TrendScore(1, -0.5, 0.1))
	assert.Equal(t, 0, TrendScore(0, 0, 0))
}

func TestIndicatorsArePure(t *testing.T) {
	series := ramp(100, 0.5, 40)
	first := RSI(series, 14)
	second := RSI(series, 14)
	assert.Equal(t, first, second)

	v1 := Volatility(series)
	v2 := Volatility(series)
	assert.Equal(t, v1, v2)
}
