package razor

import (
	"fmt"
	"math"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/indicator"
	"github.com/quantbyte/razor/strategy"
)

// Fixed 1m EMA periods; the higher-timeframe periods come from config.
const (
	ema1mFastPeriod = 9
	ema1mSlowPeriod = 21
)

// volatilityWindow is the number of 1m closes the volatility gate inspects.
const volatilityWindow = 20

// momentumBars is the lookback for the momentum contribution.
const momentumBars = 5

// rangeCompressionBars is the averaging window for the compression check.
const rangeCompressionBars = 12

// computeSnapshot derives the indicator set from the aggregator buffers.
// Pointer fields stay nil while history is insufficient.
func computeSnapshot(agg *strategy.Aggregator, cfg core.RazorConfig) core.IndicatorSnapshot {
	var snap core.IndicatorSnapshot

	closes := agg.Close1m.Values()
	highs := agg.High1m.Values()
	lows := agg.Low1m.Values()

	if len(closes) >= 2 {
		snap.EMAFast1m = ptr(indicator.EMA(closes, ema1mFastPeriod))
		snap.EMASlow1m = ptr(indicator.EMA(closes, ema1mSlowPeriod))
	}
	if agg.Close5m.Length() >= 2 {
		snap.EMAFast5m = ptr(indicator.EMA(agg.Close5m.Values(), cfg.EMA5mFast))
		snap.EMASlow5m = ptr(indicator.EMA(agg.Close5m.Values(), cfg.EMA5mSlow))
	}
	if agg.Close15m.Length() >= 2 {
		snap.EMAFast15m = ptr(indicator.EMA(agg.Close15m.Values(), cfg.EMA15mFast))
		snap.EMASlow15m = ptr(indicator.EMA(agg.Close15m.Values(), cfg.EMA15mSlow))
	}

	if len(closes) >= 3 {
		snap.RSI14 = ptr(indicator.RSI(closes, 14))
	}
	if len(closes) >= 2 {
		snap.VolatilityPct = ptr(indicator.Volatility(agg.Close1m.LastValues(volatilityWindow).Values()))
	}
	if atr, ok := indicator.ATR(highs, lows, closes, cfg.ATRPeriod); ok {
		snap.ATR14 = ptr(atr)
	}

	snap.TrendScore = multiTimeframeTrend(snap)

	if ready, known := indicator.PullbackReady(closes, highs, lows, cfg.PullbackPercent); known {
		snap.PullbackReady = ptr(ready)
	}

	return snap
}

// multiTimeframeTrend sums the EMA gap signs of the timeframes that have
// enough history. Missing timeframes contribute nothing.
func multiTimeframeTrend(snap core.IndicatorSnapshot) int {
	gaps := make([]float64, 0, 3)
	if snap.EMAFast1m != nil && snap.EMASlow1m != nil {
		gaps = append(gaps, *snap.EMAFast1m-*snap.EMASlow1m)
	}
	if snap.EMAFast5m != nil && snap.EMASlow5m != nil {
		gaps = append(gaps, *snap.EMAFast5m-*snap.EMASlow5m)
	}
	if snap.EMAFast15m != nil && snap.EMASlow15m != nil {
		gaps = append(gaps, *snap.EMAFast15m-*snap.EMASlow15m)
	}
	return indicator.TrendScore(gaps...)
}

// scoreInput bundles everything the confluence rubric inspects.
type scoreInput struct {
	snap          core.IndicatorSnapshot
	agg           *strategy.Aggregator
	cfg           core.RazorConfig
	dailyLimitHit bool
}

// score runs the weighted confluence rubric and picks a direction. Only a
// score at or above cfg.MinConfluenceScore produces a tradeable signal;
// ties produce none.
func score(in scoreInput) core.Signal {
	cfg := in.cfg
	snap := in.snap

	if in.dailyLimitHit {
		return core.NoSignal("daily trade limit reached")
	}
	if snap.VolatilityPct == nil || snap.RSI14 == nil {
		return core.NoSignal("insufficient indicator history")
	}

	vol := *snap.VolatilityPct
	if vol < cfg.MinVolatility || vol > cfg.MaxVolatility {
		return core.NoSignal(fmt.Sprintf("volatility %.3f%% outside [%.3f, %.3f]", vol, cfg.MinVolatility, cfg.MaxVolatility))
	}

	var longScore, shortScore float64
	var reasons []string

	addLong := func(delta float64, reason string) {
		longScore = math.Max(0, longScore+delta)
		reasons = append(reasons, "L:"+reason)
	}
	addShort := func(delta float64, reason string) {
		shortScore = math.Max(0, shortScore+delta)
		reasons = append(reasons, "S:"+reason)
	}

	// Volatility sweet spot favours scalping on both sides.
	if vol >= 0.08 && vol <= 0.60 {
		addLong(8, "volatility sweet spot")
		addShort(8, "volatility sweet spot")
	}

	rsi := *snap.RSI14
	if rsi < cfg.RSIOversold {
		addLong(math.Min(35+(cfg.RSIOversold-rsi), 48), fmt.Sprintf("rsi oversold %.1f", rsi))
	}
	if rsi > cfg.RSIOverbought {
		addShort(math.Min(35+(rsi-cfg.RSIOverbought), 48), fmt.Sprintf("rsi overbought %.1f", rsi))
	}

	if snap.EMAFast1m != nil && snap.EMASlow1m != nil {
		if *snap.EMAFast1m > *snap.EMASlow1m {
			addLong(20, "1m ema confirms")
			addShort(5, "1m ema against")
		} else {
			addLong(5, "1m ema against")
			addShort(20, "1m ema confirms")
		}
	}

	closes := in.agg.Close1m
	if m, ok := momentum(closes); ok {
		if m > 0.05 {
			addLong(15, fmt.Sprintf("momentum %+.3f%%", m))
		} else if m < -0.05 {
			addShort(15, fmt.Sprintf("momentum %+.3f%%", m))
		}
	}

	if snap.ATR14 != nil && closes.Length() > 0 {
		atrPct := *snap.ATR14 / closes.Last(0) * 100
		if atrPct >= 0.03 && atrPct <= 0.8 {
			addLong(6, "atr in scalping band")
			addShort(6, "atr in scalping band")
		}
	}

	if cfg.UseTrendFilter {
		switch {
		case snap.TrendScore >= 3:
			addLong(10, "strong mtf uptrend")
		case snap.TrendScore == 2:
			addLong(6, "mtf uptrend")
		case snap.TrendScore <= -3:
			addShort(10, "strong mtf downtrend")
		case snap.TrendScore == -2:
			addShort(6, "mtf downtrend")
		}
	}

	if snap.PullbackReady != nil {
		if *snap.PullbackReady {
			addLong(5, "pullback ready")
			addShort(5, "pullback ready")
		} else {
			addLong(-5, "pullback not ready")
			addShort(-5, "pullback not ready")
		}
	}

	if compressed(in.agg) {
		addLong(4, "range compression")
		addShort(4, "range compression")
	}

	// Crossover rescue only fires when nothing else scored yet.
	if longScore < 20 && shortScore < 20 {
		if dir, ok := emaCross(closes); ok {
			if dir == core.DirectionLong {
				addLong(25, "1m ema crossover")
			} else {
				addShort(25, "1m ema crossover")
			}
		}
	}

	direction := core.DirectionNone
	strength := 0.0
	switch {
	case longScore > shortScore && longScore >= cfg.MinConfluenceScore:
		direction = core.DirectionLong
		strength = longScore
	case shortScore > longScore && shortScore >= cfg.MinConfluenceScore:
		direction = core.DirectionShort
		strength = shortScore
	}

	if direction == core.DirectionNone {
		return core.Signal{
			Direction: core.DirectionNone,
			Strength:  math.Min(math.Max(longScore, shortScore), 100),
			Reasons:   reasons,
		}
	}

	loser := math.Min(longScore, shortScore)
	return core.Signal{
		Direction:  direction,
		Strength:   math.Min(strength, 100),
		Confidence: math.Min(math.Max(strength-loser, 0), 100),
		Reasons:    reasons,
	}
}

// momentum is the percent change over the last momentumBars closes.
func momentum(closes core.Series[float64]) (float64, bool) {
	if closes.Length() < momentumBars+1 {
		return 0, false
	}
	base := closes.Last(momentumBars)
	if base == 0 {
		return 0, false
	}
	return (closes.Last(0) - base) / base * 100, true
}

// compressed reports whether the last bar's range is under 60% of the
// average range of the last 12 bars.
func compressed(agg *strategy.Aggregator) bool {
	highs := agg.High1m.Values()
	lows := agg.Low1m.Values()
	if len(highs) < rangeCompressionBars || len(lows) < rangeCompressionBars {
		return false
	}

	ranges := make([]float64, len(highs))
	for i := range highs {
		ranges[i] = highs[i] - lows[i]
	}
	avg := indicator.SMA(ranges, rangeCompressionBars)
	last := ranges[len(ranges)-1]
	return avg[len(avg)-1] > 0 && last < 0.6*avg[len(avg)-1]
}

// emaCross detects a fast/slow EMA cross on the last closed bar with a gap
// of at least 0.02%.
func emaCross(closes core.Series[float64]) (core.Direction, bool) {
	if closes.Length() < ema1mSlowPeriod+2 {
		return core.DirectionNone, false
	}

	cur := closes.Values()
	prev := cur[:len(cur)-1]

	fastNow := indicator.EMA(cur, ema1mFastPeriod)
	slowNow := indicator.EMA(cur, ema1mSlowPeriod)
	fastPrev := indicator.EMA(prev, ema1mFastPeriod)
	slowPrev := indicator.EMA(prev, ema1mSlowPeriod)

	if slowNow == 0 {
		return core.DirectionNone, false
	}
	gap := math.Abs(fastNow-slowNow) / slowNow * 100
	if gap < 0.02 {
		return core.DirectionNone, false
	}

	if fastNow > slowNow && fastPrev <= slowPrev {
		return core.DirectionLong, true
	}
	if fastNow < slowNow && fastPrev >= slowPrev {
		return core.DirectionShort, true
	}
	return core.DirectionNone, false
}

func ptr[T any](v T) *T { return &v }
