// Package indicator is the pure computation kernel of the execution core.
// Every function is side-effect free, tolerates short input, and never
// mutates its arguments.
package indicator

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// EMA computes an exponential moving average over the series. With fewer
// points than the period it degrades to the arithmetic mean of what exists,
// so callers always get a finite value.
func EMA(series []float64, period int) float64 {
	if len(series) == 0 {
		return 0
	}
	if len(series) < period {
		return mean(series)
	}

	// Seed with the SMA of the first period, then iterate.
	ema := mean(series[:period])
	k := 2.0 / (float64(period) + 1.0)
	for _, v := range series[period:] {
		ema = (v-ema)*k + ema
	}
	return ema
}

// RSI computes Wilder's relative strength index. Short series shrink the
// period to max(2, len-1); fewer than three points yield the neutral 50.
// A zero average loss yields 100.
func RSI(series []float64, period int) float64 {
	if len(series) < 3 {
		return 50
	}
	if len(series) < period+1 {
		period = len(series) - 1
		if period < 2 {
			period = 2
		}
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := series[i] - series[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(series); i++ {
		delta := series[i] - series[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR computes the average true range. The second return is false when fewer
// than two bars exist. With len <= period the true ranges are simply
// averaged; beyond that Wilder smoothing applies.
func ATR(high, low, close []float64, period int) (float64, bool) {
	n := len(close)
	if n < 2 || len(high) < n || len(low) < n || period < 1 {
		return 0, false
	}

	tr := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		r := high[i] - low[i]
		if hc := math.Abs(high[i] - close[i-1]); hc > r {
			r = hc
		}
		if lc := math.Abs(low[i] - close[i-1]); lc > r {
			r = lc
		}
		tr = append(tr, r)
	}

	if len(tr) <= period {
		return mean(tr), true
	}

	atr := mean(tr[:period])
	for _, r := range tr[period:] {
		atr = (atr*float64(period-1) + r) / float64(period)
	}
	return atr, true
}

// VolatilityFloor is the minimum volatility reported, in percent.
const VolatilityFloor = 0.01

// Volatility measures dispersion as a percent of the series mean: the larger
// of the standard deviation and the min-max range, floored at 0.01%.
func Volatility(series []float64) float64 {
	if len(series) < 2 {
		return VolatilityFloor
	}
	m := mean(series)
	if m <= 0 {
		return VolatilityFloor
	}

	sd := stat.StdDev(series, nil)
	lo, hi := series[0], series[0]
	for _, v := range series[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	pct := math.Max(sd/m, (hi-lo)/m) * 100
	return math.Max(pct, VolatilityFloor)
}

// pullbackWindow is the number of recent closes inspected for an impulse.
const pullbackWindow = 10

// minImpulsePct is the minimum impulse size, as a fraction of the window
// start, for a pullback judgement to be made.
const minImpulsePct = 0.001

// PullbackReady inspects the last 10 closes for an impulse and judges
// whether price has retraced at least pullbackPct percent of it. The second
// return is false while no qualifying impulse exists.
func PullbackReady(closes, highs, lows []float64, pullbackPct float64) (ready, known bool) {
	if len(closes) < pullbackWindow {
		return false, false
	}

	c := closes[len(closes)-pullbackWindow:]
	h := tail(highs, c)
	l := tail(lows, c)

	start, last := c[0], c[len(c)-1]
	peak := maxOf(h)
	trough := minOf(l)
	need := pullbackPct / 100

	if up := peak - start; up >= minImpulsePct*start {
		return (peak - last) >= need*up, true
	}
	if down := start - trough; down >= minImpulsePct*start {
		return (last - trough) >= need*down, true
	}
	return false, false
}

// TrendScore sums the sign of each fast-minus-slow EMA gap. Three gaps
// (1m/5m/15m) yield a score in [-3, +3].
func TrendScore(gaps ...float64) int {
	score := 0
	for _, g := range gaps {
		switch {
		case g > 0:
			score++
		case g < 0:
			score--
		}
	}
	return score
}

func tail(series, ref []float64) []float64 {
	if len(series) >= pullbackWindow {
		return series[len(series)-pullbackWindow:]
	}
	return ref
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

func maxOf(series []float64) float64 {
	m := series[0]
	for _, v := range series[1:] {
		m = math.Max(m, v)
	}
	return m
}

func minOf(series []float64) float64 {
	m := series[0]
	for _, v := range series[1:] {
		m = math.Min(m, v)
	}
	return m
}
