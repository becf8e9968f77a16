package strategy

import (
	"time"

	"github.com/quantbyte/razor/core"
)

// Buffer capacities. 1m buffers feed the indicator pipeline directly; the
// rollup buffers only hold closes.
const (
	cap1m     = 180
	capRollup = 100
)

const (
	barPeriod     = time.Minute
	fiveMinutes   = 5 * time.Minute
	quarterHour   = 15 * time.Minute
	minBarsFor5m  = 5
	minBarsFor15m = 15
)

// Aggregator builds 1-minute bars from the tick stream and rolls closed bars
// up into boundary-aligned 5m and 15m close series. Buffers are bounded and
// aggregation is deterministic for a given tick stream.
type Aggregator struct {
	Close1m core.Series[float64]
	High1m  core.Series[float64]
	Low1m   core.Series[float64]

	Close5m  core.Series[float64]
	Close15m core.Series[float64]

	bar     core.Candle
	hasBar  bool
	last5m  time.Time
	last15m time.Time
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Ingest advances the aggregator with one tick. It returns true when the
// tick closed a 1-minute bar; executors only act on closed bars.
func (a *Aggregator) Ingest(price float64, now time.Time) (barClosed bool) {
	if !a.hasBar {
		a.openBar(price, now)
		return false
	}

	if now.Sub(a.bar.Time) >= barPeriod {
		a.closeBar(now)
		a.openBar(price, now)
		return true
	}

	if price > a.bar.High {
		a.bar.High = price
	}
	if price < a.bar.Low {
		a.bar.Low = price
	}
	a.bar.Close = price
	return false
}

// Preload seeds the buffers from historical 1-minute candles, oldest first,
// producing the same rollup series a live replay would.
func (a *Aggregator) Preload(candles []core.Candle) {
	for _, c := range candles {
		if !c.Valid() {
			continue
		}
		a.push(c, c.Time.Add(barPeriod))
	}
}

// CurrentBar returns the open bar under construction and whether one exists.
func (a *Aggregator) CurrentBar() (core.Candle, bool) {
	return a.bar, a.hasBar
}

func (a *Aggregator) openBar(price float64, now time.Time) {
	a.bar = core.Candle{
		Time:  now.Truncate(barPeriod),
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
	a.hasBar = true
}

func (a *Aggregator) closeBar(now time.Time) {
	a.push(a.bar, now)
	a.hasBar = false
}

// push commits a closed 1m bar, then checks whether its close also closes a
// 5m or 15m bucket. Buckets are floor-aligned to wall-clock boundaries, not
// sliding windows.
func (a *Aggregator) push(bar core.Candle, now time.Time) {
	a.Close1m = a.Close1m.PushCapped(bar.Close, cap1m)
	a.High1m = a.High1m.PushCapped(bar.High, cap1m)
	a.Low1m = a.Low1m.PushCapped(bar.Low, cap1m)

	if b := now.Truncate(fiveMinutes); b.After(a.last5m) && a.Close1m.Length() >= minBarsFor5m {
		a.Close5m = a.Close5m.PushCapped(bar.Close, capRollup)
		a.last5m = b
	}
	if b := now.Truncate(quarterHour); b.After(a.last15m) && a.Close1m.Length() >= minBarsFor15m {
		a.Close15m = a.Close15m.PushCapped(bar.Close, capRollup)
		a.last15m = b
	}
}
