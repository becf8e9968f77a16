package core

import "time"

// Candle represents one OHLCV bar. Time is the bar open time.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// IsEmpty checks if the candle contains no significant data.
func (c Candle) IsEmpty() bool { return c.Open == 0 && c.Close == 0 && c.Volume == 0 }

// Valid reports whether the OHLC fields satisfy low <= open,close <= high
// and all prices are positive.
func (c Candle) Valid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return false
	}
	return c.Low <= min(c.Open, c.Close) && max(c.Open, c.Close) <= c.High
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Instrument string
	LastPrice  float64
	MarkPrice  float64
	BestBid    float64
	BestAsk    float64
	Time       time.Time
}

// InstrumentInfo is contract metadata needed for sizing and price rounding.
type InstrumentInfo struct {
	Name           string
	TickSize       float64
	MinTradeAmount float64
	MaxLeverage    float64
	ContractSize   float64
}

// Position is an open broker position. Size is signed: positive long,
// negative short.
type Position struct {
	Instrument   string
	Size         float64
	Direction    SideType
	AveragePrice float64
}

// AccountSummary holds the margin figures the sizer needs.
type AccountSummary struct {
	Currency       string
	Equity         float64
	AvailableFunds float64
}
