package core

import "time"

// Direction is the trade side a signal proposes.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// Signal is the outcome of confluence scoring at a bar close.
type Signal struct {
	Direction  Direction `json:"direction"`
	Strength   float64   `json:"strength"`   // 0..100
	Confidence float64   `json:"confidence"` // 0..100
	Reasons    []string  `json:"reasons"`
}

// None returns the empty signal with an explanatory reason.
func NoSignal(reason string) Signal {
	return Signal{Direction: DirectionNone, Reasons: []string{reason}}
}

// IndicatorSnapshot is the latest indicator set for an instrument. Pointer
// fields are nil while history is insufficient.
type IndicatorSnapshot struct {
	EMAFast1m  *float64 `json:"emaFast1m"`
	EMASlow1m  *float64 `json:"emaSlow1m"`
	EMAFast5m  *float64 `json:"emaFast5m"`
	EMASlow5m  *float64 `json:"emaSlow5m"`
	EMAFast15m *float64 `json:"emaFast15m"`
	EMASlow15m *float64 `json:"emaSlow15m"`

	RSI14         *float64 `json:"rsi14"`
	VolatilityPct *float64 `json:"volatilityPct"`
	ATR14         *float64 `json:"atr14"`

	// TrendScore sums the sign of fast-slow EMA gaps across 1m/5m/15m.
	TrendScore int `json:"trendScore"`

	// PullbackReady is nil while the impulse/retrace window is undecided.
	PullbackReady *bool `json:"pullbackReady"`
}

// ExecutorState is the finite-state-machine state of an executor.
type ExecutorState string

const (
	StateInitializing   ExecutorState = "initializing"
	StateAnalyzing      ExecutorState = "analyzing"
	StateSignalDetected ExecutorState = "signal_detected"
	StatePositionOpen   ExecutorState = "position_open"
	StateStopped        ExecutorState = "stopped"
	StateError          ExecutorState = "error"
)

// AnalysisState is the read-only snapshot exposed for UI queries.
type AnalysisState struct {
	Key           InstanceKey       `json:"key"`
	State         ExecutorState     `json:"state"`
	LastPrice     float64           `json:"lastPrice"`
	LastAnalyzed  time.Time         `json:"lastAnalyzed"`
	Indicators    IndicatorSnapshot `json:"indicators"`
	Signal        Signal            `json:"signal"`
	Candles1m     int               `json:"candles1m"`
	DailyTrades   int               `json:"dailyTrades"`
	CooldownUntil time.Time         `json:"cooldownUntil"`
	CurrentTrade  string            `json:"currentTradeId,omitempty"`
}

// PositionMetrics describes a live position for UI consumption.
type PositionMetrics struct {
	Instrument    string        `json:"instrument"`
	Side          SideType      `json:"side"`
	Size          float64       `json:"size"`
	EntryPrice    float64       `json:"entryPrice"`
	MarkPrice     float64       `json:"markPrice"`
	StopLoss      float64       `json:"stopLoss"`
	TakeProfit    float64       `json:"takeProfit"`
	UnrealizedPnL float64       `json:"unrealizedPnl"`
	UnrealizedPct float64       `json:"unrealizedPct"`
	RiskReward    float64       `json:"riskReward"`
	Duration      time.Duration `json:"duration"`
	ProtectiveSL  bool          `json:"protectiveSl"`
	ProtectiveTP  bool          `json:"protectiveTp"`
	FetchedAt     time.Time     `json:"fetchedAt"`
}
