package core

import "encoding/json"

// RazorConfig holds every recognised parameter of the Razor strategy.
// Zero values are replaced by defaults in Normalize.
type RazorConfig struct {
	// Sizing and brackets. TradeSize is the notional USD per entry; the two
	// percents set the bracket width below/above the fill.
	TradeSize         float64 `json:"tradeSize"`
	StopLossPercent   float64 `json:"stopLossPercent"`
	TakeProfitPercent float64 `json:"takeProfitPercent"`

	// Trade pacing
	MaxConcurrentTrades int     `json:"maxConcurrentTrades"` // enforced = 1
	MaxDailyTrades      int     `json:"maxDailyTrades"`
	CooldownMinutes     float64 `json:"cooldownMinutes"`

	// Break-even stop move
	BreakEvenEnabled     bool    `json:"breakEvenEnabled"`
	BreakEvenTriggerToTP float64 `json:"breakEvenTriggerToTP"` // fraction of the TP distance
	BreakEvenOffsetTicks float64 `json:"breakEvenOffsetTicks"`

	// Trailing stop
	TrailingStopEnabled           bool    `json:"trailingStopEnabled"`
	TrailingStopActivationPercent float64 `json:"trailingStopActivationPercent"`
	TrailingStopDistance          float64 `json:"trailingStopDistance"` // percent of price

	// Trend filter
	UseTrendFilter bool `json:"useTrendFilter"`
	EMA5mFast      int  `json:"ema5mFast"`
	EMA5mSlow      int  `json:"ema5mSlow"`
	EMA15mFast     int  `json:"ema15mFast"`
	EMA15mSlow     int  `json:"ema15mSlow"`

	// Signal gates
	MinVolatility       float64 `json:"minVolatility"` // percent
	MaxVolatility       float64 `json:"maxVolatility"`
	RSIOversold         float64 `json:"rsiOversold"`
	RSIOverbought       float64 `json:"rsiOverbought"`
	RSIExtremeThreshold float64 `json:"rsiExtremeThreshold"`
	MinConfluenceScore  float64 `json:"minConfluenceScore"`

	// Adaptive risk
	AdaptiveRiskEnabled bool    `json:"adaptiveRiskEnabled"`
	ATRPeriod           int     `json:"atrPeriod"`
	PullbackPercent     float64 `json:"pullbackPercent"`
}

// DefaultRazorConfig returns the Razor production defaults.
func DefaultRazorConfig() RazorConfig {
	return RazorConfig{
		TradeSize:         100,
		StopLossPercent:   0.5,
		TakeProfitPercent: 0.65,

		MaxConcurrentTrades: 1,
		MaxDailyTrades:      20,
		CooldownMinutes:     5,

		BreakEvenEnabled:     true,
		BreakEvenTriggerToTP: 0.5,
		BreakEvenOffsetTicks: 1,

		UseTrendFilter: true,
		EMA5mFast:      9,
		EMA5mSlow:      21,
		EMA15mFast:     9,
		EMA15mSlow:     21,

		MinVolatility:       0.03,
		MaxVolatility:       2.0,
		RSIOversold:         35,
		RSIOverbought:       65,
		RSIExtremeThreshold: 12,
		MinConfluenceScore:  58,

		AdaptiveRiskEnabled: true,
		ATRPeriod:           14,
		PullbackPercent:     30,
	}
}

// Normalize fills unset fields with defaults and clamps hard limits.
func (c RazorConfig) Normalize() RazorConfig {
	def := DefaultRazorConfig()
	if c.TradeSize <= 0 {
		c.TradeSize = def.TradeSize
	}
	if c.StopLossPercent <= 0 {
		c.StopLossPercent = def.StopLossPercent
	}
	if c.TakeProfitPercent <= 0 {
		c.TakeProfitPercent = def.TakeProfitPercent
	}
	// Single live position per key, regardless of what the caller asks for.
	c.MaxConcurrentTrades = 1
	if c.MaxDailyTrades <= 0 {
		c.MaxDailyTrades = def.MaxDailyTrades
	}
	if c.CooldownMinutes <= 0 {
		c.CooldownMinutes = def.CooldownMinutes
	}
	if c.BreakEvenTriggerToTP <= 0 || c.BreakEvenTriggerToTP >= 1 {
		c.BreakEvenTriggerToTP = def.BreakEvenTriggerToTP
	}
	if c.BreakEvenOffsetTicks < 0 {
		c.BreakEvenOffsetTicks = def.BreakEvenOffsetTicks
	}
	if c.EMA5mFast <= 0 {
		c.EMA5mFast = def.EMA5mFast
	}
	if c.EMA5mSlow <= 0 {
		c.EMA5mSlow = def.EMA5mSlow
	}
	if c.EMA15mFast <= 0 {
		c.EMA15mFast = def.EMA15mFast
	}
	if c.EMA15mSlow <= 0 {
		c.EMA15mSlow = def.EMA15mSlow
	}
	if c.MinVolatility <= 0 {
		c.MinVolatility = def.MinVolatility
	}
	if c.MaxVolatility <= 0 {
		c.MaxVolatility = def.MaxVolatility
	}
	if c.RSIOversold <= 0 {
		c.RSIOversold = def.RSIOversold
	}
	if c.RSIOverbought <= 0 {
		c.RSIOverbought = def.RSIOverbought
	}
	if c.RSIExtremeThreshold <= 0 {
		c.RSIExtremeThreshold = def.RSIExtremeThreshold
	}
	if c.MinConfluenceScore <= 0 {
		c.MinConfluenceScore = def.MinConfluenceScore
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = def.ATRPeriod
	}
	if c.PullbackPercent <= 0 {
		c.PullbackPercent = def.PullbackPercent
	}
	return c
}

// ParseRazorConfig decodes an opaque config blob, applying defaults. A nil or
// empty blob yields the defaults. Decoding happens over the defaults so
// omitted fields, booleans included, keep their documented values; only keys
// the blob names are overridden.
func ParseRazorConfig(blob []byte) (RazorConfig, error) {
	cfg := DefaultRazorConfig()
	if len(blob) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return RazorConfig{}, NewError(CodeValidation, "invalid strategy config: "+err.Error(), nil)
	}
	return cfg.Normalize(), nil
}

// Marshal encodes the config as the opaque blob stored on status rows.
func (c RazorConfig) Marshal() []byte {
	blob, _ := json.Marshal(c)
	return blob
}
