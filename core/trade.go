package core

import "time"

// TradeStatus is the lifecycle state of a journalled trade.
type TradeStatus string

// ExitReason records why a trade closed.
type ExitReason string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

const (
	ExitReasonStopLoss   ExitReason = "sl_hit"
	ExitReasonTakeProfit ExitReason = "tp_hit"
	ExitReasonManual     ExitReason = "manual"
)

// EntryOrderAutoResume marks trade rows created by orphan-position adoption.
const EntryOrderAutoResume = "auto_resume"

// Trade is the journal's authoritative record of one bracketed trade.
// Invariant: open rows carry no exit fields, closed rows carry all of them.
type Trade struct {
	ID          string      `json:"id" gorm:"primaryKey;size:36"`
	UserID      string      `json:"user_id" gorm:"index:idx_trades_key"`
	Strategy    string      `json:"strategy_name" gorm:"index:idx_trades_key"`
	Instrument  string      `json:"instrument" gorm:"index:idx_trades_key"`
	Broker      string      `json:"broker" gorm:"index:idx_trades_key"`
	Environment Environment `json:"environment" gorm:"index:idx_trades_key"`

	Side         SideType `json:"side"`
	EntryOrderID string   `json:"entry_order_id"`
	SLOrderID    string   `json:"sl_order_id"`
	TPOrderID    string   `json:"tp_order_id"`

	EntryPrice float64 `json:"entry_price"`
	Amount     float64 `json:"amount"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	Status   TradeStatus `json:"status" gorm:"index"`
	OpenedAt time.Time   `json:"opened_at"`

	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	PnL        *float64   `json:"pnl,omitempty"`
	PnLPercent *float64   `json:"pnl_percentage,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the owning instance key of the trade.
func (t Trade) Key() InstanceKey {
	return InstanceKey{
		UserID:      t.UserID,
		Strategy:    t.Strategy,
		Instrument:  t.Instrument,
		Broker:      t.Broker,
		Environment: t.Environment,
	}
}

// IsOpen reports whether the trade is still live.
func (t Trade) IsOpen() bool { return t.Status == TradeStatusOpen }

// ExitDetail carries the fields set when a trade closes.
type ExitDetail struct {
	ExitPrice  float64
	Reason     ExitReason
	PnL        float64
	PnLPercent float64
	ClosedAt   time.Time
}

// DeriveExit computes linear-contract P&L for an exit at the given price.
// priceChangePct is signed by side: a long profits when exit > entry.
func (t Trade) DeriveExit(exitPrice float64, reason ExitReason, closedAt time.Time) ExitDetail {
	changePct := (exitPrice - t.EntryPrice) / t.EntryPrice
	sign := 1.0
	if t.Side == SideTypeSell {
		sign = -1.0
	}
	return ExitDetail{
		ExitPrice:  exitPrice,
		Reason:     reason,
		PnL:        changePct * t.Amount * sign,
		PnLPercent: changePct * 100 * sign,
		ClosedAt:   closedAt,
	}
}

// TradeFilter selects journal rows in memory.
type TradeFilter func(Trade) bool

// WithTradeStatus filters by lifecycle state.
func WithTradeStatus(status TradeStatus) TradeFilter {
	return func(t Trade) bool { return t.Status == status }
}

// WithTradeKey filters by owning instance key.
func WithTradeKey(key InstanceKey) TradeFilter {
	return func(t Trade) bool { return t.Key() == key }
}

// WithTradeUser filters by user.
func WithTradeUser(userID string) TradeFilter {
	return func(t Trade) bool { return t.UserID == userID }
}

// WithTradeInstrument filters by instrument.
func WithTradeInstrument(instrument string) TradeFilter {
	return func(t Trade) bool { return t.Instrument == instrument }
}

// WithTradeOffset skips the first n rows that pass the preceding filters.
// The filter is stateful: build a fresh one per query and list it after the
// predicate filters, before WithTradeLimit.
func WithTradeOffset(n int) TradeFilter {
	remaining := n
	return func(Trade) bool {
		if remaining > 0 {
			remaining--
			return false
		}
		return true
	}
}

// WithTradeLimit caps how many rows the query returns. Stateful, single-use,
// listed last; see WithTradeOffset.
func WithTradeLimit(n int) TradeFilter {
	remaining := n
	return func(Trade) bool {
		if remaining <= 0 {
			return false
		}
		remaining--
		return true
	}
}
