package core

import (
	"context"
	"time"
)

// Journal is the append-only trade record store shared by all executors.
// Every call runs in its own short transaction; writes are linearisable per
// trade id.
type Journal interface {
	// CreateTrade stores a new open trade and assigns its id.
	CreateTrade(ctx context.Context, trade *Trade) error

	// CloseTrade marks a trade closed with exit details. Closing an already
	// closed trade is a no-op.
	CloseTrade(ctx context.Context, tradeID string, exit ExitDetail) error

	// UpdateOrderIDs replaces protective order ids after a stop move. Nil
	// pointers leave the current value untouched.
	UpdateOrderIDs(ctx context.Context, tradeID string, slOrderID, tpOrderID *string) error

	// UpdateStops replaces protective price levels. Nil pointers leave the
	// current value untouched.
	UpdateStops(ctx context.Context, tradeID string, stopLoss, takeProfit *float64) error

	// Trade returns a single trade by id.
	Trade(ctx context.Context, tradeID string) (*Trade, error)

	// Trades returns rows matching every filter, oldest first. Filters run
	// in listed order per row, which lets WithTradeOffset and WithTradeLimit
	// paginate after the predicate filters.
	Trades(ctx context.Context, filters ...TradeFilter) ([]*Trade, error)
}

// StatusStore persists supervisor status rows, one per instance key.
type StatusStore interface {
	// UpsertStatus creates or replaces the row for the key.
	UpsertStatus(ctx context.Context, status *StrategyStatus) error

	// Statuses returns rows matching every filter.
	Statuses(ctx context.Context, filters ...StatusFilter) ([]*StrategyStatus, error)

	// UpdateHeartbeat stamps the row's liveness marker.
	UpdateHeartbeat(ctx context.Context, key InstanceKey, at time.Time) error

	// ResumeCandidates returns rows with status=active and autoReconnect set
	// for the given broker/environment.
	ResumeCandidates(ctx context.Context, broker string, env Environment) ([]*StrategyStatus, error)
}

// Storage bundles the two persistence surfaces the core needs.
type Storage interface {
	Journal
	StatusStore
}
