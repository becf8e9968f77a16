package core

import (
	"context"
	"time"
)

// Broker is the surface of an exchange connection the execution core consumes.
// Implementations: exchange/deribit (live and testnet), exchange.SimBroker.
type Broker interface {
	// IsConnected reports whether the underlying session is usable.
	IsConnected() bool

	// Ticker returns the current top-of-book snapshot for an instrument.
	Ticker(ctx context.Context, instrument string) (Ticker, error)

	// Candles returns up to limit historical candles for the given
	// resolution (e.g. "1"), oldest first.
	Candles(ctx context.Context, instrument, resolution string, limit int) ([]Candle, error)

	// Instrument returns contract metadata for a tradeable instrument.
	Instrument(ctx context.Context, instrument string) (InstrumentInfo, error)

	// Positions returns all open positions for a currency (e.g. "BTC").
	Positions(ctx context.Context, currency string) ([]Position, error)

	// OpenOrders returns all resting orders on an instrument.
	OpenOrders(ctx context.Context, instrument string) ([]Order, error)

	// Buy and Sell submit an order and return the exchange acknowledgement.
	Buy(ctx context.Context, req OrderRequest) (Order, error)
	Sell(ctx context.Context, req OrderRequest) (Order, error)

	// CancelOrder cancels a resting order by exchange id.
	CancelOrder(ctx context.Context, orderID string) error

	// AccountSummary returns equity and free margin for a currency.
	AccountSummary(ctx context.Context, currency string) (AccountSummary, error)

	// TickerSubscription streams ticker updates for an instrument until ctx
	// is cancelled. Errors on the second channel are transport-level.
	TickerSubscription(ctx context.Context, instrument string) (chan Ticker, chan error)
}

// Executor is the contract every strategy implementation satisfies. The
// supervisor drives executors exclusively through this interface.
type Executor interface {
	// Initialize loads warm-up candles and reconciles against broker ground
	// truth. It decides the starting state and is idempotent per lifetime.
	Initialize(ctx context.Context) error

	// OnTicker delivers one market tick. It never blocks the caller: the
	// tick is queued on the executor's inbox and the oldest entry is dropped
	// when the inbox is full.
	OnTicker(price float64)

	// AnalysisState returns a copy of the latest analysis snapshot for UI.
	AnalysisState() AnalysisState

	// PositionMetrics returns live-position metrics, cached for a short TTL
	// unless forceRefresh is set.
	PositionMetrics(ctx context.Context, forceRefresh bool) (*PositionMetrics, error)

	// ForceResume clears the tracked trade and returns to analysis.
	ForceResume()

	// Cleanup stops the executor's background work. Safe in any state.
	Cleanup()

	// Metadata describes the strategy instance.
	Metadata() ExecutorMetadata
}

// ExecutorMetadata is a small descriptor used for routing and status reporting.
type ExecutorMetadata struct {
	Key       InstanceKey
	Strategy  string
	StartedAt time.Time
}

// Notifier receives human-facing events. Implementations must not block.
type Notifier interface {
	Notify(message string)
	OnTrade(trade Trade)
	OnError(err error)
}

// NotifierWithStart is a notifier that runs its own polling loop.
type NotifierWithStart interface {
	Notifier
	Start()
}
