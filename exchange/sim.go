// Package exchange provides broker connectivity: the Deribit JSON-RPC
// client for live and testnet trading and a simulated broker for paper
// trading and tests.
package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
	"github.com/quantbyte/razor/order"
)

// SimBroker is an in-process broker simulation with linear-contract
// accounting. Market orders fill instantly at the current price; limit and
// stop orders rest until UpdatePrice crosses them.
type SimBroker struct {
	mu      sync.RWMutex
	counter atomic.Int64

	currency  string
	equity    float64
	available float64

	prices      map[string]float64
	candles     map[string][]core.Candle
	instruments map[string]core.InstrumentInfo
	positions   map[string]*core.Position
	resting     map[string]core.Order

	subs      []chan core.Ticker
	connected bool

	// Fault injection for tests.
	failOrders  bool
	failCandles bool
	failLabel   string // reject orders whose label contains this fragment

	log logger.Logger
}

// SimOption configures a SimBroker.
type SimOption func(*SimBroker)

// WithSimBalance sets the starting equity and free margin.
func WithSimBalance(equity float64) SimOption {
	return func(s *SimBroker) {
		s.equity = equity
		s.available = equity
	}
}

// WithSimInstrument registers a tradeable instrument.
func WithSimInstrument(info core.InstrumentInfo) SimOption {
	return func(s *SimBroker) { s.instruments[info.Name] = info }
}

// WithSimCandles seeds historical candles served by Candles.
func WithSimCandles(instrument string, candles []core.Candle) SimOption {
	return func(s *SimBroker) { s.candles[instrument] = candles }
}

// WithSimPrice sets the current price of an instrument.
func WithSimPrice(instrument string, price float64) SimOption {
	return func(s *SimBroker) { s.prices[instrument] = price }
}

// NewSimBroker creates a simulated broker.
func NewSimBroker(log logger.Logger, options ...SimOption) *SimBroker {
	s := &SimBroker{
		currency:    "BTC",
		equity:      10000,
		available:   10000,
		prices:      make(map[string]float64),
		candles:     make(map[string][]core.Candle),
		instruments: make(map[string]core.InstrumentInfo),
		positions:   make(map[string]*core.Position),
		resting:     make(map[string]core.Order),
		connected:   true,
		log:         log,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// SetConnected flips the simulated connection state.
func (s *SimBroker) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// FailOrders makes every subsequent order submission fail.
func (s *SimBroker) FailOrders(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOrders = fail
}

// FailLabel rejects orders whose label contains the given fragment, which
// stages partial bracket placement. Empty disables it.
func (s *SimBroker) FailLabel(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLabel = fragment
}

// FailCandles makes the candle endpoint fail.
func (s *SimBroker) FailCandles(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCandles = fail
}

// SetPosition force-sets a position, used to stage reconciliation tests.
func (s *SimBroker) SetPosition(instrument string, size, avgPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size == 0 {
		delete(s.positions, instrument)
		return
	}
	side := core.SideTypeBuy
	if size < 0 {
		side = core.SideTypeSell
	}
	s.positions[instrument] = &core.Position{
		Instrument:   instrument,
		Size:         size,
		Direction:    side,
		AveragePrice: avgPrice,
	}
}

// IsConnected implements core.Broker.
func (s *SimBroker) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Ticker implements core.Broker.
func (s *SimBroker) Ticker(_ context.Context, instrument string) (core.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[instrument]
	if !ok {
		return core.Ticker{}, fmt.Errorf("no price for instrument %s", instrument)
	}
	return core.Ticker{
		Instrument: instrument,
		LastPrice:  price,
		MarkPrice:  price,
		BestBid:    price,
		BestAsk:    price,
		Time:       time.Now(),
	}, nil
}

// Candles implements core.Broker.
func (s *SimBroker) Candles(_ context.Context, instrument, _ string, limit int) ([]core.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failCandles {
		return nil, fmt.Errorf("candle endpoint unavailable")
	}
	candles := s.candles[instrument]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// Instrument implements core.Broker.
func (s *SimBroker) Instrument(_ context.Context, instrument string) (core.InstrumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.instruments[instrument]
	if !ok {
		return core.InstrumentInfo{}, fmt.Errorf("unknown instrument %s", instrument)
	}
	return info, nil
}

// Positions implements core.Broker.
func (s *SimBroker) Positions(_ context.Context, currency string) ([]core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if order.InstrumentCurrency(p.Instrument) == currency {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

// OpenOrders implements core.Broker.
func (s *SimBroker) OpenOrders(_ context.Context, instrument string) ([]core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]core.Order, 0, len(s.resting))
	for _, o := range s.resting {
		if o.Instrument == instrument {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// Buy implements core.Broker.
func (s *SimBroker) Buy(_ context.Context, req core.OrderRequest) (core.Order, error) {
	return s.place(core.SideTypeBuy, req)
}

// Sell implements core.Broker.
func (s *SimBroker) Sell(_ context.Context, req core.OrderRequest) (core.Order, error) {
	return s.place(core.SideTypeSell, req)
}

// CancelOrder implements core.Broker.
func (s *SimBroker) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resting[orderID]; !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	delete(s.resting, orderID)
	return nil
}

// AccountSummary implements core.Broker.
func (s *SimBroker) AccountSummary(_ context.Context, currency string) (core.AccountSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.AccountSummary{
		Currency:       currency,
		Equity:         s.equity,
		AvailableFunds: s.available,
	}, nil
}

// TickerSubscription implements core.Broker. The channel closes when ctx is
// cancelled.
func (s *SimBroker) TickerSubscription(ctx context.Context, instrument string) (chan core.Ticker, chan error) {
	tickers := make(chan core.Ticker, 64)
	errs := make(chan error, 1)

	s.mu.Lock()
	s.subs = append(s.subs, tickers)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == tickers {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(tickers)
	}()

	_ = instrument
	return tickers, errs
}

// UpdatePrice moves an instrument's price, fills any resting orders the
// move crosses and broadcasts a ticker to subscribers.
func (s *SimBroker) UpdatePrice(instrument string, price float64) {
	s.mu.Lock()
	s.prices[instrument] = price

	for id, o := range s.resting {
		if o.Instrument != instrument || !crossed(o, price) {
			continue
		}
		delete(s.resting, id)
		s.fill(o, price)
	}

	ticker := core.Ticker{
		Instrument: instrument,
		LastPrice:  price,
		MarkPrice:  price,
		Time:       time.Now(),
	}
	// Non-blocking sends under the lock: a concurrent unsubscribe cannot
	// close a channel mid-send.
	for _, sub := range s.subs {
		select {
		case sub <- ticker:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *SimBroker) place(side core.SideType, req core.OrderRequest) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return core.Order{}, core.ErrNotConnected
	}
	if s.failOrders {
		return core.Order{}, core.ErrOrderRejected
	}
	if s.failLabel != "" && strings.Contains(req.Label, s.failLabel) {
		return core.Order{}, core.ErrOrderRejected
	}
	if req.Amount <= 0 {
		return core.Order{}, fmt.Errorf("%w: non-positive amount", core.ErrOrderRejected)
	}

	o := core.Order{
		OrderID:      "sim-" + strconv.FormatInt(s.counter.Add(1), 10),
		Instrument:   req.Instrument,
		Side:         side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Amount:       req.Amount,
		ReduceOnly:   req.ReduceOnly,
		Label:        req.Label,
		CreatedAt:    time.Now(),
	}

	if req.Type == core.OrderTypeMarket {
		price, ok := s.prices[req.Instrument]
		if !ok {
			return core.Order{}, fmt.Errorf("no price for instrument %s", req.Instrument)
		}
		s.fill(o, price)
		o.FilledAmount = o.Amount
		o.AveragePrice = price
		return o, nil
	}

	s.resting[o.OrderID] = o
	return o, nil
}

// crossed reports whether the price move fills a resting order.
func crossed(o core.Order, price float64) bool {
	switch o.Type {
	case core.OrderTypeStopMarket:
		if o.Side == core.SideTypeSell {
			return price <= o.TriggerPrice
		}
		return price >= o.TriggerPrice
	case core.OrderTypeLimit:
		if o.Side == core.SideTypeSell {
			return price >= o.Price
		}
		return price <= o.Price
	}
	return false
}

// fill applies an execution to the position book. Called with s.mu held.
func (s *SimBroker) fill(o core.Order, price float64) {
	pos := s.positions[o.Instrument]
	delta := o.Amount
	if o.Side == core.SideTypeSell {
		delta = -delta
	}

	if pos == nil {
		if o.ReduceOnly {
			return
		}
		side := core.SideTypeBuy
		if delta < 0 {
			side = core.SideTypeSell
		}
		s.positions[o.Instrument] = &core.Position{
			Instrument:   o.Instrument,
			Size:         delta,
			Direction:    side,
			AveragePrice: price,
		}
		return
	}

	if o.ReduceOnly {
		// Clamp so a reduce-only fill can never flip the position.
		if pos.Size > 0 {
			delta = math.Max(delta, -pos.Size)
		} else {
			delta = math.Min(delta, -pos.Size)
		}
	}

	closed := math.Min(math.Abs(delta), math.Abs(pos.Size))
	if closed > 0 && ((pos.Size > 0) != (delta > 0)) {
		pnl := (price - pos.AveragePrice) / pos.AveragePrice * closed
		if pos.Size < 0 {
			pnl = -pnl
		}
		s.equity += pnl
		s.available += pnl
	}

	pos.Size += delta
	if pos.Size == 0 {
		delete(s.positions, o.Instrument)
		return
	}
	if pos.Size > 0 {
		pos.Direction = core.SideTypeBuy
	} else {
		pos.Direction = core.SideTypeSell
	}
}
