package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantbyte/razor/core"
)

type tickerPayload struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestAskPrice   float64 `json:"best_ask_price"`
	Timestamp      int64   `json:"timestamp"`
}

type orderPayload struct {
	OrderID           string  `json:"order_id"`
	InstrumentName    string  `json:"instrument_name"`
	Direction         string  `json:"direction"`
	OrderType         string  `json:"order_type"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"trigger_price"`
	Amount            float64 `json:"amount"`
	FilledAmount      float64 `json:"filled_amount"`
	AveragePrice      float64 `json:"average_price"`
	ReduceOnly        bool    `json:"reduce_only"`
	Label             string  `json:"label"`
	CreationTimestamp int64   `json:"creation_timestamp"`
}

func (o orderPayload) toOrder() core.Order {
	side := core.SideTypeBuy
	if o.Direction == "sell" {
		side = core.SideTypeSell
	}
	return core.Order{
		OrderID:      o.OrderID,
		Instrument:   o.InstrumentName,
		Side:         side,
		Type:         core.OrderType(o.OrderType),
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		AveragePrice: o.AveragePrice,
		ReduceOnly:   o.ReduceOnly,
		Label:        o.Label,
		CreatedAt:    time.UnixMilli(o.CreationTimestamp),
	}
}

// Ticker implements core.Broker.
func (c *Client) Ticker(ctx context.Context, instrument string) (core.Ticker, error) {
	var payload tickerPayload
	err := c.call(ctx, "public/ticker", map[string]any{"instrument_name": instrument}, &payload)
	if err != nil {
		return core.Ticker{}, err
	}
	return core.Ticker{
		Instrument: payload.InstrumentName,
		LastPrice:  payload.LastPrice,
		MarkPrice:  payload.MarkPrice,
		BestBid:    payload.BestBidPrice,
		BestAsk:    payload.BestAskPrice,
		Time:       time.UnixMilli(payload.Timestamp),
	}, nil
}

// Candles implements core.Broker via the tradingview chart endpoint.
// Resolution is in minutes ("1", "5", ...).
func (c *Client) Candles(ctx context.Context, instrument, resolution string, limit int) ([]core.Candle, error) {
	minutes := 1
	fmt.Sscanf(resolution, "%d", &minutes)
	end := time.Now()
	start := end.Add(-time.Duration(limit*minutes) * time.Minute)

	var payload struct {
		Status string    `json:"status"`
		Ticks  []int64   `json:"ticks"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Volume []float64 `json:"volume"`
	}
	err := c.call(ctx, "public/get_tradingview_chart_data", map[string]any{
		"instrument_name": instrument,
		"resolution":      resolution,
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
	}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.Status == "no_data" {
		return nil, nil
	}

	candles := make([]core.Candle, 0, len(payload.Ticks))
	for i := range payload.Ticks {
		candles = append(candles, core.Candle{
			Time:   time.UnixMilli(payload.Ticks[i]),
			Open:   payload.Open[i],
			High:   payload.High[i],
			Low:    payload.Low[i],
			Close:  payload.Close[i],
			Volume: payload.Volume[i],
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// Instrument implements core.Broker.
func (c *Client) Instrument(ctx context.Context, instrument string) (core.InstrumentInfo, error) {
	var payload struct {
		InstrumentName string  `json:"instrument_name"`
		TickSize       float64 `json:"tick_size"`
		MinTradeAmount float64 `json:"min_trade_amount"`
		MaxLeverage    float64 `json:"max_leverage"`
		ContractSize   float64 `json:"contract_size"`
	}
	err := c.call(ctx, "public/get_instrument", map[string]any{"instrument_name": instrument}, &payload)
	if err != nil {
		return core.InstrumentInfo{}, err
	}
	return core.InstrumentInfo{
		Name:           payload.InstrumentName,
		TickSize:       payload.TickSize,
		MinTradeAmount: payload.MinTradeAmount,
		MaxLeverage:    payload.MaxLeverage,
		ContractSize:   payload.ContractSize,
	}, nil
}

// Positions implements core.Broker.
func (c *Client) Positions(ctx context.Context, currency string) ([]core.Position, error) {
	var payload []struct {
		InstrumentName string  `json:"instrument_name"`
		Size           float64 `json:"size"`
		Direction      string  `json:"direction"`
		AveragePrice   float64 `json:"average_price"`
	}
	err := c.privateCall(ctx, "private/get_positions", map[string]any{
		"currency": currency,
		"kind":     "future",
	}, &payload)
	if err != nil {
		return nil, err
	}

	positions := make([]core.Position, 0, len(payload))
	for _, p := range payload {
		if p.Size == 0 {
			continue
		}
		side := core.SideTypeBuy
		if p.Size < 0 {
			side = core.SideTypeSell
		}
		positions = append(positions, core.Position{
			Instrument:   p.InstrumentName,
			Size:         p.Size,
			Direction:    side,
			AveragePrice: p.AveragePrice,
		})
	}
	return positions, nil
}

// OpenOrders implements core.Broker, merging resting and untriggered stop
// orders.
func (c *Client) OpenOrders(ctx context.Context, instrument string) ([]core.Order, error) {
	orders := make([]core.Order, 0, 4)

	for _, typ := range []string{"all", "stop_all"} {
		var payload []orderPayload
		err := c.privateCall(ctx, "private/get_open_orders_by_instrument", map[string]any{
			"instrument_name": instrument,
			"type":            typ,
		}, &payload)
		if err != nil {
			return nil, err
		}
		for _, o := range payload {
			orders = append(orders, o.toOrder())
		}
	}
	return dedupeOrders(orders), nil
}

func dedupeOrders(orders []core.Order) []core.Order {
	seen := make(map[string]bool, len(orders))
	out := orders[:0]
	for _, o := range orders {
		if seen[o.OrderID] {
			continue
		}
		seen[o.OrderID] = true
		out = append(out, o)
	}
	return out
}

// Buy implements core.Broker.
func (c *Client) Buy(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	return c.placeOrder(ctx, "private/buy", req)
}

// Sell implements core.Broker.
func (c *Client) Sell(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	return c.placeOrder(ctx, "private/sell", req)
}

func (c *Client) placeOrder(ctx context.Context, method string, req core.OrderRequest) (core.Order, error) {
	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
		"type":            string(req.Type),
	}
	if req.Label != "" {
		params["label"] = req.Label
	}
	if req.ReduceOnly {
		params["reduce_only"] = true
	}
	switch req.Type {
	case core.OrderTypeLimit:
		params["price"] = req.Price
	case core.OrderTypeStopMarket:
		params["trigger_price"] = req.TriggerPrice
		params["trigger"] = "last_price"
	}

	var payload struct {
		Order orderPayload `json:"order"`
	}
	if err := c.privateCall(ctx, method, params, &payload); err != nil {
		return core.Order{}, err
	}
	return payload.Order.toOrder(), nil
}

// CancelOrder implements core.Broker.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.privateCall(ctx, "private/cancel", map[string]any{"order_id": orderID}, nil)
}

// AccountSummary implements core.Broker.
func (c *Client) AccountSummary(ctx context.Context, currency string) (core.AccountSummary, error) {
	var payload struct {
		Currency       string  `json:"currency"`
		Equity         float64 `json:"equity"`
		AvailableFunds float64 `json:"available_funds"`
	}
	err := c.privateCall(ctx, "private/get_account_summary", map[string]any{"currency": currency}, &payload)
	if err != nil {
		return core.AccountSummary{}, err
	}
	return core.AccountSummary{
		Currency:       payload.Currency,
		Equity:         payload.Equity,
		AvailableFunds: payload.AvailableFunds,
	}, nil
}

// TickerSubscription implements core.Broker. Updates flow until ctx is
// cancelled; transport errors surface on the error channel while the
// supervisor reconnects underneath.
func (c *Client) TickerSubscription(ctx context.Context, instrument string) (chan core.Ticker, chan error) {
	tickers := make(chan core.Ticker, 256)
	errs := make(chan error, 1)
	channel := fmt.Sprintf("ticker.%s.100ms", instrument)

	c.subMu.Lock()
	c.subs[channel] = append(c.subs[channel], tickers)
	c.subMu.Unlock()

	if err := c.call(ctx, "public/subscribe", map[string]any{"channels": []string{channel}}, nil); err != nil {
		errs <- err
	}

	go func() {
		<-ctx.Done()
		c.subMu.Lock()
		chans := c.subs[channel]
		for i, ch := range chans {
			if ch == tickers {
				c.subs[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		remaining := len(c.subs[channel])
		c.subMu.Unlock()

		if remaining == 0 {
			uctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			_ = c.call(uctx, "public/unsubscribe", map[string]any{"channels": []string{channel}}, nil)
			cancel()
		}
		close(tickers)
	}()

	return tickers, errs
}

// dispatch fans a subscription frame out to its listeners. Slow listeners
// lose updates rather than stalling the read loop.
func (c *Client) dispatch(channel string, data json.RawMessage) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	ticker := core.Ticker{
		Instrument: payload.InstrumentName,
		LastPrice:  payload.LastPrice,
		MarkPrice:  payload.MarkPrice,
		BestBid:    payload.BestBidPrice,
		BestAsk:    payload.BestAskPrice,
		Time:       time.UnixMilli(payload.Timestamp),
	}

	// Sends stay under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send; they are non-blocking so the read loop never stalls.
	c.subMu.Lock()
	for _, ch := range c.subs[channel] {
		select {
		case ch <- ticker:
		default:
		}
	}
	c.subMu.Unlock()
}

// resubscribe restores ticker channels after a reconnect.
func (c *Client) resubscribe() {
	c.subMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for channel, listeners := range c.subs {
		if len(listeners) > 0 {
			channels = append(channels, channel)
		}
	}
	c.subMu.Unlock()

	if len(channels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := c.call(ctx, "public/subscribe", map[string]any{"channels": channels}, nil); err != nil {
		c.log.WithError(err).Error("resubscribe failed")
	}
}
