package razor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/order"
	"github.com/quantbyte/razor/strategy"
)

// executeTrade runs the bracket-entry pipeline: size, market entry, journal
// row, protective stop-loss and take-profit. Any failure after the entry
// fills triggers a full unwind so no unprotected position survives.
// Called with e.mu held.
func (e *Executor) executeTrade(dir core.Direction, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), entryTimeout)
	defer cancel()

	side := core.SideTypeBuy
	if dir == core.DirectionShort {
		side = core.SideTypeSell
	}

	// Belt and braces for the single-position guard: never stack an entry
	// on top of a live position.
	pos, err := e.findPosition(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight position check failed: %w", err)
	}
	if pos != nil && pos.Size != 0 {
		return fmt.Errorf("entry aborted: position already open on %s", e.key.Instrument)
	}

	ticker, err := e.broker.Ticker(ctx, e.key.Instrument)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker before entry: %w", err)
	}
	price := ticker.LastPrice
	if price <= 0 {
		return fmt.Errorf("ticker returned non-positive price %.2f", price)
	}

	summary, err := e.broker.AccountSummary(ctx, order.InstrumentCurrency(e.key.Instrument))
	if err != nil {
		return fmt.Errorf("failed to fetch account summary: %w", err)
	}

	amount, err := strategy.ContractAmount(strategy.SizeRequest{
		Notional:       e.cfg.TradeSize,
		Price:          price,
		Equity:         summary.Equity,
		AvailableFunds: summary.AvailableFunds,
		Info:           e.info,
	})
	if err != nil {
		return fmt.Errorf("position sizing rejected entry: %w", err)
	}

	slPct, tpPct := e.bracketPercents(price)
	stopLoss, takeProfit := bracketPrices(side, price, slPct, tpPct, e.info.TickSize)

	label := fmt.Sprintf("razor_%s_%d", dir, now.UnixMilli())

	entry, err := e.submit(ctx, side, core.OrderRequest{
		Instrument: e.key.Instrument,
		Amount:     amount,
		Type:       core.OrderTypeMarket,
		Label:      label,
	})
	if err != nil {
		return fmt.Errorf("entry order rejected: %w", err)
	}

	// Give the venue a moment to settle the fill before protective legs.
	if e.settleDelay > 0 {
		time.Sleep(e.settleDelay)
	}

	entryPrice := entry.AveragePrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	// Recompute brackets off the actual fill.
	stopLoss, takeProfit = bracketPrices(side, entryPrice, slPct, tpPct, e.info.TickSize)

	trade := &core.Trade{
		ID:           uuid.NewString(),
		UserID:       e.key.UserID,
		Strategy:     e.key.Strategy,
		Instrument:   e.key.Instrument,
		Broker:       e.key.Broker,
		Environment:  e.key.Environment,
		Side:         side,
		EntryOrderID: entry.OrderID,
		EntryPrice:   entryPrice,
		Amount:       amount,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Status:       core.TradeStatusOpen,
		OpenedAt:     now,
	}
	if err := e.journal.CreateTrade(ctx, trade); err != nil {
		e.unwind(ctx, trade, "journal write failed")
		return fmt.Errorf("failed to journal trade: %w", err)
	}

	slOrder, err := e.submit(ctx, side.Opposite(), core.OrderRequest{
		Instrument:   e.key.Instrument,
		Amount:       amount,
		TriggerPrice: stopLoss,
		Type:         core.OrderTypeStopMarket,
		Label:        label + "_sl",
		ReduceOnly:   true,
	})
	if err != nil {
		e.unwind(ctx, trade, "stop-loss placement failed")
		return fmt.Errorf("failed to place stop-loss: %w", err)
	}
	trade.SLOrderID = slOrder.OrderID

	tpOrder, err := e.submit(ctx, side.Opposite(), core.OrderRequest{
		Instrument: e.key.Instrument,
		Amount:     amount,
		Price:      takeProfit,
		Type:       core.OrderTypeLimit,
		Label:      label + "_tp",
		ReduceOnly: true,
	})
	if err != nil {
		e.unwind(ctx, trade, "take-profit placement failed")
		return fmt.Errorf("failed to place take-profit: %w", err)
	}
	trade.TPOrderID = tpOrder.OrderID

	if err := e.journal.UpdateOrderIDs(ctx, trade.ID, &trade.SLOrderID, &trade.TPOrderID); err != nil {
		e.log.WithError(err).Error("bracket placed but journal order-id update failed")
	}

	e.currentTradeID = trade.ID
	e.state = core.StatePositionOpen
	e.dailyTrades++
	e.lastTradeAt = now
	e.beMoved = false
	e.metrics = nil
	e.metricsExpiry = time.Time{}
	e.publish()

	e.log.WithFields(map[string]any{
		"trade_id": trade.ID,
		"side":     side,
		"amount":   amount,
		"entry":    entryPrice,
		"sl":       stopLoss,
		"tp":       takeProfit,
	}).Info("position opened")

	if e.notifier != nil {
		e.notifier.OnTrade(*trade)
	}
	return nil
}

// bracketPercents returns the stop and target distances in percent. With
// adaptive risk enabled, quiet tape tightens the stop and wide tape or a
// confirmed trend pads the target.
func (e *Executor) bracketPercents(price float64) (slPct, tpPct float64) {
	slPct = e.cfg.StopLossPercent
	tpPct = e.cfg.TakeProfitPercent

	if !e.cfg.AdaptiveRiskEnabled || e.snapshot.ATR14 == nil || price <= 0 {
		return slPct, tpPct
	}

	atrPct := *e.snapshot.ATR14 / price * 100
	if atrPct < 0.05 {
		slPct *= 0.85
	}
	if atrPct > 0.4 {
		tpPct *= 1.15
	}
	if e.snapshot.TrendScore >= 2 || e.snapshot.TrendScore <= -2 {
		tpPct *= 1.05
	}
	return slPct, tpPct
}

// bracketPrices places SL below / TP above the entry for longs, mirrored
// for shorts, both rounded to the instrument tick.
func bracketPrices(side core.SideType, price, slPct, tpPct, tick float64) (sl, tp float64) {
	if side == core.SideTypeBuy {
		sl = price * (1 - slPct/100)
		tp = price * (1 + tpPct/100)
	} else {
		sl = price * (1 + slPct/100)
		tp = price * (1 - tpPct/100)
	}
	return strategy.RoundToTick(sl, tick), strategy.RoundToTick(tp, tick)
}

func (e *Executor) submit(ctx context.Context, side core.SideType, req core.OrderRequest) (core.Order, error) {
	if side == core.SideTypeBuy {
		return e.broker.Buy(ctx, req)
	}
	return e.broker.Sell(ctx, req)
}

// unwind tears down a partially built trade: cancel any placed protective
// legs, flatten the position with a reduce-only market order and, when the
// journal row exists, close it as a manual exit. Every step is best-effort.
func (e *Executor) unwind(ctx context.Context, trade *core.Trade, cause string) {
	e.log.WithField("cause", cause).Warn("unwinding partial entry")

	for _, id := range []string{trade.SLOrderID, trade.TPOrderID} {
		if id == "" {
			continue
		}
		if err := e.broker.CancelOrder(ctx, id); err != nil {
			e.log.WithField("order_id", id).WithError(err).Warn("unwind cancel failed")
		}
	}

	exitPrice := trade.EntryPrice
	closed, err := e.submit(ctx, trade.Side.Opposite(), core.OrderRequest{
		Instrument: e.key.Instrument,
		Amount:     trade.Amount,
		Type:       core.OrderTypeMarket,
		Label:      fmt.Sprintf("razor_unwind_%d", time.Now().UnixMilli()),
		ReduceOnly: true,
	})
	if err != nil {
		e.log.WithError(err).Error("unwind flatten failed, position may remain open")
	} else if closed.AveragePrice > 0 {
		exitPrice = closed.AveragePrice
	}

	if err := e.journal.CloseTrade(ctx, trade.ID,
		trade.DeriveExit(exitPrice, core.ExitReasonManual, time.Now())); err != nil && err != core.ErrTradeNotFound {
		e.log.WithError(err).Warn("unwind journal close failed")
	}
}
