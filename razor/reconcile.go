package razor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/strategy"
)

// Estimated bracket distances for adopted positions whose original levels
// are unknown.
const (
	adoptedStopPct   = 0.5
	adoptedTargetPct = 1.0
)

// reconcile aligns the journal with broker ground truth at startup and
// decides the starting state:
//
//	open row + live position  -> adopt, position_open
//	open row, no position     -> ghost: close the row, analyzing
//	no row, live position     -> orphan: adopt under a synthetic row
//	neither                   -> clean: sweep stray protective orders
//
// Called with e.mu held.
func (e *Executor) reconcile(ctx context.Context, now time.Time) (core.ExecutorState, string) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	open, err := e.journal.Trades(cctx,
		core.WithTradeKey(e.key),
		core.WithTradeStatus(core.TradeStatusOpen),
	)
	if err != nil {
		e.log.WithError(err).Error("reconcile journal query failed")
		open = nil
	}

	pos, err := e.findPosition(cctx)
	if err != nil {
		e.log.WithError(err).Error("reconcile position query failed")
		pos = nil
	}

	hasPosition := pos != nil && pos.Size != 0

	switch {
	case len(open) > 0 && hasPosition:
		trade := open[0]
		e.closeExtraRows(cctx, open[1:], now)
		e.log.WithField("trade_id", trade.ID).Info("reconcile: adopted journalled position")
		return core.StatePositionOpen, trade.ID

	case len(open) > 0:
		// Ghost rows: the position closed while we were down. No fills are
		// left to attribute an exit, so settle flat at the recorded entry.
		for _, trade := range open {
			exit := trade.DeriveExit(trade.EntryPrice, core.ExitReasonManual, now)
			if cerr := e.journal.CloseTrade(cctx, trade.ID, exit); cerr != nil {
				e.log.WithField("trade_id", trade.ID).WithError(cerr).Error("reconcile ghost close failed")
				continue
			}
			e.log.WithField("trade_id", trade.ID).Warn("reconcile: closed ghost trade")
		}
		if serr := e.lifecycle.SweepProtective(cctx, e.key.Instrument); serr != nil {
			e.log.WithError(serr).Warn("reconcile protective sweep failed")
		}
		return core.StateAnalyzing, ""

	case hasPosition:
		if tradeID, ok := e.adoptOrphan(cctx, pos, now); ok {
			return core.StatePositionOpen, tradeID
		}
		return core.StateAnalyzing, ""

	default:
		if serr := e.lifecycle.SweepProtective(cctx, e.key.Instrument); serr != nil {
			e.log.WithError(serr).Warn("reconcile protective sweep failed")
		}
		return core.StateAnalyzing, ""
	}
}

// adoptOrphan journals a broker position that has no row of ours, with
// estimated bracket levels, and places any missing protective legs.
func (e *Executor) adoptOrphan(ctx context.Context, pos *core.Position, now time.Time) (string, bool) {
	side := core.SideTypeBuy
	if pos.Size < 0 {
		side = core.SideTypeSell
	}
	amount := pos.Size
	if amount < 0 {
		amount = -amount
	}

	entryPrice := pos.AveragePrice
	if entryPrice <= 0 {
		entryPrice = e.referencePrice(ctx, 0)
	}
	if entryPrice <= 0 {
		e.log.Error("reconcile: cannot adopt orphan position without a price")
		return "", false
	}

	stopLoss, takeProfit := bracketPrices(side, entryPrice, adoptedStopPct, adoptedTargetPct, e.info.TickSize)

	trade := &core.Trade{
		ID:           uuid.NewString(),
		UserID:       e.key.UserID,
		Strategy:     e.key.Strategy,
		Instrument:   e.key.Instrument,
		Broker:       e.key.Broker,
		Environment:  e.key.Environment,
		Side:         side,
		EntryOrderID: core.EntryOrderAutoResume,
		EntryPrice:   entryPrice,
		Amount:       amount,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Status:       core.TradeStatusOpen,
		OpenedAt:     now,
	}
	if err := e.journal.CreateTrade(ctx, trade); err != nil {
		e.log.WithError(err).Error("reconcile: failed to journal adopted position")
		return "", false
	}

	e.ensureProtectiveLegs(ctx, trade)

	e.log.WithFields(map[string]any{
		"trade_id": trade.ID,
		"side":     side,
		"amount":   amount,
		"entry":    entryPrice,
	}).Warn("reconcile: adopted orphan position with estimated brackets")

	return trade.ID, true
}

// ensureProtectiveLegs places SL/TP for an adopted position when no
// reduce-only orders are resting. Best effort: failures leave the position
// managed but unguarded, which the watcher will report.
func (e *Executor) ensureProtectiveLegs(ctx context.Context, trade *core.Trade) {
	orders, err := e.broker.OpenOrders(ctx, e.key.Instrument)
	if err != nil {
		e.log.WithError(err).Warn("reconcile: open-order query failed, skipping bracket placement")
		return
	}
	for _, o := range orders {
		if o.IsProtective() {
			// An existing bracket is left alone; ids stay unknown.
			return
		}
	}

	dir := core.DirectionLong
	if trade.Side == core.SideTypeSell {
		dir = core.DirectionShort
	}
	label := fmt.Sprintf("razor_%s_%d", dir, time.Now().UnixMilli())

	slOrder, err := e.submit(ctx, trade.Side.Opposite(), core.OrderRequest{
		Instrument:   e.key.Instrument,
		Amount:       trade.Amount,
		TriggerPrice: strategy.RoundToTick(trade.StopLoss, e.info.TickSize),
		Type:         core.OrderTypeStopMarket,
		Label:        label + "_sl",
		ReduceOnly:   true,
	})
	if err != nil {
		e.log.WithError(err).Error("reconcile: stop-loss placement for adopted position failed")
		return
	}
	trade.SLOrderID = slOrder.OrderID

	tpOrder, err := e.submit(ctx, trade.Side.Opposite(), core.OrderRequest{
		Instrument: e.key.Instrument,
		Amount:     trade.Amount,
		Price:      strategy.RoundToTick(trade.TakeProfit, e.info.TickSize),
		Type:       core.OrderTypeLimit,
		Label:      label + "_tp",
		ReduceOnly: true,
	})
	if err != nil {
		e.log.WithError(err).Error("reconcile: take-profit placement for adopted position failed")
	} else {
		trade.TPOrderID = tpOrder.OrderID
	}

	if err := e.journal.UpdateOrderIDs(ctx, trade.ID, &trade.SLOrderID, &trade.TPOrderID); err != nil {
		e.log.WithError(err).Warn("reconcile: journal order-id update failed")
	}
}

// closeExtraRows closes surplus open rows; only one position per key can be
// live, so extras are bookkeeping leftovers.
func (e *Executor) closeExtraRows(ctx context.Context, extras []*core.Trade, now time.Time) {
	for _, trade := range extras {
		exit := trade.DeriveExit(trade.EntryPrice, core.ExitReasonManual, now)
		if err := e.journal.CloseTrade(ctx, trade.ID, exit); err != nil {
			e.log.WithField("trade_id", trade.ID).WithError(err).Warn("reconcile: surplus row close failed")
		}
	}
}

// referencePrice fetches the current last price, falling back to the given
// value when the ticker is unavailable.
func (e *Executor) referencePrice(ctx context.Context, fallback float64) float64 {
	if t, err := e.broker.Ticker(ctx, e.key.Instrument); err == nil && t.LastPrice > 0 {
		return t.LastPrice
	}
	return fallback
}
