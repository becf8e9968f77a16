package razor

import (
	"context"
	"math"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/order"
	"github.com/quantbyte/razor/strategy"
)

// watchPosition runs the open-position branch of the tick loop, throttled
// to once per watchThrottle so broker polling stays cheap. Called with
// e.mu held.
func (e *Executor) watchPosition(price float64, now time.Time) {
	if now.Sub(e.lastWatch) < watchThrottle {
		return
	}
	e.lastWatch = now

	if e.currentTradeID == "" {
		// Position state with no tracked trade cannot be managed.
		e.state = core.StateAnalyzing
		e.publish()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	trade, err := e.journal.Trade(ctx, e.currentTradeID)
	if err != nil {
		e.log.WithError(err).Error("failed to load tracked trade")
		if err == core.ErrTradeNotFound {
			e.resumeAnalysis(now)
		}
		return
	}
	if !trade.IsOpen() {
		e.resumeAnalysis(now)
		return
	}

	pos, err := e.findPosition(ctx)
	if err != nil {
		e.log.WithError(err).Warn("position poll failed")
		return
	}

	if pos == nil || pos.Size == 0 {
		e.settleExit(ctx, trade, price, now)
		return
	}

	e.manageStops(ctx, trade, price)
}

// settleExit records a position that disappeared from the broker: derive
// the exit reason, close the journal row, sweep leftover protective orders
// and return to analysis with the cooldown armed.
func (e *Executor) settleExit(ctx context.Context, trade *core.Trade, price float64, now time.Time) {
	reason, exitPrice := e.deriveExit(ctx, trade, price)

	exit := trade.DeriveExit(exitPrice, reason, now)
	if err := e.journal.CloseTrade(ctx, trade.ID, exit); err != nil {
		e.log.WithError(err).Error("failed to close journalled trade")
		return
	}

	if err := e.lifecycle.SweepProtective(ctx, e.key.Instrument); err != nil {
		e.log.WithError(err).Warn("protective sweep after exit failed")
	}

	e.log.WithFields(map[string]any{
		"trade_id": trade.ID,
		"reason":   reason,
		"exit":     exitPrice,
		"pnl":      exit.PnL,
	}).Info("position closed")

	if e.notifier != nil {
		closed := *trade
		closed.Status = core.TradeStatusClosed
		closed.ExitPrice = &exit.ExitPrice
		closed.ExitReason = exit.Reason
		closed.PnL = &exit.PnL
		closed.PnLPercent = &exit.PnLPercent
		closed.ClosedAt = &exit.ClosedAt
		e.notifier.OnTrade(closed)
	}

	e.resumeAnalysis(now)
}

// deriveExit decides why the position vanished. A missing protective leg
// with its sibling still resting means that leg filled; when both legs are
// gone the exit price proximity decides; anything else is manual.
func (e *Executor) deriveExit(ctx context.Context, trade *core.Trade, price float64) (core.ExitReason, float64) {
	orders, err := e.broker.OpenOrders(ctx, e.key.Instrument)
	if err == nil {
		slResting, tpResting := false, false
		for _, o := range orders {
			switch o.OrderID {
			case trade.SLOrderID:
				slResting = true
			case trade.TPOrderID:
				tpResting = true
			}
		}
		if !slResting && tpResting {
			return core.ExitReasonStopLoss, trade.StopLoss
		}
		if slResting && !tpResting {
			return core.ExitReasonTakeProfit, trade.TakeProfit
		}
	}

	// Both legs gone (the venue cancels the OCO sibling) or the order list
	// is unavailable: pick the journalled level the last price sits closest
	// to, within half the bracket width.
	slDist := math.Abs(price - trade.StopLoss)
	tpDist := math.Abs(price - trade.TakeProfit)
	width := math.Abs(trade.TakeProfit - trade.StopLoss)
	if width > 0 {
		if slDist < tpDist && slDist < width/2 {
			return core.ExitReasonStopLoss, trade.StopLoss
		}
		if tpDist < slDist && tpDist < width/2 {
			return core.ExitReasonTakeProfit, trade.TakeProfit
		}
	}
	return core.ExitReasonManual, price
}

// resumeAnalysis clears position tracking and arms the post-trade cooldown.
func (e *Executor) resumeAnalysis(now time.Time) {
	e.currentTradeID = ""
	e.metrics = nil
	e.metricsExpiry = time.Time{}
	e.beMoved = false
	e.state = core.StateAnalyzing
	e.cooldownUntil = now.Add(e.cooldownDuration())
	e.publish()
}

// manageStops applies the break-even move and the trailing stop. Both go
// through Lifecycle.MoveStop, which places the replacement before touching
// the old order.
func (e *Executor) manageStops(ctx context.Context, trade *core.Trade, price float64) {
	long := trade.Side == core.SideTypeBuy

	if e.cfg.BreakEvenEnabled && !e.beMoved {
		target := trade.TakeProfit - trade.EntryPrice
		if target != 0 {
			progress := (price - trade.EntryPrice) / target
			if progress >= e.cfg.BreakEvenTriggerToTP {
				offset := e.cfg.BreakEvenOffsetTicks * e.info.TickSize
				newStop := trade.EntryPrice + offset
				if !long {
					newStop = trade.EntryPrice - offset
				}
				newStop = strategy.RoundToTick(newStop, e.info.TickSize)
				if stopImproves(long, trade.StopLoss, newStop, e.info.TickSize) {
					if _, err := e.lifecycle.MoveStop(ctx, trade, newStop); err != nil {
						e.log.WithError(err).Warn("break-even stop move failed")
						return
					}
					e.beMoved = true
				}
			}
		}
	}

	if !e.cfg.TrailingStopEnabled {
		return
	}

	unrealizedPct := (price - trade.EntryPrice) / trade.EntryPrice * 100
	if !long {
		unrealizedPct = -unrealizedPct
	}
	if unrealizedPct < e.cfg.TrailingStopActivationPercent {
		return
	}

	desired := price * (1 - e.cfg.TrailingStopDistance/100)
	if !long {
		desired = price * (1 + e.cfg.TrailingStopDistance/100)
	}
	desired = strategy.RoundToTick(desired, e.info.TickSize)
	if stopImproves(long, trade.StopLoss, desired, e.info.TickSize) {
		if _, err := e.lifecycle.MoveStop(ctx, trade, desired); err != nil {
			e.log.WithError(err).Warn("trailing stop move failed")
		}
	}
}

// stopImproves reports whether newStop tightens the bracket by at least one
// tick. A stop only ever moves toward the position.
func stopImproves(long bool, current, newStop, tick float64) bool {
	if long {
		return newStop >= current+tick
	}
	return newStop <= current-tick
}

func (e *Executor) findPosition(ctx context.Context) (*core.Position, error) {
	positions, err := e.broker.Positions(ctx, order.InstrumentCurrency(e.key.Instrument))
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Instrument == e.key.Instrument {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// PositionMetrics implements core.Executor. Results are cached for
// metricsTTL; forceRefresh bypasses the cache. Broker calls run without
// holding the tick lock.
func (e *Executor) PositionMetrics(ctx context.Context, forceRefresh bool) (*core.PositionMetrics, error) {
	e.mu.Lock()
	tradeID := e.currentTradeID
	if !forceRefresh && e.metrics != nil && time.Now().Before(e.metricsExpiry) {
		cached := *e.metrics
		e.mu.Unlock()
		return &cached, nil
	}
	e.mu.Unlock()

	if tradeID == "" {
		return nil, nil
	}

	trade, err := e.journal.Trade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	pos, err := e.findPosition(ctx)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Size == 0 {
		return nil, nil
	}

	ticker, err := e.broker.Ticker(ctx, e.key.Instrument)
	if err != nil {
		return nil, err
	}
	mark := ticker.MarkPrice
	if mark <= 0 {
		mark = ticker.LastPrice
	}

	slResting, tpResting := false, false
	if orders, oerr := e.broker.OpenOrders(ctx, e.key.Instrument); oerr == nil {
		for _, o := range orders {
			switch o.OrderID {
			case trade.SLOrderID:
				slResting = true
			case trade.TPOrderID:
				tpResting = true
			}
		}
	}

	exit := trade.DeriveExit(mark, core.ExitReasonManual, time.Now())
	metrics := &core.PositionMetrics{
		Instrument:    trade.Instrument,
		Side:          trade.Side,
		Size:          trade.Amount,
		EntryPrice:    trade.EntryPrice,
		MarkPrice:     mark,
		StopLoss:      trade.StopLoss,
		TakeProfit:    trade.TakeProfit,
		UnrealizedPnL: exit.PnL,
		UnrealizedPct: exit.PnLPercent,
		RiskReward:    riskReward(trade),
		Duration:      time.Since(trade.OpenedAt),
		ProtectiveSL:  slResting,
		ProtectiveTP:  tpResting,
		FetchedAt:     time.Now(),
	}

	e.mu.Lock()
	e.metrics = metrics
	e.metricsExpiry = time.Now().Add(metricsTTL)
	e.mu.Unlock()

	copied := *metrics
	return &copied, nil
}

func riskReward(trade *core.Trade) float64 {
	risk := math.Abs(trade.EntryPrice - trade.StopLoss)
	if risk == 0 {
		return 0
	}
	return math.Abs(trade.TakeProfit-trade.EntryPrice) / risk
}
