// Package order provides protective-order management shared by strategy
// executors: stop replacement and orphan cleanup.
package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
)

// Lifecycle edits protective orders for live positions. It is stateless:
// every call reads current trade and broker state.
type Lifecycle struct {
	broker  core.Broker
	journal core.Journal
	log     logger.Logger
}

// NewLifecycle creates a lifecycle helper bound to one broker connection.
func NewLifecycle(broker core.Broker, journal core.Journal, log logger.Logger) *Lifecycle {
	return &Lifecycle{broker: broker, journal: journal, log: log}
}

// MoveStop relocates the protective stop of an open trade. The replacement
// is placed first so the position is never unguarded; only after the new
// order id is confirmed is the previous stop cancelled. The journal row is
// updated as soon as placement succeeds. On placement failure the old stop
// stays untouched.
func (l *Lifecycle) MoveStop(ctx context.Context, trade *core.Trade, newStop float64) (string, error) {
	dir := core.DirectionLong
	if trade.Side == core.SideTypeSell {
		dir = core.DirectionShort
	}
	req := core.OrderRequest{
		Instrument:   trade.Instrument,
		Amount:       trade.Amount,
		TriggerPrice: newStop,
		Type:         core.OrderTypeStopMarket,
		Label:        fmt.Sprintf("razor_%s_%d_sl", dir, time.Now().UnixMilli()),
		ReduceOnly:   true,
	}

	var placed core.Order
	var err error
	if trade.Side == core.SideTypeBuy {
		placed, err = l.broker.Sell(ctx, req)
	} else {
		placed, err = l.broker.Buy(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("failed to place replacement stop: %w", err)
	}

	oldID := trade.SLOrderID
	trade.SLOrderID = placed.OrderID
	trade.StopLoss = newStop

	if err := l.journal.UpdateOrderIDs(ctx, trade.ID, &placed.OrderID, nil); err != nil {
		l.log.WithError(err).Error("stop moved but journal order-id update failed")
	}
	if err := l.journal.UpdateStops(ctx, trade.ID, &newStop, nil); err != nil {
		l.log.WithError(err).Error("stop moved but journal stop update failed")
	}

	if oldID != "" {
		if err := l.broker.CancelOrder(ctx, oldID); err != nil {
			// Usually the old stop already filled or was cancelled upstream.
			l.log.WithField("order_id", oldID).WithError(err).Warn("could not cancel previous stop")
		}
	}

	l.log.WithFields(map[string]any{
		"trade_id": trade.ID,
		"stop":     newStop,
		"order_id": placed.OrderID,
	}).Info("protective stop relocated")

	return placed.OrderID, nil
}

// SweepProtective cancels every reduce-only order on the instrument that has
// no open position backing it. Cancel failures on already-gone orders are
// ignored.
func (l *Lifecycle) SweepProtective(ctx context.Context, instrument string) error {
	orders, err := l.broker.OpenOrders(ctx, instrument)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}

	positions, err := l.broker.Positions(ctx, InstrumentCurrency(instrument))
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}

	hasPosition := false
	for _, p := range positions {
		if p.Instrument == instrument && p.Size != 0 {
			hasPosition = true
			break
		}
	}
	if hasPosition {
		return nil
	}

	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		if err := l.broker.CancelOrder(ctx, o.OrderID); err != nil {
			l.log.WithField("order_id", o.OrderID).WithError(err).Debug("sweep cancel failed")
			continue
		}
		l.log.WithField("order_id", o.OrderID).Info("cancelled orphan protective order")
	}
	return nil
}

// InstrumentCurrency extracts the settlement currency from a Deribit-style
// instrument name ("BTC-PERPETUAL" -> "BTC").
func InstrumentCurrency(instrument string) string {
	if i := strings.IndexByte(instrument, '-'); i > 0 {
		return instrument[:i]
	}
	return instrument
}
