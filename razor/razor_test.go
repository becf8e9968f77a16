package razor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/exchange"
	"github.com/quantbyte/razor/logger"
	"github.com/quantbyte/razor/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instrument = "BTC-PERPETUAL"

var (
	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	testKey = core.InstanceKey{
		UserID:      "u1",
		Strategy:    StrategyName,
		Instrument:  instrument,
		Broker:      "deribit",
		Environment: core.EnvTestnet,
	}

	btcPerp = core.InstrumentInfo{
		Name:           instrument,
		TickSize:       0.5,
		MinTradeAmount: 0.001,
		MaxLeverage:    100,
		ContractSize:   1,
	}
)

func flatCandles(n int, price float64, end time.Time) []core.Candle {
	candles := make([]core.Candle, n)
	start := end.Add(-time.Duration(n) * time.Minute)
	for i := range candles {
		candles[i] = core.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   price,
			High:   price + 5,
			Low:    price - 5,
			Close:  price,
			Volume: 10,
		}
	}
	return candles
}

type rig struct {
	executor *Executor
	broker   *exchange.SimBroker
	store    *storage.BuntStorage
}

func newRig(t *testing.T, brokerOpts ...exchange.SimOption) *rig {
	t.Helper()

	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := append([]exchange.SimOption{
		exchange.WithSimInstrument(btcPerp),
		exchange.WithSimPrice(instrument, 50000),
		exchange.WithSimCandles(instrument, flatCandles(200, 50000, t0)),
		exchange.WithSimBalance(10000),
	}, brokerOpts...)
	broker := exchange.NewSimBroker(logger.Nop(), opts...)

	cfg := core.DefaultRazorConfig()
	cfg.AdaptiveRiskEnabled = false

	executor := New(testKey, cfg, broker, store, logger.Nop(), WithSettleDelay(0))
	t.Cleanup(executor.Cleanup)

	return &rig{executor: executor, broker: broker, store: store}
}

func (r *rig) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, r.executor.Initialize(context.Background()))
}

func (r *rig) openLong(t *testing.T) *core.Trade {
	t.Helper()

	r.executor.mu.Lock()
	err := r.executor.executeTrade(core.DirectionLong, t0)
	tradeID := r.executor.currentTradeID
	r.executor.mu.Unlock()
	require.NoError(t, err)

	trade, terr := r.store.Trade(context.Background(), tradeID)
	require.NoError(t, terr)
	return trade
}

func TestInitialize_CleanStart(t *testing.T) {
	r := newRig(t)
	r.initialize(t)

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StateAnalyzing, state.State)
	assert.GreaterOrEqual(t, state.Candles1m, requiredDataPoints)
}

func TestInitialize_RequiresConnection(t *testing.T) {
	r := newRig(t)
	r.broker.SetConnected(false)

	err := r.executor.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.CodeNotConnected, core.CodeOf(err))
}

func TestInitialize_SyntheticFallback(t *testing.T) {
	r := newRig(t)
	r.broker.FailCandles(true)
	r.initialize(t)

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StateAnalyzing, state.State)
	assert.GreaterOrEqual(t, state.Candles1m, requiredDataPoints)
}

func TestExecuteTrade_PlacesFullBracket(t *testing.T) {
	r := newRig(t)
	r.initialize(t)

	trade := r.openLong(t)

	assert.Equal(t, core.SideTypeBuy, trade.Side)
	assert.Equal(t, 0.002, trade.Amount)
	assert.Equal(t, 49750.0, trade.StopLoss)
	assert.Equal(t, 50325.0, trade.TakeProfit)
	assert.NotEmpty(t, trade.SLOrderID)
	assert.NotEmpty(t, trade.TPOrderID)

	positions, err := r.broker.Positions(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.002, positions[0].Size)

	orders, err := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.ReduceOnly)
	}

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StatePositionOpen, state.State)
	assert.Equal(t, 1, state.DailyTrades)
	assert.Equal(t, trade.ID, state.CurrentTrade)
}

func TestExecuteTrade_ProtectiveFailureUnwinds(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	r.broker.FailLabel("_tp")

	r.executor.mu.Lock()
	err := r.executor.executeTrade(core.DirectionLong, t0)
	r.executor.mu.Unlock()
	require.Error(t, err)

	// No position, no resting orders, journal row closed manual.
	positions, perr := r.broker.Positions(context.Background(), "BTC")
	require.NoError(t, perr)
	assert.Empty(t, positions)

	orders, oerr := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, oerr)
	assert.Empty(t, orders)

	trades, terr := r.store.Trades(context.Background(), core.WithTradeKey(testKey))
	require.NoError(t, terr)
	require.Len(t, trades, 1)
	assert.Equal(t, core.TradeStatusClosed, trades[0].Status)
	assert.Equal(t, core.ExitReasonManual, trades[0].ExitReason)
}

func TestExecuteTrade_RejectsWithOpenPosition(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	r.broker.SetPosition(instrument, 0.002, 50000)

	r.executor.mu.Lock()
	err := r.executor.executeTrade(core.DirectionLong, t0)
	r.executor.mu.Unlock()
	require.Error(t, err)

	trades, terr := r.store.Trades(context.Background(), core.WithTradeKey(testKey))
	require.NoError(t, terr)
	assert.Empty(t, trades)

	orders, oerr := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, oerr)
	assert.Empty(t, orders)
}

func TestExecuteTrade_LabelsCarryDirectionAndLeg(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	r.openLong(t)

	orders, err := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	for _, o := range orders {
		assert.True(t, strings.HasPrefix(o.Label, "razor_long_"), o.Label)
		switch o.Type {
		case core.OrderTypeStopMarket:
			assert.True(t, strings.HasSuffix(o.Label, "_sl"), o.Label)
		case core.OrderTypeLimit:
			assert.True(t, strings.HasSuffix(o.Label, "_tp"), o.Label)
		}
	}
}

func TestBracketPercents_AdaptiveRules(t *testing.T) {
	r := newRig(t)
	r.initialize(t)

	e := r.executor
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.AdaptiveRiskEnabled = true

	// Quiet tape tightens the stop; a two-sided trend pads the target.
	quiet := 10.0 // 0.02% of 50000
	e.snapshot.ATR14 = &quiet
	e.snapshot.TrendScore = 2
	sl, tp := e.bracketPercents(50000)
	assert.InDelta(t, 0.425, sl, 1e-9)
	assert.InDelta(t, 0.6825, tp, 1e-9)

	// Wide tape pads the target and leaves the stop alone.
	wide := 250.0 // 0.5%
	e.snapshot.ATR14 = &wide
	e.snapshot.TrendScore = 0
	sl, tp = e.bracketPercents(50000)
	assert.InDelta(t, 0.5, sl, 1e-9)
	assert.InDelta(t, 0.7475, tp, 1e-9)

	// Disabled keeps the configured bracket.
	e.cfg.AdaptiveRiskEnabled = false
	sl, tp = e.bracketPercents(50000)
	assert.Equal(t, 0.5, sl)
	assert.Equal(t, 0.65, tp)
}

func TestExecuteTrade_EntryRejectionLeavesNothing(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	r.broker.FailOrders(true)

	r.executor.mu.Lock()
	err := r.executor.executeTrade(core.DirectionShort, t0)
	r.executor.mu.Unlock()
	require.Error(t, err)

	trades, terr := r.store.Trades(context.Background(), core.WithTradeKey(testKey))
	require.NoError(t, terr)
	assert.Empty(t, trades)
}

func TestWatch_BreakEvenMovesStopNewBeforeCancel(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	trade := r.openLong(t)
	originalSL := trade.SLOrderID

	// Halfway to TP: 50000 + 0.5*325 = 50162.5.
	r.broker.UpdatePrice(instrument, 50170)
	r.executor.processTick(50170, t0.Add(3*time.Second))

	updated, err := r.store.Trade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.NotEqual(t, originalSL, updated.SLOrderID)
	// Entry plus one tick offset.
	assert.Equal(t, 50000.5, updated.StopLoss)

	orders, oerr := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, oerr)
	ids := make(map[string]core.Order, len(orders))
	for _, o := range orders {
		ids[o.OrderID] = o
	}
	assert.Contains(t, ids, updated.SLOrderID)
	assert.NotContains(t, ids, originalSL)
	assert.Equal(t, 50000.5, ids[updated.SLOrderID].TriggerPrice)

	// Second pass must not move the stop again.
	r.executor.processTick(50170, t0.Add(6*time.Second))
	again, err := r.store.Trade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.SLOrderID, again.SLOrderID)
}

func TestWatch_BreakEvenStopSnapsToTick(t *testing.T) {
	r := newRig(t, exchange.WithSimPrice(instrument, 50000.3))
	r.initialize(t)
	trade := r.openLong(t)
	require.InDelta(t, 50000.3, trade.EntryPrice, 1e-9)

	r.broker.UpdatePrice(instrument, 50170)
	r.executor.processTick(50170, t0.Add(3*time.Second))

	updated, err := r.store.Trade(context.Background(), trade.ID)
	require.NoError(t, err)
	// Entry plus one tick offset is off the 0.5 grid; the stop is snapped.
	assert.Equal(t, 50001.0, updated.StopLoss)
}

func TestWatch_TakeProfitExitSettlesAndArmscooldown(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	trade := r.openLong(t)

	// Price through the TP limit fills it and closes the position.
	r.broker.UpdatePrice(instrument, 50330)
	r.executor.processTick(50330, t0.Add(3*time.Second))

	closed, err := r.store.Trade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusClosed, closed.Status)
	assert.Equal(t, core.ExitReasonTakeProfit, closed.ExitReason)
	require.NotNil(t, closed.PnL)
	assert.Greater(t, *closed.PnL, 0.0)

	// Orphan stop swept.
	orders, oerr := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, oerr)
	assert.Empty(t, orders)

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StateAnalyzing, state.State)
	assert.Empty(t, state.CurrentTrade)
	assert.Equal(t, t0.Add(3*time.Second).Add(5*time.Minute), state.CooldownUntil)

	// Analysis is gated until the cooldown passes.
	r.executor.processTick(50330, t0.Add(10*time.Second))
	assert.Equal(t, core.StateAnalyzing, r.executor.AnalysisState().State)
}

func TestWatch_StopLossExit(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	trade := r.openLong(t)

	// Price through the stop trigger fills it.
	r.broker.UpdatePrice(instrument, 49740)
	r.executor.processTick(49740, t0.Add(3*time.Second))

	closed, err := r.store.Trade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusClosed, closed.Status)
	assert.Equal(t, core.ExitReasonStopLoss, closed.ExitReason)
	require.NotNil(t, closed.PnL)
	assert.Less(t, *closed.PnL, 0.0)
}

func TestReconcile_GhostTradeClosed(t *testing.T) {
	r := newRig(t)

	ghost := &core.Trade{
		UserID: testKey.UserID, Strategy: testKey.Strategy,
		Instrument: testKey.Instrument, Broker: testKey.Broker,
		Environment: testKey.Environment,
		Side:        core.SideTypeBuy,
		EntryPrice:  50000, Amount: 0.002,
		StopLoss: 49750, TakeProfit: 50325,
		SLOrderID: "gone-1", TPOrderID: "gone-2",
		Status: core.TradeStatusOpen, OpenedAt: t0.Add(-time.Hour),
	}
	require.NoError(t, r.store.CreateTrade(context.Background(), ghost))

	// The tape has moved since, but no fills survive a restart, so the
	// ghost settles flat at its recorded entry.
	r.broker.UpdatePrice(instrument, 50320)
	r.initialize(t)

	closed, err := r.store.Trade(context.Background(), ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusClosed, closed.Status)
	assert.Equal(t, core.ExitReasonManual, closed.ExitReason)
	require.NotNil(t, closed.ExitPrice)
	assert.Equal(t, 50000.0, *closed.ExitPrice)
	require.NotNil(t, closed.PnL)
	assert.Zero(t, *closed.PnL)

	assert.Equal(t, core.StateAnalyzing, r.executor.AnalysisState().State)
}

func TestReconcile_OrphanPositionAdopted(t *testing.T) {
	r := newRig(t)
	r.broker.SetPosition(instrument, 0.002, 50000)

	r.initialize(t)

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StatePositionOpen, state.State)
	require.NotEmpty(t, state.CurrentTrade)

	trade, err := r.store.Trade(context.Background(), state.CurrentTrade)
	require.NoError(t, err)
	assert.Equal(t, core.EntryOrderAutoResume, trade.EntryOrderID)
	assert.Equal(t, core.SideTypeBuy, trade.Side)
	assert.Equal(t, 0.002, trade.Amount)
	// Estimated brackets around the average price.
	assert.Equal(t, 49750.0, trade.StopLoss)
	assert.Equal(t, 50500.0, trade.TakeProfit)

	orders, oerr := r.broker.OpenOrders(context.Background(), instrument)
	require.NoError(t, oerr)
	assert.Len(t, orders, 2)
}

func TestHandleTick_DailyLimitBlocksSignals(t *testing.T) {
	r := newRig(t)
	r.initialize(t)

	r.executor.mu.Lock()
	r.executor.dailyTrades = r.executor.cfg.MaxDailyTrades
	r.executor.mu.Unlock()

	r.executor.processTick(50000, t0.Add(time.Second))

	state := r.executor.AnalysisState()
	assert.Equal(t, core.DirectionNone, state.Signal.Direction)
	assert.Contains(t, state.Signal.Reasons, "daily trade limit reached")
}

func TestHandleTick_WarmupGate(t *testing.T) {
	r := newRig(t, exchange.WithSimCandles(instrument, flatCandles(3, 50000, t0)))
	r.initialize(t)

	r.executor.processTick(50000, t0.Add(time.Second))
	assert.Equal(t, core.StateInitializing, r.executor.AnalysisState().State)
}

func TestForceResume_ClearsTradeAndArmsCooldown(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	r.openLong(t)

	r.executor.ForceResume()

	state := r.executor.AnalysisState()
	assert.Equal(t, core.StateAnalyzing, state.State)
	assert.Empty(t, state.CurrentTrade)
	assert.False(t, state.CooldownUntil.IsZero())
}

func TestOnTicker_NeverBlocks(t *testing.T) {
	r := newRig(t)
	// Not initialized: no consumer is draining the inbox.
	done := make(chan struct{})
	go func() {
		for i := 0; i < inboxSize*4; i++ {
			r.executor.OnTicker(50000 + float64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnTicker blocked on a full inbox")
	}
}

func TestPositionMetrics_ReflectsOpenTrade(t *testing.T) {
	r := newRig(t)
	r.initialize(t)
	trade := r.openLong(t)

	r.broker.UpdatePrice(instrument, 50100)
	metrics, err := r.executor.PositionMetrics(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.Equal(t, trade.EntryPrice, metrics.EntryPrice)
	assert.Equal(t, 50100.0, metrics.MarkPrice)
	assert.Greater(t, metrics.UnrealizedPnL, 0.0)
	assert.True(t, metrics.ProtectiveSL)
	assert.True(t, metrics.ProtectiveTP)
	assert.InDelta(t, 1.3, metrics.RiskReward, 0.01)
}

func TestPositionMetrics_NilWithoutPosition(t *testing.T) {
	r := newRig(t)
	r.initialize(t)

	metrics, err := r.executor.PositionMetrics(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, metrics)
}
