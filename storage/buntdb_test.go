package storage

import (
	"context"
	"testing"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = core.InstanceKey{
	UserID:      "u1",
	Strategy:    "razor",
	Instrument:  "BTC-PERPETUAL",
	Broker:      "deribit",
	Environment: core.EnvTestnet,
}

func newTestStorage(t *testing.T) *BuntStorage {
	t.Helper()
	s, err := NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTrade(openedAt time.Time) *core.Trade {
	return &core.Trade{
		UserID:      testKey.UserID,
		Strategy:    testKey.Strategy,
		Instrument:  testKey.Instrument,
		Broker:      testKey.Broker,
		Environment: testKey.Environment,
		Side:        core.SideTypeBuy,
		EntryPrice:  50000,
		Amount:      0.002,
		StopLoss:    49750,
		TakeProfit:  50325,
		Status:      core.TradeStatusOpen,
		OpenedAt:    openedAt,
	}
}

func TestBuntStorage_CreateAssignsID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	trade := newTestTrade(time.Now())
	require.NoError(t, s.CreateTrade(ctx, trade))
	assert.NotEmpty(t, trade.ID)

	loaded, err := s.Trade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.EntryPrice, loaded.EntryPrice)
	assert.True(t, loaded.IsOpen())
}

func TestBuntStorage_TradeNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Trade(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrTradeNotFound)
}

func TestBuntStorage_CloseTradeIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	trade := newTestTrade(time.Now())
	require.NoError(t, s.CreateTrade(ctx, trade))

	exit := trade.DeriveExit(50325, core.ExitReasonTakeProfit, time.Now())
	require.NoError(t, s.CloseTrade(ctx, trade.ID, exit))

	// A second close with different details must not overwrite the first.
	other := trade.DeriveExit(49750, core.ExitReasonStopLoss, time.Now())
	require.NoError(t, s.CloseTrade(ctx, trade.ID, other))

	loaded, err := s.Trade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusClosed, loaded.Status)
	assert.Equal(t, core.ExitReasonTakeProfit, loaded.ExitReason)
	require.NotNil(t, loaded.ExitPrice)
	assert.Equal(t, 50325.0, *loaded.ExitPrice)
	require.NotNil(t, loaded.PnL)
	assert.Greater(t, *loaded.PnL, 0.0)
}

func TestBuntStorage_UpdateOrderIDsAndStops(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	trade := newTestTrade(time.Now())
	trade.SLOrderID = "sl-1"
	trade.TPOrderID = "tp-1"
	require.NoError(t, s.CreateTrade(ctx, trade))

	newSL := "sl-2"
	require.NoError(t, s.UpdateOrderIDs(ctx, trade.ID, &newSL, nil))
	newStop := 50000.0
	require.NoError(t, s.UpdateStops(ctx, trade.ID, &newStop, nil))

	loaded, err := s.Trade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "sl-2", loaded.SLOrderID)
	assert.Equal(t, "tp-1", loaded.TPOrderID)
	assert.Equal(t, 50000.0, loaded.StopLoss)
	assert.Equal(t, 50325.0, loaded.TakeProfit)
}

func TestBuntStorage_TradesFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := newTestTrade(base)
	second := newTestTrade(base.Add(time.Minute))
	other := newTestTrade(base.Add(2 * time.Minute))
	other.UserID = "u2"

	for _, trade := range []*core.Trade{first, second, other} {
		require.NoError(t, s.CreateTrade(ctx, trade))
	}
	require.NoError(t, s.CloseTrade(ctx, first.ID, first.DeriveExit(50325, core.ExitReasonTakeProfit, base.Add(time.Hour))))

	open, err := s.Trades(ctx, core.WithTradeKey(testKey), core.WithTradeStatus(core.TradeStatusOpen))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := s.Trades(ctx, core.WithTradeUser("u1"))
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Oldest first per the opened_at index.
	assert.Equal(t, first.ID, all[0].ID)
}

func TestBuntStorage_TradesLimitAndOffset(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ids := make([]string, 5)
	for i := range ids {
		trade := newTestTrade(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.CreateTrade(ctx, trade))
		ids[i] = trade.ID
	}

	page, err := s.Trades(ctx, core.WithTradeUser("u1"), core.WithTradeOffset(1), core.WithTradeLimit(2))
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	// Pagination applies after the predicate filters.
	filtered, err := s.Trades(ctx, core.WithTradeStatus(core.TradeStatusOpen), core.WithTradeLimit(3))
	require.NoError(t, err)
	assert.Len(t, filtered, 3)

	tail, err := s.Trades(ctx, core.WithTradeUser("u1"), core.WithTradeOffset(4))
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ids[4], tail[0].ID)
}

func TestBuntStorage_StatusRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	status := &core.StrategyStatus{
		UserID:        testKey.UserID,
		Strategy:      testKey.Strategy,
		Instrument:    testKey.Instrument,
		Broker:        testKey.Broker,
		Environment:   testKey.Environment,
		Status:        core.StatusActive,
		LastAction:    core.ActionManualStart,
		AutoReconnect: true,
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertStatus(ctx, status))

	candidates, err := s.ResumeCandidates(ctx, testKey.Broker, testKey.Environment)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, testKey, candidates[0].Key())

	at := time.Now().Add(time.Minute)
	require.NoError(t, s.UpdateHeartbeat(ctx, testKey, at))
	rows, err := s.Statuses(ctx, core.WithStatusKey(testKey))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastHeartbeat)
	assert.WithinDuration(t, at, *rows[0].LastHeartbeat, time.Second)
}

func TestBuntStorage_StatusFiltering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	active := &core.StrategyStatus{
		UserID: "u1", Strategy: "razor", Instrument: "BTC-PERPETUAL",
		Broker: "deribit", Environment: core.EnvTestnet,
		Status: core.StatusActive, AutoReconnect: true, UpdatedAt: time.Now(),
	}
	stopped := &core.StrategyStatus{
		UserID: "u1", Strategy: "razor", Instrument: "ETH-PERPETUAL",
		Broker: "deribit", Environment: core.EnvTestnet,
		Status: core.StatusStopped, AutoReconnect: true, UpdatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertStatus(ctx, active))
	require.NoError(t, s.UpsertStatus(ctx, stopped))

	candidates, err := s.ResumeCandidates(ctx, "deribit", core.EnvTestnet)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "BTC-PERPETUAL", candidates[0].Instrument)
}

func TestBuntStorage_HeartbeatUnknownKey(t *testing.T) {
	s := newTestStorage(t)
	err := s.UpdateHeartbeat(context.Background(), testKey, time.Now())
	assert.ErrorIs(t, err, core.ErrStatusNotFound)
}
