// Package storage provides the trade journal and status store backends:
// BuntDB for file or in-memory deployments, Postgres via GORM for shared
// multi-process ones.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantbyte/razor/core"
	"github.com/tidwall/buntdb"
)

const (
	tradePrefix  = "trade:"
	statusPrefix = "status:"

	tradeIndex  = "trades_opened"
	statusIndex = "statuses_updated"
)

// BuntStorage implements core.Storage on BuntDB. Trades and status rows
// live in one keyspace under distinct prefixes.
type BuntStorage struct {
	db *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB.
type BuntConfig struct {
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig returns the default configuration for BuntDB.
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{SyncPolicy: buntdb.EverySecond}
}

// NewFromMemory creates an in-memory storage, used by tests and paper runs.
func NewFromMemory() (*BuntStorage, error) {
	return NewBuntStorage(":memory:", BuntConfig{SyncPolicy: buntdb.Never})
}

// NewFromFile creates a file-backed storage with default configuration.
func NewFromFile(file string) (*BuntStorage, error) {
	return NewBuntStorage(file, DefaultBuntConfig())
}

// NewBuntStorage opens a BuntDB store and creates the iteration indexes.
func NewBuntStorage(sourceFile string, config BuntConfig) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{SyncPolicy: config.SyncPolicy}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	if err := db.CreateIndex(tradeIndex, tradePrefix+"*", buntdb.IndexJSON("opened_at")); err != nil {
		return nil, fmt.Errorf("failed to create trade index: %w", err)
	}
	if err := db.CreateIndex(statusIndex, statusPrefix+"*", buntdb.IndexJSON("updated_at")); err != nil {
		return nil, fmt.Errorf("failed to create status index: %w", err)
	}

	return &BuntStorage{db: db}, nil
}

// CreateTrade stores a new open trade, assigning an id when absent.
func (b *BuntStorage) CreateTrade(_ context.Context, trade *core.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	trade.UpdatedAt = trade.OpenedAt

	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, tradePrefix+trade.ID, trade)
	})
}

// CloseTrade marks a trade closed. Closing an already closed trade is a
// no-op so exit settlement can race with reconciliation.
func (b *BuntStorage) CloseTrade(_ context.Context, tradeID string, exit core.ExitDetail) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		trade, err := getTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status == core.TradeStatusClosed {
			return nil
		}

		trade.Status = core.TradeStatusClosed
		trade.ClosedAt = &exit.ClosedAt
		trade.ExitPrice = &exit.ExitPrice
		trade.ExitReason = exit.Reason
		trade.PnL = &exit.PnL
		trade.PnLPercent = &exit.PnLPercent
		trade.UpdatedAt = exit.ClosedAt

		return setJSON(tx, tradePrefix+tradeID, trade)
	})
}

// UpdateOrderIDs replaces protective order ids. Nil pointers leave the
// current value untouched.
func (b *BuntStorage) UpdateOrderIDs(_ context.Context, tradeID string, slOrderID, tpOrderID *string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		trade, err := getTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if slOrderID != nil {
			trade.SLOrderID = *slOrderID
		}
		if tpOrderID != nil {
			trade.TPOrderID = *tpOrderID
		}
		return setJSON(tx, tradePrefix+tradeID, trade)
	})
}

// UpdateStops replaces protective price levels. Nil pointers leave the
// current value untouched.
func (b *BuntStorage) UpdateStops(_ context.Context, tradeID string, stopLoss, takeProfit *float64) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		trade, err := getTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if stopLoss != nil {
			trade.StopLoss = *stopLoss
		}
		if takeProfit != nil {
			trade.TakeProfit = *takeProfit
		}
		return setJSON(tx, tradePrefix+tradeID, trade)
	})
}

// Trade returns a single trade by id.
func (b *BuntStorage) Trade(_ context.Context, tradeID string) (*core.Trade, error) {
	var trade *core.Trade
	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		trade, err = getTrade(tx, tradeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// Trades returns rows matching every filter, oldest first.
func (b *BuntStorage) Trades(_ context.Context, filters ...core.TradeFilter) ([]*core.Trade, error) {
	trades := make([]*core.Trade, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(tradeIndex, func(key, value string) bool {
			var trade core.Trade
			if err := json.Unmarshal([]byte(value), &trade); err != nil {
				return true
			}
			for _, filter := range filters {
				if !filter(trade) {
					return true
				}
			}
			trades = append(trades, &trade)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return trades, nil
}

// UpsertStatus creates or replaces the row for the key.
func (b *BuntStorage) UpsertStatus(_ context.Context, status *core.StrategyStatus) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, statusPrefix+status.Key().String(), status)
	})
}

// Statuses returns rows matching every filter.
func (b *BuntStorage) Statuses(_ context.Context, filters ...core.StatusFilter) ([]*core.StrategyStatus, error) {
	statuses := make([]*core.StrategyStatus, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(statusIndex, func(key, value string) bool {
			var status core.StrategyStatus
			if err := json.Unmarshal([]byte(value), &status); err != nil {
				return true
			}
			for _, filter := range filters {
				if !filter(status) {
					return true
				}
			}
			statuses = append(statuses, &status)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	return statuses, nil
}

// UpdateHeartbeat stamps the row's liveness marker.
func (b *BuntStorage) UpdateHeartbeat(_ context.Context, key core.InstanceKey, at time.Time) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		value, err := tx.Get(statusPrefix + key.String())
		if err == buntdb.ErrNotFound {
			return core.ErrStatusNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load status: %w", err)
		}

		var status core.StrategyStatus
		if err := json.Unmarshal([]byte(value), &status); err != nil {
			return fmt.Errorf("failed to unmarshal status: %w", err)
		}
		status.LastHeartbeat = &at
		status.UpdatedAt = at

		return setJSON(tx, statusPrefix+key.String(), &status)
	})
}

// ResumeCandidates returns active auto-reconnect rows for a broker and
// environment.
func (b *BuntStorage) ResumeCandidates(ctx context.Context, broker string, env core.Environment) ([]*core.StrategyStatus, error) {
	return b.Statuses(ctx,
		core.WithStatusValue(core.StatusActive),
		core.WithAutoReconnect(),
		core.WithStatusEnvironment(broker, env),
	)
}

// Close closes the database.
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func setJSON(tx *buntdb.Tx, key string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if _, _, err := tx.Set(key, string(content), nil); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func getTrade(tx *buntdb.Tx, tradeID string) (*core.Trade, error) {
	value, err := tx.Get(tradePrefix + tradeID)
	if err == buntdb.ErrNotFound {
		return nil, core.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade: %w", err)
	}

	var trade core.Trade
	if err := json.Unmarshal([]byte(value), &trade); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
	}
	return &trade, nil
}
