package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantbyte/razor/core"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// SQLStorage implements core.Storage on a SQL database via GORM. This is
// the backend for multi-user deployments where several processes share one
// journal.
type SQLStorage struct {
	db *gorm.DB
}

// Config holds the connection-pool settings for SQL backends.
type Config struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default configuration for SQL connections.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromPostgres creates a Postgres storage instance from a DSN.
func NewFromPostgres(dsn string, config Config, opts ...gorm.Option) (*SQLStorage, error) {
	return newFromSQL(postgres.Open(dsn), config, opts...)
}

func newFromSQL(dialect gorm.Dialector, config Config, opts ...gorm.Option) (*SQLStorage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err = db.AutoMigrate(&core.Trade{}, &core.StrategyStatus{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// CreateTrade stores a new open trade, assigning an id when absent.
func (s *SQLStorage) CreateTrade(ctx context.Context, trade *core.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if result := s.db.WithContext(ctx).Create(trade); result.Error != nil {
		return fmt.Errorf("failed to create trade: %w", result.Error)
	}
	return nil
}

// CloseTrade marks a trade closed inside one transaction. Already closed
// rows are left untouched.
func (s *SQLStorage) CloseTrade(ctx context.Context, tradeID string, exit core.ExitDetail) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trade, err := loadTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status == core.TradeStatusClosed {
			return nil
		}

		updates := map[string]any{
			"status":       core.TradeStatusClosed,
			"closed_at":    exit.ClosedAt,
			"exit_price":   exit.ExitPrice,
			"exit_reason":  exit.Reason,
			"pn_l":         exit.PnL,
			"pn_l_percent": exit.PnLPercent,
		}
		if result := tx.Model(&core.Trade{}).Where("id = ?", tradeID).Updates(updates); result.Error != nil {
			return fmt.Errorf("failed to close trade: %w", result.Error)
		}
		return nil
	})
}

// UpdateOrderIDs replaces protective order ids. Nil pointers leave the
// current value untouched.
func (s *SQLStorage) UpdateOrderIDs(ctx context.Context, tradeID string, slOrderID, tpOrderID *string) error {
	updates := map[string]any{}
	if slOrderID != nil {
		updates["sl_order_id"] = *slOrderID
	}
	if tpOrderID != nil {
		updates["tp_order_id"] = *tpOrderID
	}
	return s.patchTrade(ctx, tradeID, updates)
}

// UpdateStops replaces protective price levels. Nil pointers leave the
// current value untouched.
func (s *SQLStorage) UpdateStops(ctx context.Context, tradeID string, stopLoss, takeProfit *float64) error {
	updates := map[string]any{}
	if stopLoss != nil {
		updates["stop_loss"] = *stopLoss
	}
	if takeProfit != nil {
		updates["take_profit"] = *takeProfit
	}
	return s.patchTrade(ctx, tradeID, updates)
}

func (s *SQLStorage) patchTrade(ctx context.Context, tradeID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&core.Trade{}).Where("id = ?", tradeID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update trade: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrTradeNotFound
	}
	return nil
}

// Trade returns a single trade by id.
func (s *SQLStorage) Trade(ctx context.Context, tradeID string) (*core.Trade, error) {
	return loadTrade(s.db.WithContext(ctx), tradeID)
}

// Trades returns rows matching every filter, oldest first. Filters run in
// memory, matching the BuntDB backend's semantics.
func (s *SQLStorage) Trades(ctx context.Context, filters ...core.TradeFilter) ([]*core.Trade, error) {
	var trades []*core.Trade
	result := s.db.WithContext(ctx).Order("opened_at asc").Find(&trades)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch trades: %w", result.Error)
	}

	if len(filters) > 0 {
		trades = lo.Filter(trades, func(trade *core.Trade, _ int) bool {
			for _, filter := range filters {
				if !filter(*trade) {
					return false
				}
			}
			return true
		})
	}
	return trades, nil
}

// UpsertStatus creates or replaces the row for the key.
func (s *SQLStorage) UpsertStatus(ctx context.Context, status *core.StrategyStatus) error {
	if result := s.db.WithContext(ctx).Save(status); result.Error != nil {
		return fmt.Errorf("failed to upsert status: %w", result.Error)
	}
	return nil
}

// Statuses returns rows matching every filter.
func (s *SQLStorage) Statuses(ctx context.Context, filters ...core.StatusFilter) ([]*core.StrategyStatus, error) {
	var statuses []*core.StrategyStatus
	result := s.db.WithContext(ctx).Find(&statuses)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch statuses: %w", result.Error)
	}

	if len(filters) > 0 {
		statuses = lo.Filter(statuses, func(status *core.StrategyStatus, _ int) bool {
			for _, filter := range filters {
				if !filter(*status) {
					return false
				}
			}
			return true
		})
	}
	return statuses, nil
}

// UpdateHeartbeat stamps the row's liveness marker.
func (s *SQLStorage) UpdateHeartbeat(ctx context.Context, key core.InstanceKey, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&core.StrategyStatus{}).
		Where("user_id = ? AND strategy = ? AND instrument = ? AND broker = ? AND environment = ?",
			key.UserID, key.Strategy, key.Instrument, key.Broker, key.Environment).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("failed to update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrStatusNotFound
	}
	return nil
}

// ResumeCandidates returns active auto-reconnect rows for a broker and
// environment.
func (s *SQLStorage) ResumeCandidates(ctx context.Context, broker string, env core.Environment) ([]*core.StrategyStatus, error) {
	return s.Statuses(ctx,
		core.WithStatusValue(core.StatusActive),
		core.WithAutoReconnect(),
		core.WithStatusEnvironment(broker, env),
	)
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

func loadTrade(tx *gorm.DB, tradeID string) (*core.Trade, error) {
	var trade core.Trade
	if result := tx.First(&trade, "id = ?", tradeID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, core.ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to load trade: %w", result.Error)
	}
	return &trade, nil
}
