// Package razor implements the Razor confluence-scored mean-reversion
// scalper: one executor instance per (user, strategy, instrument, broker,
// environment) key, driven tick by tick against a live broker connection.
package razor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
	"github.com/quantbyte/razor/order"
	"github.com/quantbyte/razor/strategy"
)

// StrategyName is the registry key the supervisor dispatches on.
const StrategyName = "razor"

const (
	// Warm-up thresholds: below minDataPoints the executor stays in
	// initializing; between the two it analyses with degraded accuracy;
	// trade execution requires the full window.
	requiredDataPoints = 15
	minDataPoints      = 5

	// The scorer's threshold is cfg.MinConfluenceScore (default 58); the
	// executor adds a floor of 55 so mid-tier signals keep a safety margin.
	executionFloor = 55.0

	callTimeout   = 5 * time.Second
	entryTimeout  = 15 * time.Second
	watchThrottle = 2 * time.Second
	metricsTTL    = 5 * time.Second
	errorCooldown = time.Minute
	logThrottle   = 30 * time.Second
	historyBars   = 200
	inboxSize     = 64
)

// Executor drives one Razor instance. All mutable state is owned by the
// tick-consumer goroutine; UI reads go through a published snapshot.
type Executor struct {
	key       core.InstanceKey
	cfg       core.RazorConfig
	broker    core.Broker
	journal   core.Journal
	lifecycle *order.Lifecycle
	notifier  core.Notifier
	log       logger.Logger

	agg  *strategy.Aggregator
	info core.InstrumentInfo

	state          core.ExecutorState
	snapshot       core.IndicatorSnapshot
	signal         core.Signal
	lastPrice      float64
	lastAnalyzed   time.Time
	currentTradeID string

	dailyTrades   int
	dailyResetAt  time.Time
	cooldownUntil time.Time
	lastTradeAt   time.Time

	beMoved         bool
	lastWatch       time.Time
	lastCooldownLog time.Time
	lastDropLog     time.Time

	metrics       *core.PositionMetrics
	metricsExpiry time.Time

	settleDelay time.Duration
	startedAt   time.Time

	mu        sync.Mutex
	pubMu     sync.RWMutex
	published core.AnalysisState

	inbox       chan float64
	done        chan struct{}
	stopOnce    sync.Once
	initialized bool
}

// Option configures an executor.
type Option func(*Executor)

// WithNotifier attaches a notifier for trade events.
func WithNotifier(n core.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithSettleDelay overrides the post-entry confirmation wait.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Executor) { e.settleDelay = d }
}

// New constructs a Razor executor. Call Initialize before feeding ticks.
func New(
	key core.InstanceKey,
	cfg core.RazorConfig,
	broker core.Broker,
	journal core.Journal,
	log logger.Logger,
	options ...Option,
) *Executor {
	e := &Executor{
		key:         key,
		cfg:         cfg.Normalize(),
		broker:      broker,
		journal:     journal,
		lifecycle:   order.NewLifecycle(broker, journal, log),
		log:         log.WithField("strategy", key.String()),
		agg:         strategy.NewAggregator(),
		state:       core.StateInitializing,
		settleDelay: 500 * time.Millisecond,
		inbox:       make(chan float64, inboxSize),
		done:        make(chan struct{}),
	}

	for _, option := range options {
		option(e)
	}
	return e
}

// Metadata implements core.Executor.
func (e *Executor) Metadata() core.ExecutorMetadata {
	return core.ExecutorMetadata{Key: e.key, Strategy: StrategyName, StartedAt: e.startedAt}
}

// Initialize loads warm-up candles, reconciles against broker state and
// starts the tick consumer. Repeat calls are no-ops.
func (e *Executor) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	if !e.broker.IsConnected() {
		return core.NewError(core.CodeNotConnected, "broker connection is not available", nil)
	}

	info, err := e.fetchInstrument(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instrument metadata: %w", err)
	}
	e.info = info

	e.preloadHistory(ctx)

	now := time.Now()
	e.startedAt = now
	e.dailyResetAt = now

	state, tradeID := e.reconcile(ctx, now)
	e.state = state
	e.currentTradeID = tradeID
	e.initialized = true
	e.publish()

	go e.consume()

	e.log.WithFields(map[string]any{
		"state":   state,
		"candles": e.agg.Close1m.Length(),
	}).Info("executor initialized")
	return nil
}

// OnTicker implements core.Executor. It never blocks: when the inbox is
// full the oldest queued tick is discarded, which is preferable to
// back-pressuring the broker pump.
func (e *Executor) OnTicker(price float64) {
	select {
	case e.inbox <- price:
		return
	default:
	}

	select {
	case <-e.inbox:
		e.mu.Lock()
		if time.Since(e.lastDropLog) > logThrottle {
			e.lastDropLog = time.Now()
			e.log.Warn("tick inbox full, dropping oldest tick")
		}
		e.mu.Unlock()
	default:
	}

	select {
	case e.inbox <- price:
	default:
	}
}

// AnalysisState implements core.Executor.
func (e *Executor) AnalysisState() core.AnalysisState {
	e.pubMu.RLock()
	defer e.pubMu.RUnlock()
	return e.published
}

// ForceResume implements core.Executor: drop the tracked trade and return
// to analysis with the cooldown armed.
func (e *Executor) ForceResume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTradeID = ""
	e.metrics = nil
	e.metricsExpiry = time.Time{}
	if e.state == core.StatePositionOpen || e.state == core.StateSignalDetected {
		e.state = core.StateAnalyzing
	}
	e.cooldownUntil = time.Now().Add(e.cooldownDuration())
	e.publish()
	e.log.Info("force resume requested")
}

// Cleanup implements core.Executor. Safe in any state.
func (e *Executor) Cleanup() {
	e.stopOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = core.StateStopped
	e.publish()
}

func (e *Executor) consume() {
	for {
		select {
		case price := <-e.inbox:
			e.processTick(price, time.Now())
		case <-e.done:
			return
		}
	}
}

// processTick serialises tick handling and converts panics into log lines
// so one bad tick cannot kill the process.
func (e *Executor) processTick(price float64, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("tick handler panic recovered: %v", r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleTick(price, now)
}

// handleTick is the hot path. Broker failures are logged and swallowed;
// the executor stays subscribed and retries on the next tick.
func (e *Executor) handleTick(price float64, now time.Time) {
	if price <= 0 || e.state == core.StateStopped || e.state == core.StateError {
		return
	}

	e.lastPrice = price
	e.lastAnalyzed = now

	if e.state == core.StatePositionOpen {
		e.publish()
		e.watchPosition(price, now)
		return
	}

	barClosed := e.agg.Ingest(price, now)

	if now.Sub(e.dailyResetAt) >= 24*time.Hour {
		e.dailyTrades = 0
		e.dailyResetAt = now
	}

	if now.Before(e.cooldownUntil) {
		if now.Sub(e.lastCooldownLog) > logThrottle {
			e.lastCooldownLog = now
			e.log.WithField("until", e.cooldownUntil).Debug("in cooldown, skipping analysis")
		}
		e.publish()
		return
	}

	n := e.agg.Close1m.Length()
	if n < minDataPoints {
		e.state = core.StateInitializing
		e.publish()
		return
	}
	if e.state == core.StateInitializing {
		// Degraded accuracy below requiredDataPoints, but analysis runs.
		e.state = core.StateAnalyzing
	}

	e.snapshot = computeSnapshot(e.agg, e.cfg)
	e.signal = score(scoreInput{
		snap:          e.snapshot,
		agg:           e.agg,
		cfg:           e.cfg,
		dailyLimitHit: e.dailyTrades >= e.cfg.MaxDailyTrades,
	})
	e.publish()

	// Entries happen on closed bars only, bounding attempts to one per
	// minute per instance.
	if !barClosed || n < requiredDataPoints {
		return
	}
	if e.signal.Direction == core.DirectionNone || e.signal.Strength < executionFloor {
		return
	}

	e.state = core.StateSignalDetected
	e.publish()

	if err := e.executeTrade(e.signal.Direction, now); err != nil {
		e.log.WithError(err).Error("trade execution failed")
		if e.notifier != nil {
			e.notifier.OnError(err)
		}
		e.state = core.StateAnalyzing
		e.cooldownUntil = now.Add(errorCooldown)
	}
	e.publish()
}

// publish stores the UI snapshot. Called with e.mu held.
func (e *Executor) publish() {
	snap := core.AnalysisState{
		Key:           e.key,
		State:         e.state,
		LastPrice:     e.lastPrice,
		LastAnalyzed:  e.lastAnalyzed,
		Indicators:    e.snapshot,
		Signal:        e.signal,
		Candles1m:     e.agg.Close1m.Length(),
		DailyTrades:   e.dailyTrades,
		CooldownUntil: e.cooldownUntil,
		CurrentTrade:  e.currentTradeID,
	}

	e.pubMu.Lock()
	e.published = snap
	e.pubMu.Unlock()
}

func (e *Executor) cooldownDuration() time.Duration {
	return time.Duration(e.cfg.CooldownMinutes * float64(time.Minute))
}

func (e *Executor) fetchInstrument(ctx context.Context) (core.InstrumentInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return e.broker.Instrument(cctx, e.key.Instrument)
}

// preloadHistory seeds the aggregator with ~200 historical 1m candles. When
// the broker cannot serve them, plausible synthetic bars around the current
// price are used so warm-up still completes; the downgrade is logged.
func (e *Executor) preloadHistory(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	candles, err := e.broker.Candles(cctx, e.key.Instrument, "1", historyBars)
	if err == nil && len(candles) > 0 {
		e.agg.Preload(candles)
		return
	}

	e.log.WithError(err).WithField("synthetic", true).Warn("historical candles unavailable, synthesizing warm-up data")

	price := 0.0
	tctx, tcancel := context.WithTimeout(ctx, callTimeout)
	defer tcancel()
	if t, terr := e.broker.Ticker(tctx, e.key.Instrument); terr == nil {
		price = t.LastPrice
	}
	if price <= 0 {
		price = 1000
	}
	e.agg.Preload(syntheticCandles(price, historyBars, time.Now()))
}

// syntheticCandles builds a gentle random walk ending near price.
func syntheticCandles(price float64, n int, end time.Time) []core.Candle {
	rng := rand.New(rand.NewSource(end.UnixNano()))
	candles := make([]core.Candle, n)
	p := price
	start := end.Truncate(time.Minute).Add(-time.Duration(n) * time.Minute)

	for i := 0; i < n; i++ {
		drift := p * 0.0004 * (rng.Float64()*2 - 1)
		open := p
		close := p + drift
		high := max(open, close) * (1 + 0.0002*rng.Float64())
		low := min(open, close) * (1 - 0.0002*rng.Float64())
		candles[i] = core.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 1,
		}
		p = close
	}
	return candles
}
