// Package supervisor manages the lifecycle of strategy executors across
// users: start/stop, tick routing, heartbeats, and crash recovery via the
// auto-resume sweep.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
)

const heartbeatInterval = 30 * time.Second

// Factory builds an executor for one instance key from its opaque config
// blob. Factories are registered per strategy name.
type Factory func(key core.InstanceKey, config []byte, broker core.Broker, journal core.Journal, log logger.Logger, notifier core.Notifier) (core.Executor, error)

// BrokerProvider resolves the broker connection an instance key trades
// through. Implementations pool connections per (broker, environment,
// user).
type BrokerProvider interface {
	Broker(ctx context.Context, key core.InstanceKey) (core.Broker, error)
}

// instance is one running executor plus its tick pump.
type instance struct {
	executor core.Executor
	cancel   context.CancelFunc
}

// Supervisor owns the running-executor map. All public methods are safe
// for concurrent use.
type Supervisor struct {
	storage   core.Storage
	brokers   BrokerProvider
	notifier  core.Notifier
	log       logger.Logger
	factories map[string]Factory

	mu      sync.Mutex
	running map[string]*instance

	done chan struct{}
	once sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithNotifier attaches a notifier passed through to executors.
func WithNotifier(n core.Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// New creates a supervisor and starts its heartbeat loop.
func New(storage core.Storage, brokers BrokerProvider, log logger.Logger, options ...Option) *Supervisor {
	s := &Supervisor{
		storage:   storage,
		brokers:   brokers,
		log:       log,
		factories: make(map[string]Factory),
		running:   make(map[string]*instance),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	go s.heartbeatLoop()
	return s
}

// Register binds a strategy name to its factory.
func (s *Supervisor) Register(name string, factory Factory) {
	s.factories[name] = factory
}

// Start launches an executor for the key. The status row is written before
// the executor goes live so a crash between the two is caught by the next
// resume sweep.
func (s *Supervisor) Start(ctx context.Context, key core.InstanceKey, config []byte, autoReconnect bool) error {
	return s.start(ctx, key, config, autoReconnect, core.ActionManualStart)
}

func (s *Supervisor) start(ctx context.Context, key core.InstanceKey, config []byte, autoReconnect bool, action core.LastAction) error {
	if err := key.Validate(); err != nil {
		return err
	}

	factory, ok := s.factories[key.Strategy]
	if !ok {
		return core.NewError(core.CodeUnknownStrategy, fmt.Sprintf("no strategy registered as %q", key.Strategy), nil)
	}

	s.mu.Lock()
	if _, exists := s.running[key.String()]; exists {
		s.mu.Unlock()
		return core.NewError(core.CodeAlreadyRunning, "strategy instance is already running", nil)
	}
	// Reserve the slot before the slow initialization below.
	s.running[key.String()] = nil
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.running, key.String())
		s.mu.Unlock()
	}

	broker, err := s.brokers.Broker(ctx, key)
	if err != nil {
		release()
		return fmt.Errorf("failed to resolve broker for %s: %w", key, err)
	}

	executor, err := factory(key, config, broker, s.storage, s.log, s.notifier)
	if err != nil {
		release()
		return err
	}

	now := time.Now()
	status := &core.StrategyStatus{
		UserID:        key.UserID,
		Strategy:      key.Strategy,
		Instrument:    key.Instrument,
		Broker:        key.Broker,
		Environment:   key.Environment,
		Status:        core.StatusActive,
		LastAction:    action,
		Config:        config,
		AutoReconnect: autoReconnect,
		ConnectedAt:   &now,
		LastHeartbeat: &now,
		UpdatedAt:     now,
	}
	if err := s.storage.UpsertStatus(ctx, status); err != nil {
		release()
		return fmt.Errorf("failed to persist status: %w", err)
	}

	if err := executor.Initialize(ctx); err != nil {
		release()
		s.markError(context.Background(), status, err)
		return fmt.Errorf("executor initialization failed: %w", err)
	}

	// Subscribe before publishing the instance so ticks arriving right
	// after Start returns are delivered, not raced.
	pumpCtx, cancel := context.WithCancel(context.Background())
	tickers, errs := broker.TickerSubscription(pumpCtx, key.Instrument)

	s.mu.Lock()
	s.running[key.String()] = &instance{executor: executor, cancel: cancel}
	s.mu.Unlock()

	go s.pump(pumpCtx, key, executor, tickers, errs)

	s.log.WithField("key", key.String()).Info("strategy instance started")
	return nil
}

// Stop halts a running instance and marks the row paused with auto-reconnect
// off, so the resume sweep leaves it alone.
func (s *Supervisor) Stop(ctx context.Context, key core.InstanceKey) error {
	s.mu.Lock()
	inst, ok := s.running[key.String()]
	if ok {
		delete(s.running, key.String())
	}
	s.mu.Unlock()

	if !ok || inst == nil {
		return core.NewError(core.CodeNotRunning, "strategy instance is not running", nil)
	}

	inst.cancel()
	inst.executor.Cleanup()

	rows, err := s.storage.Statuses(ctx, core.WithStatusKey(key))
	if err != nil || len(rows) == 0 {
		s.log.WithError(err).Warn("stop: status row unavailable")
		return nil
	}
	status := rows[0]
	status.Status = core.StatusPaused
	status.LastAction = core.ActionManualStop
	status.AutoReconnect = false
	status.UpdatedAt = time.Now()
	if err := s.storage.UpsertStatus(ctx, status); err != nil {
		s.log.WithError(err).Error("stop: status update failed")
	}

	s.log.WithField("key", key.String()).Info("strategy instance stopped")
	return nil
}

// Executor returns the running executor for a key.
func (s *Supervisor) Executor(key core.InstanceKey) (core.Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.running[key.String()]
	if !ok || inst == nil {
		return nil, false
	}
	return inst.executor, true
}

// Running returns metadata for every live executor.
func (s *Supervisor) Running() []core.ExecutorMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.ExecutorMetadata, 0, len(s.running))
	for _, inst := range s.running {
		if inst != nil {
			out = append(out, inst.executor.Metadata())
		}
	}
	return out
}

// ForceResume forwards a resume request to a running executor.
func (s *Supervisor) ForceResume(key core.InstanceKey) error {
	executor, ok := s.Executor(key)
	if !ok {
		return core.NewError(core.CodeNotRunning, "strategy instance is not running", nil)
	}
	executor.ForceResume()
	return nil
}

// ResumeAll restarts every active auto-reconnect instance for a broker and
// environment, typically at process startup. Already-running instances are
// marked skipped; failures are recorded on the row and do not abort the
// sweep.
func (s *Supervisor) ResumeAll(ctx context.Context, broker string, env core.Environment) error {
	candidates, err := s.storage.ResumeCandidates(ctx, broker, env)
	if err != nil {
		return fmt.Errorf("failed to list resume candidates: %w", err)
	}

	for _, status := range candidates {
		key := status.Key()
		log := s.log.WithField("key", key.String())

		if _, running := s.Executor(key); running {
			status.LastAction = core.ActionAutoResumeSkipped
			status.UpdatedAt = time.Now()
			if uerr := s.storage.UpsertStatus(ctx, status); uerr != nil {
				log.WithError(uerr).Warn("resume: skip marker write failed")
			}
			continue
		}

		// A candidate whose broker link is down is parked, not errored: it
		// stays eligible once the user reconnects and starts again.
		if b, berr := s.brokers.Broker(ctx, key); berr != nil || !b.IsConnected() {
			status.Status = core.StatusPaused
			status.LastAction = core.ActionAutoResumeSkipped
			status.UpdatedAt = time.Now()
			if uerr := s.storage.UpsertStatus(ctx, status); uerr != nil {
				log.WithError(uerr).Warn("resume: pause marker write failed")
			}
			log.Warn("resume skipped: broker connection unavailable")
			continue
		}

		if err := s.start(ctx, key, status.Config, status.AutoReconnect, core.ActionAutoResume); err != nil {
			log.WithError(err).Error("resume failed")
			status.LastAction = core.ActionAutoResume
			s.markError(ctx, status, err)
			continue
		}
		log.Info("instance auto-resumed")
	}
	return nil
}

// Shutdown stops every executor. Rows keep status active and their
// auto-reconnect flag, so the next startup sweep resumes them; only the
// connection marker is cleared to show the process is gone.
func (s *Supervisor) Shutdown() {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	instances := make([]*instance, 0, len(s.running))
	for _, inst := range s.running {
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	s.running = make(map[string]*instance)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, inst := range instances {
		key := inst.executor.Metadata().Key
		inst.cancel()
		inst.executor.Cleanup()
		s.markDisconnected(ctx, key)
	}
	s.log.Info("supervisor shut down")
}

func (s *Supervisor) markDisconnected(ctx context.Context, key core.InstanceKey) {
	rows, err := s.storage.Statuses(ctx, core.WithStatusKey(key))
	if err != nil || len(rows) == 0 {
		s.log.WithField("key", key.String()).WithError(err).Warn("shutdown: status row unavailable")
		return
	}
	status := rows[0]
	status.ConnectedAt = nil
	status.UpdatedAt = time.Now()
	if err := s.storage.UpsertStatus(ctx, status); err != nil {
		s.log.WithField("key", key.String()).WithError(err).Warn("shutdown: disconnect marker write failed")
	}
}

// pump routes ticker updates into the executor until its context ends.
func (s *Supervisor) pump(ctx context.Context, key core.InstanceKey, executor core.Executor, tickers <-chan core.Ticker, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				s.log.WithField("key", key.String()).WithError(err).Warn("ticker stream error")
			}
		case ticker, ok := <-tickers:
			if !ok {
				return
			}
			if ticker.LastPrice > 0 {
				executor.OnTicker(ticker.LastPrice)
			}
		}
	}
}

func (s *Supervisor) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		for _, meta := range s.Running() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.storage.UpdateHeartbeat(ctx, meta.Key, time.Now()); err != nil {
				s.log.WithField("key", meta.Key.String()).WithError(err).Debug("heartbeat write failed")
			}
			cancel()
		}
	}
}

// markError flips a status row into the error state. The caller's action
// is preserved unless it was a resume, which becomes auto_resume_failed.
func (s *Supervisor) markError(ctx context.Context, status *core.StrategyStatus, cause error) {
	status.Status = core.StatusError
	if status.LastAction == core.ActionAutoResume {
		status.LastAction = core.ActionAutoResumeFailed
	}
	status.ErrorCount++
	status.ErrorMessage = cause.Error()
	status.UpdatedAt = time.Now()
	if err := s.storage.UpsertStatus(ctx, status); err != nil {
		s.log.WithError(err).Error("status error marker write failed")
	}
}
