// Package engine assembles the client side: durable queue, connectivity
// monitor, collaboration gateway and spool intake behind the command and
// event surface a host application uses.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/events"
	"github.com/agentworkforce/notesync/internal/gateway"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
	"github.com/agentworkforce/notesync/internal/offline"
)

var (
	ErrNotStarted            = errors.New("engine not started")
	ErrAlreadyStarted        = errors.New("engine already started")
	ErrCollaborationDisabled = errors.New("collaboration is not configured")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store  localstore.Store
	Remote offline.RemoteAPI
	// Prober defaults to Remote when it can probe.
	Prober offline.Prober
	// Dial enables collaboration; nil leaves it off.
	Dial      gateway.Dialer
	Validator *model.Validator
	Clock     offline.Clock
	Logger    Logger

	Concurrency    int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
	ProbeThreshold int
	// SyncInterval re-triggers a drain periodically; zero disables it.
	SyncInterval   time.Duration
	IntervalJitter float64
	SpoolDir       string
}

type Engine struct {
	store   localstore.Store
	bus     *events.Bus
	monitor *offline.Monitor
	manager *offline.Manager
	gateway *gateway.Gateway
	spool   *offline.Spool
	logger  Logger

	syncInterval   time.Duration
	intervalJitter float64

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote API is required")
	}
	prober := opts.Prober
	if prober == nil {
		if p, ok := opts.Remote.(offline.Prober); ok {
			prober = p
		}
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	bus := events.NewBus()
	monitor := offline.NewMonitor(offline.MonitorOptions{
		Prober:    prober,
		Interval:  opts.ProbeInterval,
		Threshold: opts.ProbeThreshold,
		Clock:     opts.Clock,
		Events:    bus,
		Logger:    opts.Logger,
	})
	executor := offline.NewExecutor(offline.ExecutorOptions{
		Remote:       opts.Remote,
		Connectivity: monitor,
		Timeout:      opts.RequestTimeout,
	})
	manager, err := offline.NewManager(offline.ManagerOptions{
		Store:        opts.Store,
		Executor:     executor,
		Connectivity: monitor,
		Validator:    opts.Validator,
		Remote:       opts.Remote,
		Clock:        opts.Clock,
		Events:       bus,
		Logger:       opts.Logger,
		Concurrency:  opts.Concurrency,
		MaxAttempts:  opts.MaxAttempts,
		BaseDelay:    opts.BaseDelay,
		MaxDelay:     opts.MaxDelay,
	})
	if err != nil {
		return nil, err
	}
	monitor.OnReconnect(manager.Trigger)

	e := &Engine{
		store:          opts.Store,
		bus:            bus,
		monitor:        monitor,
		manager:        manager,
		logger:         opts.Logger,
		syncInterval:   opts.SyncInterval,
		intervalJitter: clampJitterRatio(opts.IntervalJitter),
	}
	if opts.Dial != nil {
		gw, err := gateway.New(gateway.Options{
			Store:          opts.Store,
			Queue:          manager,
			Remote:         opts.Remote,
			Dial:           opts.Dial,
			Events:         bus,
			Logger:         opts.Logger,
			RequestTimeout: opts.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		e.gateway = gw
	}
	if opts.SpoolDir != "" {
		spool, err := offline.NewSpool(opts.SpoolDir, manager, opts.Logger)
		if err != nil {
			return nil, err
		}
		e.spool = spool
	}
	return e, nil
}

// Start recovers the queue and starts the background loops. Everything
// started here stops on Logout or when ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.manager.Start(runCtx); err != nil {
		e.Logout()
		return err
	}
	e.goRun(func() { _ = e.monitor.Run(runCtx) })
	if e.gateway != nil {
		e.goRun(func() {
			if err := e.gateway.Run(runCtx); err != nil {
				e.logf("collaboration stopped: %v", err)
			}
		})
	}
	if e.spool != nil {
		e.goRun(func() {
			if err := e.spool.Run(runCtx); err != nil && runCtx.Err() == nil {
				e.logf("spool stopped: %v", err)
			}
		})
	}
	if e.syncInterval > 0 {
		e.goRun(func() { e.syncLoop(runCtx) })
	}
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// syncLoop nudges the queue on a jittered interval so deferred work is
// picked up even when no transition fires.
func (e *Engine) syncLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(e.syncInterval, e.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.manager.Trigger()
			timer.Reset(jitteredIntervalWithSample(e.syncInterval, e.intervalJitter, rng.Float64()))
		}
	}
}

// Logout cancels in-flight exchanges, scheduled retries and room
// memberships, then waits for the background loops. The durable queue is
// kept for the next session.
func (e *Engine) Logout() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runCtx = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.manager.Wait()
}

func (e *Engine) Close() error {
	e.Logout()
	return e.store.Close()
}

// bound ties ctx to the session so Logout cancels it.
func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	run := e.runCtx
	e.mu.Unlock()
	if run == nil {
		return nil, nil, ErrNotStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(run, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

func (e *Engine) Subscribe(buffer int, types ...events.Type) *events.Subscription {
	return e.bus.Subscribe(buffer, types...)
}

func (e *Engine) EnqueueMutation(ctx context.Context, entityType model.EntityType, kind model.Kind, ref model.EntityRef, payload json.RawMessage) (model.Operation, error) {
	return e.manager.Enqueue(ctx, offline.Mutation{EntityType: entityType, Kind: kind, Ref: ref, Payload: payload})
}

// ForceSync probes once when offline, then drains and waits for the drain
// to finish.
func (e *Engine) ForceSync(ctx context.Context) error {
	ctx, cancel, err := e.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if e.monitor.State() != offline.Online {
		for i := 0; i < e.monitor.Threshold() && e.monitor.State() != offline.Online; i++ {
			e.monitor.ProbeOnce(ctx)
		}
		if e.monitor.State() != offline.Online {
			return offline.ErrOffline
		}
	}
	err = e.manager.Drain(ctx)
	e.manager.Wait()
	return err
}

func (e *Engine) DiscardFailedOperation(ctx context.Context, opID string) error {
	return e.manager.Discard(ctx, opID)
}

func (e *Engine) RetryOperation(ctx context.Context, opID string) (model.Operation, error) {
	return e.manager.Retry(ctx, opID)
}

func (e *Engine) ResubmitOperation(ctx context.Context, opID string, payload json.RawMessage) (model.Operation, error) {
	return e.manager.Resubmit(ctx, opID, payload)
}

func (e *Engine) JoinCollaboration(ctx context.Context, entityID string, capability model.Capability) ([]events.Member, error) {
	if e.gateway == nil {
		return nil, ErrCollaborationDisabled
	}
	ctx, cancel, err := e.bound(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return e.gateway.JoinCollaboration(ctx, entityID, capability)
}

func (e *Engine) LeaveCollaboration(ctx context.Context, entityID string) error {
	if e.gateway == nil {
		return ErrCollaborationDisabled
	}
	return e.gateway.LeaveCollaboration(ctx, entityID)
}

func (e *Engine) Stats(ctx context.Context) (offline.Stats, error) {
	return e.manager.Stats(ctx)
}

func (e *Engine) Operations(ctx context.Context) ([]model.Operation, error) {
	return e.manager.Operations(ctx)
}

// FailedOperations lists the operations waiting on a user decision.
func (e *Engine) FailedOperations(ctx context.Context) ([]model.Operation, error) {
	ops, err := e.manager.Operations(ctx)
	if err != nil {
		return nil, err
	}
	var failed []model.Operation
	for _, op := range ops {
		if op.Status == model.StatusFailed {
			failed = append(failed, op)
		}
	}
	return failed, nil
}

func (e *Engine) Entity(ctx context.Context, entityType model.EntityType, key string) (model.Entity, error) {
	return e.store.Entity(ctx, entityType, key)
}

func (e *Engine) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	return e.store.Entities(ctx, entityType)
}

func (e *Engine) Connectivity() offline.State {
	return e.monitor.State()
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
