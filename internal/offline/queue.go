// Package offline drains the durable operation queue against the remote
// entity API: per-entity FIFO, bounded concurrency across entities, capped
// exponential backoff and temp-id reconciliation.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/events"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	persistTimeout     = 5 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Mutation is a user edit before it becomes an Operation.
type Mutation struct {
	EntityType model.EntityType `json:"entityType"`
	Kind       model.Kind       `json:"kind"`
	// Ref is empty for a Create; a temp id is assigned.
	Ref     model.EntityRef `json:"entityRef"`
	Payload json.RawMessage `json:"payload"`
}

type ManagerOptions struct {
	Store        localstore.Store
	Executor     OperationExecutor
	Connectivity Connectivity
	Validator    *model.Validator
	// Remote is optional; when set, discarding an operation refreshes the
	// entity snapshot from the server.
	Remote      RemoteAPI
	Clock       Clock
	Events      events.Publisher
	Logger      Logger
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// Unsynced is the pending-change counter: every operation not yet confirmed.
func (s Stats) Unsynced() int {
	return s.Pending + s.InFlight + s.Deferred
}

type Manager struct {
	store        localstore.Store
	executor     OperationExecutor
	connectivity Connectivity
	validator    *model.Validator
	remote       RemoteAPI
	clock        Clock
	events       events.Publisher
	logger       Logger
	concurrency  int
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	runCtx    context.Context
	draining  bool
	rerun     bool
	timers    map[string]Timer
	listeners map[int]func(model.Operation)
	// waiting holds temp ids whose Create some held-back operation needs.
	waiting   map[string]struct{}
	nextID    int
	wg        sync.WaitGroup
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	m := &Manager{
		store:        opts.Store,
		executor:     opts.Executor,
		connectivity: opts.Connectivity,
		validator:    opts.Validator,
		remote:       opts.Remote,
		clock:        opts.Clock,
		events:       opts.Events,
		logger:       opts.Logger,
		concurrency:  opts.Concurrency,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		timers:       map[string]Timer{},
		listeners:    map[int]func(model.Operation){},
		waiting:      map[string]struct{}{},
	}
	if m.connectivity == nil {
		m.connectivity = StaticConnectivity(Online)
	}
	if m.validator == nil {
		v, err := model.DefaultValidator()
		if err != nil {
			return nil, err
		}
		m.validator = v
	}
	if m.clock == nil {
		m.clock = SystemClock()
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.concurrency <= 0 {
		m.concurrency = defaultConcurrency
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.baseDelay <= 0 {
		m.baseDelay = defaultBaseDelay
	}
	if m.maxDelay <= 0 {
		m.maxDelay = defaultMaxDelay
	}
	return m, nil
}

// Start recovers the queue after a restart and binds background drains to
// ctx. Cancelling ctx stops every scheduled retry and in-flight exchange.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	if err := m.recover(ctx); err != nil {
		return err
	}
	context.AfterFunc(ctx, m.stopTimers)
	return nil
}

// recover returns operations left InFlight by a crash to Pending and
// re-arms Deferred backoff timers.
func (m *Manager) recover(ctx context.Context) error {
	ops, err := m.store.Operations(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Status {
		case model.StatusInFlight:
			op.Status = model.StatusPending
			op.UpdatedAt = m.clock.Now()
			if err := m.store.SaveOperation(ctx, op); err != nil {
				return err
			}
			m.logf("recovered in-flight op %s on %s", op.OpID, op.EntityKey())
		case model.StatusDeferred:
			m.schedule(op.OpID, op.NextAttemptAt.Sub(m.clock.Now()))
		}
	}
	return nil
}

// Wait blocks until every background drain started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// OnResolved registers fn for every operation that reaches Applied or Failed.
func (m *Manager) OnResolved(fn func(model.Operation)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Enqueue validates the mutation, persists it with its optimistic snapshot
// and only then returns. A drain is triggered when online.
func (m *Manager) Enqueue(ctx context.Context, mut Mutation) (model.Operation, error) {
	if !mut.EntityType.Valid() {
		return model.Operation{}, fmt.Errorf("%w: %q", model.ErrUnknownEntityType, mut.EntityType)
	}
	if err := m.validator.Validate(mut.EntityType, mut.Kind, mut.Payload); err != nil {
		return model.Operation{}, err
	}
	payload := mut.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ref := mut.Ref
	var current *model.Entity
	switch mut.Kind {
	case model.KindCreate:
		if ref.IsZero() {
			ref = model.EntityRef{TempID: model.NewTempID()}
		}
	default:
		if ref.IsZero() {
			return model.Operation{}, &model.ValidationError{EntityType: mut.EntityType, Kind: mut.Kind, Reason: "entity reference is required"}
		}
		resolved, entity, err := m.resolveRef(ctx, mut.EntityType, ref)
		if err != nil {
			return model.Operation{}, err
		}
		ref = resolved
		current = entity
	}

	now := m.clock.Now()
	op := model.Operation{
		OpID:           model.NewOpID(),
		EntityType:     mut.EntityType,
		Ref:            ref,
		Kind:           mut.Kind,
		Payload:        append(json.RawMessage(nil), payload...),
		IdempotencyKey: model.NewIdempotencyKey(),
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if current != nil {
		op.BaseRevision = current.Revision
	}
	snapshot, err := optimisticSnapshot(op, current, now)
	if err != nil {
		return model.Operation{}, err
	}
	stored, err := m.store.AppendOperation(ctx, op, snapshot)
	if err != nil {
		return model.Operation{}, err
	}
	m.publish(events.OperationQueued, stored)
	m.Trigger()
	return stored, nil
}

// resolveRef maps a temp id whose Create has since been confirmed to the
// server id, and loads the current local snapshot.
func (m *Manager) resolveRef(ctx context.Context, entityType model.EntityType, ref model.EntityRef) (model.EntityRef, *model.Entity, error) {
	entity, err := m.store.Entity(ctx, entityType, ref.Key())
	if err == nil {
		return entity.Ref(), &entity, nil
	}
	if !errors.Is(err, localstore.ErrNotFound) {
		return ref, nil, err
	}
	if ref.ID == "" && ref.TempID != "" {
		all, err := m.store.Entities(ctx, entityType)
		if err != nil {
			return ref, nil, err
		}
		for i := range all {
			if all[i].TempID == ref.TempID && all[i].ID != "" {
				return all[i].Ref(), &all[i], nil
			}
		}
	}
	return ref, nil, nil
}

func optimisticSnapshot(op model.Operation, current *model.Entity, now time.Time) (*model.Entity, error) {
	fields, err := op.Fields()
	if err != nil {
		return nil, err
	}
	var snap model.Entity
	switch op.Kind {
	case model.KindCreate:
		snap = model.Entity{Type: op.EntityType, TempID: op.Ref.TempID, Fields: model.ApplyDefaults(op.EntityType, fields)}
	case model.KindUpdate:
		if current != nil {
			snap = current.Clone()
		} else {
			snap = model.Entity{Type: op.EntityType, ID: op.Ref.ID, TempID: op.Ref.TempID}
		}
		if snap.Fields == nil {
			snap.Fields = map[string]any{}
		}
		for k, v := range fields {
			snap.Fields[k] = v
		}
	case model.KindDelete:
		if current != nil {
			snap = current.Clone()
		} else {
			snap = model.Entity{Type: op.EntityType, ID: op.Ref.ID, TempID: op.Ref.TempID}
		}
		snap.Deleted = true
	}
	snap.UpdatedAt = now
	return &snap, nil
}

// Trigger starts a background drain bound to the Start context.
func (m *Manager) Trigger() {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if m.connectivity.State() != Online {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Drain(ctx); err != nil && ctx.Err() == nil {
			m.logf("drain failed: %v", err)
		}
	}()
}

// Drain executes every eligible operation. Concurrent calls coalesce: a call
// arriving during a drain schedules one more pass and returns immediately.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.rerun = true
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.mu.Unlock()

	for {
		err := m.drainOnce(ctx)
		m.mu.Lock()
		if err != nil || !m.rerun || ctx.Err() != nil {
			m.draining = false
			m.rerun = false
			m.mu.Unlock()
			return err
		}
		m.rerun = false
		m.mu.Unlock()
	}
}

func (m *Manager) drainOnce(ctx context.Context) error {
	if m.connectivity.State() != Online {
		return nil
	}
	ops, err := m.store.Operations(ctx)
	if err != nil {
		return err
	}
	var order []string
	groups := map[string][]string{}
	for _, op := range ops {
		key := op.EntityKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op.OpID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, key := range order {
		ids := groups[key]
		g.Go(func() error {
			return m.runGroup(gctx, ids)
		})
	}
	return g.Wait()
}

// runGroup drives one entity's operations strictly in order and stops at the
// first operation that cannot complete now.
func (m *Manager) runGroup(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if ctx.Err() != nil || m.connectivity.State() != Online {
			return nil
		}
		// Reload: an earlier Create in this group may have rewritten the ref.
		op, err := m.store.Operation(ctx, id)
		if errors.Is(err, localstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		switch op.Status {
		case model.StatusPending:
		case model.StatusDeferred:
			if op.NextAttemptAt.After(m.clock.Now()) {
				return nil
			}
		default:
			return nil
		}
		op, held, err := m.awaitReferences(ctx, op)
		if err != nil || held {
			return err
		}
		proceed, err := m.executeOne(ctx, op)
		if err != nil || !proceed {
			return err
		}
	}
	return nil
}

// awaitReferences holds op back while one of its payload references names an
// entity whose Create is still queued. A reference to an entity confirmed
// earlier is rewritten from the local snapshot; one that names nothing the
// client knows can never resolve, so op fails. The returned op is the stored
// copy read under m.mu, so a rewrite committed before the check is seen.
func (m *Manager) awaitReferences(ctx context.Context, op model.Operation) (model.Operation, bool, error) {
	if len(op.TempReferences()) == 0 {
		return op, false, nil
	}
	m.mu.Lock()
	ops, err := m.store.Operations(ctx)
	if err != nil {
		m.mu.Unlock()
		return op, false, err
	}
	queued := map[string]bool{}
	for _, other := range ops {
		if other.OpID == op.OpID {
			op = other
			continue
		}
		if other.Kind == model.KindCreate && !other.Ref.Confirmed() && other.Ref.TempID != "" {
			queued[other.Ref.TempID] = true
		}
	}
	var unresolved []model.TempReference
	for _, ref := range op.TempReferences() {
		if queued[ref.TempID] {
			m.waiting[ref.TempID] = struct{}{}
			m.mu.Unlock()
			m.logf("sync op %s waits for create of %s", op.OpID, ref.TempID)
			return op, true, nil
		}
		unresolved = append(unresolved, ref)
	}
	m.mu.Unlock()
	if len(unresolved) == 0 {
		return op, false, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	for _, ref := range unresolved {
		serverID, err := m.confirmedID(ctx, ref)
		if err != nil {
			return op, false, err
		}
		if serverID == "" {
			op.UpdatedAt = m.clock.Now()
			op.LastError = &model.OpError{Kind: model.ErrorKindValidation, Message: fmt.Sprintf("%s references unsaved %s %s", ref.Field, ref.Target, ref.TempID)}
			return op, true, m.fail(pctx, op)
		}
		model.RewriteTempID(&op, ref.TempID, serverID)
	}
	if err := m.store.SaveOperation(pctx, op); err != nil {
		return op, false, err
	}
	return op, false, nil
}

// confirmedID finds the server id of a local entity that still remembers
// the temp id it was created under.
func (m *Manager) confirmedID(ctx context.Context, ref model.TempReference) (string, error) {
	entities, err := m.store.Entities(ctx, ref.Target)
	if err != nil {
		return "", err
	}
	for _, e := range entities {
		if e.TempID == ref.TempID && e.ID != "" && !e.Deleted {
			return e.ID, nil
		}
	}
	return "", nil
}

// release reruns the current drain when an operation was held back waiting
// for tempID to be confirmed.
func (m *Manager) release(tempID string) {
	if tempID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiting[tempID]; ok {
		delete(m.waiting, tempID)
		m.rerun = true
	}
}

func (m *Manager) executeOne(ctx context.Context, op model.Operation) (bool, error) {
	op.Status = model.StatusInFlight
	op.UpdatedAt = m.clock.Now()
	if err := m.store.SaveOperation(ctx, op); err != nil {
		return false, err
	}

	res := m.executor.Execute(ctx, op)

	// Bookkeeping must land even if ctx was cancelled mid-exchange.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	now := m.clock.Now()
	op.UpdatedAt = now

	switch res.Outcome {
	case OutcomeApplied:
		// Serialized with Enqueue so no new operation can slip in between
		// reading the queue for the temp-id rewrite and committing it.
		m.writeMu.Lock()
		snapshot, err := m.canonicalSnapshot(pctx, op, res.Entity)
		if err == nil {
			err = m.store.ApplyOperation(pctx, op, snapshot)
		}
		m.writeMu.Unlock()
		if err != nil {
			return false, err
		}
		op.Status = model.StatusApplied
		op.LastError = nil
		if snapshot.ID != "" {
			op.Ref.ID = snapshot.ID
		}
		op.AppliedRevision = snapshot.Revision
		m.publish(events.OperationApplied, op)
		m.notifyResolved(op)
		if op.Kind == model.KindCreate {
			m.release(op.Ref.TempID)
		}
		return true, nil

	case OutcomeDeferred:
		op.RetryCount++
		op.LastError = res.Err
		if op.RetryCount >= m.maxAttempts {
			return false, m.fail(pctx, op)
		}
		delay := m.backoff(op.RetryCount)
		op.Status = model.StatusDeferred
		op.NextAttemptAt = now.Add(delay)
		if err := m.store.SaveOperation(pctx, op); err != nil {
			return false, err
		}
		m.logf("sync op %s deferred for %s (attempt %d): %v", op.OpID, delay, op.RetryCount, res.Err)
		m.schedule(op.OpID, delay)
		return false, nil

	case OutcomeRejected:
		op.LastError = res.Err
		return false, m.fail(pctx, op)

	default:
		op.Status = model.StatusPending
		if err := m.store.SaveOperation(pctx, op); err != nil {
			return false, err
		}
		return false, nil
	}
}

func (m *Manager) fail(ctx context.Context, op model.Operation) error {
	op.Status = model.StatusFailed
	op.NextAttemptAt = time.Time{}
	if err := m.store.SaveOperation(ctx, op); err != nil {
		return err
	}
	m.logf("sync op %s failed: %v", op.OpID, op.LastError)
	m.publish(events.OperationFailed, op)
	m.notifyResolved(op)
	return nil
}

// backoff returns min(base * 2^(n-1), max) for the n-th consecutive failure.
func (m *Manager) backoff(n int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

// canonicalSnapshot is the server result with the entity's still-unresolved
// local writes laid over it, so the local view keeps showing queued edits.
func (m *Manager) canonicalSnapshot(ctx context.Context, done model.Operation, server model.Entity) (model.Entity, error) {
	snap := server.Clone()
	snap.Type = done.EntityType
	if snap.ID == "" {
		snap.ID = done.Ref.ID
	}
	if snap.TempID == "" {
		snap.TempID = done.Ref.TempID
	}
	if snap.Deleted {
		return snap, nil
	}
	if snap.Fields == nil {
		snap.Fields = map[string]any{}
	}
	ops, err := m.store.Operations(ctx)
	if err != nil {
		return model.Entity{}, err
	}
	for _, op := range ops {
		if op.OpID == done.OpID || op.EntityType != done.EntityType || !op.Status.Unresolved() {
			continue
		}
		if !sameEntity(op.Ref, snap) {
			continue
		}
		if op.Kind != model.KindUpdate {
			continue
		}
		fields, err := op.Fields()
		if err != nil {
			continue
		}
		for k, v := range fields {
			snap.Fields[k] = v
		}
	}
	return snap, nil
}

func sameEntity(ref model.EntityRef, e model.Entity) bool {
	if ref.ID != "" && ref.ID == e.ID {
		return true
	}
	return ref.TempID != "" && ref.TempID == e.TempID
}

// Discard removes a Failed operation. Discarding a Create also drops every
// queued operation on the same unconfirmed entity, which could never apply.
func (m *Manager) Discard(ctx context.Context, opID string) error {
	op, err := m.failedOperation(ctx, opID)
	if err != nil {
		return err
	}
	if err := m.store.RemoveOperation(ctx, opID); err != nil {
		return err
	}
	m.logf("discarded failed op %s on %s", op.OpID, op.EntityKey())
	if op.Kind == model.KindCreate && !op.Ref.Confirmed() {
		ops, err := m.store.Operations(ctx)
		if err != nil {
			return err
		}
		for _, dep := range ops {
			if dep.EntityKey() == op.EntityKey() {
				if err := m.store.RemoveOperation(ctx, dep.OpID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
					return err
				}
			}
		}
		if err := m.store.DeleteEntity(ctx, op.EntityType, op.Ref.TempID); err != nil {
			return err
		}
		// Operations held back for this entity now fail on the next pass.
		m.mu.Lock()
		_, held := m.waiting[op.Ref.TempID]
		delete(m.waiting, op.Ref.TempID)
		m.mu.Unlock()
		if held {
			m.Trigger()
		}
		return nil
	}
	m.refresh(ctx, op)
	return nil
}

// refresh replaces the optimistic snapshot with the server's copy after a
// local write was abandoned. Failure leaves the snapshot as is.
func (m *Manager) refresh(ctx context.Context, op model.Operation) {
	if m.remote == nil || !op.Ref.Confirmed() || m.connectivity.State() != Online {
		return
	}
	entity, err := m.remote.Fetch(ctx, op.EntityType, op.Ref.ID)
	if err != nil {
		if IsNotFound(err) {
			_ = m.store.DeleteEntity(ctx, op.EntityType, op.Ref.ID)
			return
		}
		m.logf("refresh %s after discard failed: %v", op.Ref.ID, err)
		return
	}
	entity.Type = op.EntityType
	local, err := m.store.Entity(ctx, op.EntityType, op.Ref.ID)
	if err == nil {
		entity.TempID = local.TempID
	}
	snapshot, err := m.canonicalSnapshot(ctx, model.Operation{OpID: op.OpID, EntityType: op.EntityType, Ref: op.Ref}, entity)
	if err != nil {
		return
	}
	if err := m.store.PutEntity(ctx, snapshot); err != nil {
		m.logf("store refreshed %s failed: %v", op.Ref.ID, err)
	}
}

// Retry requeues a Failed operation with a fresh retry budget. The base
// revision is moved to the current local revision, so an update rejected for
// a conflict is resubmitted on top of the newer server state.
func (m *Manager) Retry(ctx context.Context, opID string) (model.Operation, error) {
	op, err := m.failedOperation(ctx, opID)
	if err != nil {
		return model.Operation{}, err
	}
	return m.requeue(ctx, op)
}

// Resubmit replaces a Failed operation's payload and requeues it at its
// original position in its entity group.
func (m *Manager) Resubmit(ctx context.Context, opID string, payload json.RawMessage) (model.Operation, error) {
	op, err := m.failedOperation(ctx, opID)
	if err != nil {
		return model.Operation{}, err
	}
	if err := m.validator.Validate(op.EntityType, op.Kind, payload); err != nil {
		return model.Operation{}, err
	}
	op.Payload = append(json.RawMessage(nil), payload...)
	if op.Kind != model.KindDelete {
		m.writeMu.Lock()
		current, err := m.store.Entity(ctx, op.EntityType, op.Ref.Key())
		var cur *model.Entity
		if err == nil {
			cur = &current
		}
		if snap, err := optimisticSnapshot(op, cur, m.clock.Now()); err == nil {
			_ = m.store.PutEntity(ctx, *snap)
		}
		m.writeMu.Unlock()
	}
	return m.requeue(ctx, op)
}

func (m *Manager) requeue(ctx context.Context, op model.Operation) (model.Operation, error) {
	if op.Kind != model.KindCreate && op.Ref.Confirmed() {
		if current, err := m.store.Entity(ctx, op.EntityType, op.Ref.ID); err == nil && current.Revision > op.BaseRevision {
			op.BaseRevision = current.Revision
		}
	}
	op.Status = model.StatusPending
	op.RetryCount = 0
	op.LastError = nil
	op.NextAttemptAt = time.Time{}
	op.UpdatedAt = m.clock.Now()
	if err := m.store.SaveOperation(ctx, op); err != nil {
		return model.Operation{}, err
	}
	m.publish(events.OperationQueued, op)
	m.Trigger()
	return op, nil
}

func (m *Manager) failedOperation(ctx context.Context, opID string) (model.Operation, error) {
	op, err := m.store.Operation(ctx, opID)
	if errors.Is(err, localstore.ErrNotFound) {
		return model.Operation{}, ErrNotFound
	}
	if err != nil {
		return model.Operation{}, err
	}
	if op.Status != model.StatusFailed {
		return model.Operation{}, ErrNotFailed
	}
	return op, nil
}

func (m *Manager) Operations(ctx context.Context) ([]model.Operation, error) {
	return m.store.Operations(ctx)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ops, err := m.store.Operations(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, op := range ops {
		switch op.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusInFlight:
			s.InFlight++
		case model.StatusDeferred:
			s.Deferred++
		case model.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// HasUnresolved reports whether entity has a queued write touching any of
// fields. A nil fields slice matches any unresolved operation.
func (m *Manager) HasUnresolved(ctx context.Context, entityType model.EntityType, entityID string, fields []string) (bool, error) {
	ops, err := m.store.Operations(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.EntityType != entityType || op.Ref.ID != entityID || !op.Status.Unresolved() {
			continue
		}
		if fields == nil || op.Overlaps(fields) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) schedule(opID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil && m.runCtx.Err() != nil {
		return
	}
	if old, ok := m.timers[opID]; ok {
		old.Stop()
	}
	m.timers[opID] = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, opID)
		m.mu.Unlock()
		m.Trigger()
	})
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) notifyResolved(op model.Operation) {
	m.mu.Lock()
	listeners := make([]func(model.Operation), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(op.Clone())
	}
}

func (m *Manager) publish(t events.Type, op model.Operation) {
	clone := op.Clone()
	m.events.Publish(events.Event{Type: t, Operation: &clone})
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
