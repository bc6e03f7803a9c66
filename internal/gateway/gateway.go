// Package gateway keeps the local store in step with collaboration rooms.
// Remote changes are merged field by field in server revision order; a merge
// waits while the entity still has unconfirmed local writes, and every
// reconnect refetches the open entities because the transport gives no
// delivery guarantee across connections.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/collab"
	"github.com/agentworkforce/notesync/internal/events"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
	"github.com/agentworkforce/notesync/internal/offline"
)

const (
	defaultRejoinAttempts    = 3
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	maxConfirmedWrites       = 16

	// PresenceDisconnected is published for every open entity when the
	// channel drops; membership is rebuilt on the next connection.
	PresenceDisconnected = "disconnected"
	// PresenceDenied is published when a rejoin is refused.
	PresenceDenied = "denied"
)

var ErrNotConnected = fmt.Errorf("%w: no collaboration channel", collab.ErrTransportDisconnect)

// Channel is one authenticated connection to the collaboration endpoint.
// Incoming carries room traffic that is not a reply to a request.
type Channel interface {
	Join(ctx context.Context, entityID string, capability model.Capability) ([]collab.Member, error)
	Leave(ctx context.Context, entityID string) error
	Publish(ctx context.Context, entityID string, revision uint64) error
	Incoming() <-chan collab.ServerMessage
	Done() <-chan struct{}
	Close() error
}

type Dialer func(ctx context.Context) (Channel, error)

// Queue is the part of the sync queue the gateway consults.
type Queue interface {
	HasUnresolved(ctx context.Context, entityType model.EntityType, entityID string, fields []string) (bool, error)
	OnResolved(fn func(model.Operation)) (unsubscribe func())
}

type Fetcher interface {
	Fetch(ctx context.Context, entityType model.EntityType, id string) (model.Entity, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store  localstore.Store
	Queue  Queue
	Remote Fetcher
	Dial   Dialer
	Events events.Publisher
	Logger Logger
	// RejoinAttempts bounds join retries per entity after a reconnect.
	RejoinAttempts    int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	RequestTimeout    time.Duration
}

type openEntity struct {
	entityType model.EntityType
	capability model.Capability
	joined     bool
}

// localWrite is a confirmed local update kept so an interleaved remote write
// to the same fields can be reported.
type localWrite struct {
	values   map[string]any
	base     uint64
	revision uint64
}

type pendingMerge struct {
	change   collab.Change
	snapshot bool
}

type Gateway struct {
	store          localstore.Store
	queue          Queue
	remote         Fetcher
	dial           Dialer
	events         events.Publisher
	logger         Logger
	rejoinAttempts int
	reconnectDelay time.Duration
	maxReconnect   time.Duration
	requestTimeout time.Duration

	// resolved collects queue resolutions for the outbox loop. wake has one
	// slot, so a burst costs one wakeup and no resolution is lost.
	resolvedMu sync.Mutex
	resolved   []model.Operation
	wake       chan struct{}

	// mergeMu serializes read-modify-write of local entities.
	mergeMu sync.Mutex

	mu        sync.Mutex
	ch        Channel
	open      map[string]*openEntity
	deferred  map[string][]pendingMerge
	confirmed map[string][]localWrite
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("dialer is required")
	}
	g := &Gateway{
		store:          opts.Store,
		queue:          opts.Queue,
		remote:         opts.Remote,
		dial:           opts.Dial,
		events:         opts.Events,
		logger:         opts.Logger,
		rejoinAttempts: opts.RejoinAttempts,
		reconnectDelay: opts.ReconnectDelay,
		maxReconnect:   opts.MaxReconnectDelay,
		requestTimeout: opts.RequestTimeout,
		open:           map[string]*openEntity{},
		deferred:       map[string][]pendingMerge{},
		confirmed:      map[string][]localWrite{},
	}
	if g.events == nil {
		g.events = events.Discard{}
	}
	if g.rejoinAttempts <= 0 {
		g.rejoinAttempts = defaultRejoinAttempts
	}
	if g.reconnectDelay <= 0 {
		g.reconnectDelay = defaultReconnectDelay
	}
	if g.maxReconnect <= 0 {
		g.maxReconnect = defaultMaxReconnectDelay
	}
	if g.requestTimeout <= 0 {
		g.requestTimeout = defaultRequestTimeout
	}
	g.wake = make(chan struct{}, 1)
	return g, nil
}

// Run keeps a channel open until ctx ends, reconnecting with capped backoff.
// Each new connection rejoins the open entities and refetches them.
func (g *Gateway) Run(ctx context.Context) error {
	unsubscribe := g.queue.OnResolved(g.onResolved)
	defer unsubscribe()

	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		g.outboxLoop(ctx)
	}()
	defer func() { <-outboxDone }()

	delay := g.reconnectDelay
	for {
		ch, err := g.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, collab.ErrUnauthorized) {
				return err
			}
			g.logf("collab dial failed, retrying in %s: %v", delay, err)
			if !sleepContext(ctx, delay) {
				return nil
			}
			delay = min(delay*2, g.maxReconnect)
			continue
		}
		delay = g.reconnectDelay
		g.serve(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (g *Gateway) serve(ctx context.Context, ch Channel) {
	g.mu.Lock()
	g.ch = ch
	g.mu.Unlock()
	defer func() {
		g.disconnected(ch)
		_ = ch.Close()
	}()

	g.rejoin(ctx, ch)
	g.refetchOpen(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			g.logf("collab channel closed; reconnecting")
			return
		case msg := <-ch.Incoming():
			g.handleMessage(ctx, msg)
		}
	}
}

func (g *Gateway) disconnected(ch Channel) {
	g.mu.Lock()
	if g.ch == ch {
		g.ch = nil
	}
	var ids []string
	for id, e := range g.open {
		if e.joined {
			ids = append(ids, id)
		}
		e.joined = false
	}
	g.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		g.events.Publish(events.Event{Type: events.PresenceChanged, Presence: &events.Presence{EntityID: id, Action: PresenceDisconnected}})
	}
}

// JoinCollaboration joins the room for entityID. Without a live channel the
// entity is remembered, ErrNotConnected is returned and the join happens on
// the next connection. A denied join is never remembered.
func (g *Gateway) JoinCollaboration(ctx context.Context, entityID string, capability model.Capability) ([]events.Member, error) {
	entityType, ok := model.EntityTypeOfID(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a confirmed entity id", model.ErrInvalidPayload, entityID)
	}
	if capability == "" {
		capability = model.CapabilityEdit
	}
	g.mu.Lock()
	ch := g.ch
	if ch == nil {
		g.open[entityID] = &openEntity{entityType: entityType, capability: capability}
		g.mu.Unlock()
		return nil, ErrNotConnected
	}
	g.mu.Unlock()

	members, err := ch.Join(ctx, entityID, capability)
	if err != nil {
		if errors.Is(err, collab.ErrTransportDisconnect) {
			g.mu.Lock()
			g.open[entityID] = &openEntity{entityType: entityType, capability: capability}
			g.mu.Unlock()
		}
		return nil, err
	}
	g.mu.Lock()
	g.open[entityID] = &openEntity{entityType: entityType, capability: capability, joined: true}
	g.mu.Unlock()

	// Changes committed before the membership existed were never delivered.
	g.refetch(ctx, entityID, entityType)
	return eventMembers(members), nil
}

func (g *Gateway) LeaveCollaboration(ctx context.Context, entityID string) error {
	g.mu.Lock()
	entry, ok := g.open[entityID]
	delete(g.open, entityID)
	delete(g.confirmed, entityID)
	ch := g.ch
	g.mu.Unlock()
	if !ok || !entry.joined || ch == nil {
		return nil
	}
	if err := ch.Leave(ctx, entityID); err != nil && !errors.Is(err, collab.ErrNotMember) && !errors.Is(err, collab.ErrTransportDisconnect) {
		return err
	}
	return nil
}

// Open lists the entities the gateway keeps joined, sorted.
func (g *Gateway) Open() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.open))
	for id := range g.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch != nil
}

// rejoin restores membership for every open entity on a fresh channel.
func (g *Gateway) rejoin(ctx context.Context, ch Channel) {
	g.mu.Lock()
	type target struct {
		id         string
		capability model.Capability
	}
	var targets []target
	for id, e := range g.open {
		targets = append(targets, target{id: id, capability: e.capability})
	}
	g.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, t := range targets {
		for attempt := 1; ; attempt++ {
			jctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
			members, err := ch.Join(jctx, t.id, t.capability)
			cancel()
			if err == nil {
				g.markJoined(t.id)
				g.events.Publish(events.Event{Type: events.PresenceChanged, Presence: &events.Presence{EntityID: t.id, Action: collab.PresenceJoined, Members: eventMembers(members)}})
				break
			}
			if errors.Is(err, collab.ErrUnauthorized) {
				g.mu.Lock()
				delete(g.open, t.id)
				g.mu.Unlock()
				g.logf("rejoin %s denied: %v", t.id, err)
				g.events.Publish(events.Event{Type: events.PresenceChanged, Presence: &events.Presence{EntityID: t.id, Action: PresenceDenied}})
				break
			}
			if ctx.Err() != nil || errors.Is(err, collab.ErrTransportDisconnect) {
				return
			}
			if attempt >= g.rejoinAttempts {
				g.logf("rejoin %s gave up after %d attempts: %v", t.id, attempt, err)
				break
			}
			if !sleepContext(ctx, g.reconnectDelay*time.Duration(attempt)) {
				return
			}
		}
	}
}

func (g *Gateway) markJoined(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.open[entityID]; ok {
		e.joined = true
	}
}

func (g *Gateway) refetchOpen(ctx context.Context) {
	g.mu.Lock()
	type target struct {
		id         string
		entityType model.EntityType
	}
	var targets []target
	for id, e := range g.open {
		targets = append(targets, target{id: id, entityType: e.entityType})
	}
	g.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, t := range targets {
		g.refetch(ctx, t.id, t.entityType)
	}
}

// refetch merges the server's current copy of an entity as a snapshot.
func (g *Gateway) refetch(ctx context.Context, entityID string, entityType model.EntityType) {
	change, ok := g.fetchSnapshot(ctx, entityID, entityType)
	if !ok {
		return
	}
	if err := g.apply(ctx, change, true); err != nil {
		g.logf("merge refetched %s failed: %v", entityID, err)
	}
}

func (g *Gateway) fetchSnapshot(ctx context.Context, entityID string, entityType model.EntityType) (collab.Change, bool) {
	if g.remote == nil {
		return collab.Change{}, false
	}
	fctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()
	entity, err := g.remote.Fetch(fctx, entityType, entityID)
	if err != nil {
		if offline.IsNotFound(err) {
			return collab.Change{EntityType: entityType, EntityID: entityID, Deleted: true}, true
		}
		g.logf("refetch %s failed: %v", entityID, err)
		return collab.Change{}, false
	}
	return collab.Change{
		EntityType:     entityType,
		EntityID:       entityID,
		Revision:       entity.Revision,
		Fields:         entity.Fields,
		FieldRevisions: entity.FieldRevisions,
		Deleted:        entity.Deleted,
		CommittedAt:    entity.UpdatedAt,
	}, true
}

func (g *Gateway) handleMessage(ctx context.Context, msg collab.ServerMessage) {
	switch msg.Type {
	case collab.MessageChange:
		if msg.Change == nil {
			return
		}
		if err := g.apply(ctx, *msg.Change, false); err != nil {
			g.logf("merge change %s@%d failed: %v", msg.Change.EntityID, msg.Change.Revision, err)
		}
	case collab.MessagePresence:
		if msg.Presence == nil {
			return
		}
		g.events.Publish(events.Event{Type: events.PresenceChanged, Presence: &events.Presence{
			EntityID: msg.Presence.EntityID,
			Action:   msg.Presence.Action,
			UserID:   msg.Presence.Member.UserID,
			Members:  eventMembers(msg.Presence.Members),
		}})
	case collab.MessageError:
		if msg.Error != nil {
			g.logf("collab error on %s: %s: %s", msg.EntityID, msg.Error.Code, msg.Error.Message)
		}
	}
}

// apply merges change into the local store, or parks it while the entity
// has unconfirmed local writes.
func (g *Gateway) apply(ctx context.Context, change collab.Change, snapshot bool) error {
	g.mergeMu.Lock()
	defer g.mergeMu.Unlock()

	busy, err := g.queue.HasUnresolved(ctx, change.EntityType, change.EntityID, nil)
	if err != nil {
		return err
	}
	if busy {
		g.mu.Lock()
		g.deferred[change.EntityID] = append(g.deferred[change.EntityID], pendingMerge{change: change, snapshot: snapshot})
		g.mu.Unlock()
		return nil
	}

	if !snapshot {
		g.reportConflicts(change)
	}
	advanced, err := g.mergeLocked(ctx, change, snapshot)
	if err != nil {
		return err
	}
	if !snapshot || advanced {
		g.events.Publish(events.Event{Type: events.RemoteChangeReceived, Change: &events.Change{
			EntityType:     change.EntityType,
			EntityID:       change.EntityID,
			Revision:       change.Revision,
			Fields:         model.CloneFields(change.Fields),
			FieldRevisions: cloneRevisions(change.FieldRevisions),
			Deleted:        change.Deleted,
			OriginUserID:   change.OriginUserID,
		}})
	}
	return nil
}

// mergeLocked keeps, per field, whichever side carries the higher server
// revision. It reports whether the local copy changed.
func (g *Gateway) mergeLocked(ctx context.Context, change collab.Change, snapshot bool) (bool, error) {
	local, err := g.store.Entity(ctx, change.EntityType, change.EntityID)
	missing := errors.Is(err, localstore.ErrNotFound)
	if err != nil && !missing {
		return false, err
	}

	if change.Deleted {
		if missing {
			return false, nil
		}
		g.forget(change.EntityID)
		return true, g.store.DeleteEntity(ctx, change.EntityType, change.EntityID)
	}

	if missing {
		if !snapshot {
			fetched, ok := g.fetchSnapshot(ctx, change.EntityID, change.EntityType)
			if !ok || fetched.Deleted {
				return false, nil
			}
			change = fetched
		}
		entity := model.Entity{
			Type:           change.EntityType,
			ID:             change.EntityID,
			Revision:       change.Revision,
			Fields:         model.CloneFields(change.Fields),
			FieldRevisions: cloneRevisions(change.FieldRevisions),
			UpdatedAt:      change.CommittedAt,
		}
		if entity.Fields == nil {
			entity.Fields = map[string]any{}
		}
		return true, g.store.PutEntity(ctx, entity)
	}

	merged := local.Clone()
	if merged.Fields == nil {
		merged.Fields = map[string]any{}
	}
	if merged.FieldRevisions == nil {
		merged.FieldRevisions = map[string]uint64{}
	}
	changed := false
	for field, value := range change.Fields {
		remoteRev := change.FieldRevisions[field]
		if remoteRev == 0 {
			remoteRev = change.Revision
		}
		localRev, ok := local.FieldRevisions[field]
		if !ok {
			localRev = local.Revision
		}
		if remoteRev <= localRev {
			continue
		}
		merged.Fields[field] = model.CloneFields(map[string]any{field: value})[field]
		merged.FieldRevisions[field] = remoteRev
		changed = true
	}
	if change.Revision > merged.Revision {
		merged.Revision = change.Revision
		if !change.CommittedAt.IsZero() {
			merged.UpdatedAt = change.CommittedAt
		}
		changed = true
	}
	if snapshot {
		g.pruneConfirmed(change.EntityID, change.Revision)
	}
	if !changed {
		return false, nil
	}
	return true, g.store.PutEntity(ctx, merged)
}

// reportConflicts publishes ConflictDetected when change was committed
// between the base and the result of a confirmed local write to the same
// fields. Neither side saw the other; the merge keeps the higher revision.
func (g *Gateway) reportConflicts(change collab.Change) {
	g.mu.Lock()
	writes := g.confirmed[change.EntityID]
	var conflicts []events.Conflict
	kept := writes[:0]
	for _, w := range writes {
		if change.Revision > w.revision {
			// Everything up to w.revision has now been delivered.
			continue
		}
		kept = append(kept, w)
		if change.Revision <= w.base || change.Revision == w.revision {
			continue
		}
		var fields []string
		local := map[string]any{}
		remote := map[string]any{}
		for field, value := range change.Fields {
			if lv, ok := w.values[field]; ok {
				fields = append(fields, field)
				local[field] = lv
				remote[field] = value
			}
		}
		if len(fields) == 0 {
			continue
		}
		sort.Strings(fields)
		conflicts = append(conflicts, events.Conflict{
			EntityType:     change.EntityType,
			EntityID:       change.EntityID,
			Fields:         fields,
			LocalValues:    model.CloneFields(local),
			RemoteValues:   model.CloneFields(remote),
			LocalRevision:  w.revision,
			RemoteRevision: change.Revision,
		})
	}
	if len(kept) == 0 {
		delete(g.confirmed, change.EntityID)
	} else {
		g.confirmed[change.EntityID] = kept
	}
	g.mu.Unlock()

	for i := range conflicts {
		c := conflicts[i]
		g.logf("conflict on %s fields %v: local@%d remote@%d", c.EntityID, c.Fields, c.LocalRevision, c.RemoteRevision)
		g.events.Publish(events.Event{Type: events.ConflictDetected, Conflict: &c})
	}
}

func (g *Gateway) pruneConfirmed(entityID string, revision uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	writes := g.confirmed[entityID]
	kept := writes[:0]
	for _, w := range writes {
		if w.revision > revision {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(g.confirmed, entityID)
		return
	}
	g.confirmed[entityID] = kept
}

func (g *Gateway) forget(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.confirmed, entityID)
}

// onResolved runs on the queue's drain goroutine, so it only records and
// hands off.
func (g *Gateway) onResolved(op model.Operation) {
	if op.Status == model.StatusApplied && op.Kind == model.KindUpdate && op.Ref.ID != "" && op.AppliedRevision > 0 {
		if fields, err := op.Fields(); err == nil {
			g.mu.Lock()
			if _, open := g.open[op.Ref.ID]; open {
				writes := append(g.confirmed[op.Ref.ID], localWrite{values: fields, base: op.BaseRevision, revision: op.AppliedRevision})
				if len(writes) > maxConfirmedWrites {
					writes = writes[len(writes)-maxConfirmedWrites:]
				}
				g.confirmed[op.Ref.ID] = writes
			}
			g.mu.Unlock()
		}
	}
	if op.Ref.ID == "" {
		return
	}
	g.resolvedMu.Lock()
	g.resolved = append(g.resolved, op)
	g.resolvedMu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// outboxLoop handles resolutions in batches. Parked merges for every entity
// in a batch are retried before any room publish, so a slow publish never
// holds a merge back.
func (g *Gateway) outboxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		}
		g.resolvedMu.Lock()
		batch := g.resolved
		g.resolved = nil
		g.resolvedMu.Unlock()

		seen := make(map[string]bool, len(batch))
		for _, op := range batch {
			if !seen[op.Ref.ID] {
				seen[op.Ref.ID] = true
				g.retryDeferred(ctx, op.Ref.ID)
			}
		}
		for _, op := range batch {
			if ctx.Err() != nil {
				return
			}
			if op.Status == model.StatusApplied {
				g.publishApplied(ctx, op)
			}
		}
	}
}

// retryDeferred re-attempts parked merges in revision order. Any that are
// still blocked park again.
func (g *Gateway) retryDeferred(ctx context.Context, entityID string) {
	g.mu.Lock()
	parked := g.deferred[entityID]
	delete(g.deferred, entityID)
	g.mu.Unlock()
	sort.SliceStable(parked, func(i, j int) bool { return parked[i].change.Revision < parked[j].change.Revision })
	for _, p := range parked {
		if err := g.apply(ctx, p.change, p.snapshot); err != nil {
			g.logf("deferred merge %s@%d failed: %v", entityID, p.change.Revision, err)
		}
	}
}

// Deferred reports how many merges wait on unconfirmed local writes.
func (g *Gateway) Deferred(entityID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deferred[entityID])
}

// publishApplied announces a confirmed local write to the entity's room.
func (g *Gateway) publishApplied(ctx context.Context, op model.Operation) {
	if op.AppliedRevision == 0 || op.Kind == model.KindDelete {
		return
	}
	g.mu.Lock()
	entry, open := g.open[op.Ref.ID]
	ch := g.ch
	joined := open && entry.joined
	g.mu.Unlock()
	if !joined || ch == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()
	if err := ch.Publish(pctx, op.Ref.ID, op.AppliedRevision); err != nil {
		g.logf("publish %s@%d failed: %v", op.Ref.ID, op.AppliedRevision, err)
	}
}

func eventMembers(members []collab.Member) []events.Member {
	if len(members) == 0 {
		return nil
	}
	out := make([]events.Member, 0, len(members))
	for _, m := range members {
		out = append(out, events.Member{UserID: m.UserID, JoinedAt: m.JoinedAt})
	}
	return out
}

func cloneRevisions(in map[string]uint64) map[string]uint64 {
	if in == nil {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
