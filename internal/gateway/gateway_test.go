package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/notesync/internal/collab"
	"github.com/agentworkforce/notesync/internal/events"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
	"github.com/agentworkforce/notesync/internal/offline"
)

type publishCall struct {
	EntityID string
	Revision uint64
}

type fakeChannel struct {
	mu        sync.Mutex
	joins     []string
	leaves    []string
	published []publishCall
	deny      map[string]bool
	incoming  chan collab.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	// publishDelay makes Publish slow, like a congested connection.
	publishDelay time.Duration
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deny:     map[string]bool{},
		incoming: make(chan collab.ServerMessage, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeChannel) Join(ctx context.Context, entityID string, capability model.Capability) ([]collab.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny[entityID] {
		return nil, &collab.AuthorizationError{UserID: "u_me", EntityID: entityID, Capability: capability}
	}
	c.joins = append(c.joins, entityID)
	return []collab.Member{{UserID: "u_me", ConnID: "conn_1"}}, nil
}

func (c *fakeChannel) Leave(ctx context.Context, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, entityID)
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, entityID string, revision uint64) error {
	c.mu.Lock()
	delay := c.publishDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishCall{EntityID: entityID, Revision: revision})
	return nil
}

func (c *fakeChannel) Incoming() <-chan collab.ServerMessage { return c.incoming }
func (c *fakeChannel) Done() <-chan struct{}                 { return c.done }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) denyJoin(entityID string) {
	c.mu.Lock()
	c.deny[entityID] = true
	c.mu.Unlock()
}

func (c *fakeChannel) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joins)
}

func (c *fakeChannel) publishedCalls() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.published...)
}

type fakeQueue struct {
	mu         sync.Mutex
	unresolved map[string]bool
	listeners  []func(model.Operation)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{unresolved: map[string]bool{}}
}

func (q *fakeQueue) HasUnresolved(ctx context.Context, entityType model.EntityType, entityID string, fields []string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unresolved[entityID], nil
}

func (q *fakeQueue) OnResolved(fn func(model.Operation)) func() {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
	return func() {}
}

func (q *fakeQueue) setUnresolved(id string, v bool) {
	q.mu.Lock()
	q.unresolved[id] = v
	q.mu.Unlock()
}

func (q *fakeQueue) resolve(op model.Operation) {
	q.mu.Lock()
	listeners := slices.Clone(q.listeners)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(op)
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	entities map[string]model.Entity
	fetches  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, &offline.HTTPError{StatusCode: 404, Code: "not_found", Message: "entity not found"}
	}
	return e.Clone(), nil
}

func (f *fakeFetcher) set(e model.Entity) {
	f.mu.Lock()
	f.entities[e.ID] = e
	f.mu.Unlock()
}

type harness struct {
	store    *localstore.MemoryStore
	queue    *fakeQueue
	fetcher  *fakeFetcher
	bus      *events.Bus
	channels chan *fakeChannel
	gateway  *Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    localstore.NewMemoryStore(),
		queue:    newFakeQueue(),
		fetcher:  &fakeFetcher{entities: map[string]model.Entity{}},
		bus:      events.NewBus(),
		channels: make(chan *fakeChannel, 4),
	}
	dial := func(ctx context.Context) (Channel, error) {
		select {
		case ch := <-h.channels:
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil, errors.New("connection refused")
		}
	}
	g, err := New(Options{
		Store:             h.store,
		Queue:             h.queue,
		Remote:            h.fetcher,
		Dial:              dial,
		Events:            h.bus,
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		RequestTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	h.gateway = g
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gateway.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("gateway did not stop")
		}
	})
}

func (h *harness) connect(t *testing.T) *fakeChannel {
	t.Helper()
	ch := newFakeChannel()
	h.channels <- ch
	waitFor(t, func() bool { return h.gateway.Connected() })
	return ch
}

func (h *harness) entity(t *testing.T, id string) model.Entity {
	t.Helper()
	e, err := h.store.Entity(context.Background(), model.EntityNote, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an event")
		return events.Event{}
	}
}

func seedNote(t *testing.T, h *harness, e model.Entity) {
	t.Helper()
	e.Type = model.EntityNote
	if err := h.store.PutEntity(context.Background(), e); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestMergeKeepsHigherRevisionPerField(t *testing.T) {
	h := newHarness(t)
	seedNote(t, h, model.Entity{
		ID: "nt_1", Revision: 3,
		Fields:         map[string]any{"title": "A", "body": "x"},
		FieldRevisions: map[string]uint64{"title": 2, "body": 3},
	})
	sub := h.bus.Subscribe(8, events.RemoteChangeReceived)
	defer sub.Close()
	ctx := context.Background()

	if err := h.gateway.apply(ctx, collab.Change{
		EntityType: model.EntityNote, EntityID: "nt_1", Revision: 4,
		Fields: map[string]any{"title": "B"}, FieldRevisions: map[string]uint64{"title": 4},
		OriginUserID: "u_b",
	}, false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// A late delivery of an older write must not win.
	if err := h.gateway.apply(ctx, collab.Change{
		EntityType: model.EntityNote, EntityID: "nt_1", Revision: 3,
		Fields: map[string]any{"body": "stale"}, FieldRevisions: map[string]uint64{"body": 2},
	}, false); err != nil {
		t.Fatalf("apply stale: %v", err)
	}

	got := h.entity(t, "nt_1")
	if got.Fields["title"] != "B" || got.Fields["body"] != "x" || got.Revision != 4 {
		t.Fatalf("unexpected merge result %+v", got)
	}
	if got.FieldRevisions["title"] != 4 {
		t.Fatalf("expected title field revision 4, got %d", got.FieldRevisions["title"])
	}
	ev := nextEvent(t, sub)
	if ev.Change == nil || ev.Change.Revision != 4 || ev.Change.OriginUserID != "u_b" || ev.Change.Fields["title"] != "B" {
		t.Fatalf("unexpected remote change event %+v", ev.Change)
	}
}

func TestMergeWaitsForUnresolvedLocalWrite(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.connect(t)
	seedNote(t, h, model.Entity{ID: "nt_1", Revision: 1, Fields: map[string]any{"title": "mine (pending)"}})
	h.queue.setUnresolved("nt_1", true)
	sub := h.bus.Subscribe(8, events.RemoteChangeReceived)
	defer sub.Close()

	if err := h.gateway.apply(context.Background(), collab.Change{
		EntityType: model.EntityNote, EntityID: "nt_1", Revision: 2,
		Fields: map[string]any{"body": "theirs"},
	}, false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.gateway.Deferred("nt_1") != 1 {
		t.Fatalf("expected one parked merge, got %d", h.gateway.Deferred("nt_1"))
	}
	if got := h.entity(t, "nt_1"); got.Fields["body"] != nil {
		t.Fatalf("expected merge held back, got %+v", got.Fields)
	}

	h.queue.setUnresolved("nt_1", false)
	h.queue.resolve(model.Operation{OpID: "op_1", EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_1"}, Kind: model.KindUpdate, Status: model.StatusFailed})
	ev := nextEvent(t, sub)
	if ev.Change == nil || ev.Change.Revision != 2 {
		t.Fatalf("expected the parked change once the local write resolved, got %+v", ev)
	}
	if got := h.entity(t, "nt_1"); got.Fields["body"] != "theirs" || got.Fields["title"] != "mine (pending)" {
		t.Fatalf("unexpected merged fields %+v", got.Fields)
	}
	if h.gateway.Deferred("nt_1") != 0 {
		t.Fatalf("expected nothing parked")
	}
}

func TestResolutionBurstStillReleasesParkedMerges(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ch := h.connect(t)
	ch.mu.Lock()
	ch.publishDelay = 5 * time.Millisecond
	ch.mu.Unlock()
	h.fetcher.set(model.Entity{Type: model.EntityNote, ID: "nt_2", Revision: 1, Fields: map[string]any{"title": "busy"}})
	if _, err := h.gateway.JoinCollaboration(context.Background(), "nt_2", model.CapabilityEdit); err != nil {
		t.Fatalf("join: %v", err)
	}

	seedNote(t, h, model.Entity{ID: "nt_1", Revision: 1, Fields: map[string]any{"title": "mine"}})
	h.queue.setUnresolved("nt_1", true)
	if err := h.gateway.apply(context.Background(), collab.Change{
		EntityType: model.EntityNote, EntityID: "nt_1", Revision: 2,
		Fields: map[string]any{"body": "theirs"},
	}, false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.gateway.Deferred("nt_1") != 1 {
		t.Fatalf("expected one parked merge, got %d", h.gateway.Deferred("nt_1"))
	}

	const burst = 100
	payload, _ := json.Marshal(map[string]any{"title": "busy"})
	for i := 0; i < burst; i++ {
		h.queue.resolve(model.Operation{
			OpID: "op_busy", EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_2"}, Kind: model.KindUpdate,
			Payload: payload, BaseRevision: uint64(i + 1), AppliedRevision: uint64(i + 2), Status: model.StatusApplied,
		})
	}
	h.queue.setUnresolved("nt_1", false)
	h.queue.resolve(model.Operation{OpID: "op_1", EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_1"}, Kind: model.KindUpdate, Status: model.StatusApplied})

	waitFor(t, func() bool { return h.gateway.Deferred("nt_1") == 0 })
	if got := h.entity(t, "nt_1"); got.Fields["body"] != "theirs" {
		t.Fatalf("expected the parked change merged, got %+v", got.Fields)
	}
	waitFor(t, func() bool { return len(ch.publishedCalls()) == burst })
}

func TestInterleavedConfirmedWritesAreSurfaced(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ch := h.connect(t)
	h.fetcher.set(model.Entity{Type: model.EntityNote, ID: "nt_1", Revision: 3, Fields: map[string]any{"title": "A"}, FieldRevisions: map[string]uint64{"title": 3}})
	if _, err := h.gateway.JoinCollaboration(context.Background(), "nt_1", model.CapabilityEdit); err != nil {
		t.Fatalf("join: %v", err)
	}
	sub := h.bus.Subscribe(8, events.ConflictDetected)
	defer sub.Close()

	// Local write based on revision 3 landed as revision 5.
	seedNote(t, h, model.Entity{ID: "nt_1", Revision: 5, Fields: map[string]any{"title": "mine"}, FieldRevisions: map[string]uint64{"title": 5}})
	payload, _ := json.Marshal(map[string]any{"title": "mine"})
	h.queue.resolve(model.Operation{
		OpID: "op_1", EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_1"}, Kind: model.KindUpdate,
		Payload: payload, BaseRevision: 3, AppliedRevision: 5, Status: model.StatusApplied,
	})
	waitFor(t, func() bool { return len(ch.publishedCalls()) == 1 })
	if call := ch.publishedCalls()[0]; call.EntityID != "nt_1" || call.Revision != 5 {
		t.Fatalf("expected applied write republished, got %+v", call)
	}

	// Revision 4 was committed by someone else between our base and our write.
	ch.incoming <- collab.ServerMessage{Type: collab.MessageChange, Change: &collab.Change{
		EntityType: model.EntityNote, EntityID: "nt_1", Revision: 4,
		Fields: map[string]any{"title": "theirs"}, FieldRevisions: map[string]uint64{"title": 4},
	}}
	ev := nextEvent(t, sub)
	if ev.Conflict == nil || ev.Conflict.LocalValues["title"] != "mine" || ev.Conflict.RemoteValues["title"] != "theirs" {
		t.Fatalf("unexpected conflict %+v", ev.Conflict)
	}
	if ev.Conflict.LocalRevision != 5 || ev.Conflict.RemoteRevision != 4 {
		t.Fatalf("unexpected conflict revisions %+v", ev.Conflict)
	}
	if got := h.entity(t, "nt_1"); got.Fields["title"] != "mine" {
		t.Fatalf("expected the higher revision kept, got %+v", got.Fields)
	}
}

func TestReconnectRejoinsAndRefetches(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	first := h.connect(t)
	h.fetcher.set(model.Entity{Type: model.EntityNote, ID: "nt_1", Revision: 1, Fields: map[string]any{"title": "A"}})
	members, err := h.gateway.JoinCollaboration(context.Background(), "nt_1", "")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected join with one member, got %+v %v", members, err)
	}
	if got := h.entity(t, "nt_1"); got.Fields["title"] != "A" {
		t.Fatalf("expected the join to fetch the entity, got %+v", got)
	}

	sub := h.bus.Subscribe(8, events.PresenceChanged)
	defer sub.Close()
	// Changes committed while disconnected are never delivered over the channel.
	h.fetcher.set(model.Entity{Type: model.EntityNote, ID: "nt_1", Revision: 3, Fields: map[string]any{"title": "C"}})
	_ = first.Close()
	if ev := nextEvent(t, sub); ev.Presence.Action != PresenceDisconnected {
		t.Fatalf("expected disconnected presence, got %+v", ev.Presence)
	}

	second := h.connect(t)
	waitFor(t, func() bool { return second.joinCount() == 1 })
	waitFor(t, func() bool {
		e, err := h.store.Entity(context.Background(), model.EntityNote, "nt_1")
		return err == nil && e.Revision == 3
	})
	if got := h.entity(t, "nt_1"); got.Fields["title"] != "C" {
		t.Fatalf("expected refetched title, got %+v", got.Fields)
	}
}

func TestRejoinDeniedDropsEntity(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	first := h.connect(t)
	h.fetcher.set(model.Entity{Type: model.EntityNote, ID: "nt_1", Revision: 1, Fields: map[string]any{"title": "A"}})
	if _, err := h.gateway.JoinCollaboration(context.Background(), "nt_1", model.CapabilityView); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = first.Close()
	waitFor(t, func() bool { return !h.gateway.Connected() })

	second := newFakeChannel()
	second.denyJoin("nt_1")
	h.channels <- second
	waitFor(t, func() bool { return len(h.gateway.Open()) == 0 })
}

func TestJoinDeniedIsNotRemembered(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ch := h.connect(t)
	ch.denyJoin("nt_1")
	_, err := h.gateway.JoinCollaboration(context.Background(), "nt_1", model.CapabilityEdit)
	if !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(h.gateway.Open()) != 0 {
		t.Fatalf("expected no open entities, got %v", h.gateway.Open())
	}
	if _, err := h.gateway.JoinCollaboration(context.Background(), "tmp_abc", model.CapabilityEdit); !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("expected temp ids refused, got %v", err)
	}
}

func TestJoinWhileDisconnectedJoinsOnConnect(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	_, err := h.gateway.JoinCollaboration(context.Background(), "nt_9", model.CapabilityEdit)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	ch := h.connect(t)
	waitFor(t, func() bool { return ch.joinCount() == 1 })

	if err := h.gateway.LeaveCollaboration(context.Background(), "nt_9"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(h.gateway.Open()) != 0 {
		t.Fatalf("expected leave to forget the entity")
	}
}

func TestRemoteDeleteRemovesLocalCopy(t *testing.T) {
	h := newHarness(t)
	seedNote(t, h, model.Entity{ID: "nt_1", Revision: 2, Fields: map[string]any{"title": "A"}})
	if err := h.gateway.apply(context.Background(), collab.Change{EntityType: model.EntityNote, EntityID: "nt_1", Revision: 3, Deleted: true}, false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := h.store.Entity(context.Background(), model.EntityNote, "nt_1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected local copy removed, got %v", err)
	}
}

func TestPresenceMessagesBecomeEvents(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ch := h.connect(t)
	sub := h.bus.Subscribe(8, events.PresenceChanged)
	defer sub.Close()
	ch.incoming <- collab.ServerMessage{Type: collab.MessagePresence, Presence: &collab.Presence{
		EntityID: "nt_1", Action: collab.PresenceJoined,
		Member:  collab.Member{UserID: "u_b", ConnID: "c2"},
		Members: []collab.Member{{UserID: "u_a", ConnID: "c1"}, {UserID: "u_b", ConnID: "c2"}},
	}}
	ev := nextEvent(t, sub)
	if ev.Presence.UserID != "u_b" || ev.Presence.Action != collab.PresenceJoined || len(ev.Presence.Members) != 2 {
		t.Fatalf("unexpected presence event %+v", ev.Presence)
	}
}
