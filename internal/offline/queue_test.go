package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/agentworkforce/notesync/internal/events"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	manager *Manager
	store   *localstore.MemoryStore
	remote  *fakeRemote
	conn    *switchConnectivity
	clock   *FakeClock
	bus     *events.Bus
}

func newHarness(t *testing.T, state State, concurrency int) *harness {
	t.Helper()
	h := &harness{
		store:  localstore.NewMemoryStore(),
		remote: newFakeRemote(),
		conn:   &switchConnectivity{state: state},
		clock:  NewFakeClock(testStart),
		bus:    events.NewBus(),
	}
	exec := NewExecutor(ExecutorOptions{Remote: h.remote, Connectivity: h.conn})
	m, err := NewManager(ManagerOptions{
		Store:        h.store,
		Executor:     exec,
		Connectivity: h.conn,
		Remote:       h.remote,
		Clock:        h.clock,
		Events:       h.bus,
		Concurrency:  concurrency,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.manager = m
	return h
}

func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.manager.Wait()
	})
	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ctx
}

func (h *harness) seedNote(t *testing.T, id string, rev uint64, fields map[string]any) {
	t.Helper()
	e := model.Entity{Type: model.EntityNote, ID: id, Revision: rev, Fields: fields}
	h.remote.seed(e)
	if err := h.store.PutEntity(context.Background(), e); err != nil {
		t.Fatalf("seed local: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, ctx context.Context, kind model.Kind, ref model.EntityRef, payload string) model.Operation {
	t.Helper()
	op, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: kind, Ref: ref, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("enqueue %s %s: %v", kind, payload, err)
	}
	return op
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	_, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: model.KindCreate, Payload: json.RawMessage(`{"title":42}`)})
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	ops, _ := h.store.Operations(ctx)
	if len(ops) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(ops))
	}
}

func TestEnqueuePersistsBeforeReturning(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	sub := h.bus.Subscribe(8, events.OperationQueued)
	defer sub.Close()

	op := h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"A"}`)
	if !model.IsTempID(op.Ref.TempID) || op.IdempotencyKey == "" {
		t.Fatalf("expected temp id and idempotency key, got %+v", op)
	}
	stored, err := h.store.Operation(ctx, op.OpID)
	if err != nil || stored.Status != model.StatusPending {
		t.Fatalf("expected pending op in store, got %+v err=%v", stored, err)
	}
	snap, err := h.store.Entity(ctx, model.EntityNote, op.Ref.TempID)
	if err != nil {
		t.Fatalf("expected optimistic snapshot: %v", err)
	}
	if snap.Fields["title"] != "A" || snap.Fields["pinned"] != false {
		t.Fatalf("expected defaults applied to snapshot, got %v", snap.Fields)
	}
	select {
	case ev := <-sub.C:
		if ev.Operation == nil || ev.Operation.OpID != op.OpID {
			t.Fatalf("expected queued event for %s, got %+v", op.OpID, ev)
		}
	default:
		t.Fatalf("expected operationQueued event")
	}
	if h.remote.callCount() != 0 {
		t.Fatalf("expected no remote calls while offline, got %d", h.remote.callCount())
	}
}

func TestOfflineCreateThenEditSendsOneCreate(t *testing.T) {
	h := newHarness(t, Offline, 2)
	ctx := h.start(t)

	create := h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"A"}`)
	h.enqueue(t, ctx, model.KindUpdate, create.Ref, `{"title":"B"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	creates := h.remote.callsOf(model.KindCreate)
	if len(creates) != 1 {
		t.Fatalf("expected exactly one create call, got %d", len(creates))
	}
	updates := h.remote.callsOf(model.KindUpdate)
	if len(updates) != 1 || updates[0].ID == "" || model.IsTempID(updates[0].ID) {
		t.Fatalf("expected one update against the server id, got %+v", updates)
	}
	remote, ok := h.remote.entity(updates[0].ID)
	if !ok || remote.Fields["title"] != "B" {
		t.Fatalf("expected remote title B, got %+v", remote.Fields)
	}
	local, err := h.store.Entity(ctx, model.EntityNote, updates[0].ID)
	if err != nil || local.Fields["title"] != "B" || local.TempID != create.Ref.TempID {
		t.Fatalf("expected local snapshot keyed by server id with title B, got %+v err=%v", local, err)
	}
	if _, err := h.store.Entity(ctx, model.EntityNote, create.Ref.TempID); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected temp snapshot gone, got %v", err)
	}
	stats, _ := h.manager.Stats(ctx)
	if stats.Unsynced() != 0 || stats.Failed != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}

func TestOfflineUpdatesOnDifferentFieldsBothApply(t *testing.T) {
	h := newHarness(t, Offline, 2)
	ctx := h.start(t)
	h.seedNote(t, "nt_1", 3, map[string]any{"title": "old", "body": "old"})

	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"X"}`)
	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"body":"Y"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	remote, _ := h.remote.entity("nt_1")
	if remote.Fields["title"] != "X" || remote.Fields["body"] != "Y" {
		t.Fatalf("expected title X and body Y, got %v", remote.Fields)
	}
	if remote.Revision != 5 {
		t.Fatalf("expected revision 5, got %d", remote.Revision)
	}
	local, _ := h.store.Entity(ctx, model.EntityNote, "nt_1")
	if local.Revision != 5 || local.Fields["title"] != "X" || local.Fields["body"] != "Y" {
		t.Fatalf("expected local snapshot at revision 5 with both edits, got %+v", local)
	}
}

func TestNetworkFailuresBackOffThenFail(t *testing.T) {
	h := newHarness(t, Online, 1)
	h.seedNote(t, "nt_1", 1, map[string]any{"title": "t"})
	h.remote.fail = func(remoteCall) error { return &NetworkError{StatusCode: http.StatusServiceUnavailable} }
	failed := h.bus.Subscribe(8, events.OperationFailed)
	defer failed.Close()

	op, err := h.manager.Enqueue(context.Background(), Mutation{EntityType: model.EntityNote, Kind: model.KindUpdate, Ref: model.EntityRef{ID: "nt_1"}, Payload: json.RawMessage(`{"title":"u"}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx := h.start(t)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got, _ := h.store.Operation(ctx, op.OpID)
	if got.Status != model.StatusDeferred || got.RetryCount != 1 {
		t.Fatalf("expected deferred after first failure, got %s/%d", got.Status, got.RetryCount)
	}
	if want := testStart.Add(time.Second); !got.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, got.NextAttemptAt)
	}

	// Not due yet: a drain in between must not call the server.
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.remote.callCount() != 1 {
		t.Fatalf("expected 1 call before backoff elapses, got %d", h.remote.callCount())
	}

	h.clock.Advance(time.Second)
	h.manager.Wait()
	got, _ = h.store.Operation(ctx, op.OpID)
	if got.Status != model.StatusDeferred || got.RetryCount != 2 {
		t.Fatalf("expected deferred after second failure, got %s/%d", got.Status, got.RetryCount)
	}
	if want := testStart.Add(3 * time.Second); !got.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, got.NextAttemptAt)
	}

	h.clock.Advance(2 * time.Second)
	h.manager.Wait()
	got, _ = h.store.Operation(ctx, op.OpID)
	if got.Status != model.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("expected failed after third failure, got %s/%d", got.Status, got.RetryCount)
	}
	if got.LastError == nil || got.LastError.Kind != model.ErrorKindNetwork {
		t.Fatalf("expected network error recorded, got %+v", got.LastError)
	}

	h.clock.Advance(time.Hour)
	h.manager.Wait()
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.remote.callCount() != 3 {
		t.Fatalf("expected no retries after failure, got %d calls", h.remote.callCount())
	}
	stats, _ := h.manager.Stats(ctx)
	if stats.Failed != 1 || stats.Unsynced() != 0 {
		t.Fatalf("expected exactly one failed entry, got %+v", stats)
	}
	if len(failed.C) != 1 {
		t.Fatalf("expected one operationFailed event, got %d", len(failed.C))
	}
}

func TestBackoffIsCapped(t *testing.T) {
	h := newHarness(t, Online, 1)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := h.manager.backoff(i + 1); got != w {
			t.Fatalf("expected backoff(%d)=%s, got %s", i+1, w, got)
		}
	}
}

func TestValidationRejectionFailsImmediately(t *testing.T) {
	h := newHarness(t, Online, 1)
	h.seedNote(t, "nt_1", 1, map[string]any{"title": "t"})
	h.remote.fail = func(remoteCall) error {
		return &HTTPError{StatusCode: http.StatusUnprocessableEntity, Code: "invalid_payload", Message: "nope"}
	}
	op := h.enqueue(t, context.Background(), model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"u"}`)
	ctx := h.start(t)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := h.store.Operation(ctx, op.OpID)
	if got.Status != model.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected immediate failure without retry, got %s/%d", got.Status, got.RetryCount)
	}
	if got.LastError.Kind != model.ErrorKindValidation || got.LastError.StatusCode != 422 {
		t.Fatalf("expected validation error with status 422, got %+v", got.LastError)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no retry timer, got %d", h.clock.Pending())
	}
}

func TestFailedEntityDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Offline, 2)
	ctx := h.start(t)
	h.seedNote(t, "nt_a", 1, map[string]any{"title": "a"})
	h.seedNote(t, "nt_b", 1, map[string]any{"title": "b"})
	h.remote.fail = func(c remoteCall) error {
		if c.ID == "nt_a" {
			return &ConflictError{EntityID: "nt_a", Fields: []string{"title"}}
		}
		return nil
	}

	a1 := h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_a"}, `{"title":"a1"}`)
	a2 := h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_a"}, `{"title":"a2"}`)
	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_b"}, `{"title":"b1"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got, _ := h.store.Operation(ctx, a1.OpID); got.Status != model.StatusFailed || got.LastError.Kind != model.ErrorKindConflict {
		t.Fatalf("expected a1 failed with conflict, got %+v", got)
	}
	if got, _ := h.store.Operation(ctx, a2.OpID); got.Status != model.StatusPending {
		t.Fatalf("expected a2 held behind the failure, got %s", got.Status)
	}
	if remote, _ := h.remote.entity("nt_b"); remote.Fields["title"] != "b1" {
		t.Fatalf("expected entity b to drain, got %v", remote.Fields)
	}
	for _, c := range h.remote.callsOf(model.KindUpdate) {
		if c.ID == "nt_a" && c.Payload["title"] == "a2" {
			t.Fatalf("expected a2 never sent while a1 is failed")
		}
	}
}

func TestTempIDRewrittenInDependentPayloads(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)

	folder, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityFolder, Kind: model.KindCreate, Payload: json.RawMessage(`{"name":"Inbox"}`)})
	if err != nil {
		t.Fatalf("enqueue folder: %v", err)
	}
	h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"n","folderId":"`+folder.Ref.TempID+`"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	creates := h.remote.callsOf(model.KindCreate)
	if len(creates) != 2 {
		t.Fatalf("expected 2 creates, got %d", len(creates))
	}
	folderID := ""
	for _, c := range creates {
		if c.Type == model.EntityFolder {
			folderID = h.remote.byKey[c.Key]
		}
	}
	for _, c := range creates {
		if c.Type == model.EntityNote && c.Payload["folderId"] != folderID {
			t.Fatalf("expected note created in folder %s, got %v", folderID, c.Payload["folderId"])
		}
	}
}

func TestDependentCreateWaitsForReferencedCreate(t *testing.T) {
	h := newHarness(t, Offline, 4)
	ctx := h.start(t)
	var folderFailures int
	h.remote.fail = func(call remoteCall) error {
		if call.Type == model.EntityFolder && folderFailures < 1 {
			folderFailures++
			return &NetworkError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}

	folder, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityFolder, Kind: model.KindCreate, Payload: json.RawMessage(`{"name":"Inbox"}`)})
	if err != nil {
		t.Fatalf("enqueue folder: %v", err)
	}
	note := h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"n","folderId":"`+folder.Ref.TempID+`"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got, _ := h.store.Operation(ctx, folder.OpID); got.Status != model.StatusDeferred {
		t.Fatalf("expected the folder create deferred, got %s", got.Status)
	}
	for _, c := range h.remote.callsOf(model.KindCreate) {
		if c.Type == model.EntityNote {
			t.Fatalf("expected the note held while its folder is unconfirmed, got a create with folderId %v", c.Payload["folderId"])
		}
	}
	got, _ := h.store.Operation(ctx, note.OpID)
	if got.Status != model.StatusPending || got.RetryCount != 0 {
		t.Fatalf("expected the note pending without a retry charge, got %s/%d", got.Status, got.RetryCount)
	}

	h.clock.Advance(time.Second)
	h.manager.Wait()

	folderID := ""
	for _, c := range h.remote.callsOf(model.KindCreate) {
		if c.Type == model.EntityFolder && c.Response == nil {
			folderID = h.remote.byKey[c.Key]
		}
	}
	if folderID == "" {
		t.Fatalf("expected the folder created after backoff")
	}
	var noteCreates []remoteCall
	for _, c := range h.remote.callsOf(model.KindCreate) {
		if c.Type == model.EntityNote {
			noteCreates = append(noteCreates, c)
		}
	}
	if len(noteCreates) != 1 || noteCreates[0].Payload["folderId"] != folderID {
		t.Fatalf("expected one note create in folder %s, got %+v", folderID, noteCreates)
	}
	stats, _ := h.manager.Stats(ctx)
	if stats.Unsynced() != 0 || stats.Failed != 0 {
		t.Fatalf("expected an empty queue, got %+v", stats)
	}
}

func TestDependentOfDiscardedCreateFails(t *testing.T) {
	h := newHarness(t, Offline, 2)
	ctx := h.start(t)
	h.remote.fail = func(call remoteCall) error {
		if call.Type == model.EntityFolder {
			return &HTTPError{StatusCode: http.StatusUnprocessableEntity, Code: "validation_failed"}
		}
		return nil
	}
	folder, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityFolder, Kind: model.KindCreate, Payload: json.RawMessage(`{"name":"Inbox"}`)})
	if err != nil {
		t.Fatalf("enqueue folder: %v", err)
	}
	note := h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"n","folderId":"`+folder.Ref.TempID+`"}`)

	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got, _ := h.store.Operation(ctx, folder.OpID); got.Status != model.StatusFailed {
		t.Fatalf("expected the folder create failed, got %s", got.Status)
	}
	if got, _ := h.store.Operation(ctx, note.OpID); got.Status != model.StatusPending {
		t.Fatalf("expected the note waiting on the failed folder, got %s", got.Status)
	}

	if err := h.manager.Discard(ctx, folder.OpID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	h.manager.Wait()
	got, _ := h.store.Operation(ctx, note.OpID)
	if got.Status != model.StatusFailed || got.LastError == nil || got.LastError.Kind != model.ErrorKindValidation {
		t.Fatalf("expected the orphaned note failed for validation, got %s %+v", got.Status, got.LastError)
	}
	for _, c := range h.remote.callsOf(model.KindCreate) {
		if c.Type == model.EntityNote {
			t.Fatalf("expected no note create with a dangling folder id, got %v", c.Payload)
		}
	}
}

func TestReferenceToConfirmedTempIDIsRewritten(t *testing.T) {
	h := newHarness(t, Online, 1)
	ctx := h.start(t)
	folder, err := h.manager.Enqueue(ctx, Mutation{EntityType: model.EntityFolder, Kind: model.KindCreate, Payload: json.RawMessage(`{"name":"Inbox"}`)})
	if err != nil {
		t.Fatalf("enqueue folder: %v", err)
	}
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	h.manager.Wait()
	local, err := h.store.Entities(ctx, model.EntityFolder)
	if err != nil || len(local) != 1 || local[0].ID == "" {
		t.Fatalf("expected the confirmed folder locally, got %+v %v", local, err)
	}

	// A host still holding the old temp id.
	h.conn.Set(Offline)
	h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"n","folderId":"`+folder.Ref.TempID+`"}`)
	h.conn.Set(Online)
	if err := h.manager.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, c := range h.remote.callsOf(model.KindCreate) {
		if c.Type == model.EntityNote && c.Payload["folderId"] != local[0].ID {
			t.Fatalf("expected folderId %s, got %v", local[0].ID, c.Payload["folderId"])
		}
	}
	if len(h.remote.callsOf(model.KindCreate)) != 2 {
		t.Fatalf("expected the note created, got %d creates", len(h.remote.callsOf(model.KindCreate)))
	}
}

func TestUnknownOutcomeReturnsToPending(t *testing.T) {
	store := localstore.NewMemoryStore()
	exec := &scriptedExecutor{results: func(model.Operation) Result {
		return Result{Outcome: OutcomeUnknown, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: "connectivity lost"}}
	}}
	m, err := NewManager(ManagerOptions{Store: store, Executor: exec, Clock: NewFakeClock(testStart)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	_ = store.PutEntity(ctx, model.Entity{Type: model.EntityNote, ID: "nt_1", Revision: 1})
	first, _ := m.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: model.KindUpdate, Ref: model.EntityRef{ID: "nt_1"}, Payload: json.RawMessage(`{"title":"a"}`)})
	m.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: model.KindUpdate, Ref: model.EntityRef{ID: "nt_1"}, Payload: json.RawMessage(`{"title":"b"}`)})

	if err := m.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if exec.count() != 1 {
		t.Fatalf("expected the group to stop after an unknown outcome, got %d executions", exec.count())
	}
	got, _ := store.Operation(ctx, first.OpID)
	if got.Status != model.StatusPending || got.RetryCount != 0 {
		t.Fatalf("expected pending with no retry charged, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestStartRecoversInFlightOperations(t *testing.T) {
	store := localstore.NewMemoryStore()
	ctx := context.Background()
	op, _ := store.AppendOperation(ctx, model.Operation{
		OpID: model.NewOpID(), EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_1"},
		Kind: model.KindUpdate, Payload: json.RawMessage(`{"title":"x"}`), Status: model.StatusPending,
	}, nil)
	op.Status = model.StatusInFlight
	_ = store.SaveOperation(ctx, op)

	clock := NewFakeClock(testStart)
	deferred, _ := store.AppendOperation(ctx, model.Operation{
		OpID: model.NewOpID(), EntityType: model.EntityNote, Ref: model.EntityRef{ID: "nt_2"},
		Kind: model.KindUpdate, Payload: json.RawMessage(`{"title":"y"}`), Status: model.StatusDeferred,
		RetryCount: 1, NextAttemptAt: testStart.Add(5 * time.Second),
	}, nil)

	exec := &scriptedExecutor{results: func(op model.Operation) Result {
		return Result{Outcome: OutcomeApplied, Entity: model.Entity{Type: op.EntityType, ID: op.Ref.ID, Revision: 2}}
	}}
	m, _ := NewManager(ManagerOptions{Store: store, Executor: exec, Clock: clock, Connectivity: &switchConnectivity{state: Offline}})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := store.Operation(ctx, op.OpID)
	if got.Status != model.StatusPending {
		t.Fatalf("expected in-flight op reset to pending, got %s", got.Status)
	}
	if clock.Pending() != 1 {
		t.Fatalf("expected deferred op rescheduled, got %d timers", clock.Pending())
	}
	if got, _ := store.Operation(ctx, deferred.OpID); got.RetryCount != 1 {
		t.Fatalf("expected retry count kept, got %d", got.RetryCount)
	}
}

func TestRetryAndResubmitFailedOperation(t *testing.T) {
	h := newHarness(t, Online, 1)
	h.seedNote(t, "nt_1", 1, map[string]any{"title": "t"})
	reject := true
	h.remote.fail = func(remoteCall) error {
		if reject {
			return &ConflictError{EntityID: "nt_1", Fields: []string{"title"}, Revision: 4}
		}
		return nil
	}
	op := h.enqueue(t, context.Background(), model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"mine"}`)
	ctx := h.start(t)
	_ = h.manager.Drain(ctx)

	if _, err := h.manager.Retry(ctx, "op_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.manager.Resubmit(ctx, op.OpID, json.RawMessage(`{"title":""}`)); !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload on resubmit, got %v", err)
	}

	// Simulate a newer server revision having been merged locally.
	local, _ := h.store.Entity(ctx, model.EntityNote, "nt_1")
	local.Revision = 4
	_ = h.store.PutEntity(ctx, local)

	reject = false
	retried, err := h.manager.Resubmit(ctx, op.OpID, json.RawMessage(`{"title":"merged"}`))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if retried.BaseRevision != 4 || retried.Status != model.StatusPending {
		t.Fatalf("expected rebased pending op, got base=%d status=%s", retried.BaseRevision, retried.Status)
	}
	h.manager.Wait()
	_ = h.manager.Drain(ctx)
	remote, _ := h.remote.entity("nt_1")
	if remote.Fields["title"] != "merged" {
		t.Fatalf("expected resubmitted payload applied, got %v", remote.Fields)
	}
	if _, err := h.manager.Retry(ctx, op.OpID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected applied op gone from queue, got %v", err)
	}
}

func TestDiscardFailedCreateDropsDependents(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	h.remote.fail = func(c remoteCall) error {
		if c.Kind == model.KindCreate {
			return &HTTPError{StatusCode: http.StatusBadRequest, Message: "bad"}
		}
		return nil
	}
	create := h.enqueue(t, ctx, model.KindCreate, model.EntityRef{}, `{"title":"A"}`)
	h.enqueue(t, ctx, model.KindUpdate, create.Ref, `{"title":"B"}`)

	if err := h.manager.Discard(ctx, create.OpID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed for a pending op, got %v", err)
	}
	h.conn.Set(Online)
	_ = h.manager.Drain(ctx)
	if err := h.manager.Discard(ctx, create.OpID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	ops, _ := h.store.Operations(ctx)
	if len(ops) != 0 {
		t.Fatalf("expected dependents dropped, got %d ops", len(ops))
	}
	if _, err := h.store.Entity(ctx, model.EntityNote, create.Ref.TempID); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected temp snapshot removed, got %v", err)
	}
}

func TestDiscardRefreshesSnapshotFromServer(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	h.seedNote(t, "nt_1", 2, map[string]any{"title": "server"})
	h.remote.fail = func(remoteCall) error { return &HTTPError{StatusCode: http.StatusForbidden} }
	op := h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"local"}`)
	h.conn.Set(Online)
	_ = h.manager.Drain(ctx)

	got, _ := h.store.Operation(ctx, op.OpID)
	if got.LastError == nil || got.LastError.Kind != model.ErrorKindAuthorization {
		t.Fatalf("expected authorization failure, got %+v", got.LastError)
	}
	if err := h.manager.Discard(ctx, op.OpID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	local, _ := h.store.Entity(ctx, model.EntityNote, "nt_1")
	if local.Fields["title"] != "server" {
		t.Fatalf("expected snapshot reverted to server copy, got %v", local.Fields["title"])
	}
}

func TestOnResolvedFiresForAppliedAndFailed(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	h.seedNote(t, "nt_1", 1, map[string]any{"title": "t"})
	h.seedNote(t, "nt_2", 1, map[string]any{"title": "t"})
	h.remote.fail = func(c remoteCall) error {
		if c.ID == "nt_2" {
			return &HTTPError{StatusCode: http.StatusBadRequest}
		}
		return nil
	}
	var resolved []model.Status
	unsubscribe := h.manager.OnResolved(func(op model.Operation) { resolved = append(resolved, op.Status) })
	defer unsubscribe()

	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"a"}`)
	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_2"}, `{"title":"b"}`)
	h.conn.Set(Online)
	_ = h.manager.Drain(ctx)

	if len(resolved) != 2 || resolved[0] != model.StatusApplied || resolved[1] != model.StatusFailed {
		t.Fatalf("expected applied then failed, got %v", resolved)
	}
}

func TestHasUnresolvedMatchesOverlappingFields(t *testing.T) {
	h := newHarness(t, Offline, 1)
	ctx := h.start(t)
	h.seedNote(t, "nt_1", 1, map[string]any{"title": "t"})
	h.enqueue(t, ctx, model.KindUpdate, model.EntityRef{ID: "nt_1"}, `{"title":"a"}`)

	if ok, _ := h.manager.HasUnresolved(ctx, model.EntityNote, "nt_1", []string{"title"}); !ok {
		t.Fatalf("expected overlap on title")
	}
	if ok, _ := h.manager.HasUnresolved(ctx, model.EntityNote, "nt_1", []string{"body"}); ok {
		t.Fatalf("expected no overlap on body")
	}
	if ok, _ := h.manager.HasUnresolved(ctx, model.EntityNote, "nt_1", nil); !ok {
		t.Fatalf("expected nil fields to match any pending op")
	}
}
