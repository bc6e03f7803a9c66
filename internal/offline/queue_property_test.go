package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/model"
	"pgregory.net/rapid"
)

// Offline edits replayed after reconnect leave every entity exactly as a
// one-at-a-time replay in enqueue order would, whatever the concurrency.
func TestDrainMatchesSequentialReplay(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		concurrency := rapid.IntRange(1, 4).Draw(rt, "concurrency")
		entities := rapid.IntRange(1, 3).Draw(rt, "entities")
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")

		store := localstore.NewMemoryStore()
		remote := newFakeRemote()
		conn := &switchConnectivity{state: Offline}
		m, err := NewManager(ManagerOptions{
			Store:        store,
			Executor:     NewExecutor(ExecutorOptions{Remote: remote, Connectivity: conn}),
			Connectivity: conn,
			Clock:        NewFakeClock(testStart),
			Concurrency:  concurrency,
		})
		if err != nil {
			rt.Fatalf("new manager: %v", err)
		}
		ctx := context.Background()

		expected := map[string]map[string]any{}
		refs := make([]model.EntityRef, entities)
		keys := make([]string, entities)
		for i := 0; i < entities; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("temp%d", i)) {
				op, err := m.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: model.KindCreate, Payload: json.RawMessage(`{"title":"start"}`)})
				if err != nil {
					rt.Fatalf("enqueue create: %v", err)
				}
				refs[i] = op.Ref
				keys[i] = op.IdempotencyKey
			} else {
				id := fmt.Sprintf("nt_seed%d", i)
				seed := model.Entity{Type: model.EntityNote, ID: id, Revision: 1, Fields: map[string]any{"title": "start"}}
				remote.seed(seed)
				_ = store.PutEntity(ctx, seed)
				refs[i] = model.EntityRef{ID: id}
			}
			expected[refs[i].Key()] = map[string]any{"title": "start"}
		}

		for s := 0; s < steps; s++ {
			i := rapid.IntRange(0, entities-1).Draw(rt, "entity")
			field := rapid.SampledFrom([]string{"title", "body"}).Draw(rt, "field")
			value := rapid.StringMatching(`[a-z]{1,6}`).Draw(rt, "value")
			payload, _ := json.Marshal(map[string]any{field: value})
			if _, err := m.Enqueue(ctx, Mutation{EntityType: model.EntityNote, Kind: model.KindUpdate, Ref: refs[i], Payload: payload}); err != nil {
				rt.Fatalf("enqueue update: %v", err)
			}
			expected[refs[i].Key()][field] = value
		}

		conn.Set(Online)
		if err := m.Drain(ctx); err != nil {
			rt.Fatalf("drain: %v", err)
		}

		if creates := remote.callsOf(model.KindCreate); len(creates) > entities {
			rt.Fatalf("expected at most %d creates, got %d", entities, len(creates))
		}
		for _, c := range remote.callsOf(model.KindUpdate) {
			if c.ID == "" || model.IsTempID(c.ID) {
				rt.Fatalf("update executed against unconfirmed id %q", c.ID)
			}
		}
		for i, ref := range refs {
			id := ref.ID
			if id == "" {
				id = remote.byKey[keys[i]]
			}
			got, ok := remote.entity(id)
			if !ok {
				rt.Fatalf("entity %d missing on server", i)
			}
			for field, want := range expected[ref.Key()] {
				if got.Fields[field] != want {
					rt.Fatalf("entity %d field %s: expected %v, got %v", i, field, want, got.Fields[field])
				}
			}
		}
		ops, _ := store.Operations(ctx)
		if len(ops) != 0 {
			rt.Fatalf("expected queue drained, got %d ops", len(ops))
		}
	})
}
