package localstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/agentworkforce/notesync/internal/model"
)

type snapshotState struct {
	Sequence   uint64                     `json:"sequence"`
	Operations map[string]model.Operation `json:"operations"`
	Entities   map[string]model.Entity    `json:"entities"`
}

func newSnapshotState() *snapshotState {
	return &snapshotState{
		Operations: map[string]model.Operation{},
		Entities:   map[string]model.Entity{},
	}
}

func (s *snapshotState) clone() *snapshotState {
	out := &snapshotState{
		Sequence:   s.Sequence,
		Operations: make(map[string]model.Operation, len(s.Operations)),
		Entities:   make(map[string]model.Entity, len(s.Entities)),
	}
	for id, op := range s.Operations {
		out.Operations[id] = op.Clone()
	}
	for key, entity := range s.Entities {
		out.Entities[key] = entity.Clone()
	}
	return out
}

// snapshotCore applies each transaction to a copy of the state and swaps it in
// only after the optional persist hook succeeds.
type snapshotCore struct {
	mu      sync.Mutex
	state   *snapshotState
	persist func(*snapshotState) error
	closed  bool
}

func (c *snapshotCore) update(ctx context.Context, fn func(*snapshotState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	next := c.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if c.persist != nil {
		if err := c.persist(next); err != nil {
			return err
		}
	}
	c.state = next
	return nil
}

func (c *snapshotCore) view(ctx context.Context, fn func(*snapshotState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return fn(c.state)
}

func (c *snapshotCore) AppendOperation(ctx context.Context, op model.Operation, snapshot *model.Entity) (model.Operation, error) {
	if err := validateOperation(op); err != nil {
		return model.Operation{}, err
	}
	var stored model.Operation
	err := c.update(ctx, func(s *snapshotState) error {
		if _, exists := s.Operations[op.OpID]; exists {
			return ErrInvalidInput
		}
		s.Sequence++
		stored = op.Clone()
		stored.Sequence = s.Sequence
		s.Operations[stored.OpID] = stored
		if snapshot != nil {
			s.Entities[entityKey(snapshot.Type, snapshot.Key())] = snapshot.Clone()
		}
		return nil
	})
	if err != nil {
		return model.Operation{}, err
	}
	return stored.Clone(), nil
}

func (c *snapshotCore) SaveOperation(ctx context.Context, op model.Operation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	return c.update(ctx, func(s *snapshotState) error {
		if _, ok := s.Operations[op.OpID]; !ok {
			return ErrNotFound
		}
		s.Operations[op.OpID] = op.Clone()
		return nil
	})
}

func (c *snapshotCore) ApplyOperation(ctx context.Context, op model.Operation, snapshot model.Entity) error {
	return c.update(ctx, func(s *snapshotState) error {
		if _, ok := s.Operations[op.OpID]; !ok {
			return ErrNotFound
		}
		delete(s.Operations, op.OpID)
		if tempID, serverID := confirmedTempID(op, snapshot); tempID != "" {
			for id, queued := range s.Operations {
				if model.RewriteTempID(&queued, tempID, serverID) {
					s.Operations[id] = queued
				}
			}
			delete(s.Entities, entityKey(op.EntityType, tempID))
		}
		key := entityKey(snapshot.Type, snapshot.Key())
		if snapshot.Deleted {
			delete(s.Entities, key)
			return nil
		}
		s.Entities[key] = snapshot.Clone()
		return nil
	})
}

func (c *snapshotCore) RemoveOperation(ctx context.Context, opID string) error {
	return c.update(ctx, func(s *snapshotState) error {
		if _, ok := s.Operations[opID]; !ok {
			return ErrNotFound
		}
		delete(s.Operations, opID)
		return nil
	})
}

func (c *snapshotCore) Operation(ctx context.Context, opID string) (model.Operation, error) {
	var out model.Operation
	err := c.view(ctx, func(s *snapshotState) error {
		op, ok := s.Operations[opID]
		if !ok {
			return ErrNotFound
		}
		out = op.Clone()
		return nil
	})
	return out, err
}

func (c *snapshotCore) Operations(ctx context.Context) ([]model.Operation, error) {
	var out []model.Operation
	err := c.view(ctx, func(s *snapshotState) error {
		out = make([]model.Operation, 0, len(s.Operations))
		for _, op := range s.Operations {
			out = append(out, op.Clone())
		}
		return nil
	})
	model.SortOperations(out)
	return out, err
}

func (c *snapshotCore) Entity(ctx context.Context, entityType model.EntityType, key string) (model.Entity, error) {
	var out model.Entity
	err := c.view(ctx, func(s *snapshotState) error {
		entity, ok := s.Entities[entityKey(entityType, key)]
		if !ok {
			return ErrNotFound
		}
		out = entity.Clone()
		return nil
	})
	return out, err
}

func (c *snapshotCore) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	var out []model.Entity
	err := c.view(ctx, func(s *snapshotState) error {
		for _, entity := range s.Entities {
			if entity.Type == entityType {
				out = append(out, entity.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, err
}

func (c *snapshotCore) PutEntity(ctx context.Context, entity model.Entity) error {
	if !entity.Type.Valid() || entity.Key() == "" {
		return ErrInvalidInput
	}
	return c.update(ctx, func(s *snapshotState) error {
		s.Entities[entityKey(entity.Type, entity.Key())] = entity.Clone()
		return nil
	})
}

func (c *snapshotCore) DeleteEntity(ctx context.Context, entityType model.EntityType, key string) error {
	return c.update(ctx, func(s *snapshotState) error {
		delete(s.Entities, entityKey(entityType, key))
		return nil
	})
}

// MemoryStore keeps everything in process memory. It satisfies the Store
// contract except for surviving a restart and is used by tests and the
// memory:// profile.
type MemoryStore struct {
	snapshotCore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshotCore: snapshotCore{state: newSnapshotState()}}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func encodeSnapshot(s *snapshotState) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
