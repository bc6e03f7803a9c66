package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/agentworkforce/notesync/internal/model"
)

type remoteCall struct {
	Kind     model.Kind
	Type     model.EntityType
	ID       string
	Key      string
	Base     uint64
	Payload  map[string]any
	Response error
}

// fakeRemote is an in-memory RemoteAPI with idempotent creates and
// per-entity revisions.
type fakeRemote struct {
	mu       sync.Mutex
	nextID   int
	entities map[string]model.Entity
	byKey    map[string]string
	calls    []remoteCall
	// fail, when set, is consulted before each write; a non-nil error is returned as is.
	fail func(call remoteCall) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entities: map[string]model.Entity{}, byKey: map[string]string{}}
}

func (f *fakeRemote) record(call remoteCall) error {
	f.calls = append(f.calls, call)
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			f.calls[len(f.calls)-1].Response = err
			return err
		}
	}
	return nil
}

func decodePayload(payload json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &out)
	}
	return out
}

func (f *fakeRemote) Create(ctx context.Context, t model.EntityType, key string, payload json.RawMessage) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := decodePayload(payload)
	if err := f.record(remoteCall{Kind: model.KindCreate, Type: t, Key: key, Payload: fields}); err != nil {
		return model.Entity{}, err
	}
	if id, ok := f.byKey[key]; ok {
		return f.entities[id].Clone(), nil
	}
	f.nextID++
	id := fmt.Sprintf("%s_%d", t, f.nextID)
	e := model.Entity{Type: t, ID: id, Revision: 1, Fields: model.ApplyDefaults(t, fields), FieldRevisions: map[string]uint64{}}
	for k := range e.Fields {
		e.FieldRevisions[k] = 1
	}
	f.entities[id] = e
	f.byKey[key] = id
	return e.Clone(), nil
}

func (f *fakeRemote) Update(ctx context.Context, t model.EntityType, id string, base uint64, payload json.RawMessage) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := decodePayload(payload)
	if err := f.record(remoteCall{Kind: model.KindUpdate, Type: t, ID: id, Base: base, Payload: fields}); err != nil {
		return model.Entity{}, err
	}
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, &HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	e.Revision++
	for k, v := range fields {
		e.Fields[k] = v
		e.FieldRevisions[k] = e.Revision
	}
	f.entities[id] = e
	return e.Clone(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, t model.EntityType, id string, base uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(remoteCall{Kind: model.KindDelete, Type: t, ID: id, Base: base}); err != nil {
		return 0, err
	}
	e, ok := f.entities[id]
	if !ok {
		return 0, &HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	delete(f.entities, id)
	return e.Revision + 1, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, t model.EntityType, id string) (model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, &HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	return e.Clone(), nil
}

func (f *fakeRemote) seed(e model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.FieldRevisions == nil {
		e.FieldRevisions = map[string]uint64{}
		for k := range e.Fields {
			e.FieldRevisions[k] = e.Revision
		}
	}
	f.entities[e.ID] = e.Clone()
}

func (f *fakeRemote) entity(id string) (model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	return e.Clone(), ok
}

func (f *fakeRemote) callsOf(kind model.Kind) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// switchConnectivity is a Connectivity whose state tests flip directly.
type switchConnectivity struct {
	mu    sync.Mutex
	state State
}

func (s *switchConnectivity) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *switchConnectivity) Set(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *switchConnectivity) Subscribe(func(State)) func() { return func() {} }

type scriptedExecutor struct {
	mu      sync.Mutex
	results func(op model.Operation) Result
	seen    []model.Operation
}

func (s *scriptedExecutor) Execute(ctx context.Context, op model.Operation) Result {
	s.mu.Lock()
	s.seen = append(s.seen, op.Clone())
	fn := s.results
	s.mu.Unlock()
	return fn(op)
}

func (s *scriptedExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}
