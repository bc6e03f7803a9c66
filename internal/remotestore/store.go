// Package remotestore is the authoritative entity store behind the HTTP API.
// It assigns server ids and per-entity revisions, deduplicates creates by
// idempotency key, detects field-level write conflicts and answers
// authorization checks for collaboration rooms.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrRevisionConflict    = errors.New("revision conflict")
	ErrMissingPrecondition = errors.New("missing precondition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
)

const (
	defaultIdempotencyWindow = 24 * time.Hour
	defaultChangeLogLimit    = 64
)

// ConflictError reports the fields another client wrote after the caller's
// base revision.
type ConflictError struct {
	EntityID     string
	Fields       []string
	BaseRevision uint64
	Revision     uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: %s changed since revision %d (current %d)",
		e.EntityID, strings.Join(e.Fields, ","), e.BaseRevision, e.Revision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

type Share struct {
	EntityID string    `json:"entityId"`
	UserID   string    `json:"userId"`
	CanEdit  bool      `json:"canEdit"`
	SharedAt time.Time `json:"sharedAt"`
}

// Commit is one persisted write. Fields holds the values the write set;
// FieldRevisions is the full per-field revision map after it.
type Commit struct {
	EntityType     model.EntityType  `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Kind           model.Kind        `json:"kind"`
	Revision       uint64            `json:"revision"`
	Fields         map[string]any    `json:"fields,omitempty"`
	FieldRevisions map[string]uint64 `json:"fieldRevisions,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
	UserID         string            `json:"userId"`
	ClientID       string            `json:"clientId,omitempty"`
	CommittedAt    time.Time         `json:"committedAt"`
}

type CreateRequest struct {
	UserID         string
	ClientID       string
	EntityType     model.EntityType
	IdempotencyKey string
	Payload        []byte
}

type UpdateRequest struct {
	UserID     string
	ClientID   string
	EntityType model.EntityType
	ID         string
	IfMatch    string
	Payload    []byte
}

type DeleteRequest struct {
	UserID     string
	ClientID   string
	EntityType model.EntityType
	ID         string
	IfMatch    string
}

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateBackend      StateBackend
	StateFile         string
	BackendProfile    string
	Validator         *model.Validator
	IdempotencyWindow time.Duration
	ChangeLogLimit    int
	Now               func() time.Time
	Logger            Logger
}

type StoreStatus struct {
	BackendProfile  string `json:"backendProfile"`
	Entities        int    `json:"entities"`
	Commits         uint64 `json:"commits"`
	IdempotencyKeys int    `json:"idempotencyKeys"`
}

type entityRecord struct {
	Entity model.Entity `json:"entity"`
	// Writers maps each field to the client that last wrote it.
	Writers map[string]string `json:"writers"`
	Shares  map[string]Share  `json:"shares,omitempty"`
}

type idempotencyEntry struct {
	EntityID  string           `json:"entityId"`
	Type      model.EntityType `json:"entityType"`
	CreatedAt time.Time        `json:"createdAt"`
}

type persistedState struct {
	Commits     uint64                      `json:"commits"`
	Entities    map[string]*entityRecord    `json:"entities"`
	Idempotency map[string]idempotencyEntry `json:"idempotency"`
	ChangeLog   map[string][]Commit         `json:"changeLog"`
}

type Store struct {
	mu          sync.RWMutex
	commits     uint64
	entities    map[string]*entityRecord
	idempotency map[string]idempotencyEntry
	changeLog   map[string][]Commit

	listenerSeq uint64
	listeners   map[uint64]func(Commit)

	stateBackend      StateBackend
	backendProfile    string
	validator         *model.Validator
	idempotencyWindow time.Duration
	changeLogLimit    int
	now               func() time.Time
	logger            Logger
}

func NewStore() (*Store, error) {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	validator := opts.Validator
	if validator == nil {
		v, err := model.DefaultValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	window := opts.IdempotencyWindow
	if window <= 0 {
		window = defaultIdempotencyWindow
	}
	limit := opts.ChangeLogLimit
	if limit <= 0 {
		limit = defaultChangeLogLimit
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	profile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if profile == "" {
		profile = "custom"
	}
	s := &Store{
		entities:          map[string]*entityRecord{},
		idempotency:       map[string]idempotencyEntry{},
		changeLog:         map[string][]Commit{},
		listeners:         map[uint64]func(Commit){},
		stateBackend:      stateBackend,
		backendProfile:    profile,
		validator:         validator,
		idempotencyWindow: window,
		changeLogLimit:    limit,
		now:               now,
		logger:            opts.Logger,
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// OnCommit registers fn to be called after every persisted write, in commit
// order. fn runs with the store locked: it must not block or call back into
// the store.
func (s *Store) OnCommit(fn func(Commit)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Create stores a new entity. A replay of an idempotency key seen within the
// window returns the entity it created and replayed=true.
func (s *Store) Create(req CreateRequest) (entity model.Entity, replayed bool, err error) {
	if req.UserID == "" || !req.EntityType.Valid() {
		return model.Entity{}, false, ErrInvalidInput
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return model.Entity{}, false, ErrMissingPrecondition
	}
	fields, err := s.decode(req.EntityType, model.KindCreate, req.Payload)
	if err != nil {
		return model.Entity{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneIdempotencyLocked(now)
	idemKey := req.UserID + "\x00" + key
	if entry, ok := s.idempotency[idemKey]; ok {
		if entry.Type != req.EntityType {
			return model.Entity{}, false, fmt.Errorf("%w: idempotency key reused for %s", ErrInvalidInput, entry.Type)
		}
		if rec, ok := s.entities[entry.EntityID]; ok {
			return rec.Entity.Clone(), true, nil
		}
	}

	writer := writerID(req.UserID, req.ClientID)
	fields = model.ApplyDefaults(req.EntityType, fields)
	rec := &entityRecord{
		Entity: model.Entity{
			Type:           req.EntityType,
			ID:             model.NewEntityID(req.EntityType),
			OwnerID:        req.UserID,
			Revision:       1,
			Fields:         fields,
			FieldRevisions: make(map[string]uint64, len(fields)),
			UpdatedAt:      now,
		},
		Writers: make(map[string]string, len(fields)),
	}
	for name := range fields {
		rec.Entity.FieldRevisions[name] = 1
		rec.Writers[name] = writer
	}
	s.entities[rec.Entity.ID] = rec
	s.idempotency[idemKey] = idempotencyEntry{EntityID: rec.Entity.ID, Type: req.EntityType, CreatedAt: now}
	s.commitLocked(rec, model.KindCreate, fields, req.UserID, req.ClientID)
	return rec.Entity.Clone(), false, nil
}

func (s *Store) Get(userID string, entityType model.EntityType, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.recordLocked(userID, entityType, id, model.CapabilityView)
	if err != nil {
		return model.Entity{}, err
	}
	return rec.Entity.Clone(), nil
}

// Update applies a partial field write. It fails with a ConflictError only
// when a field in the payload was written after IfMatch by another client.
func (s *Store) Update(req UpdateRequest) (model.Entity, error) {
	base, err := parseIfMatch(req.IfMatch)
	if err != nil {
		return model.Entity{}, err
	}
	fields, err := s.decode(req.EntityType, model.KindUpdate, req.Payload)
	if err != nil {
		return model.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(req.UserID, req.EntityType, req.ID, model.CapabilityEdit)
	if err != nil {
		return model.Entity{}, err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	if err := s.checkConflictLocked(rec, names, base, writerID(req.UserID, req.ClientID)); err != nil {
		return model.Entity{}, err
	}

	revision := rec.Entity.Revision + 1
	writer := writerID(req.UserID, req.ClientID)
	for name, value := range fields {
		rec.Entity.Fields[name] = value
		rec.Entity.FieldRevisions[name] = revision
		rec.Writers[name] = writer
	}
	rec.Entity.Revision = revision
	rec.Entity.UpdatedAt = s.now()
	s.commitLocked(rec, model.KindUpdate, fields, req.UserID, req.ClientID)
	return rec.Entity.Clone(), nil
}

// Delete tombstones an entity; only its owner may delete it. The tombstone
// keeps idempotent create replays and revision numbering stable.
func (s *Store) Delete(req DeleteRequest) (uint64, error) {
	base, err := parseIfMatch(req.IfMatch)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(req.UserID, req.EntityType, req.ID, model.CapabilityEdit)
	if err != nil {
		return 0, err
	}
	if rec.Entity.OwnerID != req.UserID {
		return 0, ErrForbidden
	}
	names := make([]string, 0, len(rec.Entity.FieldRevisions))
	for name := range rec.Entity.FieldRevisions {
		names = append(names, name)
	}
	if err := s.checkConflictLocked(rec, names, base, writerID(req.UserID, req.ClientID)); err != nil {
		return 0, err
	}
	rec.Entity.Revision++
	rec.Entity.Deleted = true
	rec.Entity.UpdatedAt = s.now()
	s.commitLocked(rec, model.KindDelete, nil, req.UserID, req.ClientID)
	return rec.Entity.Revision, nil
}

// Share grants targetUserID access to a note owned by ownerID.
func (s *Store) Share(ownerID, noteID, targetUserID string, canEdit bool) (Share, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	if ownerID == "" || targetUserID == "" || targetUserID == ownerID {
		return Share{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(ownerID, model.EntityNote, noteID, model.CapabilityView)
	if err != nil {
		return Share{}, err
	}
	if rec.Entity.OwnerID != ownerID {
		return Share{}, ErrForbidden
	}
	share := Share{EntityID: noteID, UserID: targetUserID, CanEdit: canEdit, SharedAt: s.now()}
	if rec.Shares == nil {
		rec.Shares = map[string]Share{}
	}
	rec.Shares[targetUserID] = share
	s.saveOrLogLocked()
	return share, nil
}

func (s *Store) Shares(userID, noteID string) ([]Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.recordLocked(userID, model.EntityNote, noteID, model.CapabilityView)
	if err != nil {
		return nil, err
	}
	out := make([]Share, 0, len(rec.Shares))
	for _, share := range rec.Shares {
		out = append(out, share)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Check reports whether userID holds capability on entityID. Unknown and
// deleted entities are denied without error.
func (s *Store) Check(ctx context.Context, userID, entityID string, capability model.Capability) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entities[entityID]
	if !ok || rec.Entity.Deleted {
		return false, nil
	}
	return allowed(rec, userID, capability), nil
}

// ChangesSince returns the retained commits of an entity newer than since.
func (s *Store) ChangesSince(userID, entityID string, since uint64) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entities[entityID]
	if !ok || !allowed(rec, userID, model.CapabilityView) {
		return nil, ErrNotFound
	}
	var out []Commit
	for _, c := range s.changeLog[entityID] {
		if c.Revision > since {
			out = append(out, cloneCommit(c))
		}
	}
	return out, nil
}

// CommitAt looks up one retained commit.
func (s *Store) CommitAt(entityID string, revision uint64) (Commit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.changeLog[entityID] {
		if c.Revision == revision {
			return cloneCommit(c), true
		}
	}
	return Commit{}, false
}

func (s *Store) Status() StoreStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := 0
	for _, rec := range s.entities {
		if !rec.Entity.Deleted {
			live++
		}
	}
	return StoreStatus{
		BackendProfile:  s.backendProfile,
		Entities:        live,
		Commits:         s.commits,
		IdempotencyKeys: len(s.idempotency),
	}
}

func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) decode(entityType model.EntityType, kind model.Kind, payload []byte) (map[string]any, error) {
	if err := s.validator.Validate(entityType, kind, payload); err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// recordLocked resolves a live entity the caller may access. Entities the
// caller cannot even view are reported as missing.
func (s *Store) recordLocked(userID string, entityType model.EntityType, id string, capability model.Capability) (*entityRecord, error) {
	if userID == "" || id == "" {
		return nil, ErrInvalidInput
	}
	rec, ok := s.entities[id]
	if !ok || rec.Entity.Deleted || rec.Entity.Type != entityType {
		return nil, ErrNotFound
	}
	if !allowed(rec, userID, model.CapabilityView) {
		return nil, ErrNotFound
	}
	if !allowed(rec, userID, capability) {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *Store) checkConflictLocked(rec *entityRecord, fields []string, base uint64, writer string) error {
	if base > rec.Entity.Revision {
		return fmt.Errorf("%w: base revision %d is ahead of %d", ErrInvalidInput, base, rec.Entity.Revision)
	}
	var conflicting []string
	for _, name := range fields {
		if rec.Entity.FieldRevisions[name] > base && rec.Writers[name] != writer {
			conflicting = append(conflicting, name)
		}
	}
	if len(conflicting) == 0 {
		return nil
	}
	sort.Strings(conflicting)
	return &ConflictError{
		EntityID:     rec.Entity.ID,
		Fields:       conflicting,
		BaseRevision: base,
		Revision:     rec.Entity.Revision,
	}
}

func (s *Store) commitLocked(rec *entityRecord, kind model.Kind, fields map[string]any, userID, clientID string) {
	commit := Commit{
		EntityType:     rec.Entity.Type,
		EntityID:       rec.Entity.ID,
		Kind:           kind,
		Revision:       rec.Entity.Revision,
		Fields:         model.CloneFields(fields),
		FieldRevisions: rec.Entity.Clone().FieldRevisions,
		Deleted:        rec.Entity.Deleted,
		UserID:         userID,
		ClientID:       clientID,
		CommittedAt:    rec.Entity.UpdatedAt,
	}
	s.commits++
	entries := append(s.changeLog[commit.EntityID], commit)
	if overflow := len(entries) - s.changeLogLimit; overflow > 0 {
		entries = append([]Commit(nil), entries[overflow:]...)
	}
	s.changeLog[commit.EntityID] = entries
	s.saveOrLogLocked()
	for _, fn := range s.listeners {
		fn(cloneCommit(commit))
	}
}

func (s *Store) pruneIdempotencyLocked(now time.Time) {
	for key, entry := range s.idempotency {
		if now.Sub(entry.CreatedAt) > s.idempotencyWindow {
			delete(s.idempotency, key)
		}
	}
}

func (s *Store) saveOrLogLocked() {
	if err := s.saveLocked(); err != nil && s.logger != nil {
		s.logger.Printf("persist state failed: %v", err)
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{
		Commits:     s.commits,
		Entities:    s.entities,
		Idempotency: s.idempotency,
		ChangeLog:   s.changeLog,
	})
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.commits = snapshot.Commits
	if snapshot.Entities != nil {
		s.entities = snapshot.Entities
		for _, rec := range s.entities {
			if rec.Entity.Fields == nil {
				rec.Entity.Fields = map[string]any{}
			}
			if rec.Entity.FieldRevisions == nil {
				rec.Entity.FieldRevisions = map[string]uint64{}
			}
			if rec.Writers == nil {
				rec.Writers = map[string]string{}
			}
		}
	}
	if snapshot.Idempotency != nil {
		s.idempotency = snapshot.Idempotency
	}
	if snapshot.ChangeLog != nil {
		s.changeLog = snapshot.ChangeLog
	}
	return nil
}

func allowed(rec *entityRecord, userID string, capability model.Capability) bool {
	if userID == "" {
		return false
	}
	if rec.Entity.OwnerID == userID {
		return true
	}
	if rec.Entity.Type != model.EntityNote {
		return false
	}
	share, ok := rec.Shares[userID]
	if !ok {
		return false
	}
	return capability == model.CapabilityView || share.CanEdit
}

func parseIfMatch(raw string) (uint64, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return 0, ErrMissingPrecondition
	}
	base, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: If-Match %q", ErrInvalidInput, raw)
	}
	return base, nil
}

// writerID attributes field writes to a client; requests without a client
// id are attributed to the user.
func writerID(userID, clientID string) string {
	if clientID = strings.TrimSpace(clientID); clientID != "" {
		return clientID
	}
	return "user:" + userID
}

func cloneCommit(c Commit) Commit {
	out := c
	out.Fields = model.CloneFields(c.Fields)
	if c.FieldRevisions != nil {
		out.FieldRevisions = make(map[string]uint64, len(c.FieldRevisions))
		for k, v := range c.FieldRevisions {
			out.FieldRevisions[k] = v
		}
	}
	return out
}
