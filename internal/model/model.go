package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnknownEntityType = errors.New("unknown entity type")
)

type EntityType string

const (
	EntityNote   EntityType = "note"
	EntityTask   EntityType = "task"
	EntityFolder EntityType = "folder"
)

var EntityTypes = []EntityType{EntityNote, EntityTask, EntityFolder}

func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
	}
	return t, nil
}

func (t EntityType) Valid() bool {
	switch t {
	case EntityNote, EntityTask, EntityFolder:
		return true
	}
	return false
}

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, raw)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDeferred Status = "deferred"
	StatusFailed   Status = "failed"
	StatusApplied  Status = "applied"
)

// Terminal reports whether the queue manager has stopped driving the operation.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailed
}

// Unresolved is true for operations that still represent an unconfirmed local write.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusInFlight || s == StatusDeferred
}

// EntityRef points at an entity by server id once known, by temp id before that.
type EntityRef struct {
	ID     string `json:"id,omitempty"`
	TempID string `json:"tempId,omitempty"`
}

func (r EntityRef) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.TempID
}

func (r EntityRef) Confirmed() bool {
	return r.ID != ""
}

func (r EntityRef) IsZero() bool {
	return r.ID == "" && r.TempID == ""
}

func (r EntityRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	if r.TempID != "" {
		return "temp:" + r.TempID
	}
	return "<none>"
}

type Entity struct {
	Type           EntityType        `json:"entityType"`
	ID             string            `json:"id,omitempty"`
	TempID         string            `json:"tempId,omitempty"`
	OwnerID        string            `json:"ownerId,omitempty"`
	Revision       uint64            `json:"revision"`
	Fields         map[string]any    `json:"fields"`
	FieldRevisions map[string]uint64 `json:"fieldRevisions,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt,omitzero"`
}

func (e Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, TempID: e.TempID}
}

func (e Entity) Key() string {
	return e.Ref().Key()
}

func (e Entity) Clone() Entity {
	out := e
	out.Fields = CloneFields(e.Fields)
	if e.FieldRevisions != nil {
		out.FieldRevisions = make(map[string]uint64, len(e.FieldRevisions))
		for k, v := range e.FieldRevisions {
			out.FieldRevisions[k] = v
		}
	}
	return out
}

type ErrorKind string

const (
	ErrorKindNetwork       ErrorKind = "network"
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindAuthorization ErrorKind = "authorization"
	ErrorKindConflict      ErrorKind = "conflict"
	ErrorKindNotFound      ErrorKind = "not_found"
)

// OpError is the last error recorded against an operation. It is persisted
// with the operation so a Failed entry still explains itself after restart.
type OpError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"statusCode,omitempty"`
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Operation struct {
	OpID           string          `json:"opId"`
	Sequence       uint64          `json:"sequence"`
	EntityType     EntityType      `json:"entityType"`
	Ref            EntityRef       `json:"entityRef"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	BaseRevision   uint64          `json:"baseRevision"`
	// AppliedRevision is the server revision the write produced; set only
	// on operations reported as Applied.
	AppliedRevision uint64    `json:"appliedRevision,omitempty"`
	RetryCount      int       `json:"retryCount"`
	Status          Status    `json:"status"`
	LastError       *OpError  `json:"lastError,omitempty"`
	NextAttemptAt   time.Time `json:"nextAttemptAt,omitzero"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (op Operation) Clone() Operation {
	out := op
	if op.Payload != nil {
		out.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	if op.LastError != nil {
		lastErr := *op.LastError
		out.LastError = &lastErr
	}
	return out
}

// EntityKey groups operations that must be applied in order.
func (op Operation) EntityKey() string {
	return string(op.EntityType) + "/" + op.Ref.Key()
}

func (op Operation) Fields() (map[string]any, error) {
	if len(op.Payload) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(op.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// TouchedFields returns the sorted field names an update writes. Creates and
// deletes touch the whole entity and return nil.
func (op Operation) TouchedFields() []string {
	if op.Kind != KindUpdate {
		return nil
	}
	fields, err := op.Fields()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overlaps reports whether the operation writes any of the given fields.
func (op Operation) Overlaps(fields []string) bool {
	if op.Kind != KindUpdate {
		return true
	}
	touched := op.TouchedFields()
	for _, a := range touched {
		for _, b := range fields {
			if a == b {
				return true
			}
		}
	}
	return false
}

type reference struct {
	field  string
	target EntityType
}

var referenceFields = map[EntityType][]reference{
	EntityNote:   {{field: "folderId", target: EntityFolder}},
	EntityFolder: {{field: "parentId", target: EntityFolder}},
}

// TempReference is a payload field that names another entity by temp id.
type TempReference struct {
	Field  string
	Target EntityType
	TempID string
}

// TempReferences lists the payload fields still pointing at unconfirmed
// entities, in field order.
func (op Operation) TempReferences() []TempReference {
	refs := referenceFields[op.EntityType]
	if len(refs) == 0 || len(op.Payload) == 0 {
		return nil
	}
	fields, err := op.Fields()
	if err != nil {
		return nil
	}
	var out []TempReference
	for _, ref := range refs {
		if v, ok := fields[ref.field].(string); ok && IsTempID(v) {
			out = append(out, TempReference{Field: ref.field, Target: ref.target, TempID: v})
		}
	}
	return out
}

// RewriteTempID replaces tempID with serverID in the operation's entity
// reference and in any payload field that references another entity.
func RewriteTempID(op *Operation, tempID, serverID string) bool {
	if op == nil || tempID == "" || serverID == "" {
		return false
	}
	changed := false
	if op.Ref.ID == "" && op.Ref.TempID == tempID {
		op.Ref.ID = serverID
		changed = true
	}
	refs := referenceFields[op.EntityType]
	if len(refs) == 0 || len(op.Payload) == 0 {
		return changed
	}
	fields, err := op.Fields()
	if err != nil {
		return changed
	}
	payloadChanged := false
	for _, ref := range refs {
		if v, ok := fields[ref.field].(string); ok && v == tempID {
			fields[ref.field] = serverID
			payloadChanged = true
		}
	}
	if payloadChanged {
		if data, err := json.Marshal(fields); err == nil {
			op.Payload = data
			changed = true
		}
	}
	return changed
}

func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// ApplyDefaults fills create-time defaults the server would assign.
func ApplyDefaults(t EntityType, fields map[string]any) map[string]any {
	out := CloneFields(fields)
	if out == nil {
		out = map[string]any{}
	}
	switch t {
	case EntityNote:
		setDefault(out, "title", "Untitled")
		setDefault(out, "body", "")
		setDefault(out, "pinned", false)
		setDefault(out, "archived", false)
		setDefault(out, "favorite", false)
	case EntityTask:
		setDefault(out, "description", "")
		setDefault(out, "completed", false)
		setDefault(out, "priority", "medium")
	case EntityFolder:
		setDefault(out, "color", "#3B82F6")
	}
	return out
}

func setDefault(fields map[string]any, name string, value any) {
	if _, ok := fields[name]; !ok {
		fields[name] = value
	}
}

// SortOperations orders operations by sequence, the global enqueue order.
func SortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Sequence < ops[j].Sequence
	})
}

// Capability is what a user may do with an entity.
type Capability string

const (
	CapabilityView Capability = "view"
	CapabilityEdit Capability = "edit"
)

func ParseCapability(raw string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(raw))); c {
	case CapabilityView, CapabilityEdit:
		return c, nil
	case "":
		return CapabilityEdit, nil
	}
	return "", fmt.Errorf("unknown capability %q", raw)
}
