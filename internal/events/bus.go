// Package events carries engine notifications to the host. Subscribers get a
// buffered channel and must call Close when done; a subscriber that stops
// reading loses events instead of stalling the publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
)

type Type string

const (
	OperationQueued      Type = "operationQueued"
	OperationApplied     Type = "operationApplied"
	OperationFailed      Type = "operationFailed"
	ConnectivityChanged  Type = "connectivityChanged"
	RemoteChangeReceived Type = "remoteChangeReceived"
	PresenceChanged      Type = "presenceChanged"
	ConflictDetected     Type = "conflictDetected"
)

type Member struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Presence struct {
	EntityID string   `json:"entityId"`
	Action   string   `json:"action"`
	UserID   string   `json:"userId,omitempty"`
	Members  []Member `json:"members,omitempty"`
}

// Change is a server-confirmed write to one entity.
type Change struct {
	EntityType     model.EntityType  `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Revision       uint64            `json:"revision"`
	Fields         map[string]any    `json:"fields,omitempty"`
	FieldRevisions map[string]uint64 `json:"fieldRevisions,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
	OriginUserID   string            `json:"originUserId,omitempty"`
}

// Conflict describes a remote write that overlapped a confirmed local write.
type Conflict struct {
	EntityType     model.EntityType `json:"entityType"`
	EntityID       string           `json:"entityId"`
	Fields         []string         `json:"fields"`
	LocalValues    map[string]any   `json:"localValues"`
	RemoteValues   map[string]any   `json:"remoteValues"`
	LocalRevision  uint64           `json:"localRevision"`
	RemoteRevision uint64           `json:"remoteRevision"`
}

type Event struct {
	Type      Type             `json:"type"`
	At        time.Time        `json:"at"`
	Operation *model.Operation `json:"operation,omitempty"`
	Online    bool             `json:"online,omitempty"`
	Change    *Change          `json:"change,omitempty"`
	Presence  *Presence        `json:"presence,omitempty"`
	Conflict  *Conflict        `json:"conflict,omitempty"`
}

// Publisher is the side components depend on.
type Publisher interface {
	Publish(ev Event)
}

type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*Subscription
	now     func() time.Time
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]*Subscription{}, now: time.Now}
}

type Subscription struct {
	C      <-chan Event
	ch     chan Event
	bus    *Bus
	id     uint64
	filter map[Type]bool
	once   sync.Once
}

// Subscribe registers a receiver. With no types given it receives everything.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts events discarded because a subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
