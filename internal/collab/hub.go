// Package collab runs collaboration rooms: per-entity sets of authorized
// connections that receive presence and committed changes in revision order.
package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
)

const (
	defaultReorderWindow  = 250 * time.Millisecond
	defaultMaxBuffered    = 32
	presenceMirrorTimeout = 2 * time.Second
)

type Authorizer interface {
	Check(ctx context.Context, userID, entityID string, capability model.Capability) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, userID, entityID string, capability model.Capability) (bool, error)

func (f AuthorizerFunc) Check(ctx context.Context, userID, entityID string, capability model.Capability) (bool, error) {
	return f(ctx, userID, entityID, capability)
}

// Conn is one client transport. Send must never block: a connection that
// cannot take a message returns an error and is dropped from the room.
type Conn interface {
	ID() string
	UserID() string
	ClientID() string
	Send(msg ServerMessage) error
}

// PresenceMirror publishes room membership outside this process.
type PresenceMirror interface {
	Joined(ctx context.Context, entityID string, m Member) error
	Left(ctx context.Context, entityID string, m Member) error
	Members(ctx context.Context, entityID string) ([]Member, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type HubOptions struct {
	Authorizer Authorizer
	Presence   PresenceMirror
	Logger     Logger
	Now        func() time.Time
	// ReorderWindow bounds how long a change that skips revisions waits for
	// the missing ones before being delivered anyway.
	ReorderWindow time.Duration
	MaxBuffered   int
}

type Hub struct {
	authorizer    Authorizer
	presence      PresenceMirror
	logger        Logger
	now           func() time.Time
	reorderWindow time.Duration
	maxBuffered   int

	// mu guards the room index and connection memberships only. Lock order
	// is room.mu before mu.
	mu          sync.Mutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{}
}

type room struct {
	mu           sync.Mutex
	entityID     string
	members      map[string]*roomMember
	lastRevision uint64
	buffered     map[uint64]Change
	gapTimer     *time.Timer
	closed       bool
}

type roomMember struct {
	info Member
	conn Conn
}

type presenceUpdate struct {
	action string
	member Member
}

func NewHub(opts HubOptions) *Hub {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	window := opts.ReorderWindow
	if window <= 0 {
		window = defaultReorderWindow
	}
	maxBuffered := opts.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	return &Hub{
		authorizer:    opts.Authorizer,
		presence:      opts.Presence,
		logger:        opts.Logger,
		now:           now,
		reorderWindow: window,
		maxBuffered:   maxBuffered,
		rooms:         map[string]*room{},
		memberships:   map[string]map[string]struct{}{},
	}
}

// Join authorizes conn for entityID and adds it to the room. Existing members
// get a presence-joined event; the joiner gets the member list as the result.
// A denied join leaves no trace.
func (h *Hub) Join(ctx context.Context, conn Conn, entityID string, capability model.Capability) ([]Member, error) {
	entityID = strings.TrimSpace(entityID)
	if conn == nil || entityID == "" {
		return nil, fmt.Errorf("%w: join requires an entity id", ErrInvalidMessage)
	}
	if capability == "" {
		capability = model.CapabilityEdit
	}
	if h.authorizer == nil {
		return nil, &AuthorizationError{UserID: conn.UserID(), EntityID: entityID, Capability: capability}
	}
	ok, err := h.authorizer.Check(ctx, conn.UserID(), entityID, capability)
	if err != nil {
		return nil, fmt.Errorf("authorize %s on %s: %w", conn.UserID(), entityID, err)
	}
	if !ok {
		return nil, &AuthorizationError{UserID: conn.UserID(), EntityID: entityID, Capability: capability}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		r := h.roomFor(entityID, true)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		if existing, ok := r.members[conn.ID()]; ok && existing.conn == conn {
			members := r.membersLocked()
			r.mu.Unlock()
			return members, nil
		}
		joined := Member{UserID: conn.UserID(), ClientID: conn.ClientID(), ConnID: conn.ID(), JoinedAt: h.now()}
		r.members[joined.ConnID] = &roomMember{info: joined, conn: conn}
		h.trackMembership(joined.ConnID, entityID, true)

		updates := []presenceUpdate{{action: PresenceJoined, member: joined}}
		dropped := r.fanoutLocked(r.presenceMessage(PresenceJoined, joined), func(m *roomMember) bool {
			return m.info.ConnID == joined.ConnID
		})
		updates = append(updates, h.dropLocked(r, dropped)...)
		members := r.membersLocked()
		if _, stillIn := r.members[joined.ConnID]; !stillIn {
			h.closeIfEmptyLocked(r)
			r.mu.Unlock()
			h.mirror(entityID, updates)
			return nil, ErrTransportDisconnect
		}
		r.mu.Unlock()
		h.mirror(entityID, updates)
		return members, nil
	}
}

// Leave removes conn from the room and tells the remaining members.
func (h *Hub) Leave(conn Conn, entityID string) error {
	r := h.roomFor(entityID, false)
	if r == nil {
		return ErrNotMember
	}
	r.mu.Lock()
	m, ok := r.members[conn.ID()]
	if !ok || m.conn != conn {
		r.mu.Unlock()
		return ErrNotMember
	}
	updates := h.dropLocked(r, []*roomMember{m})
	h.closeIfEmptyLocked(r)
	r.mu.Unlock()
	h.mirror(entityID, updates)
	return nil
}

// Disconnect is an implicit leave of every room conn is in.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	var entityIDs []string
	for id := range h.memberships[conn.ID()] {
		entityIDs = append(entityIDs, id)
	}
	h.mu.Unlock()
	for _, id := range entityIDs {
		_ = h.Leave(conn, id)
	}
}

// BroadcastChange delivers a committed change to every member except its
// origin. Changes are delivered in revision order: duplicates are dropped and
// a change that skips revisions is held until the gap fills or the reorder
// window passes.
func (h *Hub) BroadcastChange(change Change) {
	r := h.roomFor(change.EntityID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var updates []presenceUpdate
	switch {
	case r.lastRevision != 0 && change.Revision <= r.lastRevision:
	case r.lastRevision != 0 && change.Revision > r.lastRevision+1:
		r.buffered[change.Revision] = change
		if len(r.buffered) > h.maxBuffered {
			updates = h.flushLocked(r, true)
		} else if r.gapTimer == nil {
			r.gapTimer = time.AfterFunc(h.reorderWindow, func() { h.flushGap(r) })
		}
	default:
		updates = h.deliverLocked(r, change)
		updates = append(updates, h.flushLocked(r, false)...)
	}
	h.closeIfEmptyLocked(r)
	r.mu.Unlock()
	if len(updates) > 0 {
		// Callers may hold the store lock; keep the mirror off this path.
		go h.mirror(change.EntityID, updates)
	}
}

// Members returns the in-process membership of a room.
func (h *Hub) Members(entityID string) []Member {
	r := h.roomFor(entityID, false)
	if r == nil {
		return []Member{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

// PresenceOf prefers the mirror, which sees members on other nodes.
func (h *Hub) PresenceOf(ctx context.Context, entityID string) ([]Member, error) {
	if h.presence == nil {
		return h.Members(entityID), nil
	}
	return h.presence.Members(ctx, entityID)
}

func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) flushGap(r *room) {
	r.mu.Lock()
	r.gapTimer = nil
	if r.closed {
		r.mu.Unlock()
		return
	}
	updates := h.flushLocked(r, true)
	h.closeIfEmptyLocked(r)
	r.mu.Unlock()
	h.mirror(r.entityID, updates)
}

// flushLocked delivers buffered changes that are now in sequence. With force
// set it skips over gaps.
func (h *Hub) flushLocked(r *room, force bool) []presenceUpdate {
	var updates []presenceUpdate
	for len(r.buffered) > 0 {
		next, ok := r.buffered[r.lastRevision+1]
		if !ok {
			if !force {
				break
			}
			revisions := make([]uint64, 0, len(r.buffered))
			for rev := range r.buffered {
				revisions = append(revisions, rev)
			}
			sort.Slice(revisions, func(i, j int) bool { return revisions[i] < revisions[j] })
			next = r.buffered[revisions[0]]
		}
		delete(r.buffered, next.Revision)
		updates = append(updates, h.deliverLocked(r, next)...)
	}
	if len(r.buffered) == 0 && r.gapTimer != nil {
		r.gapTimer.Stop()
		r.gapTimer = nil
	}
	return updates
}

func (h *Hub) deliverLocked(r *room, change Change) []presenceUpdate {
	r.lastRevision = change.Revision
	c := change
	msg := ServerMessage{Type: MessageChange, EntityID: change.EntityID, Change: &c}
	dropped := r.fanoutLocked(msg, func(m *roomMember) bool { return change.isOrigin(m.info) })
	return h.dropLocked(r, dropped)
}

// dropLocked removes members and announces each departure, dropping in turn
// any member that cannot take the announcement.
func (h *Hub) dropLocked(r *room, dropped []*roomMember) []presenceUpdate {
	var updates []presenceUpdate
	for len(dropped) > 0 {
		var next []*roomMember
		for _, m := range dropped {
			if _, ok := r.members[m.info.ConnID]; !ok {
				continue
			}
			delete(r.members, m.info.ConnID)
			h.trackMembership(m.info.ConnID, r.entityID, false)
			updates = append(updates, presenceUpdate{action: PresenceLeft, member: m.info})
			next = append(next, r.fanoutLocked(r.presenceMessage(PresenceLeft, m.info), nil)...)
		}
		dropped = next
	}
	return updates
}

func (r *room) fanoutLocked(msg ServerMessage, skip func(*roomMember) bool) []*roomMember {
	var failed []*roomMember
	for _, m := range r.members {
		if skip != nil && skip(m) {
			continue
		}
		if err := m.conn.Send(msg); err != nil {
			failed = append(failed, m)
		}
	}
	return failed
}

func (r *room) presenceMessage(action string, m Member) ServerMessage {
	return ServerMessage{
		Type:     MessagePresence,
		EntityID: r.entityID,
		Presence: &Presence{EntityID: r.entityID, Action: action, Member: m, Members: r.membersLocked()},
	}
}

func (r *room) membersLocked() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

func (h *Hub) roomFor(entityID string, create bool) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[entityID]
	if !ok && create {
		r = &room{entityID: entityID, members: map[string]*roomMember{}, buffered: map[uint64]Change{}}
		h.rooms[entityID] = r
	}
	return r
}

func (h *Hub) closeIfEmptyLocked(r *room) {
	if len(r.members) > 0 || r.closed {
		return
	}
	r.closed = true
	if r.gapTimer != nil {
		r.gapTimer.Stop()
		r.gapTimer = nil
	}
	h.mu.Lock()
	if h.rooms[r.entityID] == r {
		delete(h.rooms, r.entityID)
	}
	h.mu.Unlock()
}

func (h *Hub) trackMembership(connID, entityID string, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.memberships[connID]
	if joined {
		if set == nil {
			set = map[string]struct{}{}
			h.memberships[connID] = set
		}
		set[entityID] = struct{}{}
		return
	}
	delete(set, entityID)
	if len(set) == 0 {
		delete(h.memberships, connID)
	}
}

func (h *Hub) mirror(entityID string, updates []presenceUpdate) {
	if h.presence == nil || len(updates) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceMirrorTimeout)
	defer cancel()
	for _, u := range updates {
		var err error
		if u.action == PresenceJoined {
			err = h.presence.Joined(ctx, entityID, u.member)
		} else {
			err = h.presence.Left(ctx, entityID, u.member)
		}
		if err != nil {
			h.logf("presence mirror %s %s on %s failed: %v", u.action, u.member.ConnID, entityID, err)
		}
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
