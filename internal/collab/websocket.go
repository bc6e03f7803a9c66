package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// ChangeSource looks up a committed change so a client's republished edit
// can be checked against what the server actually stored.
type ChangeSource interface {
	ChangeAt(entityID string, revision uint64) (Change, bool)
}

type SessionOptions struct {
	ConnID       string
	UserID       string
	ClientID     string
	SendBuffer   int
	WriteTimeout time.Duration
	Changes      ChangeSource
	Logger       Logger
}

// Session serves one websocket connection: it reads join, leave and publish
// requests and writes room traffic through a bounded outbound queue.
type Session struct {
	ws      *websocket.Conn
	hub     *Hub
	id      string
	userID  string
	client  string
	changes ChangeSource
	logger  Logger
	timeout time.Duration

	out       chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewSession(ws *websocket.Conn, hub *Hub, opts SessionOptions) *Session {
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	id := opts.ConnID
	if id == "" {
		id = "conn_" + model.NewOpID()
	}
	return &Session{
		ws:      ws,
		hub:     hub,
		id:      id,
		userID:  opts.UserID,
		client:  opts.ClientID,
		changes: opts.Changes,
		logger:  opts.Logger,
		timeout: timeout,
		out:     make(chan ServerMessage, buffer),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) UserID() string   { return s.userID }
func (s *Session) ClientID() string { return s.client }

// Send queues msg without blocking. A full queue closes the session.
func (s *Session) Send(msg ServerMessage) error {
	select {
	case <-s.done:
		return ErrTransportDisconnect
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		s.close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Run serves the connection until it fails or ctx ends, then leaves every
// room the session joined.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.hub.Disconnect(s)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx)
	}()
	defer func() { <-writeDone }()
	defer cancel()

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, s.ws, &msg); err != nil {
			s.close(err)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.id, err)
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MessageJoin:
		capability, err := model.ParseCapability(msg.Capability)
		if err != nil {
			_ = s.Send(errorMessage(msg.RequestID, msg.EntityID, fmt.Errorf("%w: %v", ErrInvalidMessage, err)))
			return
		}
		members, err := s.hub.Join(ctx, s, msg.EntityID, capability)
		if err != nil {
			s.logf("join %s by %s denied: %v", msg.EntityID, s.userID, err)
			_ = s.Send(errorMessage(msg.RequestID, msg.EntityID, err))
			return
		}
		_ = s.Send(ServerMessage{Type: MessageJoined, RequestID: msg.RequestID, EntityID: msg.EntityID, Members: members})
	case MessageLeave:
		if err := s.hub.Leave(s, msg.EntityID); err != nil {
			_ = s.Send(errorMessage(msg.RequestID, msg.EntityID, err))
			return
		}
		_ = s.Send(ServerMessage{Type: MessageLeft, RequestID: msg.RequestID, EntityID: msg.EntityID})
	case MessagePublish:
		if err := s.publish(msg); err != nil {
			_ = s.Send(errorMessage(msg.RequestID, msg.EntityID, err))
			return
		}
		_ = s.Send(ServerMessage{Type: MessageAck, RequestID: msg.RequestID, EntityID: msg.EntityID})
	default:
		_ = s.Send(errorMessage(msg.RequestID, msg.EntityID, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)))
	}
}

// publish rebroadcasts a change this client committed. The room drops it if
// the commit hook already delivered that revision.
func (s *Session) publish(msg ClientMessage) error {
	if !s.isMember(msg.EntityID) {
		return ErrNotMember
	}
	if s.changes == nil || msg.Revision == 0 {
		return fmt.Errorf("%w: publish requires a committed revision", ErrInvalidMessage)
	}
	change, ok := s.changes.ChangeAt(msg.EntityID, msg.Revision)
	if !ok || !change.isOrigin(Member{UserID: s.userID, ClientID: s.client}) {
		return fmt.Errorf("%w: revision %d of %s was not committed by this client", ErrInvalidMessage, msg.Revision, msg.EntityID)
	}
	s.hub.BroadcastChange(change)
	return nil
}

func (s *Session) isMember(entityID string) bool {
	for _, m := range s.hub.Members(entityID) {
		if m.ConnID == s.id {
			return true
		}
	}
	return false
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.out:
			writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := wsjson.Write(writeCtx, s.ws, msg)
			cancel()
			if err != nil {
				s.close(err)
				return
			}
		}
	}
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.done)
		status := websocket.StatusNormalClosure
		reason := "closing"
		if errors.Is(cause, ErrSlowConsumer) {
			status = websocket.StatusPolicyViolation
			reason = "outbound queue full"
		}
		if s.ws != nil {
			go func() { _ = s.ws.Close(status, reason) }()
		}
	})
}

func (s *Session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
