package collab

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotMember           = errors.New("not a room member")
	ErrTransportDisconnect = errors.New("transport disconnected")
	ErrSlowConsumer        = errors.New("outbound queue full")
	ErrInvalidMessage      = errors.New("invalid message")
)

// AuthorizationError is returned by Join when the authorizer denies access.
// Nothing about the room changes when it is returned.
type AuthorizationError struct {
	UserID     string
	EntityID   string
	Capability model.Capability
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s lacks %s on %s", e.UserID, e.Capability, e.EntityID)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// Client to server message types.
const (
	MessageJoin    = "join"
	MessageLeave   = "leave"
	MessagePublish = "publish"
)

// Server to client message types.
const (
	MessageJoined   = "joined"
	MessageLeft     = "left"
	MessageAck      = "ack"
	MessagePresence = "presence"
	MessageChange   = "change"
	MessageError    = "error"
)

const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Error codes carried by MessageError.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotMember    = "not_member"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

type ClientMessage struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Capability string `json:"capability,omitempty"`
	Revision   uint64 `json:"revision,omitempty"`
}

type ServerMessage struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	EntityID  string     `json:"entityId,omitempty"`
	Members   []Member   `json:"members,omitempty"`
	Presence  *Presence  `json:"presence,omitempty"`
	Change    *Change    `json:"change,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Member struct {
	UserID   string    `json:"userId"`
	ClientID string    `json:"clientId,omitempty"`
	ConnID   string    `json:"connId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Presence struct {
	EntityID string   `json:"entityId"`
	Action   string   `json:"action"`
	Member   Member   `json:"member"`
	Members  []Member `json:"members"`
}

// Change is a committed write as fanned out to room members.
type Change struct {
	EntityType     model.EntityType  `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Kind           model.Kind        `json:"kind"`
	Revision       uint64            `json:"revision"`
	Fields         map[string]any    `json:"fields,omitempty"`
	FieldRevisions map[string]uint64 `json:"fieldRevisions,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
	OriginUserID   string            `json:"originUserId"`
	OriginClientID string            `json:"originClientId,omitempty"`
	CommittedAt    time.Time         `json:"committedAt"`
}

// isOrigin reports whether m made the change. Changes from clients that
// identify themselves are only withheld from that client, so a user's other
// devices still receive them.
func (c Change) isOrigin(m Member) bool {
	if c.OriginClientID != "" {
		return m.ClientID == c.OriginClientID
	}
	return m.UserID == c.OriginUserID
}

func errorMessage(requestID, entityID string, err error) ServerMessage {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, ErrNotMember):
		code = CodeNotMember
	case errors.Is(err, ErrInvalidMessage):
		code = CodeBadRequest
	}
	return ServerMessage{
		Type:      MessageError,
		RequestID: requestID,
		EntityID:  entityID,
		Error:     &ErrorBody{Code: code, Message: err.Error()},
	}
}
