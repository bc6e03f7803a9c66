// Package httpapi serves the entity REST API and the collaboration
// websocket over one remotestore.Store and one collab.Hub.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/notesync/internal/collab"
	"github.com/agentworkforce/notesync/internal/model"
	"github.com/agentworkforce/notesync/internal/remotestore"
	"nhooyr.io/websocket"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ChangeFeed receives every committed change. Enqueue must not block.
type ChangeFeed interface {
	Enqueue(change collab.Change) bool
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SendBuffer bounds each websocket session's outbound queue.
	SendBuffer     int
	OriginPatterns []string
	Feed           ChangeFeed
	Logger         Logger
}

type Server struct {
	store       *remotestore.Store
	hub         *collab.Hub
	cfg         ServerConfig
	rateLimiter atomic.Pointer[rateLimiter]
	unsubscribe func()
	closeOnce   sync.Once
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *remotestore.Store, hub *collab.Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

// NewServerWithConfig wires the store's commit stream into the hub and the
// optional feed. A nil hub gets one authorized by the store.
func NewServerWithConfig(store *remotestore.Store, hub *collab.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = collab.NewHub(collab.HubOptions{Authorizer: store, Logger: cfg.Logger})
	}
	s := &Server{
		store: store,
		hub:   hub,
		cfg:   cfg,
	}
	s.SetRateLimit(cfg.RateLimitMax, cfg.RateLimitWindow)
	feed := cfg.Feed
	s.unsubscribe = store.OnCommit(func(c remotestore.Commit) {
		change := changeFromCommit(c)
		hub.BroadcastChange(change)
		if feed != nil && !feed.Enqueue(change) {
			s.logf("change feed dropped %s@%d", change.EntityID, change.Revision)
		}
	})
	return s
}

// Hub exposes the collaboration hub the server broadcasts into.
func (s *Server) Hub() *collab.Hub {
	return s.hub
}

// SetRateLimit replaces the per-user request budget; max 0 disables it.
// Counters restart from zero.
func (s *Server) SetRateLimit(max int, window time.Duration) {
	if max <= 0 {
		s.rateLimiter.Store(nil)
		return
	}
	if window <= 0 {
		window = time.Minute
	}
	s.rateLimiter.Store(&rateLimiter{
		window:  window,
		max:     max,
		entries: map[string]rateEntry{},
	})
}

// Close detaches the server from the store's commit stream.
func (s *Server) Close() {
	s.closeOnce.Do(s.unsubscribe)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}
	if r.URL.Path == "/v1/collab/ws" && r.Method == http.MethodGet {
		s.handleCollabSocket(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "create"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "get"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodPatch:
		requiredScope = ScopeWrite
		route = "update"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "delete"
	case len(parts) == 5 && parts[1] == "entities" && parts[4] == "changes" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "changes"
	case len(parts) == 5 && parts[1] == "entities" && parts[2] == string(model.EntityNote) && parts[4] == "shares" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "share"
	case len(parts) == 5 && parts[1] == "entities" && parts[2] == string(model.EntityNote) && parts[4] == "shares" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "shares"
	case len(parts) == 4 && parts[1] == "collab" && parts[3] == "presence" && r.Method == http.MethodGet:
		requiredScope = ScopeCollab
		route = "presence"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.allow(w, claims.UserID, correlationID) {
		return
	}

	entityType := model.EntityType(parts[2])
	switch route {
	case "create":
		s.handleCreate(w, r, claims, entityType, correlationID)
	case "get":
		s.handleGet(w, claims, entityType, parts[3], correlationID)
	case "update":
		s.handleUpdate(w, r, claims, entityType, parts[3], correlationID)
	case "delete":
		s.handleDelete(w, r, claims, entityType, parts[3], correlationID)
	case "changes":
		s.handleChanges(w, r, claims, parts[3], correlationID)
	case "share":
		s.handleShare(w, r, claims, parts[3], correlationID)
	case "shares":
		s.handleShares(w, claims, parts[3], correlationID)
	case "presence":
		s.handlePresence(w, r, claims, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, userID, correlationID string) bool {
	limiter := s.rateLimiter.Load()
	if limiter == nil || limiter.allow(userID, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(limiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, claims tokenClaims, entityType model.EntityType, correlationID string) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing Idempotency-Key header", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	entity, replayed, err := s.store.Create(remotestore.CreateRequest{
		UserID:         claims.UserID,
		ClientID:       r.Header.Get("X-Client-Id"),
		EntityType:     entityType,
		IdempotencyKey: key,
		Payload:        body,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	w.Header().Set("ETag", strconv.FormatUint(entity.Revision, 10))
	writeJSON(w, status, entity)
}

func (s *Server) handleGet(w http.ResponseWriter, claims tokenClaims, entityType model.EntityType, id, correlationID string) {
	entity, err := s.store.Get(claims.UserID, entityType, id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatUint(entity.Revision, 10))
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, claims tokenClaims, entityType model.EntityType, id, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "missing If-Match header", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	entity, err := s.store.Update(remotestore.UpdateRequest{
		UserID:     claims.UserID,
		ClientID:   r.Header.Get("X-Client-Id"),
		EntityType: entityType,
		ID:         id,
		IfMatch:    ifMatch,
		Payload:    body,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatUint(entity.Revision, 10))
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, claims tokenClaims, entityType model.EntityType, id, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "missing If-Match header", correlationID)
		return
	}
	revision, err := s.store.Delete(remotestore.DeleteRequest{
		UserID:     claims.UserID,
		ClientID:   r.Header.Get("X-Client-Id"),
		EntityType: entityType,
		ID:         id,
		IfMatch:    ifMatch,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "revision": revision})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, claims tokenClaims, id, correlationID string) {
	since, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("since")), 10, 64)
	if err != nil && r.URL.Query().Get("since") != "" {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be a revision number", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 64, 1, 1000)
	commits, err := s.store.ChangesSince(claims.UserID, id, since)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if len(commits) > limit {
		commits = commits[:limit]
	}
	changes := make([]collab.Change, 0, len(commits))
	for _, c := range commits {
		changes = append(changes, changeFromCommit(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entityId": id, "changes": changes})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, claims tokenClaims, noteID, correlationID string) {
	var body struct {
		UserID  string `json:"userId"`
		CanEdit bool   `json:"canEdit"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	share, err := s.store.Share(claims.UserID, noteID, body.UserID, body.CanEdit)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleShares(w http.ResponseWriter, claims tokenClaims, noteID, correlationID string) {
	shares, err := s.store.Shares(claims.UserID, noteID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entityId": noteID, "shares": shares})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, claims tokenClaims, entityID, correlationID string) {
	ok, err := s.store.Check(r.Context(), claims.UserID, entityID, model.CapabilityView)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", remotestore.ErrNotFound.Error(), correlationID)
		return
	}
	members, err := s.hub.PresenceOf(r.Context(), entityID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "presence_unavailable", err.Error(), correlationID)
		return
	}
	if members == nil {
		members = []collab.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entityId": entityID, "members": members})
}

// handleCollabSocket upgrades to the collaboration protocol. Browsers cannot
// set headers on a websocket handshake, so access_token is accepted too.
func (s *Server) handleCollabSocket(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	var claims tokenClaims
	var authErr *authError
	if token := r.URL.Query().Get("access_token"); token != "" && r.Header.Get("Authorization") == "" {
		claims, authErr = authorizeToken(token, s.cfg.JWTSecret, ScopeCollab, now)
	} else {
		claims, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, ScopeCollab, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !s.allow(w, claims.UserID, getCorrelationID(r)) {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("websocket accept for %s failed: %v", claims.UserID, err)
		return
	}
	session := collab.NewSession(ws, s.hub, collab.SessionOptions{
		UserID:     claims.UserID,
		ClientID:   r.Header.Get("X-Client-Id"),
		SendBuffer: s.cfg.SendBuffer,
		Changes:    commitSource{store: s.store},
		Logger:     s.cfg.Logger,
	})
	if err := session.Run(r.Context()); err != nil {
		s.logf("collab session %s ended: %v", session.ID(), err)
	}
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, ScopeAdmin, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	resp := map[string]any{
		"store": s.store.Status(),
		"rooms": s.hub.Rooms(),
	}
	if feed, ok := s.cfg.Feed.(interface {
		Published() uint64
		Dropped() uint64
	}); ok {
		resp["feed"] = map[string]uint64{"published": feed.Published(), "dropped": feed.Dropped()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type commitSource struct {
	store *remotestore.Store
}

func (c commitSource) ChangeAt(entityID string, revision uint64) (collab.Change, bool) {
	commit, ok := c.store.CommitAt(entityID, revision)
	if !ok {
		return collab.Change{}, false
	}
	return changeFromCommit(commit), true
}

func changeFromCommit(c remotestore.Commit) collab.Change {
	return collab.Change{
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		Kind:           c.Kind,
		Revision:       c.Revision,
		Fields:         c.Fields,
		FieldRevisions: c.FieldRevisions,
		Deleted:        c.Deleted,
		OriginUserID:   c.UserID,
		OriginClientID: c.ClientID,
		CommittedAt:    c.CommittedAt,
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *remotestore.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "revision_conflict",
			"message":       err.Error(),
			"correlationId": correlationID,
			"fields":        conflict.Fields,
			"baseRevision":  conflict.BaseRevision,
			"revision":      conflict.Revision,
		})
		return
	}
	switch {
	case errors.Is(err, model.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrMissingPrecondition):
		writeError(w, http.StatusPreconditionRequired, "precondition_required", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, remotestore.ErrRevisionConflict):
		writeError(w, http.StatusConflict, "revision_conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
