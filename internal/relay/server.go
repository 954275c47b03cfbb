// Package relay is the reference server the sync clients talk to. It keeps
// rooms and notification inboxes in memory, serves them over REST and pushes
// every change to live websocket connections.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaysync/internal/bookmarks"
	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/transport"
)

type Config struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	// RateLimit is the sustained per-identity request rate; zero disables
	// limiting.
	RateLimit       rate.Limit
	RateBurst       int
	MaxBodyBytes    int64
	DefaultPageSize int
	MaxPageSize     int
}

type Options struct {
	State     *State
	Bookmarks bookmarks.Store
	Config    Config
	Logger    *zerolog.Logger
	Metrics   *Metrics
	Validator *transport.EnvelopeValidator
	Clock     clock.Clock
}

type Server struct {
	state     *State
	bookmarks bookmarks.Store
	hub       *Hub
	cfg       Config
	logger    zerolog.Logger
	metrics   *Metrics
	clock     clock.Clock

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := clock.OrReal(opts.Clock)
	state := opts.State
	if state == nil {
		state = NewState(c)
	}
	store := opts.Bookmarks
	if store == nil {
		store = bookmarks.NewMemoryStore()
	}
	return &Server{
		state:              state,
		bookmarks:          store,
		hub:                NewHub(opts.Validator, logger, opts.Metrics),
		cfg:                cfg,
		logger:             logger.With().Str("component", "relay").Logger(),
		metrics:            opts.Metrics,
		clock:              c,
		limiters:           map[string]*rate.Limiter{},
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) State() *State {
	return s.state
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close ends all push connections. REST handlers keep working.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Clients()})
		return
	}
	if r.URL.Path == "/v1/internal/notifications" && r.Method == http.MethodPost {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.handleInternalNotification(rec, r)
		s.metrics.request("internal_notification", rec.status)
		return
	}
	if r.URL.Path == "/v1/connect" && r.Method == http.MethodGet {
		s.handleConnect(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[1] == "rooms" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = ScopeChatRead
		route = "list_messages"
	case len(parts) == 4 && parts[1] == "rooms" && parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = ScopeChatWrite
		route = "create_message"
	case len(parts) == 5 && parts[1] == "rooms" && parts[3] == "messages" && r.Method == http.MethodPatch:
		requiredScope = ScopeChatWrite
		route = "edit_message"
	case len(parts) == 5 && parts[1] == "rooms" && parts[3] == "messages" && r.Method == http.MethodDelete:
		requiredScope = ScopeChatWrite
		route = "delete_message"
	case len(parts) == 6 && parts[1] == "rooms" && parts[3] == "messages" && parts[5] == "reactions" && r.Method == http.MethodPost:
		requiredScope = ScopeChatWrite
		route = "toggle_reaction"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope = ScopeNotificationsRead
		route = "list_notifications"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPost:
		requiredScope = ScopeNotificationsWrite
		route = "mark_all_read"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		requiredScope = ScopeNotificationsWrite
		route = "mark_read"
	case len(parts) == 2 && parts[1] == "bookmarks" && r.Method == http.MethodGet:
		requiredScope = ScopeBookmarksRead
		route = "list_bookmarks"
	case len(parts) == 3 && parts[1] == "bookmarks" && r.Method == http.MethodPut:
		requiredScope = ScopeBookmarksWrite
		route = "add_bookmark"
	case len(parts) == 3 && parts[1] == "bookmarks" && r.Method == http.MethodDelete:
		requiredScope = ScopeBookmarksWrite
		route = "remove_bookmark"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { s.metrics.request(route, rec.status) }()
	w = rec

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.clock.Now().UTC(), requiredScope)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if ok, wait := s.allow(claims.IdentityID); !ok {
		retryAfter := int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list_messages":
		s.handleListMessages(w, r, parts[2], correlationID)
	case "create_message":
		s.handleCreateMessage(w, r, claims, parts[2], correlationID)
	case "edit_message":
		s.handleEditMessage(w, r, claims, parts[2], parts[4], correlationID)
	case "delete_message":
		s.handleDeleteMessage(w, claims, parts[2], parts[4], correlationID)
	case "toggle_reaction":
		s.handleToggleReaction(w, r, claims, parts[2], parts[4], correlationID)
	case "list_notifications":
		s.handleListNotifications(w, r, claims, correlationID)
	case "mark_all_read":
		s.handleMarkAllRead(w, claims)
	case "mark_read":
		s.handleMarkRead(w, claims, parts[2], correlationID)
	case "list_bookmarks":
		s.handleListBookmarks(w, r, claims, correlationID)
	case "add_bookmark":
		s.handleBookmark(w, r, claims, parts[2], true, correlationID)
	case "remove_bookmark":
		s.handleBookmark(w, r, claims, parts[2], false, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// allow takes one token from identityID's bucket. When the bucket is empty
// it reports how long until the next token.
func (s *Server) allow(identityID string) (bool, time.Duration) {
	if s.cfg.RateLimit <= 0 {
		return true, 0
	}
	s.limitersMu.Lock()
	limiter, ok := s.limiters[identityID]
	if !ok {
		limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
		s.limiters[identityID] = limiter
	}
	s.limitersMu.Unlock()

	now := s.clock.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	wait := reservation.DelayFrom(now)
	if wait == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, wait
}

// handleConnect authenticates a push connection. Scopes come from the query:
// roomId (comma separated) and identityId, which must be the caller's own.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.clock.Now().UTC(), ScopeChatRead, ScopeNotificationsRead)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	query := r.URL.Query()
	if identityID := strings.TrimSpace(query.Get("identityId")); identityID != "" && identityID != claims.IdentityID {
		writeError(w, http.StatusForbidden, "forbidden", "identity mismatch", getCorrelationID(r))
		return
	}
	var rooms []string
	if claims.hasScope(ScopeChatRead) {
		for _, values := range query["roomId"] {
			for _, room := range strings.Split(values, ",") {
				if room = strings.TrimSpace(room); room != "" {
					rooms = append(rooms, room)
				}
			}
		}
	}
	s.hub.Serve(w, r, claims.IdentityID, rooms)
}

func (s *Server) handleInternalNotification(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.clock.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req notify.Notification
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	n, err := s.state.AddNotification(req)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	s.publishNotification(transport.TypeNotification, n)
	writeJSON(w, http.StatusAccepted, n)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, roomID, correlationID string) {
	page, limit := s.pageParams(r)
	writeJSON(w, http.StatusOK, s.state.ListMessages(roomID, page, limit))
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, claims Claims, roomID, correlationID string) {
	var draft chat.Draft
	if !s.decodeJSONBody(w, r, correlationID, &draft) {
		return
	}
	result, err := s.state.CreateMessage(roomID, claims.IdentityID, draft)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	if !result.Created {
		writeJSON(w, http.StatusOK, result.Message)
		return
	}
	s.publishMessage(transport.TypeNewItem, result.Message)
	for _, n := range result.Notifications {
		s.publishNotification(transport.TypeNotification, n)
	}
	writeJSON(w, http.StatusCreated, result.Message)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, claims Claims, roomID, id, correlationID string) {
	var req struct {
		Body string `json:"body"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.state.EditMessage(roomID, claims.IdentityID, id, req.Body)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	s.publishMessage(transport.TypeUpdateItem, msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, claims Claims, roomID, id, correlationID string) {
	msg, err := s.state.DeleteMessage(roomID, claims.IdentityID, id)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	s.publishMessage(transport.TypeDeleteItem, msg)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleReaction(w http.ResponseWriter, r *http.Request, claims Claims, roomID, id, correlationID string) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.state.ToggleReaction(roomID, claims.IdentityID, id, req.Emoji)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	s.publishMessage(transport.TypeUpdateItem, msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, claims Claims, correlationID string) {
	page, limit := s.pageParams(r)
	writeJSON(w, http.StatusOK, s.state.ListNotifications(claims.IdentityID, page, limit))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, claims Claims, id, correlationID string) {
	n, err := s.state.MarkRead(claims.IdentityID, id)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	s.publishNotification(transport.TypeUpdateItem, n)
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, claims Claims) {
	changed := s.state.MarkAllRead(claims.IdentityID)
	for _, n := range changed {
		s.publishNotification(transport.TypeUpdateItem, n)
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(changed)})
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request, claims Claims, correlationID string) {
	ids, err := s.bookmarks.List(r.Context(), claims.IdentityID)
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request, claims Claims, messageID string, add bool, correlationID string) {
	var err error
	if add {
		err = s.bookmarks.Add(r.Context(), claims.IdentityID, messageID)
	} else {
		err = s.bookmarks.Remove(r.Context(), claims.IdentityID, messageID)
	}
	if err != nil {
		s.writeStateError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishMessage(typ transport.EnvelopeType, msg chat.Message) {
	env, err := transport.NewEnvelope(typ, msg.RoomID, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("build message envelope")
		return
	}
	s.hub.PublishRoom(msg.RoomID, env, nil)
}

func (s *Server) publishNotification(typ transport.EnvelopeType, n notify.Notification) {
	env, err := transport.NewEnvelope(typ, n.IdentityID, n)
	if err != nil {
		s.logger.Error().Err(err).Msg("build notification envelope")
		return
	}
	s.hub.PublishIdentity(n.IdentityID, env)
}

func (s *Server) pageParams(r *http.Request) (page, limit int) {
	query := r.URL.Query()
	page = parseBoundedInt(query.Get("page"), 1, 1, math.MaxInt32)
	limit = parseBoundedInt(query.Get("limit"), s.cfg.DefaultPageSize, 1, s.cfg.MaxPageSize)
	return page, limit
}

func (s *Server) writeStateError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, bookmarks.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "only the author may change this message", correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
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
