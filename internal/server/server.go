// Package server exposes the engine over HTTP: JSON endpoints for the
// request and session operations, and a Server-Sent Events stream that
// feeds each member's live connections from the broadcaster.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"github.com/clanforge/timekeep/internal/authority"
	"github.com/clanforge/timekeep/internal/broadcast"
	"github.com/clanforge/timekeep/internal/clock"
	"github.com/clanforge/timekeep/internal/events"
	"github.com/clanforge/timekeep/internal/identity"
	"github.com/clanforge/timekeep/internal/ledger"
	"github.com/clanforge/timekeep/internal/models"
	"github.com/clanforge/timekeep/internal/request"
	"github.com/clanforge/timekeep/internal/timefault"
)

// Server wires the HTTP surface. Construct with New and mount Handler
// on an http.Server.
type Server struct {
	handle    *gorm.DB
	clock     clock.Clock
	logger    *slog.Logger
	bus       *broadcast.Broadcaster
	requests  *request.Manager
	ledger    *ledger.Ledger
	resolver  identity.Resolver
	directory identity.Directory
}

// New returns a Server over the given collaborators.
func New(handle *gorm.DB, clk clock.Clock, logger *slog.Logger, bus *broadcast.Broadcaster, requests *request.Manager, led *ledger.Ledger, resolver identity.Resolver, directory identity.Directory) *Server {
	return &Server{
		handle:    handle,
		clock:     clk,
		logger:    logger,
		bus:       bus,
		requests:  requests,
		ledger:    led,
		resolver:  resolver,
		directory: directory,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.authenticated(s.handleEvents))
	mux.HandleFunc("POST /requests", s.authenticated(s.handleCreateRequest))
	mux.HandleFunc("GET /requests", s.authenticated(s.handleListRequests))
	mux.HandleFunc("GET /requests/{id}", s.authenticated(s.handleGetRequest))
	mux.HandleFunc("POST /requests/{id}/respond", s.authenticated(s.handleRespond))
	mux.HandleFunc("POST /sessions/{id}/transfer", s.authenticated(s.handleTransfer))
	mux.HandleFunc("POST /sessions/{id}/close", s.authenticated(s.handleClose))
	mux.HandleFunc("GET /sessions/active", s.authenticated(s.handleActiveSession))
	mux.HandleFunc("GET /subjects/{id}/minutes", s.authenticated(s.handleAccumulated))
	mux.HandleFunc("POST /members/refresh", s.authenticated(s.handleRefreshMembers))
	return mux
}

// authenticated resolves the bearer token (header, or ?token= for
// EventSource clients that cannot set headers), refreshes the member
// cache row for the actor, and passes the member to the handler.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, *models.Member)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		actor, err := s.resolver.ResolveToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "unknown bearer token")
				return
			}
			s.logger.Error("identity resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "identity lookup failed")
			return
		}

		member := models.Member{
			ID:        actor.ID,
			Name:      actor.Name,
			RankOrder: actor.RankOrder,
			Sovereign: actor.Sovereign,
		}
		if err := s.handle.WithContext(r.Context()).Save(&member).Error; err != nil {
			s.logger.Warn("member cache refresh failed", "member", actor.ID, "error", err)
		}
		next(w, r, &member)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// --- Event stream ---

// subscriberBufferSize absorbs bursts on a slow client connection.
// When the buffer is full the event is dropped; the client reconciles
// by re-fetching authoritative state.
const subscriberBufferSize = 64

// handleEvents is the long-lived SSE endpoint. The subscription is
// removed deterministically when the request context ends, whichever
// end hangs up first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, member *models.Member) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Non-blocking handoff from the broadcaster into this connection's
	// buffer. The callback must not block; overflow drops the event.
	buffer := make(chan broadcast.Envelope, subscriberBufferSize)
	topic := events.UserTopic(member.ID)
	sub := s.bus.Subscribe(topic, func(envelope broadcast.Envelope) error {
		select {
		case buffer <- envelope:
			return nil
		default:
			return errors.New("subscriber buffer full, event dropped")
		}
	})
	defer sub.Unsubscribe()

	s.logger.Info("event stream opened", "member", member.ID, "subscriber", sub.ID)
	defer s.logger.Info("event stream closed", "member", member.ID, "subscriber", sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-buffer:
			if err := writeSSE(w, envelope); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames one envelope in the id/event/data wire format.
func writeSSE(w http.ResponseWriter, envelope broadcast.Envelope) error {
	_, err := w.Write([]byte(
		"id: " + strconv.FormatUint(envelope.ID, 10) + "\n" +
			"event: " + envelope.Event + "\n" +
			"data: " + string(envelope.Data) + "\n\n"))
	return err
}

// --- Request operations ---

type createRequestBody struct {
	SubjectUserID uint   `json:"subjectUserId"`
	Notes         string `json:"notes"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, member *models.Member) {
	var body createRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	created, err := s.requests.Create(r.Context(), member, body.SubjectUserID, body.Notes, r.RemoteAddr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, member *models.Member) {
	requests, err := s.requests.List(r.Context(), member)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, member *models.Member) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := s.requests.Get(r.Context(), member, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type respondBody struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, member *models.Member) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body respondBody
	if !decodeBody(w, r, &body) {
		return
	}
	var decision request.Decision
	switch body.Decision {
	case string(request.Approve):
		decision = request.Approve
	case string(request.Reject):
		decision = request.Reject
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "decision must be approve or reject")
		return
	}

	req, session, err := s.requests.Respond(r.Context(), member, id, decision, body.Notes, r.RemoteAddr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	response := map[string]any{"request": req}
	if session != nil {
		response["sessionId"] = session.ID
	}
	writeJSON(w, http.StatusOK, response)
}

// --- Session operations ---

type transferBody struct {
	NewSupervisorID uint   `json:"newSupervisorId"`
	Notes           string `json:"notes"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, member *models.Member) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body transferBody
	if !decodeBody(w, r, &body) {
		return
	}
	segment, err := s.ledger.TransferSupervisor(r.Context(), member, id, body.NewSupervisorID, body.Notes, r.RemoteAddr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segment)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, member *models.Member) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	session, err := s.ledger.CloseSession(r.Context(), member, id, r.RemoteAddr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request, member *models.Member) {
	subjectID := member.ID
	if raw := r.URL.Query().Get("subject"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid subject id")
			return
		}
		subjectID = uint(parsed)
	}

	session, err := s.ledger.ActiveSession(r.Context(), subjectID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	}
	elapsed, err := s.ledger.ActiveElapsedMinutes(r.Context(), session.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "elapsedMinutes": elapsed})
}

func (s *Server) handleAccumulated(w http.ResponseWriter, r *http.Request, member *models.Member) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	total, err := s.ledger.TotalAccumulated(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjectUserId": id, "totalMinutes": total})
}

// --- Member cache ---

// handleRefreshMembers re-pulls the member directory into the local
// cache and tells connected clients to re-fetch. Top-tier only.
func (s *Server) handleRefreshMembers(w http.ResponseWriter, r *http.Request, member *models.Member) {
	if !authority.IsTopTier(member) {
		s.writeDomainError(w, timefault.Forbiddenf("member %d may not refresh the member cache", member.ID))
		return
	}
	count, err := s.RefreshMembers(r.Context())
	if err != nil {
		s.logger.Error("member refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "member refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": count})
}

// RefreshMembers upserts every directory member into the cache and
// publishes an invalidate event to all live topics.
func (s *Server) RefreshMembers(ctx context.Context) (int, error) {
	actors, err := s.directory.Members(ctx)
	if err != nil {
		return 0, err
	}
	for _, actor := range actors {
		row := models.Member{
			ID:        actor.ID,
			Name:      actor.Name,
			RankOrder: actor.RankOrder,
			Sovereign: actor.Sovereign,
		}
		if err := s.handle.WithContext(ctx).Save(&row).Error; err != nil {
			return 0, err
		}
	}
	s.bus.PublishToMany(s.bus.Topics(), events.Invalidate, events.InvalidatePayload{
		Scope:     "members",
		Timestamp: events.Stamp(s.clock.Now()),
	})
	return len(actors), nil
}

// --- Helpers ---

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := r.PathValue(name)
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid id in path")
		return 0, false
	}
	return uint(parsed), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Reason: reason}})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Every
// rejected operation names the precondition that failed; nothing is
// flattened into a generic success.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *timefault.Error
	if errors.As(err, &domainErr) {
		status := http.StatusInternalServerError
		switch domainErr.Kind {
		case timefault.Forbidden:
			status = http.StatusForbidden
		case timefault.NotFound:
			status = http.StatusNotFound
		case timefault.InvalidState:
			status = http.StatusUnprocessableEntity
		case timefault.Conflict:
			status = http.StatusConflict
		}
		writeError(w, status, domainErr.Kind.String(), domainErr.Reason)
		return
	}
	s.logger.Error("unexpected storage error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}
