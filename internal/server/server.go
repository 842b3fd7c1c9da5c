// Package server exposes the session, turn, and submission operations over
// HTTP and maps domain errors onto status codes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/specdraft/specdraft/pkg/health"
	"github.com/specdraft/specdraft/pkg/interview"
	"github.com/specdraft/specdraft/pkg/ratelimit"
	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/spec"
	"github.com/specdraft/specdraft/pkg/submission"
)

// Version is set at build time.
var Version = "dev"

// Handler serves the public API.
type Handler struct {
	mux         *http.ServeMux
	sessions    *session.Manager
	interviews  *interview.Service
	submissions *submission.Service
	checker     *health.Checker
	logger      *slog.Logger
}

// NewHandler wires the API routes.
func NewHandler(sessions *session.Manager, interviews *interview.Service, submissions *submission.Service, checker *health.Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mux:         http.NewServeMux(),
		sessions:    sessions,
		interviews:  interviews,
		submissions: submissions,
		checker:     checker,
		logger:      logger,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/v1/sessions", h.createSession)
	h.mux.HandleFunc("GET /api/v1/sessions/{id}", h.getSession)
	h.mux.HandleFunc("PUT /api/v1/sessions/{id}/state", h.saveState)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/abandon", h.abandonSession)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/magic-link", h.magicLink)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/turns", h.turn)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/finalize", h.finalize)
	h.mux.HandleFunc("GET /api/v1/restore/{token}", h.restore)
	h.mux.HandleFunc("POST /api/v1/submissions", h.submit)
	h.mux.HandleFunc("GET /api/v1/submissions/{reference}", h.lookupSubmission)
	h.mux.HandleFunc("PATCH /api/v1/submissions/{reference}/status", h.updateSubmissionStatus)

	h.mux.HandleFunc("GET /healthz", h.checker.LivenessHandler())
	h.mux.HandleFunc("GET /readyz", h.checker.ReadinessHandler())
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.CreateSession(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) saveState(w http.ResponseWriter, r *http.Request) {
	var state session.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "malformed state body")
		return
	}
	if err := h.sessions.SaveSessionState(r.Context(), r.PathValue("id"), &state); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) abandonSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.AbandonSession(r.Context(), r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) magicLink(w http.ResponseWriter, r *http.Request) {
	token, err := h.sessions.GenerateMagicLink(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.RestoreFromMagicLink(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type turnRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type turnResponse struct {
	Reply       spec.Message        `json:"reply"`
	SpecUpdated bool                `json:"spec_updated"`
	Degraded    bool                `json:"degraded,omitempty"`
	Spec        *spec.Specification `json:"spec,omitempty"`
	Progress    spec.Progress       `json:"progress"`
}

// turn handles one conversation turn. With "stream": true the reply is sent
// as server-sent events; chunks flush as the generator produces them and the
// final event carries the full turn result.
func (h *Handler) turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed turn body")
		return
	}

	id := r.PathValue("id")
	identity := clientOrigin(r)

	if !req.Stream {
		res, err := h.interviews.HandleTurn(r.Context(), id, identity, req.Message, nil)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTurnResponse(res))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	// open the stream before generation starts so the client sees the
	// turn was accepted without waiting on generator latency
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	res, err := h.interviews.HandleTurn(r.Context(), id, identity, req.Message, func(chunk string) {
		writeEvent(w, "chunk", map[string]string{"text": chunk})
		flusher.Flush()
	})
	if err != nil {
		writeEvent(w, "error", map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}

	writeEvent(w, "done", toTurnResponse(res))
	flusher.Flush()
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	state, err := h.interviews.Finalize(r.Context(), r.PathValue("id"), clientOrigin(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type submitRequest struct {
	SessionID string             `json:"session_id"`
	Contact   submission.Contact `json:"contact"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission body")
		return
	}

	state, err := h.sessions.GetSession(r.Context(), req.SessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	sub, err := h.submissions.Submit(r.Context(), req.SessionID, req.Contact, state.Spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	state.Session.Status = session.StatusSubmitted
	state.UserInfo = &session.UserInfo{
		Name:  req.Contact.Name,
		Email: req.Contact.Email,
		Phone: req.Contact.Phone,
	}
	if err := h.sessions.SaveSessionState(r.Context(), req.SessionID, state); err != nil {
		h.logger.Error("failed to mark session submitted",
			"session_id", req.SessionID, "error", err)
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) lookupSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.submissions.LookupByReference(r.Context(), r.PathValue("reference"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) updateSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status submission.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed status body")
		return
	}

	sub, err := h.submissions.UpdateStatus(r.Context(), r.PathValue("reference"), req.Status)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// writeDomainError maps domain errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *submission.ValidationError
	var lerr *ratelimit.LimitError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, submission.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.As(err, &lerr):
		w.Header().Set("Retry-After", strconv.Itoa(int(lerr.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":  lerr.Error(),
			"budget": lerr.Budget,
		})
	case errors.Is(err, ratelimit.ErrLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, interview.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, interview.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("unhandled API error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// clientOrigin is the rate-limit identity: the first forwarded address when
// behind a proxy, the remote host otherwise.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toTurnResponse(res *interview.TurnResult) turnResponse {
	return turnResponse{
		Reply:       res.Reply,
		SpecUpdated: res.SpecUpdated,
		Degraded:    res.Degraded,
		Spec:        res.State.Spec,
		Progress:    res.State.Progress,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// New builds an http.Server around the API handler.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
