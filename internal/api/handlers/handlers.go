// Package handlers implements the operator HTTP surface over the session
// manager: agent registration and session operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentoven/agentoven/sandbox-plane/internal/sessions"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Agents   store.AgentStore
	Sessions *sessions.Manager
}

// New creates a new Handlers instance.
func New(agents store.AgentStore, mgr *sessions.Manager) *Handlers {
	return &Handlers{Agents: agents, Sessions: mgr}
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.ListAgents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.AgentRecord{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// UpsertAgent registers or replaces an agent. The id comes from the path
// on PUT and from the body on POST.
func (h *Handlers) UpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req models.AgentRecord
	if !decodeBody(w, r, &req) {
		return
	}
	if id := chi.URLParam(r, "agentID"); id != "" {
		req.ID = id
	}
	if strings.TrimSpace(req.ID) == "" {
		respondError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	switch req.ExecutionMode {
	case "", models.ModeEphemeral, models.ModePersistent, models.ModeHybrid:
	default:
		respondError(w, http.StatusBadRequest, "unknown execution_mode: "+string(req.ExecutionMode))
		return
	}

	if err := h.Agents.UpsertAgent(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	saved, err := h.Agents.GetAgent(r.Context(), req.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("agent_id", saved.ID).Str("mode", string(saved.Mode())).Msg("Agent registered")
	respondJSON(w, http.StatusOK, saved)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.DeleteAgent(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Input          string `json:"input"`
	IncludeContext *bool  `json:"include_context,omitempty"`
}

// ExecuteAgent runs input against an agent, dispatching by execution mode.
func (h *Handlers) ExecuteAgent(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.Sessions.Execute(r.Context(), chi.URLParam(r, "agentID"), req.Input)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// OpenSession returns the agent's open session, creating one if needed.
func (h *Handlers) OpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.GetOrCreateSession(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{AgentID: q.Get("agent_id")}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(strings.TrimSpace(s)))
		}
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	filter.Limit = limit

	list, err := h.Sessions.ListSessions(r.Context(), filter)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionView{Session: sess, LiveSandbox: h.Sessions.HasLiveSandbox(sess.ID)})
}

// sessionView adds process-local state to the stored record.
type sessionView struct {
	*models.Session
	LiveSandbox bool `json:"live_sandbox"`
}

// ExecuteInSession runs input in a session. include_context defaults to true.
func (h *Handlers) ExecuteInSession(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	includeContext := true
	if req.IncludeContext != nil {
		includeContext = *req.IncludeContext
	}
	res, err := h.Sessions.ExecuteInSession(r.Context(), chi.URLParam(r, "sessionID"), req.Input, includeContext)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) HibernateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.Sessions.HibernateSession(r.Context(), id); err != nil {
		respondAppError(w, err)
		return
	}
	h.respondSession(w, r, id)
}

func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.ResumeSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.Sessions.StopSession(r.Context(), id); err != nil {
		respondAppError(w, err)
		return
	}
	h.respondSession(w, r, id)
}

func (h *Handlers) ListActivities(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	acts, err := h.Sessions.Activities(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if acts == nil {
		acts = []models.Activity{}
	}
	respondJSON(w, http.StatusOK, acts)
}

func (h *Handlers) respondSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.Sessions.GetSession(r.Context(), id)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid "+key+": "+v)
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// respondAppError maps the error taxonomy onto HTTP statuses.
func respondAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", code).Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	switch code {
	case apperrors.ErrCodeSessionNotFound, apperrors.ErrCodeAgentNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeSessionStopped, apperrors.ErrCodeEphemeralAgent:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeProvisioning, apperrors.ErrCodeReconnect:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
