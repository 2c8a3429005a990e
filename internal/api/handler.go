package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/intent"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/refstore"
	"github.com/nidhogg/grace/internal/session"
	"github.com/nidhogg/grace/internal/speech"
)

// Speech is the speech output as seen by the API.
type Speech interface {
	Status() speech.Status
	Stop()
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions   *session.Manager
	memory     *memrouter.Router
	refs       refstore.Store
	dispatcher *dispatch.Dispatcher
	intents    *intent.Registry
	speech     Speech
	logger     *zap.Logger
}

// NewHandler creates a new API handler. intents and speech may be nil.
func NewHandler(
	sessions *session.Manager,
	memory *memrouter.Router,
	refs refstore.Store,
	dispatcher *dispatch.Dispatcher,
	intents *intent.Registry,
	speech Speech,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessions:   sessions,
		memory:     memory,
		refs:       refs,
		dispatcher: dispatcher,
		intents:    intents,
		speech:     speech,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.openSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.closeSession)
		r.Post("/sessions/{id}/utterances", h.utterance)
		r.Post("/sessions/{id}/interrupt", h.interrupt)

		// Memory routes
		r.Post("/memory", h.remember)
		r.Get("/memory", h.recall)
		r.Get("/reference", h.searchReference)
		r.Get("/reference/{id}", h.getReference)

		r.Get("/subsystems", h.listSubsystems)
		r.Get("/skills", h.listSkills)

		r.Get("/speech", h.speechStatus)
		r.Post("/speech/stop", h.stopSpeech)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "service": "grace"}
	if h.refs != nil {
		n, err := h.refs.Count(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		resp["reference_records"] = n
	}
	resp["sessions"] = len(h.sessions.List())
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	c := h.sessions.Open()
	writeJSON(w, http.StatusCreated, c.Info())
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, c.Info())
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Close(r.Context(), chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type utteranceRequest struct {
	Text string `json:"text"`
}

type utteranceResponse struct {
	*session.Reply
	Errors []string `json:"errors,omitempty"`
}

func (h *Handler) utterance(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	var req utteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	reply, err := c.HandleUtterance(r.Context(), req.Text)
	if reply == nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrTerminated) {
			status = http.StatusGone
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	resp := utteranceResponse{Reply: reply}
	if err != nil {
		h.logger.Warn("utterance completed with errors", zap.String("session", c.ID()), zap.Error(err))
		resp.Errors = unwrapAll(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) interrupt(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": c.Interrupt()})
}

type rememberRequest struct {
	SessionID string          `json:"session_id"`
	Category  record.Category `json:"category"`
	Tags      []string        `json:"tags"`
	Body      string          `json:"body"`
}

func (h *Handler) remember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is required"})
		return
	}
	rec, err := h.memory.Persist(r.Context(), record.Draft{Category: req.Category, Tags: req.Tags, Body: req.Body}, req.SessionID)
	switch {
	case errors.Is(err, memrouter.ErrUnclassified):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case memrouter.IsWriteError(err):
		h.logger.Error("memory write failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusCreated, rec)
	}
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	q := memrouter.Query{Text: f.TextQuery, Category: f.Category, Tags: f.Tags, From: f.From, To: f.To}
	bundle, err := h.memory.Retrieve(r.Context(), q, r.URL.Query().Get("session"))
	if err != nil {
		h.logger.Warn("memory recall failed", zap.Error(err))
		if bundle == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) searchReference(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	it, err := h.refs.Search(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	hits, err := refstore.Collect(r.Context(), it, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]*record.Record, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hit.Record)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getReference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.refs.Get(r.Context(), id)
	if errors.Is(err, refstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	intact, err := h.refs.Verify(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"record": rec, "intact": intact})
}

type subsystemInfo struct {
	Target      string `json:"target"`
	Concurrent  bool   `json:"concurrent"`
	Timeout     string `json:"timeout"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) listSubsystems(w http.ResponseWriter, r *http.Request) {
	regs := h.dispatcher.Subsystems()
	out := make([]subsystemInfo, 0, len(regs))
	for _, reg := range regs {
		out = append(out, subsystemInfo{
			Target:      string(reg.Target),
			Concurrent:  reg.Concurrent,
			Timeout:     reg.Timeout.String(),
			Description: reg.Description,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	if h.intents == nil {
		writeJSON(w, http.StatusOK, []*intent.Skill{})
		return
	}
	writeJSON(w, http.StatusOK, h.intents.All())
}

func (h *Handler) speechStatus(w http.ResponseWriter, r *http.Request) {
	if h.speech == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "speech output not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.speech.Status())
}

func (h *Handler) stopSpeech(w http.ResponseWriter, r *http.Request) {
	if h.speech == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "speech output not configured"})
		return
	}
	h.speech.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// parseFilter reads q, category, tags (comma separated), from, to and
// session from the query string. Dates are RFC 3339 or YYYY-MM-DD.
func parseFilter(r *http.Request) (record.Filter, error) {
	v := r.URL.Query()
	f := record.Filter{
		TextQuery: v.Get("q"),
		Category:  record.Category(v.Get("category")),
		SessionID: v.Get("session"),
	}
	if tags := v.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	var err error
	if f.From, err = parseTime(v.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseTime(v.Get("to"), true); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func unwrapAll(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
