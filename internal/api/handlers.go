// Package api exposes the workflow engine over HTTP: entity lifecycle
// endpoints (initialize, transition, history) and pipeline administration.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/engine"
	"github.com/freeflowhq/stageflow/internal/server"
	"github.com/freeflowhq/stageflow/internal/storage"
)

type Handler struct {
	store    storage.Store
	executor *engine.Executor
	logger   *slog.Logger
	started  time.Time
}

func NewHandler(store storage.Store, executor *engine.Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		executor: executor,
		logger:   logger,
		started:  time.Now(),
	}
}

// Routes mounts all endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", h.handleCreatePipeline)
		r.Route("/{pipelineID}", func(r chi.Router) {
			r.Get("/", h.handleGetPipeline)
			r.Get("/stats", h.handlePipelineStats)
			r.Get("/history", h.handlePipelineHistory)
			r.Post("/stages", h.handleAddStage)
			r.Delete("/stages/{stageID}", h.handleDeactivateStage)
			r.Post("/transitions", h.handleAddTransition)

			r.Route("/entities/{entityType}/{entityID}", func(r chi.Router) {
				r.Post("/initialize", h.handleInitialize)
				r.Post("/transition", h.handleTransition)
				r.Get("/", h.handleGetAssignment)
				r.Get("/history", h.handleEntityHistory)
			})
		})
	})

	r.Route("/stages/{stageID}/bindings/{trigger}", func(r chi.Router) {
		r.Put("/", h.handlePutBinding)
		r.Get("/", h.handleGetBinding)
	})
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type        string              `json:"type"`
	Message     string              `json:"message"`
	RuleResults []domain.RuleResult `json:"rule_results,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.NewError(domain.ErrorTypeInternal, "internal error")
	}

	writeJSON(w, de.HTTPStatusCode(), errorBody{Error: errorDetail{
		Type:        string(de.Type),
		Message:     de.Message,
		RuleResults: de.RuleResults,
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "invalid request body: %s", err.Error()))
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Entity lifecycle

type initializeRequest struct {
	StartStageID string `json:"start_stage_id"`
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StartStageID == "" {
		writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "start_stage_id is required"))
		return
	}

	assignment, err := h.executor.Initialize(r.Context(),
		chi.URLParam(r, "entityType"),
		chi.URLParam(r, "entityID"),
		chi.URLParam(r, "pipelineID"),
		req.StartStageID,
	)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, assignment)
}

type transitionRequest struct {
	ToStageID string               `json:"to_stage_id"`
	Actor     domain.Actor         `json:"actor"`
	Context   domain.EntityContext `json:"context"`
	Reason    string               `json:"reason"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToStageID == "" {
		writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "to_stage_id is required"))
		return
	}

	pipelineID := chi.URLParam(r, "pipelineID")
	server.AddLogField(r.Context(), "pipeline_id", pipelineID)
	server.AddLogField(r.Context(), "to_stage_id", req.ToStageID)

	record, err := h.executor.RequestTransition(r.Context(), engine.TransitionRequest{
		EntityType: chi.URLParam(r, "entityType"),
		EntityID:   chi.URLParam(r, "entityID"),
		PipelineID: pipelineID,
		ToStageID:  req.ToStageID,
		Actor:      req.Actor,
		Context:    req.Context,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.store.GetCurrent(r.Context(),
		chi.URLParam(r, "entityType"),
		chi.URLParam(r, "entityID"),
		chi.URLParam(r, "pipelineID"),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

type historyResponse struct {
	Records []*domain.HistoryRecord `json:"records"`
}

func (h *Handler) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListByEntity(r.Context(),
		chi.URLParam(r, "entityType"),
		chi.URLParam(r, "entityID"),
		chi.URLParam(r, "pipelineID"),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}

func (h *Handler) handlePipelineHistory(w http.ResponseWriter, r *http.Request) {
	from := time.Time{}
	to := time.Now().Add(time.Second)

	if q := r.URL.Query().Get("from"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "invalid from timestamp"))
			return
		}
		from = t
	}
	if q := r.URL.Query().Get("to"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "invalid to timestamp"))
			return
		}
		to = t
	}

	records, err := h.store.ListByPipeline(r.Context(), chi.URLParam(r, "pipelineID"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}

// Pipeline administration

// stagePayload mirrors domain.Stage with a pointer Active so a stage that
// omits "active" is created active instead of silently dead.
type stagePayload struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	OrderIndex int           `json:"order_index"`
	Active     *bool         `json:"active"`
	EntryRules []domain.Rule `json:"entry_rules"`
	ExitRules  []domain.Rule `json:"exit_rules"`
}

func (p stagePayload) toStage(pipelineID string) domain.Stage {
	st := domain.Stage{
		ID:         p.ID,
		PipelineID: pipelineID,
		Name:       p.Name,
		OrderIndex: p.OrderIndex,
		Active:     true,
		EntryRules: p.EntryRules,
		ExitRules:  p.ExitRules,
	}
	if p.Active != nil {
		st.Active = *p.Active
	}
	return st
}

type createPipelineRequest struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Stages []stagePayload `json:"stages"`
}

func (h *Handler) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p := domain.Pipeline{ID: req.ID, Name: req.Name}
	for _, st := range req.Stages {
		p.Stages = append(p.Stages, st.toStage(req.ID))
	}

	if err := h.store.CreatePipeline(r.Context(), &p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleAddStage(w http.ResponseWriter, r *http.Request) {
	var req stagePayload
	if !decodeBody(w, r, &req) {
		return
	}
	s := req.toStage(chi.URLParam(r, "pipelineID"))

	if err := h.store.AddStage(r.Context(), &s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) handleAddTransition(w http.ResponseWriter, r *http.Request) {
	var t domain.Transition
	if !decodeBody(w, r, &t) {
		return
	}
	t.PipelineID = chi.URLParam(r, "pipelineID")
	t.Active = true

	if err := h.store.AddTransition(r.Context(), &t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleDeactivateStage(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	fallback := r.URL.Query().Get("fallback")

	err := h.store.DeactivateStage(r.Context(), chi.URLParam(r, "stageID"), force, fallback)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	PipelineID string           `json:"pipeline_id"`
	Stages     map[string]int64 `json:"stages"`
}

// handlePipelineStats reports live assignment counts per stage.
func (h *Handler) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	p, err := h.store.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats := statsResponse{PipelineID: pipelineID, Stages: make(map[string]int64, len(p.Stages))}
	for _, stage := range p.Stages {
		n, err := h.store.CountByStage(r.Context(), stage.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		stats.Stages[stage.ID] = n
	}

	writeJSON(w, http.StatusOK, stats)
}

// Automation bindings

func (h *Handler) handlePutBinding(w http.ResponseWriter, r *http.Request) {
	trigger, ok := parseTrigger(chi.URLParam(r, "trigger"))
	if !ok {
		writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "trigger must be on_enter or on_exit"))
		return
	}

	var body struct {
		Automations []domain.Automation `json:"automations"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	binding := &domain.AutomationBinding{
		StageID:     chi.URLParam(r, "stageID"),
		Trigger:     trigger,
		Automations: body.Automations,
	}
	if err := h.store.PutBinding(r.Context(), binding); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *Handler) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	trigger, ok := parseTrigger(chi.URLParam(r, "trigger"))
	if !ok {
		writeError(w, r, domain.NewError(domain.ErrorTypeInvalid, "trigger must be on_enter or on_exit"))
		return
	}

	binding, err := h.store.GetBinding(r.Context(), chi.URLParam(r, "stageID"), trigger)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func parseTrigger(s string) (domain.AutomationTrigger, bool) {
	switch domain.AutomationTrigger(s) {
	case domain.TriggerOnEnter:
		return domain.TriggerOnEnter, true
	case domain.TriggerOnExit:
		return domain.TriggerOnExit, true
	}
	return "", false
}
