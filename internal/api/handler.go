package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-orchestra/internal/comm"
	"github.com/nidhogg/nuka-orchestra/internal/engine"
	"github.com/nidhogg/nuka-orchestra/internal/evaluator"
	"github.com/nidhogg/nuka-orchestra/internal/model"
	"github.com/nidhogg/nuka-orchestra/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestra/internal/queue"
	"github.com/nidhogg/nuka-orchestra/internal/store"
	"github.com/nidhogg/nuka-orchestra/internal/telemetry"
)

// ResultLoader reads results of workflows the engine no longer retains.
type ResultLoader interface {
	LoadResult(ctx context.Context, workflowID string) (*model.WorkflowResult, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch        *orchestrator.Orchestrator
	queue       *queue.TaskQueue
	results     ResultLoader
	metrics     *telemetry.Metrics
	corsOrigins []string
	logger      *zap.Logger
}

// NewHandler creates a new API handler. results and metrics may be nil.
func NewHandler(
	orch *orchestrator.Orchestrator,
	q *queue.TaskQueue,
	results ResultLoader,
	metrics *telemetry.Metrics,
	corsOrigins []string,
	logger *zap.Logger,
) *Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Handler{
		orch:        orch,
		queue:       q,
		results:     results,
		metrics:     metrics,
		corsOrigins: corsOrigins,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/roles", h.listRoles)
		r.Get("/queue/stats", h.queueStats)
		r.Get("/metrics", h.metricsSnapshot)

		r.Post("/plans", h.executePlan)
		r.Post("/workflows", h.executeWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", h.getWorkflow)
			r.Post("/cancel", h.cancelWorkflow)
			r.Post("/pause", h.pauseWorkflow)
			r.Post("/resume", h.resumeWorkflow)
			r.Post("/checkpoint/resume", h.resumeFromCheckpoint)
			r.Get("/context", h.getContext)
			r.Get("/messages", h.getMessages)
			r.Get("/evaluation", h.getEvaluation)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-orchestra"})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Registry().Roles())
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("telemetry disabled"))
		return
	}
	points, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

type workflowRequest struct {
	Description  string                     `json:"description"`
	Requirements []orchestrator.Requirement `json:"requirements"`
	Pattern      model.Pattern              `json:"pattern"`
	// CheckpointEvery applies to checkpointed plans.
	CheckpointEvery int            `json:"checkpoint_every"`
	Context         map[string]any `json:"context"`
	Async           bool           `json:"async"`
}

type planRequest struct {
	Plan    *model.Plan    `json:"plan"`
	Context map[string]any `json:"context"`
	Async   bool           `json:"async"`
}

type acceptedResponse struct {
	WorkflowID string        `json:"workflow_id"`
	Pattern    model.Pattern `json:"pattern,omitempty"`
	Status     string        `json:"status"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Pattern.Valid() {
		writeError(w, http.StatusUnprocessableEntity, &model.ValidationError{
			Reason: model.ReasonBadPattern, Detail: string(req.Pattern)})
		return
	}

	plan, err := h.orch.Decompose(req.Description, orchestrator.Requirements{
		Items:           req.Requirements,
		Pattern:         req.Pattern,
		CheckpointEvery: req.CheckpointEvery,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.run(w, r, plan, req.Context, req.Async)
}

func (h *Handler) executePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Plan == nil {
		writeError(w, http.StatusBadRequest, errors.New("plan is required"))
		return
	}
	h.run(w, r, req.Plan, req.Context, req.Async)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, plan *model.Plan, initial map[string]any, async bool) {
	if async {
		// The run outlives the request.
		id, err := h.orch.Submit(context.WithoutCancel(r.Context()), plan, initial)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			WorkflowID: id,
			Pattern:    h.orch.DefaultPattern(plan),
			Status:     string(model.WorkflowRunning),
		})
		return
	}

	rep, err := h.orch.Run(r.Context(), plan, initial)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Engine().List())
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eng := h.orch.Engine()

	res, err := eng.Result(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
		return
	case errors.Is(err, engine.ErrWorkflowActive):
		snap, serr := eng.Status(id)
		if serr != nil {
			writeError(w, statusFor(serr), serr)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	if h.results != nil {
		if stored, lerr := h.results.LoadResult(r.Context(), id); lerr == nil {
			writeJSON(w, http.StatusOK, stored)
			return
		} else if !errors.Is(lerr, store.ErrResultNotFound) {
			writeError(w, http.StatusInternalServerError, lerr)
			return
		}
	}
	writeError(w, statusFor(err), err)
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancelling", h.orch.Engine().Cancel)
}

func (h *Handler) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, string(model.WorkflowPaused), h.orch.Engine().Pause)
}

func (h *Handler) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, string(model.WorkflowRunning), h.orch.Engine().Resume)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, status string, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": status})
}

func (h *Handler) resumeFromCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.SubmitResume(context.WithoutCancel(r.Context()), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{WorkflowID: id, Status: "resuming"})
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.orch.Engine().Status(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Comm().GetSharedContext(id))
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := comm.HistoryQuery{
		Type: comm.MessageType(r.URL.Query().Get("type")),
		Role: r.URL.Query().Get("role"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		q.Since = since
	}
	msgs := h.orch.Comm().History(id, q)
	if msgs == nil {
		msgs = []comm.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) getEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.orch.Evaluation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidPlan),
		errors.Is(err, orchestrator.ErrUnassignable),
		errors.Is(err, engine.ErrNoHandler):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrWorkflowNotFound),
		errors.Is(err, engine.ErrCheckpointNotFound),
		errors.Is(err, evaluator.ErrEvaluationNotFound),
		errors.Is(err, store.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrWorkflowActive),
		errors.Is(err, engine.ErrWorkflowState):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
