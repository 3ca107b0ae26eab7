package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/alerts"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/hub"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/worker"
)

// TransactionReader looks up stored scored transactions.
type TransactionReader interface {
	GetScoredTransaction(ctx context.Context, txID string) (*domain.ScoredTransaction, error)
}

// Pinger is a dependency with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IngestWorker is the async scorer consuming what /ingest queues.
type IngestWorker interface {
	GetStats() worker.Stats
}

// droppedCounter is implemented by buses that shed messages under load.
type droppedCounter interface {
	Dropped() uint64
}

// Deps holds the collaborators of the HTTP surface. Transactions, Profiles,
// Hub, Bus, Worker and Checks are optional. /ingest answers 503 unless both
// Bus and Worker are set.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Alerts       *alerts.Manager
	Engine       *rules.Engine
	Transactions TransactionReader
	Profiles     *features.ProfileStore
	Hub          *hub.Hub
	Bus          domain.EventBus
	Worker       IngestWorker
	Checks       map[string]Pinger
	Version      string
	Logger       *slog.Logger

	// MaxBodyBytes caps request bodies; zero uses domain.DefaultMaxBodyBytes.
	MaxBodyBytes int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline     *pipeline.Pipeline
	alerts       *alerts.Manager
	engine       *rules.Engine
	transactions TransactionReader
	profiles     *features.ProfileStore
	hub          *hub.Hub
	bus          domain.EventBus
	worker       IngestWorker
	checks       map[string]Pinger
	version      string
	maxBody      int64
	logger       *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = domain.DefaultMaxBodyBytes
	}
	return &Handler{
		logger:       logger.With("component", "api"),
		pipeline:     deps.Pipeline,
		alerts:       deps.Alerts,
		engine:       deps.Engine,
		transactions: deps.Transactions,
		profiles:     deps.Profiles,
		hub:          deps.Hub,
		bus:          deps.Bus,
		worker:       deps.Worker,
		checks:       deps.Checks,
		version:      deps.Version,
		maxBody:      int64(maxBody),
	}
}

// decode reads a JSON body of at most maxBody bytes into v. On failure it
// writes the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req domain.ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.pipeline.Score(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ingest handles POST /ingest requests. The request is validated, assigned
// a transaction id and queued for the async worker. The score is delivered
// on the transactions channel under that id.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil || h.worker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "async ingestion is disabled",
		})
		return
	}

	var req domain.ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.pipeline.Validate(&req); err != nil {
		h.writeError(w, r, err)
		return
	}

	in := domain.IngestedTransaction{
		TransactionID: uuid.New().String(),
		Request:       req,
	}
	payload, err := json.Marshal(&in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		h.logger.Error("failed to queue transaction", "error", err, "request_id", RequestID(r.Context()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"transaction_id": in.TransactionID,
	})
}

// GetTransaction retrieves a scored transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	if h.transactions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	st, err := h.transactions.GetScoredTransaction(r.Context(), txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// ListAlerts handles GET /alerts?status=&priority=&limit=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		Status:   domain.AlertStatus(q.Get("status")),
		Priority: domain.AlertPriority(q.Get("priority")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}

	list, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status domain.AlertStatus `json:"status"`
}

// UpdateAlert transitions an alert to a new status.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req UpdateAlertRequest
	if !h.decode(w, r, &req) {
		return
	}

	alert, err := h.alerts.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ListRules returns the rule catalog.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	catalog := h.engine.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":               catalog,
		"count":               len(catalog),
		"max_score":           rules.MaxRuleScore,
		"high_risk_countries": h.engine.HighRiskCountries(),
	})
}

// GetProfile returns the behavioral profile scoring uses for a user.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "profiles not available",
		})
		return
	}

	profile := h.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if profile.TransactionCount == 0 {
		h.writeError(w, r, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Stats returns pipeline, hub, worker, bus and profile statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"pipeline": h.pipeline.Stats(),
	}
	if h.hub != nil {
		resp["hub"] = h.hub.Stats()
	}
	if h.worker != nil {
		resp["worker"] = h.worker.GetStats()
	}
	if dc, ok := h.bus.(droppedCounter); ok {
		resp["bus"] = map[string]uint64{"dropped": dc.Dropped()}
	}
	if h.profiles != nil {
		hydrations, saveFailures := h.profiles.Stats()
		resp["profiles"] = map[string]uint64{
			"hydrations":    hydrations,
			"save_failures": saveFailures,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.checks))

	for name, dep := range h.checks {
		if err := dep.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes. Unmapped errors are
// logged and reported as a bare 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFraud):
		status = http.StatusUnprocessableEntity
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
		msg = "internal server error"
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
