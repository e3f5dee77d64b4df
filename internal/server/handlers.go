package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/database"
	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/kafka"
	"github.com/eboa-io/eboa/internal/metrics"
	"github.com/eboa-io/eboa/internal/query"
)

// Handlers contains the HTTP request handlers
type Handlers struct {
	engine   *engine.Engine
	queries  *query.Service
	alerts   *database.AlertRepository
	producer *kafka.Producer
	metrics  *metrics.Collector
	config   *config.Config
	logger   *slog.Logger
	ready    func() error
}

// NewHandlers creates the HTTP handlers. producer may be nil when Kafka is
// disabled; ready is the readiness probe backing /health/ready.
func NewHandlers(
	eng *engine.Engine,
	queries *query.Service,
	alerts *database.AlertRepository,
	producer *kafka.Producer,
	collector *metrics.Collector,
	cfg *config.Config,
	logger *slog.Logger,
	ready func() error,
) *Handlers {
	return &Handlers{
		engine:   eng,
		queries:  queries,
		alerts:   alerts,
		producer: producer,
		metrics:  collector,
		config:   cfg,
		logger:   logger,
		ready:    ready,
	}
}

// RegisterRoutes registers the API routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/treat-data", h.treatData).Methods("POST")

	router.HandleFunc("/api/v1/events/query", h.queryEvents).Methods("POST")
	router.HandleFunc("/api/v1/annotations/query", h.queryAnnotations).Methods("POST")
	router.HandleFunc("/api/v1/sources/query", h.querySources).Methods("POST")
	router.HandleFunc("/api/v1/explicit-refs/query", h.queryExplicitRefs).Methods("POST")
	router.HandleFunc("/api/v1/alerts/sources/query", h.querySourceAlerts).Methods("POST")
	router.HandleFunc("/api/v1/alerts/events/query", h.queryEventAlerts).Methods("POST")
	router.HandleFunc("/api/v1/alerts/explicit-refs/query", h.queryExplicitRefAlerts).Methods("POST")

	router.HandleFunc("/api/v1/alerts/{family}/{uuid}/justify", h.justifyAlert).Methods("POST")
	router.HandleFunc("/api/v1/alerts/{family}/{uuid}/solve", h.solveAlert).Methods("POST")
	router.HandleFunc("/api/v1/alerts/{family}/{uuid}/validate", h.validateAlert).Methods("POST")
	router.HandleFunc("/api/v1/alerts/{family}/{uuid}/notify", h.notifyAlert).Methods("POST")

	router.HandleFunc("/api/v1/distinct/{dimension}", h.distinctValues).Methods("GET")

	router.HandleFunc("/health", h.healthCheck).Methods("GET")
	router.HandleFunc("/health/live", h.healthCheck).Methods("GET")
	router.HandleFunc("/health/ready", h.readinessCheck).Methods("GET")
}

// treatData ingests an operations document
func (h *Handlers) treatData(w http.ResponseWriter, r *http.Request) {
	var doc engine.IngestionDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid ingestion document", err)
		return
	}

	results, err := h.engine.TreatData(r.Context(), &doc)
	if err != nil {
		var pathErr *engine.ResourcesPathError
		if errors.As(err, &pathErr) {
			h.logger.Error("resources path unavailable", "path", pathErr.Path, "error", pathErr.Err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": engine.StatusResourcesPathNotAvailable.String(),
				"error":  pathErr.Error(),
			})
			return
		}
		h.logger.Error("ingestion batch aborted", "error", err)
		h.writeError(w, http.StatusInternalServerError, "ingestion failed", err)
		return
	}

	for _, result := range results {
		duration := time.Duration(result.IngestionDuration * float64(time.Second))
		h.metrics.RecordOperation(result.Code, duration,
			len(result.EventUUIDs), len(result.AnnotationUUIDs), len(result.AlertUUIDs))
		for _, note := range result.Notes {
			if strings.HasPrefix(note, "superseded_source:") {
				h.metrics.RecordSupersededSource()
			}
		}

		if h.producer != nil {
			key := ""
			if result.SourceUUID != nil {
				key = result.SourceUUID.String()
			}
			if err := h.producer.PublishIngestionResult(r.Context(), key, result); err != nil {
				h.logger.Warn("failed to publish ingestion result", "error", err)
			}
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": results,
	})
}

func (h *Handlers) queryEvents(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.EventFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event filters", err)
		return
	}
	events, err := h.queries.Events(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "event query failed", err)
		return
	}
	h.metrics.RecordQuery("events", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handlers) queryAnnotations(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.AnnotationFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid annotation filters", err)
		return
	}
	annotations, err := h.queries.Annotations(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "annotation query failed", err)
		return
	}
	h.metrics.RecordQuery("annotations", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"annotations": annotations})
}

func (h *Handlers) querySources(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.SourceFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid source filters", err)
		return
	}
	sources, err := h.queries.Sources(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "source query failed", err)
		return
	}
	h.metrics.RecordQuery("sources", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

func (h *Handlers) queryExplicitRefs(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.ExplicitRefFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid explicit reference filters", err)
		return
	}
	refs, err := h.queries.ExplicitRefs(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "explicit reference query failed", err)
		return
	}
	h.metrics.RecordQuery("explicit_refs", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"explicit_refs": refs})
}

func (h *Handlers) querySourceAlerts(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.AlertFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid alert filters", err)
		return
	}
	alerts, err := h.queries.SourceAlerts(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "source alert query failed", err)
		return
	}
	h.metrics.RecordQuery("source_alerts", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *Handlers) queryEventAlerts(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.AlertFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid alert filters", err)
		return
	}
	alerts, err := h.queries.EventAlerts(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "event alert query failed", err)
		return
	}
	h.metrics.RecordQuery("event_alerts", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *Handlers) queryExplicitRefAlerts(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var filters query.AlertFilters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid alert filters", err)
		return
	}
	alerts, err := h.queries.ExplicitRefAlerts(r.Context(), filters)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "explicit reference alert query failed", err)
		return
	}
	h.metrics.RecordQuery("explicit_ref_alerts", time.Since(started))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// alertMutationTarget extracts and validates the alert family and UUID
// route variables shared by the operator mutation endpoints.
func (h *Handlers) alertMutationTarget(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	vars := mux.Vars(r)
	family := vars["family"]
	alertUUID, err := uuid.Parse(vars["uuid"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid alert uuid", err)
		return "", uuid.Nil, false
	}
	return family, alertUUID, true
}

type justificationRequest struct {
	Justification string `json:"justification"`
}

func (h *Handlers) justifyAlert(w http.ResponseWriter, r *http.Request) {
	family, alertUUID, ok := h.alertMutationTarget(w, r)
	if !ok {
		return
	}
	var req justificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Justification == "" {
		h.writeError(w, http.StatusBadRequest, "justification is required", err)
		return
	}
	if err := h.alerts.Justify(r.Context(), family, alertUUID, req.Justification); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to justify alert", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "justified"})
}

func (h *Handlers) solveAlert(w http.ResponseWriter, r *http.Request) {
	family, alertUUID, ok := h.alertMutationTarget(w, r)
	if !ok {
		return
	}
	var req justificationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if err := h.alerts.Solve(r.Context(), family, alertUUID, req.Justification); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to solve alert", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "solved"})
}

func (h *Handlers) validateAlert(w http.ResponseWriter, r *http.Request) {
	family, alertUUID, ok := h.alertMutationTarget(w, r)
	if !ok {
		return
	}
	if err := h.alerts.Validate(r.Context(), family, alertUUID); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to validate alert", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "validated"})
}

func (h *Handlers) notifyAlert(w http.ResponseWriter, r *http.Request) {
	family, alertUUID, ok := h.alertMutationTarget(w, r)
	if !ok {
		return
	}
	if err := h.alerts.MarkNotified(r.Context(), family, alertUUID); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to mark alert notified", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "notified"})
}

func (h *Handlers) distinctValues(w http.ResponseWriter, r *http.Request) {
	dimension := mux.Vars(r)["dimension"]
	values, err := h.queries.DistinctValues(r.Context(), dimension)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "distinct values lookup failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dimension": dimension,
		"values":    values,
	})
}

func (h *Handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) readinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "service not ready", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil && h.config.Debug {
		response["details"] = err.Error()
	}
	h.writeJSON(w, status, response)
}
