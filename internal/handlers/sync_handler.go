package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/payloads"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/services"
	"github.com/tillpoint/possync/internal/syncerr"
)

type SyncHandler struct {
	reliability *services.ReliabilityService
	engine      *services.SyncService
	queue       repositories.SyncQueueRepository
	logger      *slog.Logger
}

func NewSyncHandler(
	reliability *services.ReliabilityService,
	engine *services.SyncService,
	queue repositories.SyncQueueRepository,
	logger *slog.Logger,
) *SyncHandler {
	return &SyncHandler{reliability: reliability, engine: engine, queue: queue, logger: logger}
}

// Routes mounts the sync API under the given router. The actor middleware
// must already be applied.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Post("/sync", h.ProcessSync)
	r.Post("/sync/queue", h.EnqueueBatch)
	r.Post("/sync/{recordID}/resolve", h.ResolveConflict)
	r.Get("/sync/health", h.HealthMetrics)
}

func (h *SyncHandler) ProcessSync(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req payloads.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.reliability.Submit(r.Context(), actor, req)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	writeJSON(w, statusForResult(result.Status), result)
}

type enqueueRequest struct {
	BatchID uuid.UUID `json:"batch_id"`
	Items   []struct {
		SyncType    models.SyncType      `json:"sync_type"`
		Operation   models.SyncOperation `json:"operation"`
		Data        json.RawMessage      `json:"data"`
		Priority    int                  `json:"priority"`
		ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	} `json:"items"`
}

func (h *SyncHandler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one item")
		return
	}
	if req.BatchID == uuid.Nil {
		req.BatchID = uuid.New()
	}

	enqueued := make([]uuid.UUID, 0, len(req.Items))
	for _, item := range req.Items {
		queueItem := &models.SyncQueueItem{
			StoreID:     actor.StoreID,
			BatchID:     req.BatchID,
			SyncType:    item.SyncType,
			Operation:   item.Operation,
			Data:        item.Data,
			Status:      models.QueueStatusPending,
			Priority:    item.Priority,
			ScheduledAt: item.ScheduledAt,
		}
		if err := h.queue.Enqueue(r.Context(), queueItem); err != nil {
			h.logger.Error("failed to enqueue sync item", "batch_id", req.BatchID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
			return
		}
		enqueued = append(enqueued, queueItem.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": req.BatchID,
		"enqueued": enqueued,
	})
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	MergeData  json.RawMessage   `json:"merge_data,omitempty"`
}

func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync record id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.ResolveConflict(r.Context(), actor, recordID, req.Resolution, req.MergeData)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) HealthMetrics(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	hours := 24
	if param := r.URL.Query().Get("hours"); param != "" {
		if n, err := strconv.Atoi(param); err == nil && n > 0 {
			hours = n
		}
	}

	metrics, err := h.reliability.GetHealthMetrics(r.Context(), &actor.StoreID, time.Duration(hours)*time.Hour)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *SyncHandler) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case syncerr.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case syncerr.IsCode(err, syncerr.CodeUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case syncerr.IsCode(err, syncerr.CodeDomain):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repositories.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error("sync request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForResult(status string) int {
	switch status {
	case services.ResultConflict:
		return http.StatusConflict
	case services.ResultRetryScheduled:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
