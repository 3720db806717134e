package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/service"
)

// maxExecuteTimeout caps the per-request ?timeout= value.
const maxExecuteTimeout = 5 * time.Minute

// FlowHandler handles HTTP requests for flow operations.
type FlowHandler struct {
	svc    *service.FlowService
	logger *slog.Logger
}

// NewFlowHandler creates a new FlowHandler.
func NewFlowHandler(svc *service.FlowService, logger *slog.Logger) *FlowHandler {
	return &FlowHandler{
		svc:    svc,
		logger: logger,
	}
}

// List handles GET /api/flows.
func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	flows, err := h.svc.List(r.Context(), auth.IdentityFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FlowListResponse{Data: flows})
}

// Create handles POST /api/flows.
func (h *FlowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == nil || req.Schedule == nil || req.Receiver == nil {
		writeError(w, http.StatusBadRequest, dto.CodeBadInput, "query, schedule and receiver are required", nil)
		return
	}

	flow, err := h.svc.Create(r.Context(), auth.IdentityFromContext(r.Context()), service.CreateFlowInput{
		Query:    *req.Query,
		Schedule: *req.Schedule,
		Receiver: *req.Receiver,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.IDResponse{ID: flow.ID})
}

// Get handles GET /api/flows/{id}.
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	flow, err := h.svc.Get(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// Delete handles DELETE /api/flows/{id}.
func (h *FlowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles GET /api/flows/{id}/start.
func (h *FlowHandler) Start(w http.ResponseWriter, r *http.Request) {
	flow, err := h.svc.Start(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.IDResponse{ID: flow.ID})
}

// Stop handles GET /api/flows/{id}/stop.
func (h *FlowHandler) Stop(w http.ResponseWriter, r *http.Request) {
	flow, err := h.svc.Stop(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.IDResponse{ID: flow.ID})
}

// Execute handles GET /api/flows/{id}/execute. An optional ?timeout=<ms>
// bounds this run on top of the engine default.
func (h *FlowHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if raw := r.URL.Query().Get("timeout"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, dto.CodeBadInput, "timeout must be a positive number of milliseconds", nil)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, min(time.Duration(ms)*time.Millisecond, maxExecuteTimeout))
		defer cancel()
	}

	flowID := chi.URLParam(r, "id")
	res, err := h.svc.Execute(ctx, auth.IdentityFromContext(ctx), flowID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Debug("flow executed",
		logattr.FlowID(flowID),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	writeJSON(w, http.StatusOK, dto.ExecuteResponse{
		Data:    res.Vars,
		Vars:    res.Names,
		Message: fmt.Sprintf("Parsed query in %dms", res.Duration.Milliseconds()),
		Status:  http.StatusOK,
	})
}

// Runs handles GET /api/flows/{id}/runs?limit=N.
func (h *FlowHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.svc.Runs(r.Context(), auth.IdentityFromContext(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToRunListResponse(runs))
}
