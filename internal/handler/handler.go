// Package handler provides HTTP request handlers.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/query"
	"github.com/propelr/propelr/internal/service"
)

// Handler serves the routes that need no dependencies.
type Handler struct {
	version string
}

// New creates a new Handler instance.
func New(version string) *Handler {
	return &Handler{version: version}
}

// IndexResponse lists the public routes.
type IndexResponse struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Routes  []string `json:"routes"`
}

// Index lists the API surface.
// GET /
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IndexResponse{
		Name:    "propelr",
		Version: h.version,
		Routes: []string{
			"GET /api/flows",
			"POST /api/flows",
			"GET /api/flows/{id}",
			"DELETE /api/flows/{id}",
			"GET /api/flows/{id}/execute",
			"GET /api/flows/{id}/start",
			"GET /api/flows/{id}/stop",
			"GET /api/flows/{id}/runs",
			"POST /api/users/register",
			"POST /api/users/login",
			"POST /api/developers/keys",
			"GET /api/developers/keys",
			"GET /healthz",
			"GET /readyz",
			"GET /metrics",
		},
	})
}

// NotFound handles 404 responses.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, dto.CodeNotFound, "Resource not found", nil)
}

// MethodNotAllowed handles 405 responses.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, dto.CodeMethodNotAllowed, "Method not allowed", nil)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, dto.NewError(status, code, message, details))
}

// decodeJSON decodes exactly one JSON value into dst, rejecting unknown
// fields. It writes the error response itself and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("request body must contain a single JSON object")
	}
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, dto.CodePayloadTooLarge,
			fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit), nil)
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, dto.CodeInvalidJSON, "Request body is empty", nil)
	default:
		writeError(w, http.StatusBadRequest, dto.CodeInvalidJSON, "Invalid request body", err.Error())
	}
	return false
}

// writeServiceError maps service and engine errors to the error envelope.
// Internal causes are logged, never returned.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var fault *query.Fault
	var input *service.InputError

	switch {
	case errors.As(err, &fault) && fault.IsTimeout():
		writeError(w, http.StatusGatewayTimeout, dto.CodeQueryTimeout, "Query timed out", fault.Message)
	case errors.As(err, &fault):
		writeError(w, http.StatusBadRequest, dto.CodeInvalidSyntax, fault.Name, fault.Message)
	case errors.As(err, &input):
		writeError(w, http.StatusBadRequest, dto.CodeBadInput, input.Message, nil)
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "Authentication required", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "Invalid email or password", nil)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, dto.CodeForbidden, "Not allowed for this credential", nil)
	case errors.Is(err, service.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, dto.CodeFlowNotFound, "Flow not found", nil)
	case errors.Is(err, service.ErrFlowAlreadyRunning):
		writeError(w, http.StatusConflict, dto.CodeFlowAlreadyRunning, "Flow is already running", nil)
	case errors.Is(err, service.ErrFlowNotRunning):
		writeError(w, http.StatusConflict, dto.CodeFlowNotRunning, "Flow is not running", nil)
	case errors.Is(err, service.ErrEmailExists):
		writeError(w, http.StatusConflict, dto.CodeEmailExists, "Email already registered", nil)
	default:
		logger.Error("internal error", logattr.Error(err))
		writeError(w, http.StatusInternalServerError, dto.CodeInternal, "An internal error occurred", nil)
	}
}
