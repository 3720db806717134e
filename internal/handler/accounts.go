package handler

import (
	"log/slog"
	"net/http"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/service"
)

// AccountHandler serves registration, login and API key management.
type AccountHandler struct {
	svc    *service.AccountService
	logger *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(svc *service.AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logger}
}

// Register handles POST /api/users/register.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// Login handles POST /api/users/login.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// CreateKey handles POST /api/developers/keys. The plaintext key is in
// this response only.
func (h *AccountHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.APIKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.CreateKey(r.Context(), auth.IdentityFromContext(r.Context()), req.Name, req.Permissions)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.APIKeyCreateResponse{
		ID:          res.Key.ID,
		Key:         res.Plaintext,
		Name:        res.Key.Name,
		KeyPrefix:   res.Key.KeyPrefix,
		Permissions: res.Key.Permissions,
		CreatedAt:   res.Key.CreatedAt,
	})
}

// KeyListResponse wraps the caller's keys.
type KeyListResponse struct {
	Data []*model.APIKey `json:"data"`
}

// ListKeys handles GET /api/developers/keys.
func (h *AccountHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.ListKeys(r.Context(), auth.IdentityFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	writeJSON(w, http.StatusOK, KeyListResponse{Data: keys})
}

func toSessionResponse(s *service.Session) dto.SessionResponse {
	return dto.SessionResponse{ID: s.UserID, Token: s.Token, ExpiresAt: s.ExpiresAt}
}
