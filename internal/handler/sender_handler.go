// internal/handler/sender_handler.go
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailleopard-backend/internal/controller"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

// SenderHandler holds the dependencies for sender profile HTTP handlers
type SenderHandler struct {
	Registry *service.SenderRegistry
	Logger   *slog.Logger
}

// NewSenderHandler creates a new SenderHandler with the given registry
func NewSenderHandler(registry *service.SenderRegistry, log *slog.Logger) *SenderHandler {
	return &SenderHandler{Registry: registry, Logger: log}
}

// Routes mounts the sender profile endpoints.
func (h *SenderHandler) Routes(r chi.Router) {
	r.Get("/senders", h.ListSendersHandler)
	r.Post("/senders", h.CreateSenderHandler)
	r.Post("/senders/{id}/test", h.TestSenderHandler)
	r.Delete("/senders/{id}", h.DeleteSenderHandler)
}

// ListSendersHandler returns configured profiles first, then the account's own
func (h *SenderHandler) ListSendersHandler(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Registry.ListProfiles(r.Context(), controller.UserID(r))
	if err != nil {
		controller.RespondError(w, r, h.Logger, err)
		return
	}

	type listed struct {
		*model.SenderProfile
		Validation service.ValidationResult `json:"validation"`
	}
	out := make([]listed, 0, len(profiles))
	for _, p := range profiles {
		resolved := h.Registry.ResolveCredentials(profiles, p.ID)
		out = append(out, listed{SenderProfile: p, Validation: h.Registry.Validate(resolved)})
	}
	controller.RespondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// CreateSenderHandler validates, live-tests and stores a new profile
func (h *SenderHandler) CreateSenderHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name       string           `json:"name"`
		Email      string           `json:"email"`
		Host       string           `json:"host"`
		Port       int              `json:"port"`
		Username   string           `json:"username"`
		Password   string           `json:"password"`
		Encryption model.Encryption `json:"encryption"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	profile := &model.SenderProfile{
		UserID:     controller.UserID(r),
		Name:       payload.Name,
		Email:      payload.Email,
		Host:       payload.Host,
		Port:       payload.Port,
		Username:   payload.Username,
		Password:   payload.Password,
		Encryption: payload.Encryption,
	}
	if _, err := h.Registry.Create(r.Context(), profile); err != nil {
		controller.RespondError(w, r, h.Logger, err)
		return
	}
	controller.RespondJSON(w, http.StatusCreated, profile)
}

// TestSenderHandler sends a test message with an existing profile
func (h *SenderHandler) TestSenderHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.Registry.Test(r.Context(), controller.UserID(r), id)
	if err != nil {
		controller.RespondError(w, r, h.Logger, err)
		return
	}
	controller.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":         id,
		"success":    true,
		"validation": res,
	})
}

// DeleteSenderHandler removes a persisted profile
func (h *SenderHandler) DeleteSenderHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Delete(r.Context(), controller.UserID(r), chi.URLParam(r, "id")); err != nil {
		controller.RespondError(w, r, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
