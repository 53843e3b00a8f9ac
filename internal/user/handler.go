// AngelaMos | 2026
// handler.go

package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/thimblely/thimblely/internal/core"
	"github.com/thimblely/thimblely/internal/middleware"
)

const maxProfileBody = 16 << 10

// SessionEnder ends every device session of a user. Account deletion
// goes through it before the row is hidden.
type SessionEnder interface {
	LogoutAll(ctx context.Context, userID string) error
}

type Handler struct {
	service   *Service
	sessions  SessionEnder
	validator *validator.Validate
}

func NewHandler(service *Service, sessions SessionEnder) *Handler {
	return &Handler{
		service:   service,
		sessions:  sessions,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
) {
	r.Route("/users/me", func(r chi.Router) {
		r.Use(authenticator)

		r.Get("/", h.GetMe)
		r.Patch("/", h.UpdateMe)
		r.Delete("/", h.DeleteMe)
	})
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetMe(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.handleError(w, err)
		return
	}

	core.OK(w, ToUserResponse(user))
}

// UpdateMe merges the posted metadata into the profile; null values
// delete keys.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBody))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.JSONError(w, core.PayloadTooLargeError("profile update"))
			return
		}
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	user, err := h.service.UpdateMe(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		h.handleError(w, err)
		return
	}

	core.OK(w, ToUserResponse(user))
}

// DeleteMe signs the account out on every device, then soft deletes it.
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if userID != "" && h.sessions != nil {
		if err := h.sessions.LogoutAll(ctx, userID); err != nil {
			h.handleError(w, err)
			return
		}
	}

	if err := h.service.DeleteMe(ctx, userID); err != nil {
		h.handleError(w, err)
		return
	}

	core.NoContent(w)
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		core.Unauthorized(w, "")
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "user")
	default:
		core.InternalServerError(w, err)
	}
}
