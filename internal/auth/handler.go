// AngelaMos | 2026
// handler.go

package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/thimblely/thimblely/internal/core"
	"github.com/thimblely/thimblely/internal/middleware"
)

type Handler struct {
	service   *Service
	validator *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts /auth. credentialLimiter wraps the endpoints that
// accept a password or a code.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
	credentialLimiter func(http.Handler) http.Handler,
) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(credentialLimiter)
			r.Post("/signup", h.SignUp)
			r.Post("/verify", h.VerifyOTP)
			r.Post("/resend", h.ResendOTP)
			r.Post("/login", h.Login)
		})
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(authenticator)
			r.Get("/me", h.GetMe)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Get("/sessions", h.GetSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
			r.Post("/change-password", h.ChangePassword)
		})
	})
}

const maxAuthBody = 64 << 10

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxAuthBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.JSONError(w, core.PayloadTooLargeError("request body"))
			return false
		}
		core.BadRequest(w, "invalid request body")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return false
	}
	return true
}

// errorResponses maps service errors to client envelopes. Order matters:
// the first target err matches wins.
var errorResponses = []struct {
	target   error
	response func(err error) *core.AppError
}{
	{ErrEmailExists, func(err error) *core.AppError {
		return core.NewAppError(err, "User already registered",
			http.StatusConflict, core.CodeDuplicate)
	}},
	{ErrOTPInvalid, func(err error) *core.AppError {
		return core.NewAppError(err, "Invalid verification code",
			http.StatusBadRequest, core.CodeOTPInvalid)
	}},
	{ErrOTPExpired, func(err error) *core.AppError {
		return core.NewAppError(err, "Verification code has expired, request a new one",
			http.StatusBadRequest, core.CodeOTPExpired)
	}},
	{ErrInvalidCredentials, func(err error) *core.AppError {
		return core.NewAppError(err, "Invalid login credentials",
			http.StatusUnauthorized, core.CodeInvalidCreds)
	}},
	{ErrEmailNotConfirmed, func(err error) *core.AppError {
		return core.NewAppError(err, "Email not confirmed",
			http.StatusForbidden, core.CodeEmailNotConfirmed)
	}},
	{ErrTokenReuse, func(error) *core.AppError {
		return core.NewAppError(core.ErrTokenRevoked, "session revoked",
			http.StatusUnauthorized, core.CodeTokenReuse)
	}},
	{core.ErrTokenExpired, func(error) *core.AppError { return core.TokenExpiredError() }},
	{core.ErrTokenRevoked, func(error) *core.AppError { return core.TokenRevokedError() }},
	{core.ErrTokenInvalid, func(error) *core.AppError { return core.TokenInvalidError() }},
	{core.ErrForbidden, func(error) *core.AppError {
		return core.ForbiddenError("cannot revoke another user's token")
	}},
}

// writeError renders err. notFound names the resource a core.ErrNotFound
// refers to on this route.
func writeError(w http.ResponseWriter, err error, notFound string) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		w.Header().Set("Retry-After", retryAfterSeconds(throttled.RetryAfter))
		core.JSONError(w, core.RateLimitedError(
			"For security purposes, please wait before requesting another code",
		))
		return
	}

	if notFound != "" && errors.Is(err, core.ErrNotFound) {
		core.NotFound(w, notFound)
		return
	}

	for _, m := range errorResponses {
		if errors.Is(err, m.target) {
			core.JSONError(w, m.response(err))
			return
		}
	}
	core.InternalServerError(w, err)
}

// claimsOrReject returns the verified claims, answering 401 when the
// authenticator did not run.
func claimsOrReject(w http.ResponseWriter, r *http.Request) *middleware.AccessTokenClaims {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		core.Unauthorized(w, "")
	}
	return claims
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.SignUp(r.Context(), req)
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.Created(w, resp)
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.VerifyOTP(r.Context(), req, clientInfo(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.OK(w, resp)
}

func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.ResendOTP(r.Context(), req); err != nil {
		writeError(w, err, "")
		return
	}
	core.NoContent(w)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.Login(r.Context(), req, clientInfo(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.OK(w, resp)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.Refresh(r.Context(), req.RefreshToken, clientInfo(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.OK(w, resp)
}

// Logout ends the caller's session. The body, and the refresh token in
// it, are optional.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	var req LogoutRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken, claims); err != nil {
		writeError(w, err, "")
		return
	}
	core.NoContent(w)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	if err := h.service.LogoutAll(r.Context(), claims.UserID); err != nil {
		writeError(w, err, "")
		return
	}
	core.NoContent(w)
}

func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	sessions, err := h.service.GetActiveSessions(r.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.OK(w, SessionsResponse{Sessions: sessions})
}

// RevokeSession answers 404 for malformed IDs and for other users'
// sessions alike.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		core.NotFound(w, "session")
		return
	}

	if err := h.service.RevokeSession(r.Context(), claims.UserID, sessionID); err != nil {
		writeError(w, err, "session")
		return
	}
	core.NoContent(w)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.service.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, ErrInvalidCredentials) {
		core.JSONError(w, core.UnauthorizedError("current password is incorrect"))
		return
	}
	if err != nil {
		writeError(w, err, "")
		return
	}
	core.NoContent(w)
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsOrReject(w, r)
	if claims == nil {
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err, "user")
		return
	}
	core.OK(w, user)
}

const (
	deviceIDHeader    = "X-Device-ID"
	maxDeviceIDLength = 128
)

func clientInfo(r *http.Request) ClientInfo {
	deviceID := strings.TrimSpace(r.Header.Get(deviceIDHeader))
	if len(deviceID) > maxDeviceIDLength {
		deviceID = deviceID[:maxDeviceIDLength]
	}
	return ClientInfo{
		DeviceID:  deviceID,
		UserAgent: r.UserAgent(),
		IPAddress: middleware.ClientIP(r),
	}
}
