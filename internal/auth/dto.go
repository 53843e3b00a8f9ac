// AngelaMos | 2026
// dto.go

package auth

import (
	"time"
)

type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type SignUpRequest struct {
	Email    string         `json:"email"              validate:"required,email,max=255"`
	Password string         `json:"password"           validate:"required,min=6,max=128"`
	Metadata map[string]any `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
	Code  string `json:"code"  validate:"required,numeric,min=4,max=10"`
}

type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type UserResponse struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Role             string         `json:"role"`
	Metadata         map[string]any `json:"metadata"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type AuthResponse struct {
	User   UserResponse  `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

// SignUpResponse carries no tokens. The account stays unconfirmed until
// the emailed code is verified.
type SignUpResponse struct {
	User               UserResponse `json:"user"`
	ConfirmationSentAt time.Time    `json:"confirmation_sent_at"`
}

// SessionInfo describes one signed-in device. ID is stable across
// refreshes.
type SessionInfo struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id,omitempty"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Current      bool      `json:"current"`
}

type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password"     validate:"required,min=6,max=128"`
}

func toUserResponse(u *UserInfo) UserResponse {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return UserResponse{
		ID:               u.ID,
		Email:            u.Email,
		Role:             u.Role,
		Metadata:         metadata,
		EmailConfirmedAt: u.EmailConfirmedAt,
		CreatedAt:        u.CreatedAt,
	}
}
