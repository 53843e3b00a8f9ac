// AngelaMos | 2026
// dto.go

package user

import (
	"time"
)

// UpdateUserRequest patches profile metadata. Keys set to null are removed.
type UpdateUserRequest struct {
	Metadata map[string]any `json:"metadata" validate:"required,max=32"`
}

type UserResponse struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Role             string         `json:"role"`
	Metadata         map[string]any `json:"metadata"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func ToUserResponse(u *User) UserResponse {
	metadata := map[string]any(u.Metadata)
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
		UpdatedAt:        u.UpdatedAt,
	}
}
