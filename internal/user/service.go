// AngelaMos | 2026
// service.go

package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/thimblely/thimblely/internal/auth"
	"github.com/thimblely/thimblely/internal/core"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(
	ctx context.Context,
	id string,
) (*auth.UserInfo, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) GetByEmail(
	ctx context.Context,
	email string,
) (*auth.UserInfo, error) {
	user, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) Create(
	ctx context.Context,
	email, passwordHash string,
	metadata map[string]any,
) (*auth.UserInfo, error) {
	user := &User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		Role:         RoleUser,
		Metadata:     Metadata{}.Merge(metadata),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

// ResetPending replaces the password and metadata of an unconfirmed
// account so a repeated sign-up behaves like a fresh one.
func (s *Service) ResetPending(
	ctx context.Context,
	id, passwordHash string,
	metadata map[string]any,
) (*auth.UserInfo, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if user.IsConfirmed() {
		return nil, fmt.Errorf("reset pending user: %w", core.ErrDuplicateKey)
	}

	user.PasswordHash = passwordHash
	user.Metadata = Metadata{}.Merge(metadata)

	if err := s.repo.ResetPending(ctx, user); err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) ConfirmEmail(
	ctx context.Context,
	id string,
) (*auth.UserInfo, error) {
	user, err := s.repo.ConfirmEmail(ctx, id)
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) IncrementTokenVersion(
	ctx context.Context,
	userID string,
) error {
	return s.repo.IncrementTokenVersion(ctx, userID)
}

func (s *Service) UpdatePassword(
	ctx context.Context,
	userID, passwordHash string,
) error {
	return s.repo.UpdatePassword(ctx, userID, passwordHash)
}

func (s *Service) GetMe(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("get me: %w", core.ErrUnauthorized)
	}

	return s.repo.GetByID(ctx, userID)
}

// UpdateMe applies a metadata patch. An empty patch just reads the profile.
func (s *Service) UpdateMe(
	ctx context.Context,
	userID string,
	req UpdateUserRequest,
) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("update me: %w", core.ErrUnauthorized)
	}

	patch := NewMetadataPatch(req.Metadata)
	if patch.Empty() {
		return s.repo.GetByID(ctx, userID)
	}
	return s.repo.PatchMetadata(ctx, userID, patch)
}

func (s *Service) DeleteMe(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("delete me: %w", core.ErrUnauthorized)
	}

	return s.repo.SoftDelete(ctx, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func toUserInfo(u *User) *auth.UserInfo {
	return &auth.UserInfo{
		ID:               u.ID,
		Email:            u.Email,
		PasswordHash:     u.PasswordHash,
		Role:             u.Role,
		Metadata:         map[string]any(u.Metadata),
		EmailConfirmedAt: u.EmailConfirmedAt,
		TokenVersion:     u.TokenVersion,
		CreatedAt:        u.CreatedAt,
	}
}

var _ auth.UserProvider = (*Service)(nil)
