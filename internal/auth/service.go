// AngelaMos | 2026
// service.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/thimblely/thimblely/internal/core"
	"github.com/thimblely/thimblely/internal/middleware"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrTokenReuse         = errors.New("token reuse detected")
	ErrEmailExists        = errors.New("email already exists")
)

// expiredTokenGrace keeps expired refresh tokens around long enough for
// reuse detection to still see them.
const expiredTokenGrace = 24 * time.Hour

type UserInfo struct {
	ID               string
	Email            string
	PasswordHash     string
	Role             string
	Metadata         map[string]any
	EmailConfirmedAt *time.Time
	TokenVersion     int
	CreatedAt        time.Time
}

func (u *UserInfo) IsConfirmed() bool {
	return u.EmailConfirmedAt != nil
}

type UserProvider interface {
	GetByEmail(ctx context.Context, email string) (*UserInfo, error)
	GetByID(ctx context.Context, id string) (*UserInfo, error)
	Create(
		ctx context.Context,
		email, passwordHash string,
		metadata map[string]any,
	) (*UserInfo, error)
	ResetPending(
		ctx context.Context,
		id, passwordHash string,
		metadata map[string]any,
	) (*UserInfo, error)
	ConfirmEmail(ctx context.Context, id string) (*UserInfo, error)
	IncrementTokenVersion(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	repo         Repository
	jwt          *JWTManager
	userProvider UserProvider
	redis        *redis.Client
	otp          OTPStore
	mailer       Mailer
	passwords    *core.PasswordHasher
	logger       *slog.Logger
}

func NewService(
	repo Repository,
	jwt *JWTManager,
	userProvider UserProvider,
	redisClient *redis.Client,
	otp OTPStore,
	mailer Mailer,
	passwords *core.PasswordHasher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if passwords == nil {
		passwords = core.NewPasswordHasher(core.DefaultArgon2Params)
	}
	return &Service{
		repo:         repo,
		jwt:          jwt,
		userProvider: userProvider,
		redis:        redisClient,
		otp:          otp,
		mailer:       mailer,
		passwords:    passwords,
		logger:       logger,
	}
}

// SignUp creates an unconfirmed account and mails a verification code.
// Repeating a sign-up for an address that was never confirmed replaces the
// pending credentials instead of failing.
func (s *Service) SignUp(
	ctx context.Context,
	req SignUpRequest,
) (*SignUpResponse, error) {
	passwordHash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.userProvider.Create(ctx, req.Email, passwordHash, req.Metadata)
	if errors.Is(err, core.ErrDuplicateKey) {
		user, err = s.resetPending(ctx, req, passwordHash)
	}
	if err != nil {
		return nil, err
	}

	sentAt, err := s.sendCode(ctx, user.Email)
	if err != nil {
		return nil, err
	}

	return &SignUpResponse{
		User:               toUserResponse(user),
		ConfirmationSentAt: sentAt,
	}, nil
}

func (s *Service) resetPending(
	ctx context.Context,
	req SignUpRequest,
	passwordHash string,
) (*UserInfo, error) {
	existing, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	if existing.IsConfirmed() {
		return nil, ErrEmailExists
	}

	user, err := s.userProvider.ResetPending(
		ctx,
		existing.ID,
		passwordHash,
		req.Metadata,
	)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("reset pending user: %w", err)
	}

	return user, nil
}

func (s *Service) VerifyOTP(
	ctx context.Context,
	req VerifyOTPRequest,
	client ClientInfo,
) (*AuthResponse, error) {
	user, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrOTPInvalid
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if err := s.otp.Verify(ctx, PurposeSignup, user.Email, req.Code); err != nil {
		return nil, err
	}

	confirmed, err := s.userProvider.ConfirmEmail(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("confirm email: %w", err)
	}

	return s.createAuthResponse(ctx, confirmed, client, nil)
}

// ResendOTP answers the same way for unknown, confirmed and pending
// addresses so it cannot be used to probe for accounts. Only throttling is
// reported.
func (s *Service) ResendOTP(ctx context.Context, req ResendOTPRequest) error {
	user, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get user: %w", err)
	}

	if user.IsConfirmed() {
		return nil
	}

	_, err = s.sendCode(ctx, user.Email)
	return err
}

func (s *Service) sendCode(ctx context.Context, email string) (time.Time, error) {
	wait, err := s.otp.Throttle(ctx, PurposeSignup, email)
	if err != nil {
		return time.Time{}, err
	}
	if wait > 0 {
		return time.Time{}, &ThrottledError{RetryAfter: wait}
	}

	code, err := s.otp.Issue(ctx, PurposeSignup, email)
	if err != nil {
		return time.Time{}, fmt.Errorf("issue otp: %w", err)
	}

	if err := s.mailer.SendOTP(ctx, email, code, PurposeSignup); err != nil {
		return time.Time{}, fmt.Errorf("send otp: %w", err)
	}
	core.AddSpanEvent(ctx, "otp.issued",
		attribute.String("purpose", string(PurposeSignup)),
	)

	return time.Now().UTC().Truncate(time.Second), nil
}

// ThrottledError wraps ErrOTPThrottled with the wait the client should
// observe.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrOTPThrottled, e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error {
	return ErrOTPThrottled
}

func (s *Service) Login(
	ctx context.Context,
	req LoginRequest,
	client ClientInfo,
) (*AuthResponse, error) {
	user, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // equalises timing with a wrong password
			_, _, _ = s.passwords.VerifyOrBurn(req.Password, "")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	valid, newHash, err := s.passwords.VerifyOrBurn(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return nil, ErrInvalidCredentials
	}

	if !user.IsConfirmed() {
		return nil, ErrEmailNotConfirmed
	}

	if newHash != "" {
		//nolint:errcheck // best-effort rehash upgrade
		_ = s.userProvider.UpdatePassword(ctx, user.ID, newHash)
	}

	return s.createAuthResponse(ctx, user, client, nil)
}

// Refresh rotates a refresh token within its device session. Presenting a
// token that was already rotated means the chain leaked, so the whole
// session is revoked.
func (s *Service) Refresh(
	ctx context.Context,
	refreshToken string,
	client ClientInfo,
) (*AuthResponse, error) {
	stored, err := s.repo.FindByHash(ctx, core.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}

	if stored.Rotated() {
		s.logger.WarnContext(ctx, "refresh token reuse detected",
			"user_id", stored.UserID,
			"session_id", stored.SessionID,
		)
		core.AddSpanEvent(ctx, "session.reuse_detected",
			attribute.String("session_id", stored.SessionID),
		)
		err := s.repo.RevokeSession(ctx, stored.UserID, stored.SessionID, RevokeReuse)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			s.logger.ErrorContext(ctx, "revoke reused session", "error", err)
		}
		return nil, ErrTokenReuse
	}

	if stored.Revoked() {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
	}
	if stored.Expired(time.Now()) {
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenExpired)
	}

	user, err := s.userProvider.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return s.createAuthResponse(ctx, user, client, stored)
}

// Logout ends the device session and blacklists the access token that
// authenticated the request. The session is taken from the refresh token
// when one is given, otherwise from the access token.
func (s *Service) Logout(
	ctx context.Context,
	refreshToken string,
	claims *middleware.AccessTokenClaims,
) error {
	if claims == nil {
		return fmt.Errorf("logout: %w", core.ErrUnauthorized)
	}

	sessionID := claims.SessionID
	if refreshToken != "" {
		stored, err := s.repo.FindByHash(ctx, core.HashToken(refreshToken))
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return fmt.Errorf("find token: %w", err)
		case stored.UserID != claims.UserID:
			return fmt.Errorf("logout: %w", core.ErrForbidden)
		default:
			sessionID = stored.SessionID
		}
	}

	if sessionID != "" {
		err := s.repo.RevokeSession(ctx, claims.UserID, sessionID, RevokeLogout)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("revoke session: %w", err)
		}
	}

	return s.RevokeAccessToken(ctx, claims.TokenID, claims.ExpiresAt)
}

func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.revokeEverywhere(ctx, userID, RevokeLogoutAll)
}

// revokeEverywhere ends every device session and bumps the token version
// so access tokens already handed out stop passing CheckRevoked.
func (s *Service) revokeEverywhere(
	ctx context.Context,
	userID string,
	reason RevokeReason,
) error {
	if err := s.repo.RevokeAllForUser(ctx, userID, reason); err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}

	if err := s.userProvider.IncrementTokenVersion(ctx, userID); err != nil {
		return fmt.Errorf("increment token version: %w", err)
	}

	return nil
}

func (s *Service) RevokeAccessToken(
	ctx context.Context,
	jti string,
	expiresAt time.Time,
) error {
	ttl := time.Until(expiresAt)
	if jti == "" || ttl <= 0 {
		return nil
	}

	if err := s.redis.Set(ctx, blacklistKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}

	return nil
}

func (s *Service) IsAccessTokenBlacklisted(
	ctx context.Context,
	jti string,
) (bool, error) {
	exists, err := s.redis.Exists(ctx, blacklistKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}

	return exists > 0, nil
}

func blacklistKey(jti string) string {
	return "blacklist:" + jti
}

// CheckRevoked is a middleware.TokenCheck rejecting blacklisted tokens and
// tokens minted before the user's last logout-all.
func (s *Service) CheckRevoked(
	ctx context.Context,
	claims *middleware.AccessTokenClaims,
) error {
	blacklisted, err := s.IsAccessTokenBlacklisted(ctx, claims.TokenID)
	if err != nil {
		return err
	}
	if blacklisted {
		return fmt.Errorf("check token: %w", core.ErrTokenRevoked)
	}

	return s.ValidateTokenVersion(ctx, claims.UserID, claims.TokenVersion)
}

// GetActiveSessions lists the user's live device sessions, newest first.
// currentSessionID marks the session the caller is using.
func (s *Service) GetActiveSessions(
	ctx context.Context,
	userID, currentSessionID string,
) ([]SessionInfo, error) {
	tokens, err := s.repo.ListLive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, SessionInfo{
			ID:           t.SessionID,
			DeviceID:     t.DeviceID,
			UserAgent:    t.UserAgent,
			IPAddress:    t.IPAddress,
			LastActiveAt: t.CreatedAt,
			ExpiresAt:    t.ExpiresAt,
			Current:      t.SessionID == currentSessionID,
		})
	}

	return sessions, nil
}

// RevokeSession ends one of the user's device sessions. Sessions owned by
// someone else report core.ErrNotFound.
func (s *Service) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
) error {
	if err := s.repo.RevokeSession(ctx, userID, sessionID, RevokeByUser); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Service) ChangePassword(
	ctx context.Context,
	userID, currentPassword, newPassword string,
) error {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	valid, _, err := s.passwords.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return ErrInvalidCredentials
	}

	newHash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.userProvider.UpdatePassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := s.revokeEverywhere(ctx, userID, RevokePasswordChange); err != nil {
		return err
	}

	return nil
}

func (s *Service) ValidateTokenVersion(
	ctx context.Context,
	userID string,
	tokenVersion int,
) error {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if tokenVersion < user.TokenVersion {
		return fmt.Errorf("validate token version: %w", core.ErrTokenRevoked)
	}

	return nil
}

func (s *Service) GetCurrentUser(
	ctx context.Context,
	userID string,
) (*UserResponse, error) {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := toUserResponse(user)
	return &resp, nil
}

// RunJanitor purges long-expired session tokens every interval until ctx
// is cancelled.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpired(ctx)
		}
	}
}

func (s *Service) purgeExpired(ctx context.Context) {
	n, err := s.repo.DeleteExpired(ctx, time.Now().Add(-expiredTokenGrace))
	if err != nil {
		if ctx.Err() == nil {
			core.SetSpanError(ctx, err)
			s.logger.ErrorContext(ctx, "purge expired session tokens", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged expired session tokens", "count", n)
	}
}

// createAuthResponse mints an access/refresh pair. A nil prev opens a new
// device session; otherwise prev is rotated out within the same session.
func (s *Service) createAuthResponse(
	ctx context.Context,
	user *UserInfo,
	client ClientInfo,
	prev *SessionToken,
) (*AuthResponse, error) {
	refresh, err := s.jwt.CreateRefreshToken()
	if err != nil {
		return nil, err
	}

	next := &SessionToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		SessionID: uuid.New().String(),
		TokenHash: refresh.Hash,
		DeviceID:  client.DeviceID,
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		ExpiresAt: refresh.ExpiresAt,
	}

	if prev == nil {
		if err := s.repo.Create(ctx, next); err != nil {
			return nil, fmt.Errorf("store session token: %w", err)
		}
	} else {
		next.SessionID = prev.SessionID
		if next.DeviceID == "" {
			next.DeviceID = prev.DeviceID
		}
		if err := s.repo.Rotate(ctx, prev.ID, next); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
			}
			return nil, fmt.Errorf("rotate session token: %w", err)
		}
	}

	access, err := s.jwt.CreateAccessToken(AccessTokenClaims{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
		SessionID:    next.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &AuthResponse{
		User: toUserResponse(user),
		Tokens: TokenResponse{
			AccessToken:  access.Token,
			RefreshToken: refresh.Token,
			TokenType:    "Bearer",
			ExpiresIn:    int(s.jwt.AccessTokenTTL() / time.Second),
			ExpiresAt:    access.ExpiresAt,
		},
	}, nil
}
