// AngelaMos | 2026
// auth.go

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thimblely/thimblely/internal/core"
)

const (
	UserIDKey contextKey = "user_id"
	ClaimsKey contextKey = "jwt_claims"
)

type TokenVerifier interface {
	VerifyAccessToken(
		ctx context.Context,
		token string,
	) (*AccessTokenClaims, error)
}

// TokenCheck runs after signature verification, e.g. to reject tokens that
// were revoked at logout.
type TokenCheck func(ctx context.Context, claims *AccessTokenClaims) error

type AccessTokenClaims struct {
	UserID       string
	Email        string
	Role         string
	TokenVersion int
	TokenID      string
	SessionID    string
	ExpiresAt    time.Time
}

// errCheckFailed marks a TokenCheck that could not reach a verdict, e.g.
// the blacklist store was down. Clients must not treat it as a dead
// session.
var errCheckFailed = errors.New("token check failed")

func Authenticator(
	verifier TokenVerifier,
	checks ...TokenCheck,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, verifier, checks)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("enduser.id", claims.UserID),
				attribute.String("session.id", claims.SessionID),
			)

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(
	r *http.Request,
	verifier TokenVerifier,
	checks []TokenCheck,
) (*AccessTokenClaims, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, core.UnauthorizedError("missing authorization token")
	}

	claims, err := verifier.VerifyAccessToken(r.Context(), token)
	if err != nil {
		return nil, err
	}

	for _, check := range checks {
		err := check(r.Context(), claims)
		if err == nil {
			continue
		}
		if isVerdict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errCheckFailed, err)
	}

	return claims, nil
}

func isVerdict(err error) bool {
	return core.IsAppError(err) ||
		errors.Is(err, core.ErrTokenExpired) ||
		errors.Is(err, core.ErrTokenRevoked) ||
		errors.Is(err, core.ErrTokenInvalid) ||
		errors.Is(err, core.ErrNotFound)
}

func ExtractToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errCheckFailed):
		core.InternalServerError(w, err)
	case core.IsAppError(err):
		core.JSONError(w, err)
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, core.ErrTokenRevoked), errors.Is(err, core.ErrNotFound):
		// A missing user means the account was deleted after issuance.
		core.JSONError(w, core.TokenRevokedError())
	default:
		core.JSONError(w, core.TokenInvalidError())
	}
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

func GetClaims(ctx context.Context) *AccessTokenClaims {
	if claims, ok := ctx.Value(ClaimsKey).(*AccessTokenClaims); ok {
		return claims
	}
	return nil
}
