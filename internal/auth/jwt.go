// AngelaMos | 2026
// jwt.go

package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/thimblely/thimblely/internal/config"
	"github.com/thimblely/thimblely/internal/core"
	"github.com/thimblely/thimblely/internal/middleware"
)

const (
	claimEmail        = "email"
	claimRole         = "role"
	claimTokenVersion = "token_version"
	claimSession      = "sid"
	claimType         = "type"

	accessTokenType = "access"
	accessTokenSkew = 30 * time.Second
	jwksMaxAge      = "public, max-age=3600"
)

// JWTManager signs access tokens with one ES256 key and publishes the
// public half as a JWKS document.
type JWTManager struct {
	signingKey jwk.Key
	verifyKey  jwk.Key
	keyID      string
	jwksBody   []byte
	jwksETag   string
	config     config.JWTConfig
}

func NewJWTManager(cfg config.JWTConfig) (*JWTManager, error) {
	signingKey, keyID, err := loadSigningKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	verifyKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if err := verifyKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("set key usage: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(verifyKey); err != nil {
		return nil, fmt.Errorf("add key to set: %w", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode jwks: %w", err)
	}

	return &JWTManager{
		signingKey: signingKey,
		verifyKey:  verifyKey,
		keyID:      keyID,
		jwksBody:   body,
		jwksETag:   `"` + keyID + `"`,
		config:     cfg,
	}, nil
}

func loadSigningKey(path string) (jwk.Key, string, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read private key: %w", err)
	}

	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, "", fmt.Errorf("parse private key: %w", err)
	}

	keyID, err := thumbprintKeyID(key)
	if err != nil {
		return nil, "", err
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.ES256()); err != nil {
		return nil, "", fmt.Errorf("set algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, "", fmt.Errorf("set key id: %w", err)
	}
	return key, keyID, nil
}

// thumbprintKeyID derives the kid from the RFC 7638 thumbprint so every
// replica signing with the same key advertises the same kid.
func thumbprintKeyID(key jwk.Key) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum)[:16], nil
}

// GenerateKeyPair writes a fresh P-256 key pair as PEM files. Development
// only; production keys are provisioned out of band.
func GenerateKeyPair(privateKeyPath, publicKeyPath string) error {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	private, err := jwk.Import(raw)
	if err != nil {
		return fmt.Errorf("import private key: %w", err)
	}
	public, err := private.PublicKey()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	if err := writePEM(privateKeyPath, private, 0o600); err != nil {
		return err
	}
	return writePEM(publicKeyPath, public, 0o644)
}

func writePEM(path string, key jwk.Key, mode os.FileMode) error {
	encoded, err := jwk.Pem(key)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, encoded, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

type AccessTokenClaims struct {
	UserID       string
	Email        string
	Role         string
	TokenVersion int
	SessionID    string
}

// IssuedAccessToken is a signed access token plus the values the caller
// needs to report or revoke it.
type IssuedAccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

func (m *JWTManager) CreateAccessToken(
	claims AccessTokenClaims,
) (*IssuedAccessToken, error) {
	now := time.Now()
	issued := &IssuedAccessToken{
		ID:        uuid.NewString(),
		ExpiresAt: now.Add(m.config.AccessTokenExpire).Truncate(time.Second),
	}

	token, err := jwt.NewBuilder().
		JwtID(issued.ID).
		Issuer(m.config.Issuer).
		Audience([]string{m.config.Audience}).
		Subject(claims.UserID).
		IssuedAt(now).
		NotBefore(now).
		Expiration(issued.ExpiresAt).
		Claim(claimEmail, claims.Email).
		Claim(claimRole, claims.Role).
		Claim(claimTokenVersion, claims.TokenVersion).
		Claim(claimSession, claims.SessionID).
		Claim(claimType, accessTokenType).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256(), m.signingKey))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	issued.Token = string(signed)
	return issued, nil
}

func (m *JWTManager) AccessTokenTTL() time.Duration {
	return m.config.AccessTokenExpire
}

// VerifyAccessToken checks signature, issuer, audience and lifetime, then
// requires every claim the session layer relies on.
func (m *JWTManager) VerifyAccessToken(
	_ context.Context,
	tokenString string,
) (*middleware.AccessTokenClaims, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.ES256(), m.verifyKey),
		jwt.WithValidate(true),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(m.config.Audience),
		jwt.WithAcceptableSkew(accessTokenSkew),
	)
	if err != nil {
		if isTokenExpiredError(err) {
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("verify token: %w", core.ErrTokenInvalid)
	}

	tokenType, err := requiredClaim[string](token, claimType)
	if err != nil {
		return nil, err
	}
	if tokenType != accessTokenType {
		return nil, fmt.Errorf("verify token: type %q: %w", tokenType, core.ErrTokenInvalid)
	}

	out := &middleware.AccessTokenClaims{}
	var ok bool
	if out.UserID, ok = token.Subject(); !ok || out.UserID == "" {
		return nil, fmt.Errorf("verify token: missing sub: %w", core.ErrTokenInvalid)
	}
	if out.TokenID, ok = token.JwtID(); !ok || out.TokenID == "" {
		return nil, fmt.Errorf("verify token: missing jti: %w", core.ErrTokenInvalid)
	}
	out.ExpiresAt, _ = token.Expiration()

	if out.Role, err = requiredClaim[string](token, claimRole); err != nil {
		return nil, err
	}
	if out.SessionID, err = requiredClaim[string](token, claimSession); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("verify token: empty sid: %w", core.ErrTokenInvalid)
	}
	version, err := requiredClaim[float64](token, claimTokenVersion)
	if err != nil {
		return nil, err
	}
	out.TokenVersion = int(version)

	//nolint:errcheck // email is informational
	_ = token.Get(claimEmail, &out.Email)

	return out, nil
}

// requiredClaim reads a private claim that must be present. JSON numbers
// decode as float64.
func requiredClaim[T any](token jwt.Token, name string) (T, error) {
	var v T
	if err := token.Get(name, &v); err != nil {
		return v, fmt.Errorf("verify token: missing %s: %w", name, core.ErrTokenInvalid)
	}
	return v, nil
}

func isTokenExpiredError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "exp") && strings.Contains(msg, "not satisfied")
}

// JWKSHandler serves the public key set. The ETag is the kid, so it only
// changes on key rollover.
func (m *JWTManager) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", jwksMaxAge)
		h.Set("ETag", m.jwksETag)

		if r.Header.Get("If-None-Match") == m.jwksETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		h.Set("Content-Type", "application/json")
		//nolint:errcheck // client went away
		_, _ = w.Write(m.jwksBody)
	}
}

func (m *JWTManager) KeyID() string {
	return m.keyID
}

// RefreshTokenData is an opaque refresh token. Only Hash is stored.
type RefreshTokenData struct {
	Token     string
	Hash      string
	ExpiresAt time.Time
}

func (m *JWTManager) CreateRefreshToken() (*RefreshTokenData, error) {
	token, err := core.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	return &RefreshTokenData{
		Token:     token,
		Hash:      core.HashToken(token),
		ExpiresAt: time.Now().Add(m.config.RefreshTokenExpire),
	}, nil
}
