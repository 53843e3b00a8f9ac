// AngelaMos | 2026
// fakes_test.go

package auth

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thimblely/thimblely/internal/config"
	"github.com/thimblely/thimblely/internal/core"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*UserInfo
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*UserInfo)}
}

func (f *fakeUsers) copyOf(u *UserInfo) *UserInfo {
	cp := *u
	cp.Metadata = maps.Clone(u.Metadata)
	return &cp
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range f.users {
		if u.Email == email {
			return f.copyOf(u), nil
		}
	}
	return nil, fmt.Errorf("get user by email: %w", core.ErrNotFound)
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	return f.copyOf(u), nil
}

func (f *fakeUsers) Create(
	_ context.Context,
	email, passwordHash string,
	metadata map[string]any,
) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range f.users {
		if u.Email == email {
			return nil, fmt.Errorf("create user: %w", core.ErrDuplicateKey)
		}
	}
	u := &UserInfo{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         "user",
		Metadata:     maps.Clone(metadata),
		CreatedAt:    time.Now(),
	}
	f.users[u.ID] = u
	return f.copyOf(u), nil
}

func (f *fakeUsers) ResetPending(
	_ context.Context,
	id, passwordHash string,
	metadata map[string]any,
) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("reset pending user: %w", core.ErrNotFound)
	}
	if u.IsConfirmed() {
		return nil, fmt.Errorf("reset pending user: %w", core.ErrDuplicateKey)
	}
	u.PasswordHash = passwordHash
	u.Metadata = maps.Clone(metadata)
	return f.copyOf(u), nil
}

func (f *fakeUsers) ConfirmEmail(_ context.Context, id string) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("confirm email: %w", core.ErrNotFound)
	}
	if u.EmailConfirmedAt == nil {
		now := time.Now()
		u.EmailConfirmedAt = &now
	}
	return f.copyOf(u), nil
}

func (f *fakeUsers) IncrementTokenVersion(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return core.ErrNotFound
	}
	u.TokenVersion++
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return core.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]*SessionToken
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]*SessionToken)}
}

func (f *fakeTokens) Create(_ context.Context, token *SessionToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insert(token)
	return nil
}

func (f *fakeTokens) insert(token *SessionToken) {
	token.CreatedAt = time.Now()
	cp := *token
	f.tokens[token.ID] = &cp
}

func (f *fakeTokens) FindByHash(_ context.Context, hash string) (*SessionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find session token: %w", core.ErrNotFound)
}

func (f *fakeTokens) Rotate(_ context.Context, currentID string, next *SessionToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tokens[currentID]
	if !ok || cur.Rotated() || cur.Revoked() {
		return fmt.Errorf("rotate session token: %w", core.ErrNotFound)
	}
	now := time.Now()
	cur.RotatedAt = &now
	cur.ReplacedByID = &next.ID
	f.insert(next)
	return nil
}

func (f *fakeTokens) revoke(t *SessionToken, reason RevokeReason) {
	now := time.Now()
	r := string(reason)
	t.RevokedAt = &now
	t.RevokeReason = &r
}

func (f *fakeTokens) RevokeSession(
	_ context.Context,
	userID, sessionID string,
	reason RevokeReason,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, t := range f.tokens {
		if t.UserID == userID && t.SessionID == sessionID && !t.Revoked() {
			f.revoke(t, reason)
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("revoke session: %w", core.ErrNotFound)
	}
	return nil
}

func (f *fakeTokens) RevokeAllForUser(
	_ context.Context,
	userID string,
	reason RevokeReason,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.UserID == userID && !t.Revoked() {
			f.revoke(t, reason)
		}
	}
	return nil
}

func (f *fakeTokens) ListLive(_ context.Context, userID string) ([]SessionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []SessionToken
	for _, t := range f.tokens {
		if t.UserID == userID && t.Live(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, t := range f.tokens {
		if t.ExpiresAt.Before(before) {
			delete(f.tokens, id)
			n++
		}
	}
	return n, nil
}

// bySession returns every token of a session chain.
func (f *fakeTokens) bySession(sessionID string) []SessionToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SessionToken
	for _, t := range f.tokens {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out
}

type fakeOTP struct {
	mu     sync.Mutex
	codes  map[string]string
	issued int
	wait   time.Duration
}

func newFakeOTP() *fakeOTP {
	return &fakeOTP{codes: make(map[string]string)}
}

func (f *fakeOTP) Issue(_ context.Context, purpose OTPPurpose, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	code := fmt.Sprintf("%06d", 100000+f.issued)
	f.codes[string(purpose)+":"+email] = code
	return code, nil
}

func (f *fakeOTP) Verify(_ context.Context, purpose OTPPurpose, email, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(purpose) + ":" + email
	want, ok := f.codes[key]
	if !ok {
		return ErrOTPExpired
	}
	if want != code {
		return ErrOTPInvalid
	}
	delete(f.codes, key)
	return nil
}

func (f *fakeOTP) Throttle(context.Context, OTPPurpose, string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wait, nil
}

func (f *fakeOTP) setWait(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wait = d
}

type sentCode struct {
	Email string
	Code  string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentCode
}

func (m *recordingMailer) SendOTP(_ context.Context, email, code string, _ OTPPurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentCode{Email: email, Code: code})
	return nil
}

func (m *recordingMailer) last(t *testing.T) sentCode {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no code was mailed")
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	dir := t.TempDir()
	priv := filepath.Join(dir, "private.pem")
	pub := filepath.Join(dir, "public.pem")
	require.NoError(t, GenerateKeyPair(priv, pub))

	m, err := NewJWTManager(config.JWTConfig{
		PrivateKeyPath:     priv,
		PublicKeyPath:      pub,
		AccessTokenExpire:  15 * time.Minute,
		RefreshTokenExpire: 24 * time.Hour,
		Issuer:             "thimblely-test",
		Audience:           "thimblely-app",
	})
	require.NoError(t, err)
	return m
}

type testEnv struct {
	svc    *Service
	users  *fakeUsers
	tokens *fakeTokens
	otp    *fakeOTP
	mailer *recordingMailer
	jwt    *JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		users:  newFakeUsers(),
		tokens: newFakeTokens(),
		otp:    newFakeOTP(),
		mailer: &recordingMailer{},
		jwt:    newTestJWTManager(t),
	}
	// Cheap argon2 costs keep the suite fast; production costs are covered in core.
	hasher := core.NewPasswordHasher(core.Argon2Params{Memory: 1024, Time: 1, Threads: 1})
	env.svc = NewService(env.tokens, env.jwt, env.users, nil, env.otp, env.mailer, hasher, nil)
	return env
}

// signUpAndVerify registers and confirms an account, returning its tokens.
func (e *testEnv) signUpAndVerify(t *testing.T, email, password string) *AuthResponse {
	t.Helper()
	ctx := context.Background()

	_, err := e.svc.SignUp(ctx, SignUpRequest{Email: email, Password: password})
	require.NoError(t, err)

	resp, err := e.svc.VerifyOTP(ctx, VerifyOTPRequest{
		Email: email,
		Code:  e.mailer.last(t).Code,
	}, ClientInfo{DeviceID: "laptop", UserAgent: "test-agent", IPAddress: "127.0.0.1"})
	require.NoError(t, err)
	return resp
}
