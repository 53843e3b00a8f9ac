// AngelaMos | 2026
// provider_test.go

package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thimblely/thimblely/internal/session"
)

type fakeService struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
	auth   map[string]string
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	f := &fakeService{
		t:      t,
		routes: make(map[string]http.HandlerFunc),
		hits:   make(map[string]int),
		auth:   make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.hits[key]++
		f.auth[key] = r.Header.Get("Authorization")
		h, ok := f.routes[key]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

func (f *fakeService) hitCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+path]
}

func (f *fakeService) authHeader(method, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[method+" "+path]
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data}) //nolint:errcheck
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func authPayload(id, email, access string, expiresAt time.Time) AuthResponse {
	return AuthResponse{
		User: UserResponse{
			ID:       id,
			Email:    email,
			Role:     "user",
			Metadata: map[string]any{"name": "Ada"},
		},
		Tokens: TokenResponse{
			AccessToken:  access,
			RefreshToken: "refresh-" + access,
			TokenType:    "Bearer",
			ExpiresIn:    int(time.Until(expiresAt).Seconds()),
			ExpiresAt:    expiresAt,
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []session.AuthEvent
}

func (l *eventLog) record(evt session.AuthEvent) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) types() []session.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestProvider(
	t *testing.T,
	srv *httptest.Server,
	storage Storage,
	opts ...ProviderOption,
) (*Provider, *eventLog) {
	t.Helper()
	p := NewProvider(NewClient(srv.URL, 5*time.Second, nil), storage, opts...)
	t.Cleanup(p.Close)
	log := &eventLog{}
	p.OnAuthStateChange(log.record)
	return p, log
}

func TestProvider_SignInPersistsAndEmits(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body.Email)
		writeData(w, http.StatusOK, authPayload("u1", body.Email, "tok1", time.Now().Add(15*time.Minute)))
	})

	storage := NewMemoryStorage()
	p, events := newTestProvider(t, srv, storage)

	sess, err := p.SignInWithPassword(context.Background(), "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "tok1", sess.AccessToken)
	assert.Equal(t, "Ada", sess.User.MetadataString("name"))

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "tok1", stored.AccessToken)
	assert.Equal(t, []session.EventType{session.EventSignedIn}, events.types())
}

func TestProvider_SignInInvalidCredentials(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid login credentials")
	})

	p, events := newTestProvider(t, srv, NewMemoryStorage())

	sess, err := p.SignInWithPassword(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.True(t, IsInvalidCredentials(err))
	assert.EqualError(t, err, "Invalid login credentials")
	assert.Empty(t, events.types())
}

func TestProvider_SignInUnconfirmedEmail(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusForbidden, CodeEmailNotConfirmed, "Email not confirmed")
	})

	p, _ := newTestProvider(t, srv, NewMemoryStorage())

	_, err := p.SignInWithPassword(context.Background(), "ada@example.com", "pw")
	assert.True(t, IsEmailNotConfirmed(err))
	assert.False(t, IsSessionGone(err))
}

func TestProvider_GetSessionWithoutStoredSession(t *testing.T) {
	_, srv := newFakeService(t)
	p, events := newTestProvider(t, srv, NewMemoryStorage())

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Empty(t, events.types())
}

func TestProvider_GetSessionRestoresFreshSession(t *testing.T) {
	f, srv := newFakeService(t)
	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "stored",
		RefreshToken: "refresh-stored",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         session.User{ID: "u1", Email: "ada@example.com"},
	}))
	p, events := newTestProvider(t, srv, storage)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "stored", sess.AccessToken)
	assert.Equal(t, 0, f.hitCount(http.MethodPost, pathRefresh))
	assert.Empty(t, events.types())
}

func TestProvider_GetSessionRefreshesNearExpiry(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathRefresh, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-old", body.RefreshToken)
		writeData(w, http.StatusOK, authPayload("u1", "ada@example.com", "new", time.Now().Add(15*time.Minute)))
	})

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(10 * time.Second),
		User:         session.User{ID: "u1", Email: "ada@example.com"},
	}))
	p, events := newTestProvider(t, srv, storage, WithRefreshMargin(time.Minute))

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "new", sess.AccessToken)
	assert.Equal(t, []session.EventType{session.EventTokenRefreshed}, events.types())

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", stored.AccessToken)
}

func TestProvider_GetSessionClearsWhenRefreshRejected(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathRefresh, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusUnauthorized, "TOKEN_REVOKED", "token has been revoked")
	})

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         session.User{ID: "u1"},
	}))
	p, events := newTestProvider(t, srv, storage)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, []session.EventType{session.EventSignedOut}, events.types())

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestProvider_GetSessionKeepsTokensWhenRefreshUnavailable(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathRefresh, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	})

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "still-valid",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(20 * time.Second),
		User:         session.User{ID: "u1"},
	}))
	p, _ := newTestProvider(t, srv, storage)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "still-valid", sess.AccessToken)
}

func TestProvider_GetSessionFailsWhenExpiredAndUnreachable(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathRefresh, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusBadGateway, "", "")
	})

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "expired",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         session.User{ID: "u1"},
	}))
	p, _ := newTestProvider(t, srv, storage)

	sess, err := p.GetSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestProvider_SignOutAlwaysClearsLocalSession(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogout, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	})

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "tok",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         session.User{ID: "u1"},
	}))
	p, events := newTestProvider(t, srv, storage)

	require.NoError(t, p.SignOut(context.Background()))

	assert.Equal(t, 1, f.hitCount(http.MethodPost, pathLogout))
	assert.Equal(t, "Bearer tok", f.authHeader(http.MethodPost, pathLogout))
	assert.Equal(t, []session.EventType{session.EventSignedOut}, events.types())

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestProvider_SignUpAndVerify(t *testing.T) {
	f, srv := newFakeService(t)
	sentAt := time.Now().UTC().Truncate(time.Second)
	f.handle(http.MethodPost, pathSignUp, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string         `json:"email"`
			Metadata map[string]any `json:"metadata"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "maker", body.Metadata["role"])
		writeData(w, http.StatusCreated, SignUpResponse{
			User:               UserResponse{ID: "u9", Email: body.Email, Metadata: body.Metadata},
			ConfirmationSentAt: sentAt,
		})
	})
	f.handle(http.MethodPost, pathVerify, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string `json:"email"`
			Code  string `json:"code"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Code != "123456" {
			writeFailure(w, http.StatusBadRequest, CodeOTPInvalid, "Token has expired or is invalid")
			return
		}
		writeData(w, http.StatusOK, authPayload("u9", body.Email, "verified", time.Now().Add(15*time.Minute)))
	})

	storage := NewMemoryStorage()
	p, events := newTestProvider(t, srv, storage)
	ctx := context.Background()

	res, err := p.SignUp(ctx, session.SignUpInput{
		Email:    "ada@example.com",
		Password: "correct-horse",
		Metadata: map[string]any{"name": "Ada", "role": "maker"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u9", res.User.ID)
	assert.True(t, sentAt.Equal(res.ConfirmationSentAt))
	assert.Empty(t, events.types())

	_, err = p.VerifyOTP(ctx, "ada@example.com", "000000")
	require.Error(t, err)
	assert.EqualError(t, err, "Token has expired or is invalid")

	sess, err := p.VerifyOTP(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, "verified", sess.AccessToken)
	assert.Equal(t, []session.EventType{session.EventSignedIn}, events.types())
}

func TestProvider_ResendRateLimited(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathResend, func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusTooManyRequests, CodeRateLimited, "For security purposes, you can only request this once every 60 seconds")
	})

	p, _ := newTestProvider(t, srv, NewMemoryStorage())

	err := p.ResendOTP(context.Background(), "ada@example.com")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestProvider_UnsubscribeStopsEvents(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogout, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p := NewProvider(NewClient(srv.URL, time.Second, nil), NewMemoryStorage())
	log := &eventLog{}
	unsubscribe := p.OnAuthStateChange(log.record)
	unsubscribe()

	require.NoError(t, p.SignOut(context.Background()))
	assert.Empty(t, log.types())
}

func TestProvider_DrivesSessionManager(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, authPayload("u1", "ada@example.com", "tok", time.Now().Add(15*time.Minute)))
	})
	f.handle(http.MethodPost, pathLogout, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p := NewProvider(NewClient(srv.URL, time.Second, nil), NewMemoryStorage())
	t.Cleanup(p.Close)
	m := session.NewManager(p)
	t.Cleanup(m.Dispose)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	assert.Equal(t, session.StatusUnauthenticated, m.Status())

	res := m.SignIn(ctx, "ada@example.com", "correct-horse")
	require.True(t, res.Success)
	require.NotNil(t, m.State().User)
	assert.Equal(t, "u1", m.State().User.ID)

	out := m.SignOut(ctx)
	require.True(t, out.Success)
	assert.Equal(t, session.StatusUnauthenticated, m.Status())
}

func TestProvider_AutoRefreshStopsOnClose(t *testing.T) {
	_, srv := newFakeService(t)
	p := NewProvider(NewClient(srv.URL, time.Second, nil), NewMemoryStorage())

	p.StartAutoRefresh(context.Background())
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the refresh loop")
	}
	p.Close()
}

func TestClient_SendsDeviceID(t *testing.T) {
	f, srv := newFakeService(t)
	seen := make(chan string, 1)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Device-ID")
		writeData(w, http.StatusOK, authPayload("u1", "ada@example.com", "tok", time.Now().Add(15*time.Minute)))
	})

	client := NewClient(srv.URL, time.Second, nil)
	client.DeviceID = "workbench-7"
	p := NewProvider(client, NewMemoryStorage())
	t.Cleanup(p.Close)

	_, err := p.SignInWithPassword(context.Background(), "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "workbench-7", <-seen)
}

// signalStorage reports each Delete so a test can tell when SignOut has
// cleared the session.
type signalStorage struct {
	*MemoryStorage
	deleted chan struct{}
}

func (s *signalStorage) Delete(ctx context.Context) error {
	err := s.MemoryStorage.Delete(ctx)
	select {
	case s.deleted <- struct{}{}:
	default:
	}
	return err
}

// flakyStorage fails the first len(loadErrs) loads.
type flakyStorage struct {
	*MemoryStorage
	mu       sync.Mutex
	loadErrs []error
	loads    int
}

func (s *flakyStorage) Load(ctx context.Context) (*session.ProviderSession, error) {
	s.mu.Lock()
	s.loads++
	if len(s.loadErrs) > 0 {
		err := s.loadErrs[0]
		s.loadErrs = s.loadErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return s.MemoryStorage.Load(ctx)
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestProvider_RefreshRacingSignOutDeliversInOrder(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogin, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, authPayload("u1", "ada@example.com", "tok", time.Now().Add(10*time.Second)))
	})
	f.handle(http.MethodPost, pathRefresh, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, authPayload("u1", "ada@example.com", "fresh", time.Now().Add(15*time.Minute)))
	})
	f.handle(http.MethodPost, pathLogout, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	storage := &signalStorage{MemoryStorage: NewMemoryStorage(), deleted: make(chan struct{}, 1)}
	p := NewProvider(NewClient(srv.URL, 5*time.Second, nil), storage, WithRefreshMargin(time.Minute))
	t.Cleanup(p.Close)
	m := session.NewManager(p)
	t.Cleanup(m.Dispose)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	require.True(t, m.SignIn(ctx, "ada@example.com", "correct-horse").Success)
	require.Equal(t, session.StatusAuthenticated, m.Status())

	events := &eventLog{}
	p.OnAuthStateChange(events.record)

	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.OnAuthStateChange(func(evt session.AuthEvent) {
		if evt.Type == session.EventTokenRefreshed {
			once.Do(func() {
				close(held)
				<-release
			})
		}
	})

	refreshed := make(chan error, 1)
	go func() {
		_, err := p.GetSession(ctx)
		refreshed <- err
	}()
	receive(t, held, "refresh delivery")

	signedOut := make(chan session.Result[struct{}], 1)
	go func() {
		signedOut <- m.SignOut(ctx)
	}()
	receive(t, storage.deleted, "sign out to clear storage")
	close(release)

	require.NoError(t, receive(t, refreshed, "refresh"))
	assert.True(t, receive(t, signedOut, "sign out").Success)

	assert.Equal(t,
		[]session.EventType{session.EventTokenRefreshed, session.EventSignedOut},
		events.types())
	assert.Equal(t, session.StatusUnauthenticated, m.Status())
	assert.Nil(t, m.State().User)

	stored, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestProvider_SignOutRetriesTransientLoadFailure(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, pathLogout, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	storage := &flakyStorage{
		MemoryStorage: NewMemoryStorage(),
		loadErrs:      []error{errors.New("redis get: i/o timeout")},
	}
	require.NoError(t, storage.Save(context.Background(), &session.ProviderSession{
		AccessToken:  "tok",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         session.User{ID: "u1"},
	}))
	p, events := newTestProvider(t, srv, storage)

	require.NoError(t, p.SignOut(context.Background()))

	assert.Equal(t, 2, storage.loads)
	assert.Equal(t, 1, f.hitCount(http.MethodPost, pathLogout))
	assert.Equal(t, "Bearer tok", f.authHeader(http.MethodPost, pathLogout))
	assert.Equal(t, []session.EventType{session.EventSignedOut}, events.types())
}

func TestProvider_SignOutSkipsRevocationForCorruptSession(t *testing.T) {
	f, srv := newFakeService(t)
	storage := &flakyStorage{
		MemoryStorage: NewMemoryStorage(),
		loadErrs:      []error{fmt.Errorf("decode session file: %w", ErrCorruptSession)},
	}
	p, events := newTestProvider(t, srv, storage)

	require.NoError(t, p.SignOut(context.Background()))

	assert.Equal(t, 1, storage.loads)
	assert.Zero(t, f.hitCount(http.MethodPost, pathLogout))
	assert.Equal(t, []session.EventType{session.EventSignedOut}, events.types())
}
