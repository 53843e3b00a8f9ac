// AngelaMos | 2026
// middleware_test.go

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/thimblely/thimblely/internal/config"
	"github.com/thimblely/thimblely/internal/core"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env core.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36)
}

func TestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "/brew", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, len("short and stout"), line["bytes"])
	assert.NotEmpty(t, line["request_id"])
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(false)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	SecurityHeaders(true)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins:   []string{"https://app.thimblely.com"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	h := CORS(cfg)(okHandler)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
		req.Header.Set("Origin", "https://app.thimblely.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.thimblely.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "POST", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("preflight from unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("actual request exposes request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
		req.Header.Set("Origin", "https://app.thimblely.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.thimblely.com", rec.Header().Get("Access-Control-Allow-Origin"))
		exposed := strings.ToLower(rec.Header().Get("Access-Control-Expose-Headers"))
		assert.Contains(t, exposed, "x-request-id")
		assert.Contains(t, exposed, "retry-after")
	})

	t.Run("wildcard never sends credentials", func(t *testing.T) {
		wild := CORS(config.CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true})(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://anyone.example")
		rec := httptest.NewRecorder()
		wild.ServeHTTP(rec, req)

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	})
}

type stubVerifier struct {
	claims *AccessTokenClaims
	err    error
}

func (s stubVerifier) VerifyAccessToken(context.Context, string) (*AccessTokenClaims, error) {
	return s.claims, s.err
}

func TestAuthenticator(t *testing.T) {
	claims := &AccessTokenClaims{UserID: "u1", Email: "ada@example.com", TokenID: "jti-1"}
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", GetUserID(r.Context()))
		assert.Equal(t, "jti-1", GetClaims(r.Context()).TokenID)
		w.WriteHeader(http.StatusOK)
	})

	revoked := func(context.Context, *AccessTokenClaims) error { return core.ErrTokenRevoked }
	deleted := func(context.Context, *AccessTokenClaims) error { return core.ErrNotFound }
	storeDown := func(context.Context, *AccessTokenClaims) error { return errors.New("dial tcp: connection refused") }

	tests := []struct {
		name     string
		header   string
		verifier stubVerifier
		checks   []TokenCheck
		status   int
		code     string
	}{
		{"missing token", "", stubVerifier{claims: claims}, nil, http.StatusUnauthorized, core.CodeUnauthorized},
		{"wrong scheme", "Basic abc", stubVerifier{claims: claims}, nil, http.StatusUnauthorized, core.CodeUnauthorized},
		{"expired", "Bearer t", stubVerifier{err: core.ErrTokenExpired}, nil, http.StatusUnauthorized, core.CodeTokenExpired},
		{"garbage", "Bearer t", stubVerifier{err: errors.New("bad sig")}, nil, http.StatusUnauthorized, core.CodeTokenInvalid},
		{"revoked by check", "Bearer t", stubVerifier{claims: claims}, []TokenCheck{revoked}, http.StatusUnauthorized, core.CodeTokenRevoked},
		{"deleted user", "Bearer t", stubVerifier{claims: claims}, []TokenCheck{deleted}, http.StatusUnauthorized, core.CodeTokenRevoked},
		{"check unavailable", "Bearer t", stubVerifier{claims: claims}, []TokenCheck{storeDown}, http.StatusInternalServerError, core.CodeInternal},
		{"empty bearer", "Bearer ", stubVerifier{claims: claims}, nil, http.StatusUnauthorized, core.CodeUnauthorized},
		{"valid", "bearer t", stubVerifier{claims: claims}, nil, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Authenticator(tt.verifier, tt.checks...)(protected).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, rec))
			}
		})
	}
}

func TestEmailFromBodyRestoresBody(t *testing.T) {
	body := `{"email":"  Ada@Example.com ","password":"s3cret-pass"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))

	key := KeyByEmail(req)
	assert.Equal(t, "email:"+core.HashToken("ada@example.com"), key)

	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(rest))
}

func TestEmailFromBodyKeepsLargeBodies(t *testing.T) {
	body := `{"email":"a@b.co","pad":"` + strings.Repeat("x", maxPeekBody) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	assert.Empty(t, EmailFromBody(req))
	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Len(t, rest, len(body))
}

func TestKeyByEmailFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "ip:203.0.113.7", KeyByEmail(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.1, 198.51.100.2")
	assert.Equal(t, "ip:198.51.100.2", KeyByIP(req))
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRateLimiterFallsBackToLocal(t *testing.T) {
	rl := NewRateLimiter(unreachableRedis(t), RateLimitConfig{
		Name:       "test",
		Limit:      PerMinute(1, 2),
		BypassFunc: SkipPaths("/livez"),
	})
	h := rl.Handler(okHandler)

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("/").Code)
	assert.Equal(t, http.StatusOK, call("/").Code)

	rec := call("/")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, core.CodeRateLimited, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	for range 5 {
		assert.Equal(t, http.StatusOK, call("/livez").Code)
	}
}

func TestLocalLimiterSweepsIdleBuckets(t *testing.T) {
	l := newLocalLimiter(PerMinute(60, 1))
	l.allow("ip:192.0.2.1")

	stale, ok := l.buckets.Load("ip:192.0.2.1")
	require.True(t, ok)
	stale.(*localBucket).lastSeen.Store(time.Now().Add(-2 * localEntryTTL).UnixNano())
	l.nextSweep.Store(0)

	l.allow("ip:192.0.2.2")

	_, ok = l.buckets.Load("ip:192.0.2.1")
	assert.False(t, ok)
	_, ok = l.buckets.Load("ip:192.0.2.2")
	assert.True(t, ok)
}

func TestLimitersDoNotShareKeys(t *testing.T) {
	global := NewRateLimiter(unreachableRedis(t), RateLimitConfig{Name: "global"})
	creds := NewRateLimiter(unreachableRedis(t), RateLimitConfig{Name: "credentials"})
	unnamed := NewRateLimiter(unreachableRedis(t), RateLimitConfig{})

	assert.NotEqual(t, global.prefix, creds.prefix)
	assert.Equal(t, "ratelimit:default:", unnamed.prefix)
}

func TestTracingNamesSpanByRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(Tracing(tp.Tracer("test")))
	r.Get("/v1/auth/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/auth/sessions/abc", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/auth/sessions/{id}", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
