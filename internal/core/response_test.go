// AngelaMos | 2026
// response_test.go

package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thimblely/thimblely/internal/config"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestJSONError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", UnauthorizedError("nope"), http.StatusUnauthorized, CodeUnauthorized},
		{"wrapped app error", fmt.Errorf("ctx: %w", TokenRevokedError()), http.StatusUnauthorized, CodeTokenRevoked},
		{"rate limited", RateLimitedError("slow down"), http.StatusTooManyRequests, CodeRateLimited},
		{"too large", PayloadTooLargeError("body"), http.StatusRequestEntityTooLarge, CodeBadRequest},
		{"plain error", errors.New("db down"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			JSONError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			env := decodeEnvelope(t, rec)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONError(rec, errors.New("pq: password authentication failed"))

	assert.NotContains(t, rec.Body.String(), "password authentication")
}

func TestOKWrapsData(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"id": "u1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, map[string]any{"id": "u1"}, env.Data)
}

func TestAppErrorUnwrap(t *testing.T) {
	err := NewAppError(ErrNotFound, "user not found", http.StatusNotFound, CodeNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsAppError(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsAppError(ErrNotFound))
}

func TestFormatValidationError(t *testing.T) {
	type req struct {
		Email    string `validate:"required,email"`
		Password string `validate:"min=8"`
		Code     string `validate:"len=6,numeric"`
	}

	err := validator.New().Struct(req{Email: "bad", Password: "short", Code: "12"})
	require.Error(t, err)

	msg := FormatValidationError(err)
	assert.Contains(t, msg, "email must be a valid email")
	assert.Contains(t, msg, "password must be at least 8 characters")
	assert.Contains(t, msg, "code must be exactly 6 characters")

	assert.Equal(t, "invalid request", FormatValidationError(errors.New("boom")))
}

func TestNewLoggerRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", "k", "v")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])
}
