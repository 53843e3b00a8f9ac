// AngelaMos | 2026
// errors.go

package authclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned by the identity service.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailNotConfirmed  = "EMAIL_NOT_CONFIRMED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeDuplicate          = "DUPLICATE"
	CodeOTPInvalid         = "OTP_INVALID"
	CodeOTPExpired         = "OTP_EXPIRED"
)

// APIError is a non-2xx reply from the identity service. Message is safe
// to show to the user as-is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("identity service returned %d", e.Status)
}

func codeOf(err error) (int, string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0, "", false
	}
	return apiErr.Status, apiErr.Code, true
}

func IsInvalidCredentials(err error) bool {
	_, code, ok := codeOf(err)
	return ok && code == CodeInvalidCredentials
}

func IsEmailNotConfirmed(err error) bool {
	_, code, ok := codeOf(err)
	return ok && code == CodeEmailNotConfirmed
}

func IsRateLimited(err error) bool {
	status, code, ok := codeOf(err)
	return ok && (code == CodeRateLimited || status == http.StatusTooManyRequests)
}

// IsSessionGone reports whether the service no longer honours the tokens
// that were sent, so the local session should be discarded.
func IsSessionGone(err error) bool {
	status, _, ok := codeOf(err)
	return ok && status == http.StatusUnauthorized
}
