// AngelaMos | 2026
// types.go

package session

import (
	"maps"
	"time"
)

type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with u.
func (u User) Clone() User {
	out := u
	if u.Metadata != nil {
		out.Metadata = maps.Clone(u.Metadata)
	}
	if u.EmailConfirmedAt != nil {
		t := *u.EmailConfirmedAt
		out.EmailConfirmedAt = &t
	}
	return out
}

func (u User) MetadataString(key string) string {
	if v, ok := u.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// ProviderSession is the token-bearing session handed out by the identity
// provider.
type ProviderSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

func (s *ProviderSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

func (s *ProviderSession) ExpiresWithin(d time.Duration, now time.Time) bool {
	return !s.ExpiresAt.After(now.Add(d))
}

func (s *ProviderSession) Clone() *ProviderSession {
	if s == nil {
		return nil
	}
	out := *s
	out.User = s.User.Clone()
	return &out
}

type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// AuthEvent is a session-change notification. A nil Session means the
// provider no longer holds a session for this device.
type AuthEvent struct {
	Type    EventType
	Session *ProviderSession
}

type SignUpInput struct {
	Email    string
	Password string
	Metadata map[string]any
}

type SignUpResult struct {
	User               User      `json:"user"`
	ConfirmationSentAt time.Time `json:"confirmation_sent_at"`
}
