// AngelaMos | 2026
// entity.go

package auth

import (
	"time"
)

type RevokeReason string

const (
	RevokeLogout         RevokeReason = "logout"
	RevokeLogoutAll      RevokeReason = "logout_all"
	RevokeByUser         RevokeReason = "revoked_by_user"
	RevokeReuse          RevokeReason = "reuse_detected"
	RevokePasswordChange RevokeReason = "password_changed"
)

// SessionToken is one refresh token in a device session's rotation chain.
// All tokens of a chain share SessionID and at most one of them is live:
// not rotated, not revoked and not expired.
type SessionToken struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	SessionID    string     `db:"session_id"`
	TokenHash    string     `db:"token_hash"`
	DeviceID     string     `db:"device_id"`
	UserAgent    string     `db:"user_agent"`
	IPAddress    string     `db:"ip_address"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	RotatedAt    *time.Time `db:"rotated_at"`
	ReplacedByID *string    `db:"replaced_by_id"`
	RevokedAt    *time.Time `db:"revoked_at"`
	RevokeReason *string    `db:"revoke_reason"`
}

func (t *SessionToken) Rotated() bool {
	return t.RotatedAt != nil
}

func (t *SessionToken) Revoked() bool {
	return t.RevokedAt != nil
}

func (t *SessionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *SessionToken) Live(now time.Time) bool {
	return !t.Rotated() && !t.Revoked() && !t.Expired(now)
}

// ClientInfo identifies the device a session is issued to.
type ClientInfo struct {
	DeviceID  string
	UserAgent string
	IPAddress string
}
