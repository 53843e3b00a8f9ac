// AngelaMos | 2026
// provider.go

package session

import (
	"context"
)

// IdentityProvider is the external authentication backend the Manager
// bridges to. Any implementation offering these operations with the same
// semantics can be swapped in.
type IdentityProvider interface {
	// GetSession returns the current session or nil when there is none.
	GetSession(ctx context.Context) (*ProviderSession, error)

	// OnAuthStateChange registers fn for session-change notifications and
	// returns the func that removes it.
	OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func())

	SignInWithPassword(
		ctx context.Context,
		email, password string,
	) (*ProviderSession, error)

	// SignUp creates an account that must be confirmed with an emailed
	// one-time passcode. It never establishes a session.
	SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error)

	SignOut(ctx context.Context) error

	ResendOTP(ctx context.Context, email string) error

	VerifyOTP(
		ctx context.Context,
		email, code string,
	) (*ProviderSession, error)
}
