// AngelaMos | 2026
// provider.go

package sessiontest

import (
	"context"
	"sync"

	"github.com/thimblely/thimblely/internal/session"
)

// ProviderStub is a reusable session.IdentityProvider for tests. Each
// method delegates to its Fn field when set and otherwise succeeds with a
// zero value. Emit delivers events to every registered listener.
type ProviderStub struct {
	GetSessionFn func(ctx context.Context) (*session.ProviderSession, error)
	SignInFn     func(ctx context.Context, email, password string) (*session.ProviderSession, error)
	SignUpFn     func(ctx context.Context, in session.SignUpInput) (*session.SignUpResult, error)
	SignOutFn    func(ctx context.Context) error
	ResendOTPFn  func(ctx context.Context, email string) error
	VerifyOTPFn  func(ctx context.Context, email, code string) (*session.ProviderSession, error)

	mu           sync.Mutex
	listeners    map[int]func(session.AuthEvent)
	nextID       int
	unsubscribes int
	calls        []string
}

func (s *ProviderStub) GetSession(ctx context.Context) (*session.ProviderSession, error) {
	s.record("GetSession")
	if s.GetSessionFn != nil {
		return s.GetSessionFn(ctx)
	}
	return nil, nil
}

func (s *ProviderStub) OnAuthStateChange(fn func(session.AuthEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(session.AuthEvent))
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			s.unsubscribes++
		})
	}
}

func (s *ProviderStub) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*session.ProviderSession, error) {
	s.record("SignInWithPassword")
	if s.SignInFn != nil {
		return s.SignInFn(ctx, email, password)
	}
	return nil, nil
}

func (s *ProviderStub) SignUp(
	ctx context.Context,
	in session.SignUpInput,
) (*session.SignUpResult, error) {
	s.record("SignUp")
	if s.SignUpFn != nil {
		return s.SignUpFn(ctx, in)
	}
	return &session.SignUpResult{User: session.User{Email: in.Email}}, nil
}

func (s *ProviderStub) SignOut(ctx context.Context) error {
	s.record("SignOut")
	if s.SignOutFn != nil {
		return s.SignOutFn(ctx)
	}
	return nil
}

func (s *ProviderStub) ResendOTP(ctx context.Context, email string) error {
	s.record("ResendOTP")
	if s.ResendOTPFn != nil {
		return s.ResendOTPFn(ctx, email)
	}
	return nil
}

func (s *ProviderStub) VerifyOTP(
	ctx context.Context,
	email, code string,
) (*session.ProviderSession, error) {
	s.record("VerifyOTP")
	if s.VerifyOTPFn != nil {
		return s.VerifyOTPFn(ctx, email, code)
	}
	return nil, nil
}

// Emit synchronously delivers evt to every current listener.
func (s *ProviderStub) Emit(evt session.AuthEvent) {
	s.mu.Lock()
	fns := make([]func(session.AuthEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (s *ProviderStub) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *ProviderStub) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

func (s *ProviderStub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ProviderStub) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

var _ session.IdentityProvider = (*ProviderStub)(nil)

// NewSession builds a session for a user with the given id and email.
func NewSession(id, email string) *session.ProviderSession {
	return &session.ProviderSession{
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		TokenType:    "Bearer",
		User: session.User{
			ID:    id,
			Email: email,
		},
	}
}
