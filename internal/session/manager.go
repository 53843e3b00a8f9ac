// AngelaMos | 2026
// manager.go

// Package session keeps the device-wide record of who is signed in and
// bridges it to an IdentityProvider.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/thimblely/thimblely/internal/session"

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

type update struct {
	source  string
	apply   func(State) State
	applied chan struct{}
}

type observer struct {
	id uint64
	fn func(State)
}

// Manager owns the session state. Every write goes through one queue that
// a single goroutine drains in arrival order, so provider events and
// operation results never interleave mid-update.
//
// Observers run on that goroutine and must not call any Manager operation
// synchronously: every one of them, SignIn and VerifyOTP included, waits
// for the loop through its own update or the provider event it triggers.
// Hand the work to another goroutine instead.
type Manager struct {
	provider IdentityProvider
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        sync.RWMutex
	state     State
	observers []observer
	nextID    uint64

	updates  chan update
	done     chan struct{}
	loopDone chan struct{}
	loopOnce sync.Once
	started  atomic.Bool

	lifecycle   sync.Mutex
	initialized bool
	disposed    bool
	unsubscribe func()
}

func NewManager(provider IdentityProvider, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		state:    initialState(),
		updates:  make(chan update),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init subscribes to provider events and runs the first CheckAuth.
func (m *Manager) Init(ctx context.Context) error {
	m.lifecycle.Lock()
	if m.disposed {
		m.lifecycle.Unlock()
		return ErrDisposed
	}
	if m.initialized {
		m.lifecycle.Unlock()
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.startLoop()
	m.unsubscribe = m.provider.OnAuthStateChange(m.handleEvent)
	m.lifecycle.Unlock()

	m.logger.Debug("session manager initialized")
	m.CheckAuth(ctx)
	return nil
}

// Dispose unsubscribes from the provider and stops the update loop. State
// is frozen afterwards. Safe to call more than once.
func (m *Manager) Dispose() {
	m.lifecycle.Lock()
	if m.disposed {
		m.lifecycle.Unlock()
		return
	}
	m.disposed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	close(m.done)
	m.lifecycle.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if m.started.Load() {
		<-m.loopDone
	}
	m.logger.Debug("session manager disposed")
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

func (m *Manager) Status() Status {
	return m.State().Status()
}

// Subscribe registers fn to receive every state after it is applied.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// CheckAuth asks the provider for the current session and settles the
// state on it. Provider failures resolve to signed out.
func (m *Manager) CheckAuth(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "session.CheckAuth")
	defer span.End()

	if m.isDisposed() {
		return
	}

	m.enqueue(update{
		source: "check:start",
		apply: func(s State) State {
			s.IsLoading = true
			return s
		},
	})

	sess, err := invoke(func() (*ProviderSession, error) {
		return m.provider.GetSession(ctx)
	})
	if err != nil {
		m.logger.Warn("session check failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "get session")
		sess = nil
	}
	user := userOf(sess)
	span.SetAttributes(attribute.Bool("session.authenticated", user != nil))

	m.enqueue(update{
		source: "check:done",
		apply: func(s State) State {
			return resolveWith(s, user)
		},
	})
}

// SignIn does not touch state directly; the provider's SIGNED_IN event
// carries the user in.
func (m *Manager) SignIn(
	ctx context.Context,
	email, password string,
) Result[*ProviderSession] {
	ctx, span := m.tracer.Start(ctx, "session.SignIn")
	defer span.End()

	if m.isDisposed() {
		return fail[*ProviderSession](ErrDisposed)
	}

	sess, err := invoke(func() (*ProviderSession, error) {
		return m.provider.SignInWithPassword(ctx, email, password)
	})
	if err != nil {
		m.logger.Error("sign in failed", "email", email, "error", err)
		recordFailure(span, err)
		return fail[*ProviderSession](err)
	}
	return succeed(sess)
}

// SignUp never changes state; the account stays unconfirmed until
// VerifyOTP succeeds.
func (m *Manager) SignUp(
	ctx context.Context,
	email, password string,
	metadata map[string]any,
) Result[*SignUpResult] {
	ctx, span := m.tracer.Start(ctx, "session.SignUp")
	defer span.End()

	if m.isDisposed() {
		return fail[*SignUpResult](ErrDisposed)
	}

	out, err := invoke(func() (*SignUpResult, error) {
		return m.provider.SignUp(ctx, SignUpInput{
			Email:    email,
			Password: password,
			Metadata: metadata,
		})
	})
	if err != nil {
		m.logger.Error("sign up failed", "email", email, "error", err)
		recordFailure(span, err)
		return fail[*SignUpResult](err)
	}
	return succeed(out)
}

// SignOut clears the local user as soon as the provider confirms, without
// waiting for the SIGNED_OUT event.
func (m *Manager) SignOut(ctx context.Context) Result[struct{}] {
	ctx, span := m.tracer.Start(ctx, "session.SignOut")
	defer span.End()

	if m.isDisposed() {
		return fail[struct{}](ErrDisposed)
	}

	_, err := invoke(func() (struct{}, error) {
		return struct{}{}, m.provider.SignOut(ctx)
	})
	if err != nil {
		m.logger.Error("sign out failed", "error", err)
		recordFailure(span, err)
		return fail[struct{}](err)
	}

	m.enqueue(update{
		source: "sign_out",
		apply: func(s State) State {
			return resolveWith(s, nil)
		},
	})
	return succeed(struct{}{})
}

func (m *Manager) VerifyOTP(
	ctx context.Context,
	email, code string,
) Result[*ProviderSession] {
	ctx, span := m.tracer.Start(ctx, "session.VerifyOTP")
	defer span.End()

	if m.isDisposed() {
		return fail[*ProviderSession](ErrDisposed)
	}

	sess, err := invoke(func() (*ProviderSession, error) {
		return m.provider.VerifyOTP(ctx, email, code)
	})
	if err != nil {
		m.logger.Error("otp verification failed", "email", email, "error", err)
		recordFailure(span, err)
		return fail[*ProviderSession](err)
	}
	return succeed(sess)
}

func (m *Manager) ResendOTP(ctx context.Context, email string) Result[struct{}] {
	ctx, span := m.tracer.Start(ctx, "session.ResendOTP")
	defer span.End()

	if m.isDisposed() {
		return fail[struct{}](ErrDisposed)
	}

	_, err := invoke(func() (struct{}, error) {
		return struct{}{}, m.provider.ResendOTP(ctx, email)
	})
	if err != nil {
		m.logger.Error("otp resend failed", "email", email, "error", err)
		recordFailure(span, err)
		return fail[struct{}](err)
	}
	return succeed(struct{}{})
}

func (m *Manager) handleEvent(evt AuthEvent) {
	if m.isDisposed() {
		return
	}
	user := userOf(evt.Session)
	m.logger.Debug("auth event",
		"type", string(evt.Type),
		"authenticated", user != nil,
	)
	m.enqueue(update{
		source: "event:" + string(evt.Type),
		apply: func(s State) State {
			return resolveWith(s, user)
		},
	})
}

// enqueue hands u to the update loop and blocks until it has been applied
// or the manager is disposed. Reports whether u was accepted.
func (m *Manager) enqueue(u update) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	m.startLoop()
	u.applied = make(chan struct{})

	select {
	case m.updates <- u:
	case <-m.done:
		return false
	}
	<-u.applied
	return true
}

func (m *Manager) startLoop() {
	m.loopOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			return
		case u := <-m.updates:
			m.apply(u)
		}
	}
}

func (m *Manager) apply(u update) {
	defer close(u.applied)

	select {
	case <-m.done:
		return
	default:
	}

	m.mu.Lock()
	next := u.apply(m.state)
	next.IsAuthenticated = next.User != nil
	m.state = next
	observers := make([]observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Debug("session state applied",
		"source", u.source,
		"authenticated", next.IsAuthenticated,
		"loading", next.IsLoading,
	)

	for _, o := range observers {
		m.notify(o, next.clone())
	}
}

func (m *Manager) notify(o observer, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session observer panicked", "panic", r)
		}
	}()
	o.fn(s)
}

func (m *Manager) isDisposed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func recordFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
