// AngelaMos | 2026
// provider.go

package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thimblely/thimblely/internal/session"
)

const (
	defaultRefreshMargin = time.Minute
	minRefreshInterval   = 5 * time.Second
)

type ProviderOption func(*Provider)

func WithVerifier(v *Verifier) ProviderOption {
	return func(p *Provider) {
		p.verifier = v
	}
}

func WithRefreshMargin(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.margin = d
		}
	}
}

func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// Provider implements session.IdentityProvider against the identity
// service, persisting the device session in Storage. Events are delivered
// synchronously on the goroutine that caused them, in the order the
// session changed. Listeners must not call back into the Provider
// synchronously.
type Provider struct {
	client   *Client
	storage  Storage
	verifier *Verifier
	margin   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *session.ProviderSession
	loaded  bool

	// emu is taken before mu is released and held through delivery.
	emu sync.Mutex

	lmu       sync.Mutex
	listeners map[uint64]func(session.AuthEvent)
	nextID    uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProvider(client *Client, storage Storage, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:    client,
		storage:   storage,
		margin:    defaultRefreshMargin,
		logger:    slog.Default(),
		now:       time.Now,
		listeners: make(map[uint64]func(session.AuthEvent)),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetSession restores the stored session, refreshing it when it is within
// the refresh margin of expiry.
func (p *Provider) GetSession(ctx context.Context) (*session.ProviderSession, error) {
	p.mu.Lock()
	sess, evt, err := p.resolveLocked(ctx)
	p.unlockAndEmit(evt)

	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (p *Provider) resolveLocked(
	ctx context.Context,
) (*session.ProviderSession, *session.AuthEvent, error) {
	if !p.loaded {
		stored, err := p.storage.Load(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load session: %w", err)
		}
		p.current = stored
		p.loaded = true
	}

	sess := p.current
	if sess == nil {
		return nil, nil, nil
	}

	var evt *session.AuthEvent
	if sess.ExpiresWithin(p.margin, p.now()) {
		next, refreshEvt, err := p.refreshLocked(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		sess, evt = next, refreshEvt
	}
	if sess == nil || p.verifier == nil {
		return sess, evt, nil
	}

	if err := p.verifier.Verify(ctx, sess.AccessToken); err != nil {
		if !errors.Is(err, ErrTokenRejected) {
			p.logger.Warn("token verification unavailable", "error", err)
			return sess, evt, nil
		}
		p.logger.Warn("stored session rejected", "error", err)
		p.clearLocked(ctx)
		return nil, &session.AuthEvent{Type: session.EventSignedOut}, nil
	}
	return sess, evt, nil
}

func (p *Provider) refreshLocked(
	ctx context.Context,
	sess *session.ProviderSession,
) (*session.ProviderSession, *session.AuthEvent, error) {
	resp, err := p.client.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if IsSessionGone(err) {
			p.logger.Info("session ended by identity service", "error", err)
			p.clearLocked(ctx)
			return nil, &session.AuthEvent{Type: session.EventSignedOut}, nil
		}
		if sess.Expired(p.now()) {
			return nil, nil, fmt.Errorf("refresh session: %w", err)
		}
		p.logger.Warn("session refresh failed, keeping current tokens", "error", err)
		return sess, nil, nil
	}

	next := resp.toSession()
	p.storeLocked(ctx, next)
	return next, &session.AuthEvent{
		Type:    session.EventTokenRefreshed,
		Session: next.Clone(),
	}, nil
}

func (p *Provider) OnAuthStateChange(fn func(session.AuthEvent)) func() {
	p.lmu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.lmu.Unlock()

	return func() {
		p.lmu.Lock()
		delete(p.listeners, id)
		p.lmu.Unlock()
	}
}

func (p *Provider) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*session.ProviderSession, error) {
	resp, err := p.client.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp), nil
}

func (p *Provider) SignUp(
	ctx context.Context,
	in session.SignUpInput,
) (*session.SignUpResult, error) {
	resp, err := p.client.SignUp(ctx, in)
	if err != nil {
		return nil, err
	}
	return &session.SignUpResult{
		User:               resp.User.toUser(),
		ConfirmationSentAt: resp.ConfirmationSentAt,
	}, nil
}

// SignOut revokes the tokens server-side when it can and always discards
// the local session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	if !p.loaded {
		p.current = p.loadForSignOut(ctx)
		p.loaded = true
	}
	sess := p.current

	if sess != nil {
		if err := p.client.Logout(ctx, sess.AccessToken, sess.RefreshToken); err != nil {
			p.logger.Warn("server logout failed", "error", err)
		}
	}

	p.current = nil
	err := p.storage.Delete(ctx)
	p.unlockAndEmit(&session.AuthEvent{Type: session.EventSignedOut})

	if err != nil {
		return fmt.Errorf("delete stored session: %w", err)
	}
	return nil
}

// loadForSignOut finds the stored tokens so they can be revoked. A failed
// load is retried once unless the stored session is corrupt.
func (p *Provider) loadForSignOut(ctx context.Context) *session.ProviderSession {
	stored, err := p.storage.Load(ctx)
	if err == nil {
		return stored
	}
	p.logger.Warn("load session for sign out failed", "error", err)
	if errors.Is(err, ErrCorruptSession) {
		return nil
	}

	stored, err = p.storage.Load(ctx)
	if err != nil {
		p.logger.Warn("stored session left unrevoked", "error", err)
		return nil
	}
	return stored
}

func (p *Provider) ResendOTP(ctx context.Context, email string) error {
	return p.client.ResendOTP(ctx, email)
}

func (p *Provider) VerifyOTP(
	ctx context.Context,
	email, code string,
) (*session.ProviderSession, error) {
	resp, err := p.client.VerifyOTP(ctx, email, code)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp), nil
}

// AccessToken returns a currently valid access token, or "" when signed
// out.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	sess, err := p.GetSession(ctx)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// StartAutoRefresh keeps the session fresh in the background until ctx is
// done or Close is called.
func (p *Provider) StartAutoRefresh(ctx context.Context) {
	interval := p.margin / 2
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				if _, err := p.GetSession(ctx); err != nil {
					p.logger.Warn("background refresh failed", "error", err)
				}
			}
		}
	}()
}

func (p *Provider) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *Provider) establish(ctx context.Context, resp *AuthResponse) *session.ProviderSession {
	next := resp.toSession()

	p.mu.Lock()
	p.loaded = true
	p.storeLocked(ctx, next)
	p.unlockAndEmit(&session.AuthEvent{Type: session.EventSignedIn, Session: next.Clone()})

	return next.Clone()
}

func (p *Provider) storeLocked(ctx context.Context, sess *session.ProviderSession) {
	p.current = sess
	if err := p.storage.Save(ctx, sess); err != nil {
		p.logger.Warn("persist session failed", "error", err)
	}
}

func (p *Provider) clearLocked(ctx context.Context) {
	p.current = nil
	if err := p.storage.Delete(ctx); err != nil {
		p.logger.Warn("delete stored session failed", "error", err)
	}
}

// unlockAndEmit releases mu and delivers evt, if any. The next writer
// cannot deliver until this delivery finishes, so listeners never see a
// change after the one that replaced it.
func (p *Provider) unlockAndEmit(evt *session.AuthEvent) {
	if evt == nil {
		p.mu.Unlock()
		return
	}
	p.emu.Lock()
	p.mu.Unlock()
	defer p.emu.Unlock()
	p.emit(*evt)
}

func (p *Provider) emit(evt session.AuthEvent) {
	p.lmu.Lock()
	fns := make([]func(session.AuthEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.lmu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

var _ session.IdentityProvider = (*Provider)(nil)
