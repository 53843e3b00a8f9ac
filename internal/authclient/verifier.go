// AngelaMos | 2026
// verifier.go

package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// ErrTokenRejected means the access token failed signature or claim
// checks. Transport failures while fetching keys are not wrapped in it.
var ErrTokenRejected = errors.New("access token rejected")

type keySource interface {
	FetchJWKS(ctx context.Context) ([]byte, error)
}

// Verifier checks access tokens against the service's published JWKS.
type Verifier struct {
	source   keySource
	issuer   string
	audience string

	mu   sync.Mutex
	keys jwk.Set
}

func NewVerifier(source keySource, issuer, audience string) *Verifier {
	return &Verifier{
		source:   source,
		issuer:   issuer,
		audience: audience,
	}
}

func (v *Verifier) Verify(ctx context.Context, token string) error {
	keys, cached, err := v.keySet(ctx, false)
	if err != nil {
		return err
	}

	err = v.parse(token, keys)
	if err == nil {
		return nil
	}
	if !cached {
		return fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	// The cached set may predate a signing key rollover.
	keys, _, ferr := v.keySet(ctx, true)
	if ferr != nil {
		return ferr
	}
	if err := v.parse(token, keys); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	return nil
}

func (v *Verifier) parse(token string, keys jwk.Set) error {
	_, err := jwt.Parse(
		[]byte(token),
		jwt.WithKeySet(keys),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	return err
}

func (v *Verifier) keySet(ctx context.Context, refresh bool) (jwk.Set, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil && !refresh {
		return v.keys, true, nil
	}

	raw, err := v.source.FetchJWKS(ctx)
	if err != nil {
		return nil, false, err
	}
	keys, err := jwk.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("parse jwks: %w", err)
	}
	v.keys = keys
	return keys, false, nil
}
