// AngelaMos | 2026
// security.go

package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/thimblely/thimblely/internal/config"
)

const (
	argonKeyLen      = 32
	argonSaltLen     = 16
	refreshTokenSize = 32
)

var ErrMalformedHash = errors.New("malformed password hash")

// Argon2Params are the argon2id cost settings encoded into every hash.
type Argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
}

var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 1, Threads: 4}

func Argon2ParamsFromConfig(cfg config.PasswordConfig) Argon2Params {
	p := DefaultArgon2Params
	if cfg.Memory > 0 {
		p.Memory = cfg.Memory
	}
	if cfg.Time > 0 {
		p.Time = cfg.Time
	}
	if cfg.Threads > 0 {
		p.Threads = cfg.Threads
	}
	return p
}

// PasswordHasher hashes and verifies passwords in the PHC string format
// $argon2id$v=19$m=..,t=..,p=..$salt$hash. Hashes made with other costs
// still verify and are reported for rehashing.
type PasswordHasher struct {
	params Argon2Params

	dummyOnce sync.Once
	dummy     string
}

func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	return &PasswordHasher{params: params}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt,
		h.params.Time, h.params.Memory, h.params.Threads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against encoded. On a match made with outdated
// costs it also returns a fresh hash for the caller to store.
func (h *PasswordHasher) Verify(password, encoded string) (bool, string, error) {
	stored, err := parsePHC(encoded)
	if err != nil {
		return false, "", err
	}

	key := argon2.IDKey([]byte(password), stored.salt,
		stored.params.Time, stored.params.Memory, stored.params.Threads,
		//nolint:gosec // G115: key length is at most a few dozen bytes
		uint32(len(stored.key)))
	if subtle.ConstantTimeCompare(stored.key, key) != 1 {
		return false, "", nil
	}

	if stored.params == h.params && len(stored.key) == argonKeyLen {
		return true, "", nil
	}

	rehashed, err := h.Hash(password)
	if err != nil {
		//nolint:nilerr // the password matched; upgrading the hash can wait
		return true, "", nil
	}
	return true, rehashed, nil
}

// VerifyOrBurn behaves like Verify but spends the same work on a dummy
// hash when the account has none, so unknown emails cost as much as wrong
// passwords.
func (h *PasswordHasher) VerifyOrBurn(password, encoded string) (bool, string, error) {
	if encoded != "" {
		return h.Verify(password, encoded)
	}

	h.dummyOnce.Do(func() {
		//nolint:errcheck // rand failure leaves dummy empty; Verify then errors fast
		h.dummy, _ = h.Hash("thimblely-timing-equaliser")
	})
	//nolint:errcheck // only the work matters here
	_, _, _ = h.Verify(password, h.dummy)
	return false, "", nil
}

type phcHash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("%w: want 6 fields", ErrMalformedHash)
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil ||
		version != argon2.Version {
		return nil, fmt.Errorf("%w: version %q", ErrMalformedHash, parts[2])
	}

	var out phcHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
		&out.params.Memory, &out.params.Time, &out.params.Threads); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrMalformedHash, err)
	}

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrMalformedHash, err)
	}
	if len(out.key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedHash)
	}

	return &out, nil
}

// GenerateRefreshToken returns 32 random bytes, base64url without padding.
func GenerateRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateOTP returns a zero-padded numeric code of the given length.
func GenerateOTP(digits int) (string, error) {
	if digits <= 0 || digits > 10 {
		return "", fmt.Errorf("generate otp: invalid length %d", digits)
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}

	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashToken is the at-rest form of refresh tokens and OTP codes.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func CompareTokenHash(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
