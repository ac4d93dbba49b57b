// Package auth implements §4.D: speaker token verification with a
// never-reject, anonymous-downgrade-on-failure policy. Generalized from
// smh0519-KRAFTON-JUNGLE-EUM/backend/internal/auth/jwt.go's single static
// HMAC secret into a KeySource abstraction whose keyfunc the Verifier caches
// with a TTL; the only KeySource in this package is StaticKeySource (one
// HMAC secret). The Claims-embedding and sentinel-error style is kept from
// that file.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
)

// Claims mirrors smh0519's Claims shape: application fields embedded
// alongside jwt.RegisteredClaims.
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// tokenUseIdentity is the only token_use value Verify accepts (§4.D
// "token-use (identity, not access)"): an access token presented here is
// rejected the same as a bad signature. An empty token_use is treated as
// identity too, for issuers that don't set the claim at all.
const tokenUseIdentity = "id"

// Principal is the verifier's output: either an authenticated identity or
// the anonymous listener principal (§4.D).
type Principal struct {
	UserID string
	Role   string // "authenticated" | "anonymous"
}

const (
	RoleAuthenticated = "authenticated"
	RoleAnonymous     = "anonymous"
)

// KeySource supplies the current signing key(s). StaticKeySource below,
// grounded on the teacher's single shared HMAC secret, is the only
// implementation; no JWKS-fetching source exists.
type KeySource interface {
	Keys(ctx context.Context) (interface{}, jwt.Keyfunc, error)
}

// StaticKeySource is a KeySource backed by one HMAC secret. The supervisor
// always wires this source, with the secret from JWT_STATIC_SECRET.
type StaticKeySource struct {
	Secret []byte
}

func (s *StaticKeySource) Keys(_ context.Context) (interface{}, jwt.Keyfunc, error) {
	return s.Secret, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.Secret, nil
	}, nil
}

// Verifier fetches and caches the signing-key set with a TTL (default 1h,
// §4.D), single-flighting refreshes (§5 "Signing-key cache is read-mostly
// with TTL; refreshes are single-flighted").
type Verifier struct {
	source   KeySource
	ttl      time.Duration
	issuer   string
	audience string

	mu        sync.Mutex
	keyfunc   jwt.Keyfunc
	fetchedAt time.Time
	inflight  chan struct{}
}

func NewVerifier(source KeySource, ttl time.Duration, issuer, audience string) *Verifier {
	return &Verifier{
		source:   source,
		ttl:      ttl,
		issuer:   issuer,
		audience: audience,
	}
}

// Verify implements verify(token) -> {userId, role=authenticated} |
// {userId='', role=anonymous}. Every failure path downgrades to anonymous
// rather than returning an error (§4.D, §7 kind 2).
func (v *Verifier) Verify(ctx context.Context, token string) Principal {
	if token == "" {
		return Principal{Role: RoleAnonymous}
	}

	keyfunc, err := v.currentKeyfunc(ctx)
	if err != nil || keyfunc == nil {
		return Principal{Role: RoleAnonymous}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc)
	if err != nil {
		return Principal{Role: RoleAnonymous}
	}
	if !parsed.Valid {
		return Principal{Role: RoleAnonymous}
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Principal{Role: RoleAnonymous}
	}
	if claims.TokenUse != "" && claims.TokenUse != tokenUseIdentity {
		return Principal{Role: RoleAnonymous}
	}
	if v.audience != "" {
		ok := false
		for _, aud := range claims.Audience {
			if aud == v.audience {
				ok = true
				break
			}
		}
		if !ok {
			return Principal{Role: RoleAnonymous}
		}
	}

	return Principal{UserID: claims.UserID, Role: RoleAuthenticated}
}

// currentKeyfunc returns the cached keyfunc, refreshing it if the TTL has
// elapsed. Concurrent callers during a refresh block on the same inflight
// channel instead of issuing parallel fetches.
func (v *Verifier) currentKeyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	v.mu.Lock()
	if v.keyfunc != nil && time.Since(v.fetchedAt) < v.ttl {
		kf := v.keyfunc
		v.mu.Unlock()
		return kf, nil
	}
	if v.inflight != nil {
		ch := v.inflight
		v.mu.Unlock()
		<-ch
		v.mu.Lock()
		kf := v.keyfunc
		v.mu.Unlock()
		return kf, nil
	}
	ch := make(chan struct{})
	v.inflight = ch
	v.mu.Unlock()

	_, keyfunc, err := v.source.Keys(ctx)

	v.mu.Lock()
	if err == nil {
		v.keyfunc = keyfunc
		v.fetchedAt = time.Now()
	}
	v.inflight = nil
	close(ch)
	v.mu.Unlock()

	return keyfunc, err
}
