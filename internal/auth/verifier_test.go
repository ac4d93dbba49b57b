package auth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerify_EmptyTokenIsAnonymous(t *testing.T) {
	v := NewVerifier(&StaticKeySource{Secret: []byte("s3cret")}, time.Hour, "", "")
	p := v.Verify(context.Background(), "")
	assert.Equal(t, RoleAnonymous, p.Role)
	assert.Empty(t, p.UserID)
}

func TestVerify_ValidTokenIsAuthenticated(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier(&StaticKeySource{Secret: secret}, time.Hour, "translatecast", "listeners")
	token := signToken(t, secret, Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "translatecast",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	p := v.Verify(context.Background(), token)
	assert.Equal(t, RoleAuthenticated, p.Role)
	assert.Equal(t, "user-123", p.UserID)
}

func TestVerify_ExplicitIdentityTokenUseIsAuthenticated(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier(&StaticKeySource{Secret: secret}, time.Hour, "translatecast", "listeners")
	token := signToken(t, secret, Claims{
		UserID:   "user-123",
		TokenUse: "id",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "translatecast",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	p := v.Verify(context.Background(), token)
	assert.Equal(t, RoleAuthenticated, p.Role)
}

// §4.D / §7 kind 2: every failure mode downgrades to anonymous, never an error.
func TestVerify_FailureModesDowngradeToAnonymous(t *testing.T) {
	secret := []byte("s3cret")
	wrongSecret := []byte("wrong")
	v := NewVerifier(&StaticKeySource{Secret: secret}, time.Hour, "translatecast", "listeners")

	expired := signToken(t, secret, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "translatecast",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	assert.Equal(t, RoleAnonymous, v.Verify(context.Background(), expired).Role)

	wrongIssuer := signToken(t, secret, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	assert.Equal(t, RoleAnonymous, v.Verify(context.Background(), wrongIssuer).Role)

	badSig := signToken(t, wrongSecret, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "translatecast",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	assert.Equal(t, RoleAnonymous, v.Verify(context.Background(), badSig).Role)

	assert.Equal(t, RoleAnonymous, v.Verify(context.Background(), "not-a-jwt-at-all").Role)

	accessToken := signToken(t, secret, Claims{
		UserID:   "u1",
		TokenUse: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "translatecast",
			Audience:  jwt.ClaimStrings{"listeners"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	assert.Equal(t, RoleAnonymous, v.Verify(context.Background(), accessToken).Role)
}

// §5: refreshes are single-flighted; concurrent callers during a cold cache
// observe exactly one underlying Keys() fetch.
func TestCurrentKeyfunc_SingleFlightsRefresh(t *testing.T) {
	source := &countingKeySource{secret: []byte("s3cret")}
	v := NewVerifier(source, time.Hour, "", "")

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			_, _ = v.currentKeyfunc(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, int32(1), source.calls())
}

type countingKeySource struct {
	secret []byte
	n      atomic.Int32
}

func (c *countingKeySource) Keys(context.Context) (interface{}, jwt.Keyfunc, error) {
	c.n.Add(1)
	return c.secret, func(t *jwt.Token) (interface{}, error) { return c.secret, nil }, nil
}

func (c *countingKeySource) calls() int32 { return c.n.Load() }
