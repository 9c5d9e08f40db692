package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newProvider(t *testing.T, opts ...JWTOption) *JWTProvider {
	t.Helper()
	opts = append([]JWTOption{WithTimeFunc(func() time.Time { return t0 })}, opts...)
	p, err := NewJWTProvider("s3cret", opts...)
	require.NoError(t, err)
	return p
}

func TestJWTProvider_RoundTrip(t *testing.T) {
	p := newProvider(t)
	tok, err := p.Issue("user-1", "student", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/free/step", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	c, err := p.Claims(req)
	require.NoError(t, err)
	assert.Equal(t, &Claims{Subject: "user-1", Role: "student"}, c)
}

func TestJWTProvider_Rejects(t *testing.T) {
	p := newProvider(t, WithIssuer("freelab"))
	good, err := p.Issue("u", "", time.Hour)
	require.NoError(t, err)

	expired, err := newProvider(t, WithIssuer("freelab"), WithTimeFunc(func() time.Time { return t0.Add(-2 * time.Hour) })).
		Issue("u", "", time.Hour)
	require.NoError(t, err)

	other, err := newProvider(t, WithIssuer("someone-else")).Issue("u", "", time.Hour)
	require.NoError(t, err)

	noSub, err := p.Issue("", "student", time.Hour)
	require.NoError(t, err)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u", Issuer: "freelab"}).
		SignedString([]byte("nope"))
	require.NoError(t, err)

	_, err = p.Verify(good)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":   expired,
		"issuer":    other,
		"no sub":    noSub,
		"wrong key": wrongKey,
		"garbage":   "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBearerToken(t *testing.T) {
	p := newProvider(t)
	for _, h := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		req := httptest.NewRequest("GET", "/", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		_, err := p.Claims(req)
		assert.ErrorIs(t, err, ErrNoToken, "header %q", h)
	}
}

func TestNewJWTProviderNeedsSecret(t *testing.T) {
	_, err := NewJWTProvider("")
	assert.Error(t, err)
}

func TestClaimsContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	c := &Claims{Subject: "u"}
	assert.Same(t, c, FromContext(NewContext(context.Background(), c)))
}

func TestMembershipFunc(t *testing.T) {
	var m MembershipChecker = MembershipFunc(func(_ context.Context, u, c string) (bool, error) {
		return u == "u1" && c == "c1", nil
	})
	ok, err := m.IsMember(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}
