// Package auth extracts caller claims from HTTP requests and defines the
// classroom membership check the step engine relies on.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the request carried no bearer token.
	ErrNoToken = errors.New("missing bearer token")
	// ErrInvalidToken means the token failed verification or lacks a subject.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims identify the caller.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role,omitempty"`
}

// ClaimsProvider resolves the caller of a request.
type ClaimsProvider interface {
	Claims(r *http.Request) (*Claims, error)
}

// MembershipChecker answers whether a user belongs to a classroom.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, classroomID string) (bool, error)
}

// MembershipFunc adapts a function to MembershipChecker.
type MembershipFunc func(ctx context.Context, userID, classroomID string) (bool, error)

func (f MembershipFunc) IsMember(ctx context.Context, userID, classroomID string) (bool, error) {
	return f(ctx, userID, classroomID)
}

type contextKey struct{}

// NewContext returns a context carrying claims.
func NewContext(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the claims stored by NewContext, or nil.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 bearer tokens.
type JWTProvider struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// JWTOption customizes a JWTProvider.
type JWTOption func(*JWTProvider)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(p *JWTProvider) { p.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(p *JWTProvider) { p.leeway = d }
}

// WithTimeFunc replaces time.Now, for tests.
func WithTimeFunc(now func() time.Time) JWTOption {
	return func(p *JWTProvider) { p.now = now }
}

func NewJWTProvider(secret string, opts ...JWTOption) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	p := &JWTProvider{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Claims verifies the Authorization bearer token of r.
func (p *JWTProvider) Claims(r *http.Request) (*Claims, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return p.Verify(raw)
}

// Verify parses and checks a raw token.
func (p *JWTProvider) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithLeeway(p.leeway),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Claims{Subject: tc.Subject, Role: tc.Role}, nil
}

// Issue signs a token for subject, valid for ttl (no expiry when ttl <= 0).
func (p *JWTProvider) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := p.now()
	tc := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   p.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(p.secret)
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(token), nil
}
