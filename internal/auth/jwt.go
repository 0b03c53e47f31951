// Package auth verifies the signed driver identity carried by API requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	RoleDriver = "driver"
	issuer     = "bustrac"
)

var (
	ErrMissingToken       = errors.New("bearer token missing")
	ErrInvalidSigningAlgo = errors.New("unexpected signing method")
	ErrRoleForbidden      = errors.New("token does not carry the driver role")
	ErrEmptySecret        = errors.New("jwt secret is empty")
)

type Claims struct {
	Role string `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// DriverID is the token subject.
func (c *Claims) DriverID() string { return c.Subject }

// Manager issues and verifies HS256 driver tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{secret: []byte(s), ttl: ttl, now: time.Now}, nil
}

func (m *Manager) IssueDriverToken(driverID string) (string, *Claims, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return "", nil, errors.New("driver id is required")
	}
	now := m.now().UTC()
	claims := &Claims{
		Role: RoleDriver,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   driverID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Parse verifies signature, expiry, issuer and role.
func (m *Manager) Parse(token string) (*Claims, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(m.now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(token, claims, func(t *jwtlib.Token) (any, error) {
		if t.Method != jwtlib.SigningMethodHS256 {
			return nil, ErrInvalidSigningAlgo
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != RoleDriver {
		return nil, ErrRoleForbidden
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>" and falls back to
// the access_token query parameter, which browsers need for WebSockets.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", fmt.Errorf("malformed Authorization header")
		}
		return strings.TrimSpace(tok), nil
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Authenticate returns the verified driver claims of r.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return m.Parse(tok)
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}
