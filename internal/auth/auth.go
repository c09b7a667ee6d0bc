package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "coursekeep"

var errMissingSecret = errors.New("auth secret is not configured")

// Claims represents JWT claims used across the service.
type Claims struct {
	Email       string       `json:"email,omitempty"`
	Memberships []Membership `json:"memberships"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Tokens.
type Option func(*Tokens)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(t *Tokens) {
		if strings.TrimSpace(issuer) != "" {
			t.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Tokens) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokens constructs a token service keyed by the shared secret.
func NewTokens(secret string, opts ...Option) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	t := &Tokens{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// GenerateToken signs a JWT for the principal and its memberships.
func (t *Tokens) GenerateToken(p Principal, ttl time.Duration) (string, time.Time, error) {
	subject := strings.TrimSpace(p.ID)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	memberships, err := normalizeMemberships(p.Memberships)
	if err != nil {
		return "", time.Time{}, err
	}

	now := t.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		Email:       strings.TrimSpace(p.Email),
		Memberships: memberships,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseAndValidate verifies the token signature and required claims and
// returns the principal it names.
func (t *Tokens) ParseAndValidate(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	memberships, err := normalizeMemberships(claims.Memberships)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: claims.Subject, Email: claims.Email, Memberships: memberships}, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
