package signedurl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"coursekeep.org/internal/tenant"
)

const audience = "coursekeep-download"

var (
	ErrInvalidSignature = errors.New("signedurl: invalid signature")
	errMissingSecret    = errors.New("signedurl: signing secret is not configured")
)

// Claims carried by a download URL.
type Claims struct {
	TenantID    string `json:"tid"`
	PrincipalID string `json:"pid"`
	jwt.RegisteredClaims
}

// Issuer mints short-lived download URLs signed with HS256.
type Issuer struct {
	base   *url.URL
	secret []byte
	now    func() time.Time
}

// New constructs an issuer for URLs under baseURL.
func New(baseURL, secret string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("signedurl: invalid base url %q", baseURL)
	}
	return &Issuer{base: u, secret: []byte(secret), now: time.Now}, nil
}

// IssueURL returns a URL to contentID valid for ttl.
func (i *Issuer) IssueURL(_ context.Context, scope tenant.Scope, principalID, contentID string, ttl time.Duration) (string, time.Time, error) {
	if err := scope.Require(); err != nil {
		return "", time.Time{}, err
	}
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return "", time.Time{}, errors.New("signedurl: content id is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("signedurl: ttl must be greater than zero")
	}
	now := i.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		TenantID:    scope.ID(),
		PrincipalID: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   contentID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	sig, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign url: %w", err)
	}

	u := *i.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(scope.ID()) + "/" + url.PathEscape(contentID)
	q := u.Query()
	q.Set("sig", sig)
	u.RawQuery = q.Encode()
	return u.String(), expires, nil
}

// Verify checks a signature minted by IssueURL and returns its claims.
func (i *Issuer) Verify(sig string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(sig, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSignature
		}
		return i.secret, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidSignature
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TenantID == "" || claims.Subject == "" {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}
