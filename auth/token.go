package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token verification errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrNoToken      = errors.New("no bearer token")
)

// AccessEntry is one granted resource in the token's access claim.
type AccessEntry struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Claims is the full payload of an issued token.
type Claims struct {
	jwt.RegisteredClaims
	Access []AccessEntry `json:"access"`
}

// Allows reports whether the claims grant an action on a resource.
func (c *Claims) Allows(resourceType, name, action string) bool {
	for _, entry := range c.Access {
		if entry.Type != resourceType || entry.Name != name {
			continue
		}
		if Scope(entry).HasAction(action) {
			return true
		}
	}
	return false
}

// Scope converts an access entry back into scope form.
func (e AccessEntry) Scope() Scope { return Scope(e) }

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTokenTTL sets how long issued tokens live. Default 300s.
func WithTokenTTL(d time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = d }
}

// WithIssuerNow overrides the clock, used in tests.
func WithIssuerNow(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// Issuer signs and verifies bearer tokens for one service host.
type Issuer struct {
	issuer  string
	service string
	keys    *KeyRing
	ttl     time.Duration
	now     func() time.Time
}

// NewIssuer creates an issuer. The service is the configured server
// hostname; tokens are only accepted when their audience matches it.
func NewIssuer(issuer, service string, keys *KeyRing, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		issuer:  issuer,
		service: service,
		keys:    keys,
		ttl:     300 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Service returns the audience tokens are issued for.
func (i *Issuer) Service() string { return i.service }

// TTL returns the issued-token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the principal carrying the granted access.
func (i *Issuer) Issue(p Principal, access []AccessEntry) (string, time.Time, error) {
	key := i.keys.Active()
	issuedAt := i.now().UTC()

	if access == nil {
		access = []AccessEntry{}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.Subject(),
			Audience:  jwt.ClaimStrings{i.service},
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
			NotBefore: jwt.NewNumericDate(issuedAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
		Access: access,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, issuedAt, nil
}

// Verify parses and validates a token string: signature against a known
// instance key, audience against the configured service, plus the
// standard time claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrTokenInvalid)
		}
		pub, ok := i.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("%w: unknown kid %q", ErrTokenInvalid, kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(i.service),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// VerifyRequest extracts and verifies the bearer token on a request.
// ErrNoToken means no Authorization header was presented at all.
func (i *Issuer) VerifyRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoToken
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("%w: not a bearer token", ErrTokenInvalid)
	}
	return i.Verify(tokenString)
}

// ChallengeHeader builds the WWW-Authenticate value for a 401. The scope
// reflects the resource the caller was after; it is empty for the bare
// API version check.
func ChallengeHeader(realm, service, scope string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bearer realm=%q,service=%q", realm, service)
	if scope != "" {
		fmt.Fprintf(&b, ",scope=%q", scope)
	}
	return b.String()
}
