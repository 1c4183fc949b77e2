package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ErrInvalidCredentials is returned by Authenticators when the supplied
// username and password do not map to a principal.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator maps basic credentials to a principal. Implementations
// may consult a user database, LDAP, or token stores; a password that is
// itself an OAuth or app token yields the corresponding principal type.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Principal, error)
}

// AccessPolicy decides which actions a principal holds on a resource.
// The returned slice is the full grant for the scope's resource; the
// broker intersects it with the requested actions. Policies handle the
// public-repository rule for anonymous callers and the push-implies-pull
// expansion for repositories the principal may create.
type AccessPolicy interface {
	GrantedActions(ctx context.Context, p Principal, scope Scope) ([]string, error)
}

// AccessPolicyFunc adapts a function to the AccessPolicy interface.
type AccessPolicyFunc func(ctx context.Context, p Principal, scope Scope) ([]string, error)

func (f AccessPolicyFunc) GrantedActions(ctx context.Context, p Principal, scope Scope) ([]string, error) {
	return f(ctx, p, scope)
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger.With("component", "auth") }
}

// Broker is the token endpoint handler. Clients hit it with basic
// credentials and a set of requested scopes; it responds with a signed
// bearer token carrying the intersection of requested and granted
// actions.
type Broker struct {
	issuer        *Issuer
	authenticator Authenticator
	policy        AccessPolicy
	logger        *slog.Logger
}

// NewBroker wires the token endpoint.
func NewBroker(issuer *Issuer, authenticator Authenticator, policy AccessPolicy, opts ...BrokerOption) *Broker {
	b := &Broker{
		issuer:        issuer,
		authenticator: authenticator,
		policy:        policy,
		logger:        slog.Default().With("component", "auth"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

type brokerError struct {
	Error string `json:"error"`
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	service := r.URL.Query().Get("service")
	if service != "" && service != b.issuer.Service() {
		b.writeError(w, http.StatusBadRequest, "unknown service")
		return
	}

	principal, err := b.resolvePrincipal(ctx, r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		b.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// clients may repeat the scope parameter or pack several
	// space-separated scopes into one value
	var scopes []Scope
	for _, raw := range r.URL.Query()["scope"] {
		parsed, err := ParseScopes(raw)
		if err != nil {
			b.writeError(w, http.StatusBadRequest, "invalid scope")
			return
		}
		scopes = append(scopes, parsed...)
	}

	access := make([]AccessEntry, 0, len(scopes))
	for _, scope := range scopes {
		granted, err := b.policy.GrantedActions(ctx, principal, scope)
		if err != nil {
			b.logger.Error("access policy failed", "scope", scope.String(), "error", err)
			b.writeError(w, http.StatusInternalServerError, "access check failed")
			return
		}
		intersected := scope.Intersect(granted)
		if len(intersected.Actions) == 0 {
			continue
		}
		access = append(access, AccessEntry(intersected))
	}

	token, issuedAt, err := b.issuer.Issue(principal, access)
	if err != nil {
		b.logger.Error("issuing token", "error", err)
		b.writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	b.logger.Info("issued token",
		"subject", principal.Subject(),
		"auth_type", string(principal.AuthType()),
		"scopes", len(scopes),
		"granted", len(access),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:       token,
		AccessToken: token,
		ExpiresIn:   int(b.issuer.TTL() / time.Second),
		IssuedAt:    issuedAt.Format(time.RFC3339),
	})
}

func (b *Broker) resolvePrincipal(ctx context.Context, r *http.Request) (Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return Anonymous{}, nil
	}
	return b.authenticator.Authenticate(ctx, username, password)
}

func (b *Broker) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(brokerError{Error: msg})
}

var _ http.Handler = (*Broker)(nil)
