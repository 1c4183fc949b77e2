package server

import (
	"context"
	"fmt"

	"github.com/wolfeidau/image-registry/auth"
)

// buildAuth constructs the instance key ring, the token issuer, and the
// token-endpoint broker from the server configuration.
func buildAuth(cfg Config) (*auth.KeyRing, *auth.Issuer, *auth.Broker, error) {
	var keyOpts []auth.KeyRingOption
	if cfg.KeyRotation > 0 {
		keyOpts = append(keyOpts, auth.WithKeyMaxAge(cfg.KeyRotation))
	}
	keyOpts = append(keyOpts, auth.WithKeyRingLogger(cfg.Logger))

	keys, err := auth.NewKeyRing(keyOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating instance key ring: %w", err)
	}

	var issuerOpts []auth.IssuerOption
	if cfg.TokenTTL > 0 {
		issuerOpts = append(issuerOpts, auth.WithTokenTTL(cfg.TokenTTL))
	}
	issuer := auth.NewIssuer(cfg.Hostname, cfg.Hostname, keys, issuerOpts...)

	authenticator := cfg.Authenticator
	if authenticator == nil {
		// no user database configured; only anonymous tokens are possible
		authenticator = auth.NewStaticAuthenticator(nil)
	}

	policy := cfg.Policy
	if policy == nil {
		policy = defaultAccessPolicy{}
	}
	if !cfg.AnonymousAccess {
		policy = denyAnonymous{next: policy}
	}

	broker := auth.NewBroker(issuer, authenticator, policy,
		auth.WithBrokerLogger(cfg.Logger))
	return keys, issuer, broker, nil
}

// defaultAccessPolicy grants authenticated principals every requested
// action and anonymous callers nothing. Deployments with real
// permission models supply their own policy.
type defaultAccessPolicy struct{}

func (defaultAccessPolicy) GrantedActions(_ context.Context, p auth.Principal, scope auth.Scope) ([]string, error) {
	if p.IsAnonymous() {
		return nil, nil
	}
	return scope.Actions, nil
}

// denyAnonymous strips every grant from anonymous callers when
// anonymous access is disabled.
type denyAnonymous struct {
	next auth.AccessPolicy
}

func (d denyAnonymous) GrantedActions(ctx context.Context, p auth.Principal, scope auth.Scope) ([]string, error) {
	if p.IsAnonymous() {
		return nil, nil
	}
	return d.next.GrantedActions(ctx, p, scope)
}
