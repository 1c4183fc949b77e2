package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("repository:acme/app:pull,push")
	require.NoError(t, err)
	require.Equal(t, "repository", scope.Type)
	require.Equal(t, "acme/app", scope.Name)
	require.Equal(t, []string{"pull", "push"}, scope.Actions)
	require.Equal(t, "repository:acme/app:pull,push", scope.String())
}

func TestParseScopeNameWithPort(t *testing.T) {
	scope, err := ParseScope("repository:registry.example.com:5000/acme/app:pull")
	require.NoError(t, err)
	require.Equal(t, "registry.example.com:5000/acme/app", scope.Name)
	require.Equal(t, []string{"pull"}, scope.Actions)
}

func TestParseScopeInvalid(t *testing.T) {
	for _, s := range []string{"", "repository", "repository:name", "repository:name:", "repository:name:admin"} {
		_, err := ParseScope(s)
		require.ErrorIs(t, err, ErrScopeInvalid, s)
	}
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes("repository:a:pull repository:b:push")
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	require.Equal(t, "a", scopes[0].Name)
	require.Equal(t, "b", scopes[1].Name)
}

func TestScopeIntersect(t *testing.T) {
	scope := Scope{Type: "repository", Name: "acme/app", Actions: []string{"pull", "push"}}

	require.Equal(t, []string{"pull"}, scope.Intersect([]string{"pull"}).Actions)
	require.Equal(t, []string{"pull", "push"}, scope.Intersect([]string{"*"}).Actions)
	require.Empty(t, scope.Intersect(nil).Actions)

	wildcard := Scope{Type: "repository", Name: "acme/app", Actions: []string{"*"}}
	require.Equal(t, []string{"pull", "push"}, wildcard.Intersect([]string{"pull", "push"}).Actions)
}

func TestKeyRingRotateAndLookup(t *testing.T) {
	ring, err := NewKeyRing()
	require.NoError(t, err)

	first := ring.Active()
	require.NotEmpty(t, first.ID)

	pub, ok := ring.Lookup(first.ID)
	require.True(t, ok)
	require.Equal(t, &first.Key.PublicKey, pub)

	require.NoError(t, ring.Rotate())
	second := ring.Active()
	require.NotEqual(t, first.ID, second.ID)

	// old key still verifies until it ages out
	_, ok = ring.Lookup(first.ID)
	require.True(t, ok)

	_, ok = ring.Lookup("UNKNOWN:KID")
	require.False(t, ok)

	jwks := ring.JWKS()
	require.Len(t, jwks.Keys, 2)
	require.Equal(t, second.ID, jwks.Keys[0].Kid)
	require.Equal(t, "RS256", jwks.Keys[0].Alg)
}

func TestKeyRingJWKSHandler(t *testing.T) {
	ring, err := NewKeyRing()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	ring.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var doc jwksDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	require.Equal(t, ring.Active().ID, doc.Keys[0].Kid)
}

func newTestIssuer(t *testing.T, opts ...IssuerOption) (*Issuer, *KeyRing) {
	t.Helper()
	ring, err := NewKeyRing()
	require.NoError(t, err)
	return NewIssuer("registry-auth", "registry.example.com", ring, opts...), ring
}

func TestIssueAndVerify(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	access := []AccessEntry{{Type: "repository", Name: "acme/app", Actions: []string{"pull", "push"}}}
	token, issuedAt, err := issuer.Issue(User{Username: "alice"}, access)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), issuedAt, time.Minute)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "registry-auth", claims.Issuer)
	require.Len(t, claims.Access, 1)
	require.NotEmpty(t, claims.ID)

	require.True(t, claims.Allows("repository", "acme/app", "pull"))
	require.True(t, claims.Allows("repository", "acme/app", "push"))
	require.False(t, claims.Allows("repository", "acme/other", "pull"))
	require.False(t, claims.Allows("registry", "acme/app", "pull"))
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	ring, err := NewKeyRing()
	require.NoError(t, err)

	issuer := NewIssuer("registry-auth", "registry.example.com", ring)
	other := NewIssuer("registry-auth", "other.example.com", ring)

	token, _, err := other.Issue(User{Username: "alice"}, nil)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	issuer, _ := newTestIssuer(t, WithIssuerNow(func() time.Time { return past }))

	token, _, err := issuer.Issue(User{Username: "alice"}, nil)
	require.NoError(t, err)

	// restore the real clock for verification
	fresh := NewIssuer("registry-auth", "registry.example.com", issuerKeys(issuer))
	_, err = fresh.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func issuerKeys(i *Issuer) *KeyRing { return i.keys }

func TestVerifySurvivesRotation(t *testing.T) {
	issuer, ring := newTestIssuer(t)

	token, _, err := issuer.Issue(User{Username: "alice"}, nil)
	require.NoError(t, err)

	require.NoError(t, ring.Rotate())

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestVerifyRequest(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	token, _, err := issuer.Issue(User{Username: "alice"}, nil)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	_, err = issuer.VerifyRequest(r)
	require.ErrorIs(t, err, ErrNoToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = issuer.VerifyRequest(r)
	require.ErrorIs(t, err, ErrTokenInvalid)

	r.Header.Set("Authorization", "Bearer "+token)
	claims, err := issuer.VerifyRequest(r)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestChallengeHeader(t *testing.T) {
	h := ChallengeHeader("https://registry.example.com/v2/auth", "registry.example.com", "repository:acme/app:pull")
	require.Equal(t, `Bearer realm="https://registry.example.com/v2/auth",service="registry.example.com",scope="repository:acme/app:pull"`, h)

	h = ChallengeHeader("https://registry.example.com/v2/auth", "registry.example.com", "")
	require.Equal(t, `Bearer realm="https://registry.example.com/v2/auth",service="registry.example.com"`, h)
}

func TestStaticAuthenticator(t *testing.T) {
	authn := NewStaticAuthenticator(map[string]StaticUser{
		"alice":   {Password: "s3cret", Superuser: true},
		"acme+ci": {Password: "robotpw"},
		"bob":     {Password: "hunter2"},
	})

	p, err := authn.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	user, ok := p.(User)
	require.True(t, ok)
	require.True(t, user.Superuser)
	require.Equal(t, AuthTypeUser, p.AuthType())

	p, err = authn.Authenticate(context.Background(), "acme+ci", "robotpw")
	require.NoError(t, err)
	require.IsType(t, Robot{}, p)
	require.Equal(t, "acme+ci", p.Subject())

	_, err = authn.Authenticate(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = authn.Authenticate(context.Background(), "nobody", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func newTestBroker(t *testing.T, policy AccessPolicy) (*Broker, *Issuer) {
	t.Helper()
	issuer, _ := newTestIssuer(t)
	authn := NewStaticAuthenticator(map[string]StaticUser{
		"alice": {Password: "s3cret"},
	})
	return NewBroker(issuer, authn, policy), issuer
}

func allowAll(_ context.Context, _ Principal, _ Scope) ([]string, error) {
	return []string{"*"}, nil
}

func TestBrokerIssuesToken(t *testing.T) {
	broker, issuer := newTestBroker(t, AccessPolicyFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/v2/auth?service=registry.example.com&scope=repository:acme/app:pull,push", nil)
	r.SetBasicAuth("alice", "s3cret")
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.Equal(t, resp.Token, resp.AccessToken)
	require.Equal(t, 300, resp.ExpiresIn)

	claims, err := issuer.Verify(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.True(t, claims.Allows("repository", "acme/app", "push"))
}

func TestBrokerPrunesDeniedActions(t *testing.T) {
	pullOnly := AccessPolicyFunc(func(_ context.Context, _ Principal, _ Scope) ([]string, error) {
		return []string{"pull"}, nil
	})
	broker, issuer := newTestBroker(t, pullOnly)

	r := httptest.NewRequest(http.MethodGet, "/v2/auth?scope=repository:acme/app:pull,push", nil)
	r.SetBasicAuth("alice", "s3cret")
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	claims, err := issuer.Verify(resp.Token)
	require.NoError(t, err)
	require.True(t, claims.Allows("repository", "acme/app", "pull"))
	require.False(t, claims.Allows("repository", "acme/app", "push"))
}

func TestBrokerAnonymousToken(t *testing.T) {
	publicPull := AccessPolicyFunc(func(_ context.Context, p Principal, _ Scope) ([]string, error) {
		if p.IsAnonymous() {
			return []string{"pull"}, nil
		}
		return []string{"*"}, nil
	})
	broker, issuer := newTestBroker(t, publicPull)

	r := httptest.NewRequest(http.MethodGet, "/v2/auth?scope=repository:acme/app:pull,push", nil)
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	claims, err := issuer.Verify(resp.Token)
	require.NoError(t, err)
	require.Empty(t, claims.Subject)
	require.True(t, claims.Allows("repository", "acme/app", "pull"))
	require.False(t, claims.Allows("repository", "acme/app", "push"))
}

func TestBrokerBadCredentials(t *testing.T) {
	broker, _ := newTestBroker(t, AccessPolicyFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/v2/auth", nil)
	r.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestBrokerUnknownService(t *testing.T) {
	broker, _ := newTestBroker(t, AccessPolicyFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/v2/auth?service=evil.example.com", nil)
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrokerInvalidScope(t *testing.T) {
	broker, _ := newTestBroker(t, AccessPolicyFunc(allowAll))

	r := httptest.NewRequest(http.MethodGet, "/v2/auth?scope=bogus", nil)
	r.SetBasicAuth("alice", "s3cret")
	rec := httptest.NewRecorder()
	broker.ServeHTTP(rec, r)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
