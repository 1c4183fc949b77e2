// Package auth issues and verifies the short-lived bearer tokens used by
// the distribution API. Credentials are checked by a pluggable
// Authenticator, grants are decided by a pluggable AccessPolicy, and
// tokens are signed with a rotating RS256 instance key published as a
// JWKS document.
package auth

import "fmt"

// AuthType discriminates the kinds of caller the broker recognizes.
type AuthType string

const (
	AuthTypeUser      AuthType = "user"
	AuthTypeRobot     AuthType = "robot"
	AuthTypeOAuth     AuthType = "oauth"
	AuthTypeAppToken  AuthType = "app_specific_token"
	AuthTypeAnonymous AuthType = "anonymous"
)

// Principal identifies an authenticated caller. It is a closed set of
// types; every handler decision switches on the concrete type or the
// AuthType rather than inspecting free-form attributes.
type Principal interface {
	AuthType() AuthType
	// Subject is the stable identifier embedded in the token's sub claim.
	Subject() string
	IsAnonymous() bool
}

// User is a human account.
type User struct {
	Username  string
	Superuser bool
}

func (u User) AuthType() AuthType { return AuthTypeUser }
func (u User) Subject() string    { return u.Username }
func (u User) IsAnonymous() bool  { return false }

// Robot is a machine account owned by a namespace, named ns+shortname.
type Robot struct {
	Name string
}

func (r Robot) AuthType() AuthType { return AuthTypeRobot }
func (r Robot) Subject() string    { return r.Name }
func (r Robot) IsAnonymous() bool  { return false }

// OAuthToken is a caller presenting an OAuth access token as password.
type OAuthToken struct {
	Username string
	TokenID  string
}

func (o OAuthToken) AuthType() AuthType { return AuthTypeOAuth }
func (o OAuthToken) Subject() string    { return o.Username }
func (o OAuthToken) IsAnonymous() bool  { return false }

// AppSpecificToken is a caller presenting a per-application token.
type AppSpecificToken struct {
	Username string
	TokenID  string
}

func (a AppSpecificToken) AuthType() AuthType { return AuthTypeAppToken }
func (a AppSpecificToken) Subject() string    { return a.Username }
func (a AppSpecificToken) IsAnonymous() bool  { return false }

// Anonymous is a caller with no credentials. It can still receive a
// token, pruned to actions permitted on public resources.
type Anonymous struct{}

func (Anonymous) AuthType() AuthType { return AuthTypeAnonymous }
func (Anonymous) Subject() string    { return "" }
func (Anonymous) IsAnonymous() bool  { return true }

// PerformerKind is the label recorded in event payloads for a principal.
func PerformerKind(p Principal) string {
	switch p.(type) {
	case User:
		return "user"
	case Robot:
		return "robot"
	case OAuthToken:
		return "oauth"
	case AppSpecificToken:
		return "app_specific_token"
	case Anonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("unknown(%T)", p)
	}
}
