package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// StaticUser is one configured account for the static authenticator.
type StaticUser struct {
	Password  string
	Superuser bool
}

// StaticAuthenticator verifies credentials against a fixed table. It is
// the single-binary deployment's authenticator; larger installs plug in
// their own backend.
type StaticAuthenticator struct {
	users map[string]StaticUser
}

// NewStaticAuthenticator builds an authenticator over a username table.
func NewStaticAuthenticator(users map[string]StaticUser) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

func (s *StaticAuthenticator) Authenticate(_ context.Context, username, password string) (Principal, error) {
	u, ok := s.users[username]
	if !ok {
		// compare against a dummy so missing and present users cost the same
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(u.Password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	// robot accounts are namespaced ns+shortname
	if strings.Contains(username, "+") {
		return Robot{Name: username}, nil
	}
	return User{Username: username, Superuser: u.Superuser}, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
