// Package auth verifies client credentials for routes that require them.
package auth

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
)

// Identity is the authenticated client.
type Identity struct {
	ClientID string
	AuthType string // jwt or api_key
	Roles    []string
	Claims   map[string]any
}

// HasRole reports whether the identity carries role.
func (id *Identity) HasRole(role string) bool {
	return id != nil && slices.Contains(id.Roles, role)
}

// Authenticator verifies the credentials carried by a request. Failures are
// *errors.GatewayError values of one of the auth kinds.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// credentialed is implemented by authenticators that can tell whether a
// request carries their kind of credential at all.
type credentialed interface {
	Authenticator
	HasCredentials(r *http.Request) bool
}

// Set holds the authenticators enabled in the configuration.
type Set struct {
	jwt    *JWTAuth
	apiKey *APIKeyAuth
}

// NewSet builds the enabled authenticators.
func NewSet(cfg config.AuthenticationConfig) (*Set, error) {
	s := &Set{}
	if cfg.JWT.Enabled {
		j, err := NewJWTAuth(cfg.JWT)
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		s.jwt = j
	}
	if cfg.APIKey.Enabled {
		s.apiKey = NewAPIKeyAuth(cfg.APIKey)
	}
	return s, nil
}

// For returns an authenticator that accepts any of methods (jwt, api_key).
// An empty list means every enabled method. It returns nil when none of the
// requested methods is enabled.
func (s *Set) For(methods []string) Authenticator {
	if len(methods) == 0 {
		methods = []string{"jwt", "api_key"}
	}
	var chain Chain
	for _, m := range methods {
		switch m {
		case "jwt":
			if s.jwt != nil {
				chain = append(chain, s.jwt)
			}
		case "api_key":
			if s.apiKey != nil {
				chain = append(chain, s.apiKey)
			}
		}
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// Chain tries its authenticators in order. The first one the request has
// credentials for decides the outcome; with no credentials at all the
// result is ErrMissingAuthToken.
type Chain []credentialed

func (c Chain) Authenticate(r *http.Request) (*Identity, error) {
	for _, a := range c {
		if a.HasCredentials(r) {
			return a.Authenticate(r)
		}
	}
	return nil, errors.ErrMissingAuthToken
}

// RequireRoles checks that id holds at least one of roles. An empty list
// always passes.
func RequireRoles(id *Identity, roles []string) error {
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if id.HasRole(role) {
			return nil
		}
	}
	return errors.ErrInsufficientPermissions.WithDetails(
		fmt.Sprintf("one of roles %v is required", roles))
}
