package auth

import (
	"net/http"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
)

// APIKeyAuth provides API key authentication
type APIKeyAuth struct {
	header     string
	queryParam string
	keys       map[string]config.APIKeyEntry
}

// NewAPIKeyAuth creates a new API key authenticator
func NewAPIKeyAuth(cfg config.APIKeyConfig) *APIKeyAuth {
	a := &APIKeyAuth{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		keys:       make(map[string]config.APIKeyEntry, len(cfg.Keys)),
	}
	if a.header == "" && a.queryParam == "" {
		a.header = "X-API-Key"
	}
	for _, entry := range cfg.Keys {
		a.keys[entry.Key] = entry
	}
	return a
}

// HasCredentials reports whether the request carries an API key.
func (a *APIKeyAuth) HasCredentials(r *http.Request) bool {
	return a.extractKey(r) != ""
}

// Authenticate verifies the API key and returns the identity
func (a *APIKeyAuth) Authenticate(r *http.Request) (*Identity, error) {
	apiKey := a.extractKey(r)
	if apiKey == "" {
		return nil, errors.ErrMissingAuthToken
	}

	entry, ok := a.keys[apiKey]
	if !ok {
		return nil, errors.ErrAuthFailed.WithDetails("invalid API key")
	}

	return &Identity{
		ClientID: entry.ClientID,
		AuthType: "api_key",
		Roles:    entry.Roles,
		Claims:   map[string]any{"client_id": entry.ClientID},
	}, nil
}

// extractKey extracts the API key from the request
func (a *APIKeyAuth) extractKey(r *http.Request) string {
	if a.header != "" {
		if key := r.Header.Get(a.header); key != "" {
			return key
		}
	}
	if a.queryParam != "" {
		if key := r.URL.Query().Get(a.queryParam); key != "" {
			return key
		}
	}
	return ""
}
