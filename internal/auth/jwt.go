package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
)

// JWTAuth verifies bearer tokens.
type JWTAuth struct {
	secret     []byte
	publicKey  *rsa.PublicKey
	issuer     string
	audience   []string
	algorithm  string
	rolesClaim string
	parser     *jwt.Parser
	keyFunc    jwt.Keyfunc
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		algorithm:  cfg.Algorithm,
		rolesClaim: cfg.RolesClaim,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}
	if a.rolesClaim == "" {
		a.rolesClaim = "roles"
	}

	switch {
	case strings.HasPrefix(a.algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("secret is required for %s", a.algorithm)
		}
		a.secret = []byte(cfg.Secret)
		a.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		}
	case strings.HasPrefix(a.algorithm, "RS"):
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not an RSA key")
		}
		a.publicKey = rsaPub
		a.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.publicKey, nil
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", a.algorithm)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.algorithm})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	a.parser = jwt.NewParser(opts...)
	return a, nil
}

// HasCredentials reports whether the request carries an Authorization
// header.
func (a *JWTAuth) HasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != ""
}

// Authenticate verifies the JWT token and returns the identity
func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.ErrMissingAuthToken
	}
	tokenString, ok := bearerToken(header)
	if !ok {
		return nil, errors.ErrInvalidAuthHeader
	}

	token, err := a.parser.ParseWithClaims(tokenString, jwt.MapClaims{}, a.keyFunc)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrAuthFailed.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, errors.ErrAuthFailed.WithDetails("token is not valid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrAuthFailed.WithDetails("invalid token claims")
	}

	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, a.audience) {
			return nil, errors.ErrAuthFailed.WithDetails("invalid token audience")
		}
	}

	clientID, _ := claims.GetSubject()
	if clientID == "" {
		clientID, _ = claims["client_id"].(string)
	}

	return &Identity{
		ClientID: clientID,
		AuthType: "jwt",
		Roles:    rolesFromClaim(claims[a.rolesClaim]),
		Claims:   claims,
	}, nil
}

// GenerateToken signs claims with the configured HMAC secret. It exists for
// tests and tooling; RSA configurations cannot sign.
func (a *JWTAuth) GenerateToken(claims map[string]any) (string, error) {
	if a.secret == nil {
		return "", fmt.Errorf("token generation requires an HMAC secret")
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(a.algorithm), jwt.MapClaims(claims))
	return token.SignedString(a.secret)
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// rolesFromClaim accepts a JSON array or a space/comma separated string.
func rolesFromClaim(v any) []string {
	switch roles := v.(type) {
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.FieldsFunc(roles, func(r rune) bool { return r == ' ' || r == ',' })
	}
	return nil
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
