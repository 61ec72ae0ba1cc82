// Package auth verifies the two credential kinds the broker accepts at
// join time: a display's HMAC-signed timestamp and an app's bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
)

// AppClaims represents the custom JWT claims an app's bearer token carries.
// The identity store mints these tokens; the broker only verifies them.
type AppClaims struct {
	Scope       string `json:"scope"`
	Name        string `json:"name,omitempty"`
	Serial      string `json:"serial,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator validates an app bearer token against a JWKS-backed issuer.
// It is not used by identitystore.Client or the join path; the broker core
// only ever depends on types.IdentityStore.
type TokenValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewTokenValidator builds a TokenValidator that fetches signing keys from
// the JWKS endpoint published at https://domain/.well-known/jwks.json,
// refreshed every hour. regOpts are appended to the cache registration.
func NewTokenValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*TokenValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register JWKS cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &TokenValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and validates the token, restricting acceptable
// signing methods to asymmetric RS/ES/PS families so a token signed with an
// attacker-chosen HMAC secret derived from the public key cannot pass.
func (v *TokenValidator) ValidateToken(tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from the
// environment, falling back to defaultEnvs (and logging that fallback) when
// the variable is unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default origins: %v", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
