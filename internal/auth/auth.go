// Package auth verifies caller credentials at the HTTP boundary. Two
// mechanisms are accepted: a bearer JWT signed by the external auth service
// (HS256, shared secret) or an API key checked through a callback supplied at
// boot. Identity issuance lives outside this process.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin gates the management surface. Inference through slots is open to
// any authenticated identity.
const RoleAdmin = "admin"

// ErrInvalidCredential covers every verification failure. Callers map it to a
// single 401; the reason stays in the server log.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is one authenticated caller.
type Identity struct {
	Subject string
	Role    string
}

// IsAdmin reports whether the identity may use the management surface.
func (i *Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// APIKeyFunc checks an API key and returns the identity it belongs to. A nil
// identity or an error rejects the key.
type APIKeyFunc func(ctx context.Context, key string) (*Identity, error)

// Verifier authenticates requests.
type Verifier struct {
	secret []byte
	apiKey APIKeyFunc
}

// NewVerifier builds a Verifier. apiKey may be nil, in which case X-API-Key
// credentials are rejected.
func NewVerifier(jwtSecret string, apiKey APIKeyFunc) *Verifier {
	return &Verifier{secret: []byte(jwtSecret), apiKey: apiKey}
}

// Authenticate checks the bearer token or, failing that presence, the API
// key. Exactly one mechanism is consulted per request.
func (v *Verifier) Authenticate(ctx context.Context, bearer, apiKey string) (*Identity, error) {
	if bearer != "" {
		return v.verifyJWT(bearer)
	}
	if apiKey != "" {
		return v.verifyAPIKey(ctx, apiKey)
	}
	return nil, ErrInvalidCredential
}

func (v *Verifier) verifyJWT(token string) (*Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidCredential
	}
	role, _ := claims["role"].(string)
	return &Identity{Subject: sub, Role: role}, nil
}

func (v *Verifier) verifyAPIKey(ctx context.Context, key string) (*Identity, error) {
	if v.apiKey == nil {
		return nil, ErrInvalidCredential
	}
	id, err := v.apiKey(ctx, key)
	if err != nil || id == nil {
		return nil, ErrInvalidCredential
	}
	return id, nil
}
