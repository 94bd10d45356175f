package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestAuthenticateJWT(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	ctx := context.Background()

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "user-1",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	id, err := v.Authenticate(ctx, token, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Subject != "user-1" || !id.IsAdmin() {
		t.Errorf("identity = %+v", id)
	}

	plain := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	id, err = v.Authenticate(ctx, plain, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.IsAdmin() {
		t.Error("missing role must not grant admin")
	}
}

func TestAuthenticateJWTRejections(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no subject", signToken(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
		{"garbage", "not.a.token"},
	}
	for _, c := range cases {
		if _, err := v.Authenticate(ctx, c.token, ""); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("%s: err = %v", c.name, err)
		}
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	v := NewVerifier(testSecret, func(_ context.Context, key string) (*Identity, error) {
		if key == "good-key" {
			return &Identity{Subject: "svc-1", Role: "service"}, nil
		}
		return nil, errors.New("unknown key")
	})
	ctx := context.Background()

	id, err := v.Authenticate(ctx, "", "good-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Subject != "svc-1" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := v.Authenticate(ctx, "", "bad-key"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("bad key err = %v", err)
	}

	// No callback configured: API keys are rejected outright.
	bare := NewVerifier(testSecret, nil)
	if _, err := bare.Authenticate(ctx, "", "good-key"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("no callback err = %v", err)
	}
}

func TestAuthenticateNoCredential(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	if _, err := v.Authenticate(context.Background(), "", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("err = %v", err)
	}
}
