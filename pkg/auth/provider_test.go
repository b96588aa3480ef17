package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/config"
)

func testIdentityConfig() config.IdentityConfig {
	return config.IdentityConfig{JWTSecret: "secret", Issuer: "identity", Audience: "billing"}
}

func TestGetSessionFromBearer(t *testing.T) {
	cfg := testIdentityConfig()
	provider, err := NewJWTProvider(cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	userID := uuid.New()
	token, err := MintSessionToken(cfg, time.Now(), time.Hour, userID, "admin")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	session, err := provider.GetSession(context.Background(), headers)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session == nil || session.UserID != userID {
		t.Fatalf("expected session for %s, got %+v", userID, session)
	}
	if !session.HasRole("admin") || session.HasRole("owner") {
		t.Fatalf("unexpected roles %v", session.Roles)
	}
}

func TestGetSessionWithoutCredentials(t *testing.T) {
	provider, _ := NewJWTProvider(testIdentityConfig())
	session, err := provider.GetSession(context.Background(), http.Header{})
	if err != nil || session != nil {
		t.Fatalf("expected nil session and nil error, got %+v %v", session, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Basic abc")
	session, err = provider.GetSession(context.Background(), headers)
	if err != nil || session != nil {
		t.Fatalf("expected non-bearer scheme ignored, got %+v %v", session, err)
	}
}

func TestGetSessionRejectsInvalidTokens(t *testing.T) {
	cfg := testIdentityConfig()
	provider, _ := NewJWTProvider(cfg)
	userID := uuid.New()

	wrongSecret := cfg
	wrongSecret.JWTSecret = "other"
	forged, _ := MintSessionToken(wrongSecret, time.Now(), time.Hour, userID)

	wrongIssuer := cfg
	wrongIssuer.Issuer = "elsewhere"
	foreign, _ := MintSessionToken(wrongIssuer, time.Now(), time.Hour, userID)

	expired, _ := MintSessionToken(cfg, time.Now().Add(-2*time.Hour), time.Hour, userID)

	for name, token := range map[string]string{"forged": forged, "issuer": foreign, "expired": expired, "garbage": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			headers := http.Header{}
			headers.Set("Authorization", "Bearer "+token)
			if _, err := provider.GetSession(context.Background(), headers); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewJWTProviderRequiresSecret(t *testing.T) {
	if _, err := NewJWTProvider(config.IdentityConfig{Issuer: "x"}); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
