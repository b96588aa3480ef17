package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/config"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// IdentityProvider resolves the caller from request headers. A nil session
// with a nil error means the request carried no credentials.
type IdentityProvider interface {
	GetSession(ctx context.Context, headers http.Header) (*Session, error)
}

// JWTProvider validates bearer tokens signed by the external identity service.
type JWTProvider struct {
	cfg config.IdentityConfig
	now func() time.Time
}

func NewJWTProvider(cfg config.IdentityConfig) (*JWTProvider, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("identity jwt secret is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("identity issuer is required")
	}
	return &JWTProvider{cfg: cfg, now: time.Now}, nil
}

func (p *JWTProvider) GetSession(_ context.Context, headers http.Header) (*Session, error) {
	raw := bearerToken(headers.Get("Authorization"))
	if raw == "" {
		return nil, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithTimeFunc(p.now),
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwtSigningMethod {
			return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
		}
		return []byte(p.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid session subject: %w", err)
	}

	session := &Session{
		UserID: userID,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// MintSessionToken signs a session token the way the identity service does. Used by tooling and tests.
func MintSessionToken(cfg config.IdentityConfig, now time.Time, ttl time.Duration, userID uuid.UUID, roles ...string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("identity jwt secret is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := SessionClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
