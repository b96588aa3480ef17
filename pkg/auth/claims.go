package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims is the token shape minted by the identity provider. The subject carries the user id.
type SessionClaims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Session is the authenticated caller resolved from request headers.
type Session struct {
	UserID    uuid.UUID
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the session carries role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}
