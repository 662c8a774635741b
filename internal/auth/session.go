package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the client's access token and answers who the local user is.
// The token is not verified here; the gateway verifies it on connect.
type Session struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewSession(token string) *Session {
	return &Session{token: token, now: time.Now}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// CurrentUserID returns the token subject, or "" when there is no usable
// token.
func (s *Session) CurrentUserID() string {
	token := s.Token()
	if token == "" {
		return ""
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return ""
	}
	return claims.Subject
}
