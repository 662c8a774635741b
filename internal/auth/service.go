package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"listing-chat/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAuthenticated = "authenticated"
	RoleService       = "service_role"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims are the token claims the gateway cares about. The subject is the
// user id; service callers carry RoleService.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	cfg *config.Config
}

func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg: cfg,
	}
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if len(s.cfg.JWT.Secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is not configured", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
}

// UserIDFromToken validates the token and returns its subject.
func (s *Service) UserIDFromToken(tokenString string) (string, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return claims.Subject, nil
}

// RequireServiceRole checks an Authorization header value for a bearer token
// issued to a service caller.
func (s *Service) RequireServiceRole(authorization string) error {
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || tokenString == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims, err := s.ValidateToken(strings.TrimSpace(tokenString))
	if err != nil {
		return err
	}

	if claims.Role != RoleService {
		return fmt.Errorf("%w: role %q may not invoke this endpoint", ErrUnauthorized, claims.Role)
	}

	return nil
}

func (s *Service) IssueToken(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}
