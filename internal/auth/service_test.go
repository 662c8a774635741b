package auth

import (
	"errors"
	"testing"
	"time"

	"listing-chat/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestService(secret string) *Service {
	return NewService(&config.Config{
		JWT: config.JWTConfig{Secret: []byte(secret), ExpiresIn: time.Hour},
	})
}

func TestIssueAndValidate(t *testing.T) {
	svc := newTestService("test-secret")

	token, err := svc.IssueToken("user-1", RoleAuthenticated)
	require.NoError(t, err)

	userID, err := svc.UserIDFromToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	other := newTestService("other-secret")
	_, err = other.ValidateToken(token)
	require.True(t, errors.Is(err, ErrUnauthorized))
}

func TestValidateWithoutSecret(t *testing.T) {
	svc := newTestService("")
	_, err := svc.ValidateToken("anything")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRequireServiceRole(t *testing.T) {
	svc := newTestService("test-secret")

	serviceToken, err := svc.IssueToken("push-trigger", RoleService)
	require.NoError(t, err)
	userToken, err := svc.IssueToken("user-1", RoleAuthenticated)
	require.NoError(t, err)

	require.NoError(t, svc.RequireServiceRole("Bearer "+serviceToken))
	require.ErrorIs(t, svc.RequireServiceRole("Bearer "+userToken), ErrUnauthorized)
	require.ErrorIs(t, svc.RequireServiceRole(serviceToken), ErrUnauthorized)
	require.ErrorIs(t, svc.RequireServiceRole(""), ErrUnauthorized)
}

func TestSessionCurrentUserID(t *testing.T) {
	svc := newTestService("test-secret")
	token, err := svc.IssueToken("user-9", RoleAuthenticated)
	require.NoError(t, err)

	s := NewSession(token)
	require.Equal(t, "user-9", s.CurrentUserID())

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Empty(t, s.CurrentUserID())

	s.SetToken("")
	require.Empty(t, s.CurrentUserID())

	s.SetToken("garbage")
	require.Empty(t, s.CurrentUserID())
}
