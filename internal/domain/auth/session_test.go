package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("stub-secret")
	token, err := IssueToken(secret, "u1", time.Hour, time.Now())
	require.NoError(t, err)

	user, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", string(user))

	_, err = VerifyToken([]byte("other"), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	expired, err := IssueToken(secret, "u1", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = VerifyToken(secret, expired)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNewSessionReadsClaims(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	token, err := IssueToken([]byte("s"), "u7", 30*time.Minute, now)
	require.NoError(t, err)

	session, err := NewSession(CreateSessionParams{Token: token, Now: now})
	require.NoError(t, err)
	assert.Equal(t, "u7", string(session.UserID))
	assert.Equal(t, now.Add(30*time.Minute), session.ExpiresAt)
	assert.False(t, session.Expired(now.Add(29*time.Minute)))
	assert.True(t, session.Expired(now.Add(30*time.Minute)))

	_, err = NewSession(CreateSessionParams{Token: token, Now: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestExplicitUserWinsOverClaims(t *testing.T) {
	token, err := IssueToken([]byte("s"), "u7", 0, time.Now())
	require.NoError(t, err)
	session, err := NewSession(CreateSessionParams{Token: token, UserID: "u8"})
	require.NoError(t, err)
	assert.Equal(t, "u8", string(session.UserID))
	assert.True(t, session.ExpiresAt.IsZero())
}
