package services

import (
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() session.Session {
	return session.Session{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Email:       "test@example.com",
		DisplayName: "Test",
	}
}

func TestJWTService_GenerateTokenPair(t *testing.T) {
	svc := NewJWTService("test-secret", 15*time.Minute, 24*time.Hour)

	pair, err := svc.GenerateTokenPair(testSession())

	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(15*60), pair.ExpiresIn)
}

func TestJWTService_AccessTokenCarriesSession(t *testing.T) {
	svc := NewJWTService("test-secret", 15*time.Minute, 24*time.Hour)
	sess := testSession()

	pair, err := svc.GenerateTokenPair(sess)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "taskflow-api", claims.Issuer)

	got := claims.Session()
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.UserID, got.UserID)
	assert.Equal(t, sess.Email, got.Email)
	assert.Equal(t, sess.DisplayName, got.DisplayName)
	assert.False(t, got.IssuedAt.IsZero())
}

func TestJWTService_RefreshTokenCarriesSessionID(t *testing.T) {
	svc := NewJWTService("test-secret", 15*time.Minute, 24*time.Hour)
	sess := testSession()

	first, err := svc.GenerateTokenPair(sess)
	require.NoError(t, err)
	second, err := svc.GenerateTokenPair(sess)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	userID, sessionID, err := svc.ValidateRefreshToken(first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, userID)
	assert.Equal(t, sess.ID, sessionID)
}

func TestJWTService_RejectsTokens(t *testing.T) {
	svc := NewJWTService("secret-1", 15*time.Minute, 24*time.Hour)
	other := NewJWTService("secret-2", 15*time.Minute, 24*time.Hour)

	pair, err := other.GenerateTokenPair(testSession())
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
	}{
		{"wrong secret", pair.AccessToken},
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"two parts", "header.payload"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ValidateAccessToken(tc.token)
			assert.Error(t, err)
		})
	}
}

func TestJWTService_Expiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewJWTService("test-secret", 15*time.Minute, 24*time.Hour)
	svc.now = func() time.Time { return now }

	pair, err := svc.GenerateTokenPair(testSession())
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = svc.ValidateAccessToken(pair.AccessToken)
	assert.Error(t, err)

	_, _, err = svc.ValidateRefreshToken(pair.RefreshToken)
	assert.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, _, err = svc.ValidateRefreshToken(pair.RefreshToken)
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	a := HashToken("token")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashToken("token"))
	assert.NotEqual(t, a, HashToken("other"))
}
