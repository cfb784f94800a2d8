package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sigap-cbt/sigap-backend/internal/config"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()
	_, client := newTestRedis(t)
	cfg := &config.Config{
		JWTSecret:  "test-secret",
		JWTExpiry:  time.Hour,
		BcryptCost: bcrypt.MinCost,
	}
	return NewAuthService(cfg, client)
}

func TestStudentTokenSingleDevice(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	token, err := svc.GenerateStudentToken(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.Equal(t, 42, claims.UserID)
	assert.NoError(t, svc.ValidateStudentSession(ctx, 42, claims.ID))

	// Second login while the session is live must be rejected.
	_, err = svc.GenerateStudentToken(ctx, 42)
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)

	// A different student is unaffected.
	_, err = svc.GenerateStudentToken(ctx, 43)
	assert.NoError(t, err)
}

func TestResetStudentSessionAllowsRelogin(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	first, err := svc.GenerateStudentToken(ctx, 7)
	require.NoError(t, err)
	firstClaims, err := svc.ValidateToken(first)
	require.NoError(t, err)

	require.NoError(t, svc.ResetStudentSession(ctx, 7))

	second, err := svc.GenerateStudentToken(ctx, 7)
	require.NoError(t, err)
	secondClaims, err := svc.ValidateToken(second)
	require.NoError(t, err)

	// The old token is dead, the new one is live.
	assert.Error(t, svc.ValidateStudentSession(ctx, 7, firstClaims.ID))
	assert.NoError(t, svc.ValidateStudentSession(ctx, 7, secondClaims.ID))
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	svc := newTestAuthService(t)

	token, err := svc.GenerateTeacherToken(5)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeTeacher, claims.TokenType)

	_, err = svc.ValidateToken(token + "x")
	assert.Error(t, err)

	other := NewAuthService(&config.Config{JWTSecret: "other-secret", JWTExpiry: time.Hour}, svc.rdb)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	svc := newTestAuthService(t)

	hash, err := svc.HashPassword("rahasia123")
	require.NoError(t, err)
	assert.NoError(t, svc.CheckPassword(hash, "rahasia123"))
	assert.ErrorIs(t, svc.CheckPassword(hash, "salah"), ErrInvalidCredentials)
}
