package service_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

func TestCreateAndVerifyJWT(t *testing.T) {
	svc, _, _, _ := setupService(t)

	// 1. Create
	token, err := svc.CreateJWT("user123", time.Hour)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// 2. Verify
	subject, expiry, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, "user123", subject)
	assert.True(t, expiry.After(time.Now()))
}

func TestVerifyJWT_Invalid(t *testing.T) {
	svc, _, _, _ := setupService(t)

	_, _, err := svc.VerifyJWT("invalid.token.string")
	assert.Error(t, err)
}

func TestVerifyJWT_Expired(t *testing.T) {
	svc, _, _, _ := setupService(t)

	token, err := svc.CreateJWT("user123", -time.Minute)
	require.NoError(t, err)

	_, _, err = svc.VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	svc, _, _, _ := setupService(t)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := other.SignedString([]byte("another-secret"))
	require.NoError(t, err)

	_, _, err = svc.VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_MissingSubject(t *testing.T) {
	svc, _, _, _ := setupService(t)

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := noSub.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, _, err = svc.VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_InvalidSigningMethod(t *testing.T) {
	svc, _, _, _ := setupService(t)

	// "none" algorithm tokens must be rejected outright
	header := map[string]string{
		"alg": "none",
		"typ": "JWT",
	}
	payload := map[string]any{
		"sub": "attacker_user",
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}

	headerBytes, _ := json.Marshal(header)
	payloadBytes, _ := json.Marshal(payload)

	enc := base64.RawURLEncoding
	noneToken := enc.EncodeToString(headerBytes) + "." + enc.EncodeToString(payloadBytes) + "."

	_, _, err := svc.VerifyJWT(noneToken)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signing method none is invalid")
}

func TestAuthenticateToken_Success(t *testing.T) {
	svc, _, _, _ := setupService(t)

	token, err := svc.CreateJWT("alice", time.Hour)
	require.NoError(t, err)

	identity, err := svc.AuthenticateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, models.Identity{Subject: "alice"}, identity)
}

func TestAuthenticateToken_EmptyToken(t *testing.T) {
	svc, _, _, _ := setupService(t)

	_, err := svc.AuthenticateToken("")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
	assert.Contains(t, err.Error(), "token not provided")
}

func TestAuthenticateToken_BadToken(t *testing.T) {
	svc, _, _, _ := setupService(t)

	_, err := svc.AuthenticateToken("garbage")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestIdentityFromContext(t *testing.T) {
	_, ok := service.IdentityFromContext(context.Background())
	assert.False(t, ok)

	_, ok = service.IdentityFromContext(service.WithIdentity(context.Background(), models.Identity{}))
	assert.False(t, ok, "empty subject is anonymous")

	identity, ok := service.IdentityFromContext(service.WithIdentity(context.Background(), models.Identity{Subject: "bob"}))
	assert.True(t, ok)
	assert.Equal(t, "bob", identity.Subject)
}
