package service

import (
	"context"
	"testing"
	"time"

	"ledgersync/internal/config"
	"ledgersync/internal/dto/req"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewAuthService(nil, config.AuthConfig{
		SigningKey:      "test-key",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Users: []config.UserConfig{
			{ID: "u1", Username: "cashier", PasswordHash: string(hash), Role: "operator", OwnerID: "biz-1"},
		},
	})
}

func TestAuthService_LoginRejectsBadCredentials(t *testing.T) {
	svc := newTestAuth(t)

	_, err := svc.Login(context.Background(), req.LoginReq{Username: "cashier", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), req.LoginReq{Username: "nobody", Password: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_Parse(t *testing.T) {
	svc := newTestAuth(t)
	claims := UserClaims{
		UserID:  "u1",
		OwnerID: "biz-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	got, err := svc.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "biz-1", got.OwnerID)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-key"))
	require.NoError(t, err)
	_, err = svc.Parse(forged)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Parse(unsigned)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	_, err = svc.Parse(expired)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthService_LoginWithoutRedis(t *testing.T) {
	svc := newTestAuth(t)
	ctx := context.Background()

	tokens, err := svc.Login(ctx, req.LoginReq{Username: "cashier", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "biz-1", tokens.User.OwnerID)
	assert.EqualValues(t, 60, tokens.ExpiresIn)

	claims, err := svc.Parse(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, Issuer, claims.Issuer)

	// no allow-list to check the refresh token against
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.NoError(t, svc.Logout(ctx, "u1"))
}
