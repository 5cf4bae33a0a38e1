package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/config"
	"ledgersync/internal/dto/req"
	"ledgersync/internal/dto/resp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	RedisKeyPrefix = "ledgersync:auth:session:"
	Issuer         = "ledgersync-auth-service"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
)

type AuthService struct {
	redis           redis.UniversalClient
	signingKey      []byte
	users           map[string]config.UserConfig
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	OwnerID  string `json:"owner"`
	jwt.RegisteredClaims
}

func NewAuthService(rdb redis.UniversalClient, cfg config.AuthConfig) *AuthService {
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &AuthService{
		redis:           rdb,
		signingKey:      []byte(cfg.SigningKey),
		users:           users,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
	}
}

// SigningKey is the HMAC key access tokens are verified with.
func (s *AuthService) SigningKey() []byte {
	return s.signingKey
}

// Login checks the password against the configured bcrypt hash and returns a pair of tokens.
func (s *AuthService) Login(ctx context.Context, r req.LoginReq) (*resp.TokenResp, error) {
	user, ok := s.users[r.Username]
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(r.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.generateTokens(ctx, &UserClaims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		OwnerID:  user.OwnerID,
	})
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		OwnerID:  user.OwnerID,
	}
	return tokens, nil
}

// Refresh rotates tokens. The refresh token must match the one on the redis allow-list,
// so without redis refresh is unavailable and operators log in again.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	if s.redis == nil {
		return nil, ErrSessionExpired
	}
	claims, err := s.Parse(refreshToken)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s%s", RedisKeyPrefix, claims.UserID)
	storedToken, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	return s.generateTokens(ctx, &UserClaims{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		OwnerID:  claims.OwnerID,
	})
}

// Parse verifies a token signed by this service.
func (s *AuthService) Parse(token string) (*UserClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*UserClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("%s%s", RedisKeyPrefix, userID)
	return s.redis.Del(ctx, key).Err()
}

func (s *AuthService) generateTokens(ctx context.Context, base *UserClaims) (*resp.TokenResp, error) {
	now := time.Now()

	at := *base
	at.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    Issuer,
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, at).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	rt := *base
	rt.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    Issuer,
		ID:        uuid.New().String(),
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rt).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		key := fmt.Sprintf("%s%s", RedisKeyPrefix, base.UserID)
		if err := s.redis.Set(ctx, key, refreshToken, s.refreshTokenTTL).Err(); err != nil {
			return nil, err
		}
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}
