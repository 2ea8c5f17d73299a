package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 令牌相关错误，对外统一映射为 ErrUnauthorized
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidSigningKey = errors.New("invalid signing key")
)

// TokenPair 访问令牌与刷新令牌
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenClaims 令牌声明，只携带主体 ID，不内嵌角色与权限
type TokenClaims struct {
	jwt.RegisteredClaims
}

// PrincipalID 解析 sub 声明
func (c *TokenClaims) PrincipalID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("令牌主体无效: %w", ErrInvalidToken)
	}
	return uint(id), nil
}

type SignOptions struct {
	Secret string
	Expiry time.Duration
}

// Signer 令牌签名与校验
type Signer interface {
	Sign(claims TokenClaims, opts SignOptions) (string, error)
	Verify(token string, secret string) (*TokenClaims, error)
}

type jwtSigner struct {
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewJWTSigner HS256 签名器
func NewJWTSigner(issuer string, leeway time.Duration) Signer {
	return &jwtSigner{issuer: issuer, leeway: leeway, now: time.Now}
}

func (s *jwtSigner) Sign(claims TokenClaims, opts SignOptions) (string, error) {
	now := s.now()
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if claims.Issuer == "" {
		claims.Issuer = s.issuer
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(opts.Expiry))
	return NewToken(&claims, opts.Secret)
}

func (s *jwtSigner) Verify(token string, secret string) (*TokenClaims, error) {
	return ParseToken[*TokenClaims](token, secret, jwt.WithLeeway(s.leeway))
}

// NewToken 使用 HS256 对声明签名
func NewToken[T jwt.Claims](claims T, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("密钥不能为空: %w", ErrInvalidSigningKey)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("签名令牌失败: %w", err)
	}
	return signed, nil
}

// ParseToken 解析并校验 HS256 令牌
//
// 过期返回包装 jwt.ErrTokenExpired 的错误，签名无效返回 ErrInvalidSigningKey，
// 格式错误或尚未生效返回 ErrInvalidToken。
func ParseToken[T jwt.Claims](tokenString string, secret string, opts ...jwt.ParserOption) (T, error) {
	var zero T
	if secret == "" {
		return zero, fmt.Errorf("密钥不能为空: %w", ErrInvalidSigningKey)
	}
	if tokenString == "" {
		return zero, fmt.Errorf("令牌字符串不能为空: %w", ErrInvalidToken)
	}

	var claims jwt.Claims
	claimsType := reflect.TypeOf(zero)
	if claimsType.Kind() == reflect.Ptr {
		claims = reflect.New(claimsType.Elem()).Interface().(jwt.Claims)
	} else {
		claims = reflect.New(claimsType).Interface().(jwt.Claims)
	}

	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return zero, fmt.Errorf("令牌已过期: %w", jwt.ErrTokenExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return zero, fmt.Errorf("令牌签名无效: %w", ErrInvalidSigningKey)
		case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenNotValidYet):
			return zero, fmt.Errorf("令牌格式错误或尚未生效: %w", ErrInvalidToken)
		default:
			return zero, fmt.Errorf("解析令牌失败: %w: %w", ErrInvalidToken, err)
		}
	}
	if !token.Valid {
		return zero, fmt.Errorf("令牌无效: %w", ErrInvalidToken)
	}
	if parsed, ok := token.Claims.(T); ok {
		return parsed, nil
	}
	return zero, fmt.Errorf("令牌声明类型不匹配: %w", ErrInvalidToken)
}

// TokenService 签发、刷新、吊销与校验令牌
type TokenService struct {
	signer Signer
	cache  Cache
	runner TaskRunner
	cfg    AuthConfig
	logger *slog.Logger
}

func NewTokenService(signer Signer, cache Cache, runner TaskRunner, cfg AuthConfig, logger *slog.Logger) *TokenService {
	return &TokenService{signer: signer, cache: cache, runner: runner, cfg: cfg, logger: logger}
}

func newTokenService(signer Signer, cache Cache, runner TaskRunner, settings *Settings, logger *slog.Logger) *TokenService {
	return NewTokenService(signer, cache, runner, settings.Auth, logger)
}

func newSigner(settings *Settings) Signer {
	return NewJWTSigner(settings.Auth.Issuer, settings.Auth.ClockSkew)
}

// Issue 并发签发访问令牌与刷新令牌，任一失败则整体失败
func (s *TokenService) Issue(ctx context.Context, p *Principal) (TokenPair, error) {
	var pair TokenPair
	claims := TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: p.Subject()}}
	err := runConcurrently(s.runner,
		func() (err error) {
			pair.AccessToken, err = s.signer.Sign(claims, SignOptions{Secret: s.cfg.JWTSecret, Expiry: s.cfg.AccessExpiry})
			return err
		},
		func() (err error) {
			pair.RefreshToken, err = s.signer.Sign(claims, SignOptions{Secret: s.cfg.RefreshSecret, Expiry: s.cfg.RefreshExpiry})
			return err
		},
	)
	if err != nil {
		return TokenPair{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return pair, nil
}

// Refresh 签发新令牌对，并吊销旧的访问令牌与刷新令牌
// 吊销写入失败只记录日志
func (s *TokenService) Refresh(ctx context.Context, p *Principal, previous TokenPair) (TokenPair, error) {
	pair, err := s.Issue(ctx, p)
	if err != nil {
		return TokenPair{}, err
	}
	for _, token := range []string{previous.AccessToken, previous.RefreshToken} {
		if token == "" {
			continue
		}
		if err := s.block(ctx, token); err != nil {
			LoggerFrom(ctx, s.logger).WarnContext(ctx, "吊销旧令牌失败", "user_id", p.ID, "error", err)
		}
	}
	return pair, nil
}

// Logout 吊销令牌，入参可带 "Bearer " 前缀；空值不做任何操作
func (s *TokenService) Logout(ctx context.Context, header string) error {
	token := stripBearer(header)
	if token == "" {
		return nil
	}
	return s.block(ctx, token)
}

func (s *TokenService) block(ctx context.Context, token string) error {
	return s.cache.Set(ctx, blockedTokenKey(token), "1", s.cfg.RefreshExpiry)
}

// IsBlocked 令牌是否已被吊销；缓存不可用时按未吊销处理
func (s *TokenService) IsBlocked(ctx context.Context, token string) bool {
	_, found, err := s.cache.Get(ctx, blockedTokenKey(token))
	if err != nil {
		LoggerFrom(ctx, s.logger).WarnContext(ctx, "检查令牌吊销状态失败，按未吊销处理", "error", err)
		return false
	}
	return found
}

func (s *TokenService) VerifyAccess(token string) (*TokenClaims, error) {
	return s.verify(token, s.cfg.JWTSecret)
}

func (s *TokenService) VerifyRefresh(token string) (*TokenClaims, error) {
	return s.verify(token, s.cfg.RefreshSecret)
}

func (s *TokenService) verify(token, secret string) (*TokenClaims, error) {
	claims, err := s.signer.Verify(token, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}

// stripBearer 去掉不区分大小写的 "Bearer " 前缀
func stripBearer(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return header
}
