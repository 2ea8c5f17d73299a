package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/samber/do/v2"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// ClientCredentials 登录请求中的客户端 Basic 凭证
type ClientCredentials struct {
	ID     string
	Secret string
}

// LoginResult 登录成功的响应
type LoginResult struct {
	TokenPair
	Principal *Principal `json:"principal"`
}

// AuthService 登录、刷新、登出
type AuthService struct {
	credentials *CredentialValidator
	tokens      *TokenService
	clients     *ClientValidator
	cfg         AuthConfig
	logger      *slog.Logger
}

func NewAuthService(credentials *CredentialValidator, tokens *TokenService, clients *ClientValidator, cfg AuthConfig, logger *slog.Logger) *AuthService {
	return &AuthService{credentials: credentials, tokens: tokens, clients: clients, cfg: cfg, logger: logger}
}

// Login 开启客户端认证时先校验客户端凭证，再校验用户凭证并签发令牌
func (s *AuthService) Login(ctx context.Context, req LoginRequest, client *ClientCredentials, meta LoginMeta) (*LoginResult, error) {
	if s.cfg.ClientAuth {
		if client == nil {
			return nil, fmt.Errorf("缺少客户端凭证: %w", ErrInvalidClient)
		}
		if _, err := s.clients.Validate(ctx, client.ID, client.Secret); err != nil {
			return nil, err
		}
	}

	principal, err := s.credentials.Validate(ctx, req.Email, req.Password, meta)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Issue(ctx, principal)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: pair, Principal: principal}, nil
}

// Refresh 用刷新令牌换取新令牌对，旧的刷新令牌与访问令牌随即吊销
// previousAccess 可带 "Bearer " 前缀，可为空；校验失败或主体不一致时不吊销
func (s *AuthService) Refresh(ctx context.Context, refreshToken, previousAccess string) (TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if s.tokens.IsBlocked(ctx, refreshToken) {
		return TokenPair{}, fmt.Errorf("刷新令牌已被吊销: %w", ErrUnauthorized)
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	principal, err := s.credentials.FindPrincipal(ctx, id)
	if err != nil {
		return TokenPair{}, err
	}

	previous := TokenPair{AccessToken: s.ownAccessToken(ctx, previousAccess, claims.Subject), RefreshToken: refreshToken}
	pair, err := s.tokens.Refresh(ctx, principal, previous)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.credentials.CachePrincipal(ctx, principal); err != nil {
		LoggerFrom(ctx, s.logger).WarnContext(ctx, "刷新后缓存主体失败", "user_id", principal.ID, "error", err)
	}
	return pair, nil
}

// ownAccessToken 只有校验通过且与刷新令牌属于同一主体的访问令牌才会被吊销，其余忽略
func (s *AuthService) ownAccessToken(ctx context.Context, header, subject string) string {
	token := stripBearer(header)
	if token == "" {
		return ""
	}
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil || claims.Subject != subject {
		LoggerFrom(ctx, s.logger).DebugContext(ctx, "忽略无效的旧访问令牌", "subject", subject, "error", err)
		return ""
	}
	return token
}

func (s *AuthService) Logout(ctx context.Context, authorization string) error {
	return s.tokens.Logout(ctx, authorization)
}

// Me 当前请求的主体
func (s *AuthService) Me(ctx context.Context) (*Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// 认证相关用例，由请求级容器解析

type LoginUseCase struct {
	Auth *AuthService `do:""`
	Meta RequestMeta  `do:""`
}

func (u *LoginUseCase) Execute(ctx *gin.Context, req LoginRequest) (*LoginResult, error) {
	var client *ClientCredentials
	if id, secret, ok := ctx.Request.BasicAuth(); ok {
		client = &ClientCredentials{ID: id, Secret: secret}
	}
	return u.Auth.Login(ctx.Request.Context(), req, client, LoginMeta{
		IPAddress: u.Meta.ClientIP,
		UserAgent: u.Meta.UserAgent,
	})
}

type RefreshUseCase struct {
	Auth *AuthService `do:""`
}

func (u *RefreshUseCase) Execute(ctx *gin.Context, req RefreshRequest) (TokenPair, error) {
	return u.Auth.Refresh(ctx.Request.Context(), req.RefreshToken, ctx.GetHeader("Authorization"))
}

type LogoutUseCase struct {
	Auth *AuthService `do:""`
}

func (u *LogoutUseCase) Execute(ctx *gin.Context, _ Empty) (Empty, error) {
	return Empty{}, u.Auth.Logout(ctx.Request.Context(), ctx.GetHeader("Authorization"))
}

type MeUseCase struct {
	Auth *AuthService `do:""`
}

func (u *MeUseCase) Execute(ctx *gin.Context, _ Empty) (*Principal, error) {
	return u.Auth.Me(ctx.Request.Context())
}

func newAuthService(credentials *CredentialValidator, tokens *TokenService, clients *ClientValidator, settings *Settings, logger *slog.Logger) *AuthService {
	return NewAuthService(credentials, tokens, clients, settings.Auth, logger)
}

// provideAuthUseCases 在请求级容器中登记认证用例
func provideAuthUseCases(scope do.Injector) {
	do.Provide(scope, do.InvokeStruct[*LoginUseCase])
	do.Provide(scope, do.InvokeStruct[*RefreshUseCase])
	do.Provide(scope, do.InvokeStruct[*LogoutUseCase])
	do.Provide(scope, do.InvokeStruct[*MeUseCase])
}
