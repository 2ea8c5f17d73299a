package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

const defaultLoginProvider = "email"

// LoginMeta 登录请求的来源信息，写入登录记录
type LoginMeta struct {
	IPAddress string
	UserAgent string
	Provider  string
}

// CredentialValidator 校验邮箱密码并维护主体快照缓存
type CredentialValidator struct {
	users  *Repository[User]
	logins *Repository[UserLogin]
	cache  Cache
	cfg    AuthConfig
	logger *slog.Logger
}

func NewCredentialValidator(users *Repository[User], logins *Repository[UserLogin], cache Cache, cfg AuthConfig, logger *slog.Logger) *CredentialValidator {
	return &CredentialValidator{users: users, logins: logins, cache: cache, cfg: cfg, logger: logger}
}

func newCredentialValidator(users *Repository[User], logins *Repository[UserLogin], cache Cache, settings *Settings, logger *slog.Logger) *CredentialValidator {
	return NewCredentialValidator(users, logins, cache, settings.Auth, logger)
}

func principalQuery(where Filter, withPassword bool) Query {
	q := Query{Where: where, Relations: RelationPaths("roles.permissions")}
	if withPassword {
		q.Select = FieldList("id", "name", "email", "password")
	}
	return q
}

// Validate 校验凭证，成功时缓存主体并追加登录记录
//
// 用户不存在与密码错误返回同一个 ErrInvalidCredentials，区别只体现在日志中。
// 主体写入缓存失败时登录失败。
func (v *CredentialValidator) Validate(ctx context.Context, email, password string, meta LoginMeta) (*Principal, error) {
	logger := LoggerFrom(ctx, v.logger)

	user, err := v.users.FindOneOrNull(ctx, principalQuery(Filter{"email": email}, true))
	if err != nil {
		return nil, fmt.Errorf("加载用户失败: %w", err)
	}
	if user == nil {
		logger.InfoContext(ctx, "登录失败：用户不存在", "email", email)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		logger.InfoContext(ctx, "登录失败：密码错误", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	principal := NewPrincipal(user)
	if err := v.CachePrincipal(ctx, principal); err != nil {
		return nil, err
	}

	provider := meta.Provider
	if provider == "" {
		provider = defaultLoginProvider
	}
	login := &UserLogin{Model: Model{Enable: true}, UserID: user.ID, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent, Provider: provider}
	if err := v.logins.Insert(ctx, login); err != nil {
		return nil, fmt.Errorf("记录登录信息失败: %w", err)
	}
	logger.InfoContext(ctx, "登录成功", "user_id", user.ID, "permissions", len(principal.Permissions))
	return principal, nil
}

// FindPrincipal 优先读取缓存，未命中时从库中重新加载并回写缓存
// 用户已不存在（或被禁用、删除）时返回 ErrForbidden
func (v *CredentialValidator) FindPrincipal(ctx context.Context, id uint) (*Principal, error) {
	logger := LoggerFrom(ctx, v.logger)

	raw, found, err := v.cache.Get(ctx, principalKey(id))
	switch {
	case err != nil:
		logger.WarnContext(ctx, "读取主体缓存失败，回源加载", "user_id", id, "error", err)
	case found:
		p, err := decodePrincipal(raw)
		if err == nil {
			return p, nil
		}
		logger.WarnContext(ctx, "主体缓存内容无效，回源加载", "user_id", id, "error", err)
	}

	user, err := v.users.FindOneOrNull(ctx, principalQuery(Filter{"id": id}, false))
	if err != nil {
		return nil, fmt.Errorf("加载用户失败: %w", err)
	}
	if user == nil {
		return nil, ErrForbidden
	}
	principal := NewPrincipal(user)
	if err := v.CachePrincipal(ctx, principal); err != nil {
		logger.WarnContext(ctx, "回写主体缓存失败", "user_id", id, "error", err)
	}
	return principal, nil
}

// CachePrincipal 写入主体快照
func (v *CredentialValidator) CachePrincipal(ctx context.Context, p *Principal) error {
	raw, err := encodePrincipal(p)
	if err != nil {
		return err
	}
	if err := v.cache.Set(ctx, principalKey(p.ID), raw, v.cfg.PrincipalTTL); err != nil {
		return fmt.Errorf("缓存主体失败: %w", err)
	}
	return nil
}

// EvictPrincipals 删除主体快照，下次请求时重新加载
func (v *CredentialValidator) EvictPrincipals(ctx context.Context, ids ...uint) error {
	for _, id := range ids {
		if err := v.cache.Del(ctx, principalKey(id)); err != nil {
			return err
		}
	}
	return nil
}

// ClientValidator 校验服务间调用的客户端凭证
type ClientValidator struct {
	clients *Repository[AppClient]
	logger  *slog.Logger
}

func NewClientValidator(clients *Repository[AppClient], logger *slog.Logger) *ClientValidator {
	return &ClientValidator{clients: clients, logger: logger}
}

func (v *ClientValidator) Validate(ctx context.Context, clientID, secret string) (*AppClient, error) {
	if clientID == "" || secret == "" {
		return nil, ErrInvalidClient
	}
	client, err := v.clients.FindOneOrNull(ctx, Query{
		Where:  Filter{"client_id": clientID},
		Select: FieldList("id", "client_id", "client_secret", "name"),
	})
	if err != nil {
		return nil, fmt.Errorf("加载客户端失败: %w", err)
	}
	if client == nil {
		LoggerFrom(ctx, v.logger).InfoContext(ctx, "客户端认证失败：客户端不存在", "client_id", clientID)
		return nil, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecret), []byte(secret)); err != nil {
		LoggerFrom(ctx, v.logger).InfoContext(ctx, "客户端认证失败：密钥错误", "client_id", clientID)
		return nil, ErrInvalidClient
	}
	return client, nil
}

// HashSecret bcrypt 哈希，用于密码与客户端密钥
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("生成哈希失败: %w", err)
	}
	return string(hash), nil
}
