package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2/util"
	"github.com/gin-gonic/gin"
)

// 权限匹配模式
const (
	// PermissionMatchExact 只按 METHOD:/path 精确匹配（以及 "*"）
	PermissionMatchExact = "exact"
	// PermissionMatchPattern 在精确匹配之外，再尝试路由模板、KeyMatch2 与正则
	PermissionMatchPattern = "pattern"
)

// Access 路由的访问级别
type Access uint8

const (
	AccessChecked   Access = iota // 需要认证并校验权限（默认）
	AccessProtected               // 只需要认证
	AccessPublic                  // 无需认证
)

func (a Access) String() string {
	switch a {
	case AccessProtected:
		return "protected"
	case AccessPublic:
		return "public"
	default:
		return "checked"
	}
}

// RouteRegistry 以 METHOD + gin 路由模板登记访问级别，未登记的路由按 AccessChecked 处理
type RouteRegistry struct {
	mu     sync.RWMutex
	routes map[string]Access
}

func NewRouteRegistry() *RouteRegistry {
	return &RouteRegistry{routes: make(map[string]Access)}
}

func routeKey(method, fullPath string) string {
	return strings.ToUpper(method) + " " + fullPath
}

func (r *RouteRegistry) Set(method, fullPath string, access Access) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, fullPath)] = access
}

// Mark 按路由组登记，relativePath 与组路径拼接规则同 gin
func (r *RouteRegistry) Mark(group *gin.RouterGroup, method, relativePath string, access Access) {
	full := group.BasePath()
	if relativePath != "" {
		full = path.Join(full, relativePath)
	}
	r.Set(method, full, access)
}

func (r *RouteRegistry) Lookup(method, fullPath string) Access {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[routeKey(method, fullPath)]
}

// AccessRequest 一次访问检查的输入
type AccessRequest struct {
	Method string // HTTP 方法
	Path   string // 实际请求路径
	Route  string // gin 路由模板，如 /api/users/:id
	Access Access
	Token  string // 不带 Bearer 前缀的访问令牌
}

// Decision 访问检查结果
type Decision struct {
	Allowed   bool
	Principal *Principal
	Grant     *PermissionGrant // 命中的授权，公开与仅认证路由为空
}

// PrincipalSource 按 ID 解析主体
type PrincipalSource interface {
	FindPrincipal(ctx context.Context, id uint) (*Principal, error)
}

// Gate 访问网关：令牌校验、吊销检查、主体解析与权限判定
type Gate struct {
	tokens     *TokenService
	principals PrincipalSource
	routes     *RouteRegistry
	mode       string
	logger     *slog.Logger
}

func NewGate(tokens *TokenService, principals PrincipalSource, routes *RouteRegistry, mode string, logger *slog.Logger) *Gate {
	if mode == "" {
		mode = PermissionMatchExact
	}
	return &Gate{tokens: tokens, principals: principals, routes: routes, mode: mode, logger: logger}
}

func newGate(tokens *TokenService, validator *CredentialValidator, routes *RouteRegistry, settings *Settings, logger *slog.Logger) *Gate {
	return NewGate(tokens, validator, routes, settings.Auth.PermissionMatch, logger)
}

// Routes 路由访问级别登记表
func (g *Gate) Routes() *RouteRegistry {
	return g.routes
}

// Check 依次完成令牌校验、吊销检查、主体解析与权限判定
//
// 令牌缺失、无效、过期或已吊销返回 ErrUnauthorized；主体不存在或权限不足返回 ErrForbidden。
func (g *Gate) Check(ctx context.Context, req AccessRequest) (Decision, error) {
	if req.Access == AccessPublic {
		return Decision{Allowed: true}, nil
	}

	if req.Token == "" {
		return Decision{}, fmt.Errorf("未提供认证信息: %w", ErrUnauthorized)
	}
	claims, err := g.tokens.VerifyAccess(req.Token)
	if err != nil {
		return Decision{}, err
	}
	if g.tokens.IsBlocked(ctx, req.Token) {
		return Decision{}, fmt.Errorf("令牌已被吊销: %w", ErrUnauthorized)
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	principal, err := g.principals.FindPrincipal(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if req.Access == AccessProtected {
		return Decision{Allowed: true, Principal: principal}, nil
	}

	if grant, ok := g.match(principal, req); ok {
		return Decision{Allowed: true, Principal: principal, Grant: &grant}, nil
	}
	LoggerFrom(ctx, g.logger).InfoContext(ctx, "拒绝访问", "user_id", principal.ID, "method", req.Method, "path", req.Path)
	return Decision{Principal: principal}, fmt.Errorf("缺少权限 %s:%s: %w", req.Method, req.Path, ErrForbidden)
}

func (g *Gate) match(p *Principal, req AccessRequest) (PermissionGrant, bool) {
	method := strings.ToUpper(req.Method)
	key := method + ":" + req.Path
	if grant, ok := p.Grant(key); ok {
		return grant, true
	}
	if g.mode != PermissionMatchPattern {
		return PermissionGrant{}, false
	}

	if req.Route != "" {
		if grant, ok := p.Permissions[method+":"+req.Route]; ok {
			return grant, true
		}
	}
	urls := make([]string, 0, len(p.Permissions))
	for url := range p.Permissions {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		if safeMatch(func() bool { return util.KeyMatch2(key, url) }) {
			return p.Permissions[url], true
		}
	}
	for _, url := range urls {
		grant := p.Permissions[url]
		if grant.Permission.Regex == "" {
			continue
		}
		if safeMatch(func() bool { return util.RegexMatch(key, grant.Permission.Regex) }) {
			return grant, true
		}
	}
	return PermissionGrant{}, false
}

// safeMatch casbin 的匹配函数在模式非法时 panic，这里按不匹配处理
func safeMatch(fn func() bool) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return fn()
}

// Middleware 全局访问控制中间件
// 通过后主体写入 gin 上下文与请求 context，请求级日志追加 user_id
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		route := ctx.FullPath()
		if route == "" {
			// 未匹配的路由交给 gin 返回 404
			ctx.Next()
			return
		}
		req := AccessRequest{
			Method: ctx.Request.Method,
			Path:   ctx.Request.URL.Path,
			Route:  route,
			Access: g.routes.Lookup(ctx.Request.Method, route),
			Token:  bearerToken(ctx.GetHeader("Authorization")),
		}
		if req.Method == http.MethodOptions {
			req.Access = AccessPublic
		}

		decision, err := g.Check(ctx.Request.Context(), req)
		if err != nil {
			_ = ctx.Error(err)
			ctx.Abort()
			return
		}
		if p := decision.Principal; p != nil {
			ctx.Set(contextKeyPrincipal, p)
			reqCtx := WithPrincipal(ctx.Request.Context(), p)
			reqCtx = WithLogger(reqCtx, LoggerFrom(reqCtx, g.logger).With("user_id", p.ID))
			ctx.Request = ctx.Request.WithContext(reqCtx)
		}
		ctx.Next()
	}
}

// bearerToken 提取 Authorization: Bearer {token} 中的令牌，格式不符时返回空串
func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
