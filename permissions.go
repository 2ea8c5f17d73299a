package keeper

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
)

// WildcardPermission 拥有该权限的主体可访问全部受检路由
const WildcardPermission = "*"

// PermissionGrant 主体通过某个角色获得的一条权限
type PermissionGrant struct {
	RoleID     uint       `json:"roleId"`
	RoleName   string     `json:"roleName"`
	Permission Permission `json:"permission"`
}

// Principal 已认证的主体快照，以 JSON 形式缓存在 USER:<id> 下
type Principal struct {
	ID          uint                       `json:"id"`
	Name        string                     `json:"name"`
	Email       string                     `json:"email"`
	Permissions map[string]PermissionGrant `json:"permissions"`
}

// Subject 令牌 sub 声明的取值
func (p *Principal) Subject() string {
	return strconv.FormatUint(uint64(p.ID), 10)
}

// Grant 按权限键查找授权，精确键优先，其次通配权限
func (p *Principal) Grant(key string) (PermissionGrant, bool) {
	if grant, ok := p.Permissions[key]; ok {
		return grant, true
	}
	grant, ok := p.Permissions[WildcardPermission]
	return grant, ok
}

// Has 是否拥有指定权限键（或通配权限）
func (p *Principal) Has(key string) bool {
	_, ok := p.Grant(key)
	return ok
}

// NewPrincipal 由已加载 roles.permissions 的用户构造主体
func NewPrincipal(user *User) *Principal {
	return &Principal{
		ID:          user.ID,
		Name:        user.Name,
		Email:       user.Email,
		Permissions: ResolvePermissions(user),
	}
}

// ResolvePermissions 将用户的角色权限展开为 URL -> 授权来源
//
// 角色与权限均按 ID 升序遍历，后写覆盖先写，多个角色授予同一 URL 时保留 ID 最大的角色。
func ResolvePermissions(user *User) map[string]PermissionGrant {
	grants := make(map[string]PermissionGrant)
	if user == nil {
		return grants
	}

	roles := slices.Clone(user.Roles)
	slices.SortStableFunc(roles, func(a, b Role) int { return cmp.Compare(a.ID, b.ID) })
	for _, role := range roles {
		perms := slices.Clone(role.Permissions)
		slices.SortStableFunc(perms, func(a, b Permission) int { return cmp.Compare(a.ID, b.ID) })
		for _, perm := range perms {
			grants[perm.URL] = PermissionGrant{RoleID: role.ID, RoleName: role.Name, Permission: perm}
		}
	}
	return grants
}

func encodePrincipal(p *Principal) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("序列化主体失败: %w", err)
	}
	return string(b), nil
}

func decodePrincipal(raw string) (*Principal, error) {
	var p Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("反序列化主体失败: %w", err)
	}
	if p.Permissions == nil {
		p.Permissions = map[string]PermissionGrant{}
	}
	return &p, nil
}

const contextKeyPrincipal = "keeper.principal"

type principalKeyType struct{}

// WithPrincipal 将主体写入 context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKeyType{}, p)
}

// PrincipalFrom 从 context 中读取主体
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKeyType{}).(*Principal)
	return p, ok && p != nil
}

// CurrentPrincipal 从 gin 上下文读取网关写入的主体
func CurrentPrincipal(ctx *gin.Context) (*Principal, bool) {
	if v, ok := ctx.Get(contextKeyPrincipal); ok {
		if p, ok := v.(*Principal); ok && p != nil {
			return p, true
		}
	}
	return PrincipalFrom(ctx.Request.Context())
}
