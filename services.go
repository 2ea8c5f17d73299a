package keeper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 管理端请求体

type CreateUserInput struct {
	Name     string `json:"name" validate:"required,max=128"`
	Email    string `json:"email" validate:"required,email,max=191"`
	Password string `json:"password" validate:"required,strong_password"`
	RoleIDs  []uint `json:"roleIds" validate:"omitempty,dive,gt=0"`
}

type AssignRolesInput struct {
	RoleIDs []uint `json:"roleIds" validate:"omitempty,dive,gt=0"`
}

type CreateRoleInput struct {
	Name          string `json:"name" validate:"required,max=128"`
	PermissionIDs []uint `json:"permissionIds" validate:"omitempty,dive,gt=0"`
}

type SetPermissionsInput struct {
	PermissionIDs []uint `json:"permissionIds" validate:"omitempty,dive,gt=0"`
}

type CreatePermissionInput struct {
	Name  string `json:"name" validate:"required,max=128"`
	URL   string `json:"url" validate:"required,max=255"`
	Regex string `json:"regex" validate:"omitempty,max=255"`
}

type CreateClientInput struct {
	ClientID    string `json:"clientId" validate:"omitempty,max=128"`
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"omitempty,max=512"`
}

// CreatedClient 新建客户端的响应，ClientSecret 只在此时返回一次
type CreatedClient struct {
	Client       *AppClient `json:"client"`
	ClientSecret string     `json:"clientSecret"`
}

// notifyPrincipalChanged 发布主体失效事件，发布失败只记录日志
func notifyPrincipalChanged(ctx context.Context, bus EventBus, logger *slog.Logger, reason string, ids ...uint) {
	if bus == nil || len(ids) == 0 {
		return
	}
	if err := PublishEvent(ctx, bus, TopicPrincipalChanged, PrincipalChanged{UserIDs: ids, Reason: reason}); err != nil {
		LoggerFrom(ctx, logger).WarnContext(ctx, "发布主体变更事件失败", "reason", reason, "error", err)
	}
}

// loadByIDs 按 ID 加载实体，任一 ID 不存在时返回 ErrValidation
func loadByIDs[T any](ctx context.Context, repo *Repository[T], what string, ids []uint) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}
	unique := slices.Clone(ids)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	items, err := repo.FindMany(ctx, Query{Where: Filter{"id": unique}, NoTiebreak: true})
	if err != nil {
		return nil, err
	}
	if len(items) != len(unique) {
		return nil, fmt.Errorf("%s不存在: %w", what, ErrValidation)
	}
	return items, nil
}

func userIDs(users []User) []uint {
	ids := make([]uint, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

// UserService 用户管理
type UserService struct {
	users  *Repository[User]
	roles  *Repository[Role]
	bus    EventBus
	logger *slog.Logger
}

func NewUserService(users *Repository[User], roles *Repository[Role], bus EventBus, logger *slog.Logger) *UserService {
	return &UserService{users: users, roles: roles, bus: bus, logger: logger}
}

func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	// 唯一索引覆盖已软删除的记录，这里不带默认过滤条件检查
	var taken int64
	if err := s.users.DB(ctx).Unscoped().Model(&User{}).Where("email = ?", in.Email).Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, fmt.Errorf("邮箱 %s 已被使用: %w", in.Email, ErrValidation)
	}

	roles, err := loadByIDs(ctx, s.roles, "角色", in.RoleIDs)
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{Model: Model{Enable: true}, Name: in.Name, Email: in.Email, Password: hash, Roles: roles}
	if err := s.users.DB(ctx).Omit("Roles.*").Create(user).Error; err != nil {
		return nil, err
	}
	LoggerFrom(ctx, s.logger).InfoContext(ctx, "创建用户", "user_id", user.ID, "roles", len(roles))
	return user, nil
}

func (s *UserService) List(ctx context.Context, q Query) (*Page[User], error) {
	return s.users.FindPaged(ctx, q)
}

func (s *UserService) Get(ctx context.Context, id uint, relations RelationTree) (*User, error) {
	return s.users.FindByID(ctx, id, relations)
}

func (s *UserService) Delete(ctx context.Context, id uint) error {
	found, err := s.users.SoftDeleteByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	notifyPrincipalChanged(ctx, s.bus, s.logger, "user.deleted", id)
	return nil
}

// AssignRoles 以给定角色集合替换用户当前角色
func (s *UserService) AssignRoles(ctx context.Context, id uint, roleIDs []uint) (*User, error) {
	user, err := s.users.FindByID(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	roles, err := loadByIDs(ctx, s.roles, "角色", roleIDs)
	if err != nil {
		return nil, err
	}
	if err := replaceAssociation(s.users.DB(ctx), user, "Roles", roles); err != nil {
		return nil, err
	}
	notifyPrincipalChanged(ctx, s.bus, s.logger, "user.roles", id)
	return s.users.FindByID(ctx, id, RelationPaths("roles"))
}

func replaceAssociation[E any](db *gorm.DB, owner any, name string, items []E) error {
	assoc := db.Model(owner).Omit(name + ".*").Association(name)
	if len(items) == 0 {
		return assoc.Clear()
	}
	return assoc.Replace(items)
}

// RoleService 角色管理
type RoleService struct {
	roles       *Repository[Role]
	permissions *Repository[Permission]
	users       *Repository[User]
	bus         EventBus
	logger      *slog.Logger
}

func NewRoleService(roles *Repository[Role], permissions *Repository[Permission], users *Repository[User], bus EventBus, logger *slog.Logger) *RoleService {
	return &RoleService{roles: roles, permissions: permissions, users: users, bus: bus, logger: logger}
}

func (s *RoleService) Create(ctx context.Context, in CreateRoleInput) (*Role, error) {
	var taken int64
	if err := s.roles.DB(ctx).Unscoped().Model(&Role{}).Where("name = ?", in.Name).Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, fmt.Errorf("角色 %s 已存在: %w", in.Name, ErrValidation)
	}
	perms, err := loadByIDs(ctx, s.permissions, "权限", in.PermissionIDs)
	if err != nil {
		return nil, err
	}
	role := &Role{Model: Model{Enable: true}, Name: in.Name, Permissions: perms}
	if err := s.roles.DB(ctx).Omit("Permissions.*").Create(role).Error; err != nil {
		return nil, err
	}
	return role, nil
}

func (s *RoleService) List(ctx context.Context, q Query) (*Page[Role], error) {
	return s.roles.FindPaged(ctx, q)
}

func (s *RoleService) Get(ctx context.Context, id uint, relations RelationTree) (*Role, error) {
	return s.roles.FindByID(ctx, id, relations)
}

// holders 持有该角色的用户
func (s *RoleService) holders(ctx context.Context, roleID uint) ([]uint, error) {
	users, err := s.users.FindMany(ctx, Query{Where: Filter{"roles.id": roleID}, Select: FieldList("id"), NoTiebreak: true})
	if err != nil {
		return nil, err
	}
	return userIDs(users), nil
}

func (s *RoleService) Delete(ctx context.Context, id uint) error {
	affected, err := s.holders(ctx, id)
	if err != nil {
		return err
	}
	found, err := s.roles.SoftDeleteByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	notifyPrincipalChanged(ctx, s.bus, s.logger, "role.deleted", affected...)
	return nil
}

// SetPermissions 以给定权限集合替换角色当前权限
func (s *RoleService) SetPermissions(ctx context.Context, id uint, permissionIDs []uint) (*Role, error) {
	role, err := s.roles.FindByID(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	perms, err := loadByIDs(ctx, s.permissions, "权限", permissionIDs)
	if err != nil {
		return nil, err
	}
	if err := replaceAssociation(s.roles.DB(ctx), role, "Permissions", perms); err != nil {
		return nil, err
	}
	affected, err := s.holders(ctx, id)
	if err != nil {
		return nil, err
	}
	notifyPrincipalChanged(ctx, s.bus, s.logger, "role.permissions", affected...)
	return s.roles.FindByID(ctx, id, RelationPaths("permissions"))
}

// PermissionService 权限管理
type PermissionService struct {
	permissions *Repository[Permission]
	users       *Repository[User]
	bus         EventBus
	logger      *slog.Logger
}

func NewPermissionService(permissions *Repository[Permission], users *Repository[User], bus EventBus, logger *slog.Logger) *PermissionService {
	return &PermissionService{permissions: permissions, users: users, bus: bus, logger: logger}
}

func (s *PermissionService) Create(ctx context.Context, in CreatePermissionInput) (*Permission, error) {
	perm := &Permission{Model: Model{Enable: true}, Name: in.Name, URL: in.URL, Regex: in.Regex}
	if err := s.permissions.Insert(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *PermissionService) List(ctx context.Context, q Query) (*Page[Permission], error) {
	return s.permissions.FindPaged(ctx, q)
}

func (s *PermissionService) Delete(ctx context.Context, id uint) error {
	users, err := s.users.FindMany(ctx, Query{Where: Filter{"roles.permissions.id": id}, Select: FieldList("id"), NoTiebreak: true})
	if err != nil {
		return err
	}
	found, err := s.permissions.SoftDeleteByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	notifyPrincipalChanged(ctx, s.bus, s.logger, "permission.deleted", userIDs(users)...)
	return nil
}

// UserLoginService 登录记录查询
type UserLoginService struct {
	logins *Repository[UserLogin]
}

func NewUserLoginService(logins *Repository[UserLogin]) *UserLoginService {
	return &UserLoginService{logins: logins}
}

// ListFor 分页查询指定用户的登录记录，经由 user 关联过滤
func (s *UserLoginService) ListFor(ctx context.Context, userID uint, q Query) (*Page[UserLogin], error) {
	where := Filter{}
	for k, v := range q.Where {
		where[k] = v
	}
	where["user.id"] = userID
	q.Where = where
	return s.logins.FindPaged(ctx, q)
}

// ClientService 客户端凭证管理
type ClientService struct {
	clients *Repository[AppClient]
	logger  *slog.Logger
}

func NewClientService(clients *Repository[AppClient], logger *slog.Logger) *ClientService {
	return &ClientService{clients: clients, logger: logger}
}

func (s *ClientService) Create(ctx context.Context, in CreateClientInput) (*CreatedClient, error) {
	clientID := in.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var taken int64
	if err := s.clients.DB(ctx).Unscoped().Model(&AppClient{}).Where("client_id = ?", clientID).Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, fmt.Errorf("客户端 %s 已存在: %w", clientID, ErrValidation)
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, err
	}
	client := &AppClient{Model: Model{Enable: true}, ClientID: clientID, ClientSecret: hash, Name: in.Name, Description: in.Description}
	if err := s.clients.Insert(ctx, client); err != nil {
		return nil, err
	}
	LoggerFrom(ctx, s.logger).InfoContext(ctx, "创建客户端", "client_id", clientID)
	return &CreatedClient{Client: client, ClientSecret: secret}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成客户端密钥失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
