package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

const bootstrapPluginName = "keeper.bootstrap"

// BootstrapPlugin 内置引导插件
// - database.auto_migrate 开启时迁移全部模型
// - 确保管理员角色持有 "*" 权限
// - 配置了 bootstrap.admin_email 时确保管理员账号存在
type BootstrapPlugin struct{}

func NewBootstrapPlugin() *BootstrapPlugin {
	return &BootstrapPlugin{}
}

func (p *BootstrapPlugin) Name() string    { return bootstrapPluginName }
func (p *BootstrapPlugin) Version() string { return Version }

func (p *BootstrapPlugin) Init(*Engine) error { return nil }

func (p *BootstrapPlugin) OnBeforeMount(e *Engine) error {
	ctx := context.Background()
	settings := e.Settings()
	if settings.Database.AutoMigrate {
		if err := e.DB().WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
			return fmt.Errorf("迁移模型失败: %w", err)
		}
		e.Logger().Info("模型迁移完成", "models", len(AllModels()))
	}
	return Bootstrap(ctx, e.DB(), settings.Bootstrap, e.Logger())
}

// Bootstrap 确保管理员角色与管理员账号存在，可重复执行
func Bootstrap(ctx context.Context, db *gorm.DB, cfg BootstrapConfig, logger *slog.Logger) error {
	permissions := NewRepository[Permission](db)
	roles := NewRepository[Role](db)
	users := NewRepository[User](db)

	wildcard, err := permissions.FindOneOrNull(ctx, Query{Where: Filter{"url": WildcardPermission}})
	if err != nil {
		return err
	}
	if wildcard == nil {
		wildcard = &Permission{Model: Model{Enable: true}, Name: "全部权限", URL: WildcardPermission}
		if err := permissions.Insert(ctx, wildcard); err != nil {
			return fmt.Errorf("创建通配权限失败: %w", err)
		}
	}

	role, err := roles.FindOneOrNull(ctx, Query{Where: Filter{"name": cfg.AdminRole}, Relations: RelationPaths("permissions")})
	if err != nil {
		return err
	}
	if role == nil {
		role = &Role{Model: Model{Enable: true}, Name: cfg.AdminRole, Permissions: []Permission{*wildcard}}
		if err := db.WithContext(ctx).Omit("Permissions.*").Create(role).Error; err != nil {
			return fmt.Errorf("创建管理员角色失败: %w", err)
		}
		logger.Info("已创建管理员角色", "role", cfg.AdminRole)
	} else if !holdsPermission(role, wildcard.ID) {
		if err := db.WithContext(ctx).Model(role).Omit("Permissions.*").Association("Permissions").Append(wildcard); err != nil {
			return fmt.Errorf("授予管理员角色通配权限失败: %w", err)
		}
	}

	if cfg.AdminEmail == "" {
		return nil
	}
	admin, err := users.FindOneOrNull(ctx, Query{Where: Filter{"email": cfg.AdminEmail}})
	if err != nil || admin != nil {
		return err
	}
	if cfg.AdminPassword == "" {
		return fmt.Errorf("bootstrap.admin_password 未配置: %w", ErrValidation)
	}
	hash, err := HashSecret(cfg.AdminPassword)
	if err != nil {
		return err
	}
	name := cfg.AdminName
	if name == "" {
		name = "Administrator"
	}
	admin = &User{Model: Model{Enable: true}, Name: name, Email: cfg.AdminEmail, Password: hash, Roles: []Role{*role}}
	if err := db.WithContext(ctx).Omit("Roles.*").Create(admin).Error; err != nil {
		return fmt.Errorf("创建管理员账号失败: %w", err)
	}
	logger.Info("已创建管理员账号", "user_id", admin.ID, "email", cfg.AdminEmail)
	return nil
}

func holdsPermission(role *Role, permissionID uint) bool {
	for _, p := range role.Permissions {
		if p.ID == permissionID {
			return true
		}
	}
	return false
}
