package keeper

import (
	"time"

	"gorm.io/gorm"
)

// Model 所有持久化实体的公共字段
//
// Enable/Deleted 为软状态标记，查询引擎默认只返回 enable=true、deleted=false 的记录；
// DeletedAt 为 GORM 原生软删除标记，仅在删除时写入。
type Model struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Enable    bool           `gorm:"not null;default:true" json:"enable"`
	Deleted   bool           `gorm:"not null;default:false" json:"deleted"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt"`
}

// User 用户
type User struct {
	Model
	Name     string `gorm:"size:128;not null" json:"name"`
	Email    string `gorm:"size:191;not null;uniqueIndex" json:"email"`
	Password string `gorm:"size:255;not null" json:"-"`
	Roles    []Role `gorm:"many2many:user_roles" json:"roles,omitempty"`
}

// HiddenFields 默认投影中不返回的列
func (User) HiddenFields() []string { return []string{"password"} }

// Role 角色
type Role struct {
	Model
	Name        string       `gorm:"size:128;not null;uniqueIndex" json:"name"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
}

// Permission 权限，URL 形如 "GET:/api/users"，或通配符 "*"
type Permission struct {
	Model
	Name  string `gorm:"size:128;not null" json:"name"`
	URL   string `gorm:"column:url;size:255;not null;index" json:"url"`
	Regex string `gorm:"size:255" json:"regex,omitempty"`
}

// UserLogin 登录审计记录，只追加不修改
type UserLogin struct {
	Model
	UserID    uint   `gorm:"not null;index" json:"userId"`
	User      *User  `json:"user,omitempty"`
	IPAddress string `gorm:"size:64" json:"ipAddress"`
	UserAgent string `gorm:"size:512" json:"userAgent"`
	Provider  string `gorm:"size:32;not null;default:email" json:"provider"`
}

// AppClient 服务间调用的客户端凭证
type AppClient struct {
	Model
	ClientID     string `gorm:"size:128;not null;uniqueIndex" json:"clientId"`
	ClientSecret string `gorm:"size:255;not null" json:"-"`
	Name         string `gorm:"size:128" json:"name"`
	Description  string `gorm:"size:512" json:"description"`
}

func (AppClient) HiddenFields() []string { return []string{"client_secret"} }

// AllModels 返回需要迁移的全部模型
func AllModels() []any {
	return []any{&User{}, &Role{}, &Permission{}, &UserLogin{}, &AppClient{}}
}
