package keeper

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAccessExpiry  = 15 * time.Minute
	defaultRefreshExpiry = 7 * 24 * time.Hour
	defaultPrincipalTTL  = time.Hour
)

// Settings 启动时一次性解析的强类型配置，按段传入各组件构造函数
type Settings struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LogConfig       `mapstructure:"logger"`
	Database  DbConfig        `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Query     QueryConfig     `mapstructure:"query"`
	Pool      PoolConfig      `mapstructure:"goroutine_pool"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	I18n      I18nConfig      `mapstructure:"i18n"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Plugins   PluginConfig    `mapstructure:"plugins"`
}

type AppConfig struct {
	Name  string `mapstructure:"name"`
	Debug bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`       // 访问令牌 HMAC 密钥（必须）
	RefreshSecret   string        `mapstructure:"refresh_secret"`   // 刷新令牌 HMAC 密钥（必须，且与访问令牌密钥不同）
	Issuer          string        `mapstructure:"issuer"`           // 签发者
	AccessExpiry    time.Duration `mapstructure:"access_expiry"`    // 访问令牌有效期
	RefreshExpiry   time.Duration `mapstructure:"refresh_expiry"`   // 刷新令牌有效期
	PrincipalTTL    time.Duration `mapstructure:"principal_ttl"`    // 主体快照缓存时长
	ClockSkew       time.Duration `mapstructure:"clock_skew"`       // 校验令牌时允许的时钟偏差
	ClientAuth      bool          `mapstructure:"client_auth"`      // 登录是否要求客户端 Basic 认证
	PermissionMatch string        `mapstructure:"permission_match"` // exact 或 pattern
}

type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"` // 0 表示不限制
}

type BootstrapConfig struct {
	AdminRole     string `mapstructure:"admin_role"`
	AdminName     string `mapstructure:"admin_name"`
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

// LoadSettings 从 viper 解析配置并补全默认值
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	s.applyDefaults()
	if err := s.Auth.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// newSettings wire 提供者，配置无效时直接终止启动
func newSettings(v *viper.Viper) *Settings {
	s, err := LoadSettings(v)
	if err != nil {
		panic(fmt.Errorf("致命错误配置无效：%w", err))
	}
	return s
}

func (s *Settings) applyDefaults() {
	if s.App.Name == "" {
		s.App.Name = "keeper"
	}
	if s.Server.ShutdownTimeout <= 0 {
		s.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if s.Auth.AccessExpiry <= 0 {
		s.Auth.AccessExpiry = defaultAccessExpiry
	}
	if s.Auth.RefreshExpiry <= 0 {
		s.Auth.RefreshExpiry = defaultRefreshExpiry
	}
	if s.Auth.PrincipalTTL <= 0 {
		s.Auth.PrincipalTTL = defaultPrincipalTTL
	}
	if s.Auth.PermissionMatch == "" {
		s.Auth.PermissionMatch = PermissionMatchExact
	}
	if s.Query.DefaultLimit <= 0 {
		s.Query.DefaultLimit = defaultPageLimit
	}
	if s.Cache.DialTimeout <= 0 {
		s.Cache.DialTimeout = defaultCacheTimeout
	}
	if s.Cache.ReadTimeout <= 0 {
		s.Cache.ReadTimeout = defaultCacheTimeout
	}
	if s.Cache.WriteTimeout <= 0 {
		s.Cache.WriteTimeout = defaultCacheTimeout
	}
	if s.Pool.Size <= 0 {
		s.Pool = DefaultPoolConfig()
	}
	if s.Bootstrap.AdminRole == "" {
		s.Bootstrap.AdminRole = "admin"
	}
}

func (c AuthConfig) validate() error {
	if c.JWTSecret == "" {
		return errors.New("auth.jwt_secret 未配置")
	}
	if c.RefreshSecret == "" {
		return errors.New("auth.refresh_secret 未配置")
	}
	if c.JWTSecret == c.RefreshSecret {
		return errors.New("auth.refresh_secret 不能与 auth.jwt_secret 相同")
	}
	switch c.PermissionMatch {
	case PermissionMatchExact, PermissionMatchPattern:
	default:
		return fmt.Errorf("auth.permission_match 取值无效: %q", c.PermissionMatch)
	}
	return nil
}
