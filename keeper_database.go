package keeper

import (
	"fmt"
	"log/slog"

	"github.com/panjf2000/ants/v2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DbConfig 数据库配置
type DbConfig struct {
	Type        string `mapstructure:"type"`         // 数据库类型：mysql（默认）、postgres、sqlite
	Host        string `mapstructure:"host"`         // 数据库主机地址
	Port        int    `mapstructure:"port"`         // 数据库端口号
	User        string `mapstructure:"user"`         // 数据库用户名
	Password    string `mapstructure:"password"`     // 数据库密码
	DBName      string `mapstructure:"dbname"`       // 数据库名称
	Charset     string `mapstructure:"charset"`      // 字符集（mysql）
	ParseTime   string `mapstructure:"parse_time"`   // 解析时间格式（mysql）
	Loc         string `mapstructure:"loc"`          // 时间区域（mysql）
	SSLMode     string `mapstructure:"sslmode"`      // SSL 模式（postgres）
	Path        string `mapstructure:"path"`         // 数据库文件路径（sqlite）
	AutoMigrate bool   `mapstructure:"auto_migrate"` // 启动时是否自动迁移模型
}

// dialector 根据数据库类型构造 GORM 方言
func (c DbConfig) dialector() (gorm.Dialector, error) {
	switch c.Type {
	case "", "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%s&loc=%s",
			c.User, c.Password, c.Host, c.Port, c.DBName, c.Charset, c.ParseTime, c.Loc)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(c.Path), nil
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", c.Type)
	}
}

func newDB(settings *Settings) *gorm.DB {
	dialector, err := settings.Database.dialector()
	if err != nil {
		panic(fmt.Errorf("致命错误数据库配置：%w", err))
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		panic(fmt.Errorf("致命错误数据库连接：%w", err))
	}
	// 如果是开发模式，则打印 SQL
	if settings.App.Debug {
		db = db.Debug()
	}
	return db
}

func repositoryOptionsFor(pool *ants.Pool, settings *Settings, logger *slog.Logger) []RepositoryOption {
	return []RepositoryOption{
		WithTaskRunner(pool),
		WithQueryConfig(settings.Query),
		WithRepositoryLogger(logger),
	}
}

func newUserRepository(db *gorm.DB, pool *ants.Pool, settings *Settings, logger *slog.Logger) *Repository[User] {
	return NewRepository[User](db, repositoryOptionsFor(pool, settings, logger)...)
}

func newRoleRepository(db *gorm.DB, pool *ants.Pool, settings *Settings, logger *slog.Logger) *Repository[Role] {
	return NewRepository[Role](db, repositoryOptionsFor(pool, settings, logger)...)
}

func newPermissionRepository(db *gorm.DB, pool *ants.Pool, settings *Settings, logger *slog.Logger) *Repository[Permission] {
	return NewRepository[Permission](db, repositoryOptionsFor(pool, settings, logger)...)
}

func newUserLoginRepository(db *gorm.DB, pool *ants.Pool, settings *Settings, logger *slog.Logger) *Repository[UserLogin] {
	return NewRepository[UserLogin](db, repositoryOptionsFor(pool, settings, logger)...)
}

func newAppClientRepository(db *gorm.DB, pool *ants.Pool, settings *Settings, logger *slog.Logger) *Repository[AppClient] {
	return NewRepository[AppClient](db, repositoryOptionsFor(pool, settings, logger)...)
}
