package keeper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 配置相关常量
const (
	envPrefix        = "KEEPER" // 环境变量前缀
	configName       = "config" // 配置文件名称（不含扩展名）
	configType       = "yaml"   // 配置文件类型
	defaultConfigDir = "keeper" // 默认配置目录
)

// newConfig 创建配置管理器
// 优先级：命令行参数 > 环境变量（KEEPER_ 前缀）> 配置文件 > 默认值
func newConfig() *viper.Viper {
	flags := createFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		// 当参数为 -h 或 --help 时,flags.Parse() 返回 pflag.ErrHelp,这不是错误
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		panic(fmt.Errorf("致命错误解析命令行参数：%w", err))
	}

	configDir, _ := flags.GetString("config-dir")

	loadEnvFiles(configDir)

	config := viper.New()
	setDefaults(config)

	config.SetConfigName(configName)
	config.SetConfigType(configType)
	for _, path := range getConfigPaths(configDir) {
		config.AddConfigPath(path)
	}

	handleConfigFileRead(config)

	setupEnvConfig(config)

	// flag 名称使用点号分隔的嵌套格式（如 "server.address"），直接映射到配置文件结构
	if err := config.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("致命错误绑定命令行参数到配置：%w", err))
	}

	return config
}

// getConfigPaths 获取配置文件搜索路径列表
func getConfigPaths(configDir string) []string {
	var paths []string

	paths = append(paths, "./configs")
	if configDir != "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths, filepath.Join(homeDir, fmt.Sprintf(".%s", configDir)))
		}
		paths = append(paths, fmt.Sprintf("/etc/%s/", configDir))
	}

	return paths
}

// createFlags 创建并定义所有命令行 flags
func createFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("keeper", pflag.ContinueOnError)

	flags.String("config-dir", defaultConfigDir, "config directory")

	flags.String("server.address", "", "server listen address (e.g., :8080)")
	flags.String("server.base_path", "", "api base path (e.g., /api)")
	flags.String("server.shutdown_timeout", "", "server graceful shutdown timeout (e.g., 5s)")

	flags.String("app.name", "", "application name")
	flags.Bool("app.debug", false, "enable debug mode")

	flags.String("logger.level", "", "log level (debug, info, warn, error)")
	flags.String("logger.format", "", "log format (text, json)")
	flags.String("logger.type", "", "log output type (console, file)")

	flags.String("database.type", "", "database type (mysql, postgres, sqlite)")
	flags.String("database.host", "", "database host")
	flags.Int("database.port", 0, "database port")
	flags.String("database.user", "", "database username")
	flags.String("database.password", "", "database password")
	flags.String("database.dbname", "", "database name")
	flags.Bool("database.auto_migrate", false, "run schema auto-migration on start")

	flags.String("cache.addr", "", "redis address (host:port)")

	return flags
}

// setDefaults 为所有已知配置项设置默认值
// viper 只会为已知键读取环境变量，因此这里同时充当键的登记表
func setDefaults(config *viper.Viper) {
	config.SetDefault("app.name", "keeper")
	config.SetDefault("app.debug", false)

	config.SetDefault("server.address", ":8080")
	config.SetDefault("server.base_path", "/api")
	config.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	config.SetDefault("server.cors.enabled", false)
	config.SetDefault("server.cors.allow_origins", []string{"*"})
	config.SetDefault("server.cors.allow_methods", defaultCORSMethods)
	config.SetDefault("server.cors.allow_headers", defaultCORSHeaders)
	config.SetDefault("server.cors.expose_headers", []string{})
	config.SetDefault("server.cors.allow_credentials", false)
	config.SetDefault("server.cors.max_age", 24*time.Hour)

	config.SetDefault("logger.level", "info")
	config.SetDefault("logger.format", "text")
	config.SetDefault("logger.type", "console")

	config.SetDefault("database.type", "mysql")
	config.SetDefault("database.host", "127.0.0.1")
	config.SetDefault("database.port", 3306)
	config.SetDefault("database.user", "root")
	config.SetDefault("database.password", "")
	config.SetDefault("database.dbname", "keeper")
	config.SetDefault("database.charset", "utf8mb4")
	config.SetDefault("database.parse_time", "True")
	config.SetDefault("database.loc", "Local")
	config.SetDefault("database.sslmode", "disable")
	config.SetDefault("database.path", "keeper.db")
	config.SetDefault("database.auto_migrate", false)

	config.SetDefault("cache.addr", "127.0.0.1:6379")
	config.SetDefault("cache.password", "")
	config.SetDefault("cache.db", 0)
	config.SetDefault("cache.namespace", "")
	config.SetDefault("cache.dial_timeout", defaultCacheTimeout)
	config.SetDefault("cache.read_timeout", defaultCacheTimeout)
	config.SetDefault("cache.write_timeout", defaultCacheTimeout)
	config.SetDefault("cache.probe_spec", "@every 1m")

	config.SetDefault("auth.jwt_secret", "")
	config.SetDefault("auth.refresh_secret", "")
	config.SetDefault("auth.issuer", "keeper")
	config.SetDefault("auth.access_expiry", defaultAccessExpiry)
	config.SetDefault("auth.refresh_expiry", defaultRefreshExpiry)
	config.SetDefault("auth.principal_ttl", defaultPrincipalTTL)
	config.SetDefault("auth.clock_skew", 0)
	config.SetDefault("auth.client_auth", false)
	config.SetDefault("auth.permission_match", PermissionMatchExact)

	config.SetDefault("query.default_limit", defaultPageLimit)
	config.SetDefault("query.max_limit", 0)

	config.SetDefault("goroutine_pool.size", DefaultPoolConfig().Size)
	config.SetDefault("goroutine_pool.expiry_duration", DefaultPoolConfig().ExpiryDuration)
	config.SetDefault("goroutine_pool.pre_alloc", DefaultPoolConfig().PreAlloc)
	config.SetDefault("goroutine_pool.max_blocking_tasks", DefaultPoolConfig().MaxBlockingTasks)
	config.SetDefault("goroutine_pool.nonblocking", DefaultPoolConfig().Nonblocking)

	config.SetDefault("bootstrap.admin_role", "admin")
	config.SetDefault("bootstrap.admin_name", "Administrator")
	config.SetDefault("bootstrap.admin_email", "")
	config.SetDefault("bootstrap.admin_password", "")

	config.SetDefault("i18n.default_language", "zh")
	config.SetDefault("i18n.message_paths", []string{})
	config.SetDefault("i18n.lang_query_key", "lang")
	config.SetDefault("i18n.lang_header", "Accept-Language")
	config.SetDefault("validator.locale", "zh")

	config.SetDefault("plugins.disabled", []string{})
	config.SetDefault("plugins.hook_failure_mode", "warn")
	config.SetDefault("plugins.compat_strict", false)
}

// setupEnvConfig 配置 viper 的环境变量支持
func setupEnvConfig(config *viper.Viper) {
	config.SetEnvPrefix(envPrefix)                          // 环境变量前缀
	config.AutomaticEnv()                                   // 自动读取环境变量
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置，如 server.address -> KEEPER_SERVER_ADDRESS
}

// handleConfigFileRead 读取配置文件
// 配置文件不存在时仅使用默认值、环境变量与命令行参数；文件存在但无法解析时直接失败
func handleConfigFileRead(config *viper.Viper) {
	err := config.ReadInConfig()
	if err == nil {
		return
	}
	var configFileNotFoundError viper.ConfigFileNotFoundError
	if errors.As(err, &configFileNotFoundError) {
		return
	}
	panic(fmt.Errorf("读取配置文件失败：%w", err))
}

// loadEnvFiles 从配置搜索路径中加载第一个存在的 .env 文件
func loadEnvFiles(configDir string) {
	for _, path := range getConfigPaths(configDir) {
		envPath := filepath.Join(path, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				return
			}
		}
	}
}
