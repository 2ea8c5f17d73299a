package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "Admin@123456"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestPool(t *testing.T) *ants.Pool {
	t.Helper()
	pool, err := ants.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func testSettings() *Settings {
	return &Settings{
		App:    AppConfig{Name: "keeper-test"},
		Server: ServerConfig{Address: ":0", BasePath: "/api", ShutdownTimeout: time.Second},
		Cache:  CacheConfig{Namespace: "test:"},
		Auth: AuthConfig{
			JWTSecret:       "access-secret",
			RefreshSecret:   "refresh-secret",
			Issuer:          "keeper-test",
			AccessExpiry:    15 * time.Minute,
			RefreshExpiry:   time.Hour,
			PrincipalTTL:    10 * time.Minute,
			PermissionMatch: PermissionMatchExact,
		},
		Query:     QueryConfig{DefaultLimit: 10},
		Bootstrap: BootstrapConfig{AdminRole: "admin", AdminName: "Administrator", AdminEmail: testAdminEmail, AdminPassword: testAdminPassword},
		I18n:      I18nConfig{DefaultLanguage: "zh"},
		Validator: ValidatorConfig{Locale: "zh"},
		Plugins:   PluginConfig{HookFailureMode: "warn"},
	}
}

// newTestEngine 按 InitializeEngine 的方式组装引擎，数据库与 Redis 换成内存实现
func newTestEngine(t *testing.T, mutate ...func(*Settings)) *Engine {
	t.Helper()
	settings := testSettings()
	for _, m := range mutate {
		m(settings)
	}

	logger := discardLogger()
	db := newTestDB(t)
	_, client := newTestRedis(t)
	pool := newTestPool(t)
	bus := newGoChannelBus(logger)
	cron := newCron(logger)
	t.Cleanup(func() { <-cron.Stop().Done() })

	cache := newCache(client, settings)
	routes := NewRouteRegistry()
	tokens := newTokenService(newSigner(settings), cache, pool, settings, logger)
	users := newUserRepository(db, pool, settings, logger)
	logins := newUserLoginRepository(db, pool, settings, logger)
	roles := newRoleRepository(db, pool, settings, logger)
	perms := newPermissionRepository(db, pool, settings, logger)
	clientRepo := newAppClientRepository(db, pool, settings, logger)
	credentials := newCredentialValidator(users, logins, cache, settings, logger)
	clients := NewClientValidator(clientRepo, logger)

	e := &Engine{
		settings:    settings,
		router:      newRouter(settings, logger),
		db:          db,
		cron:        cron,
		events:      bus,
		pool:        pool,
		logger:      logger,
		redis:       client,
		cache:       cache,
		validator:   newValidator(settings),
		middlewares: newMiddlewareManager(),
		i18nBundle:  newI18nBundle(settings, logger),
		routes:      routes,
		gate:        newGate(tokens, credentials, routes, settings, logger),
		services: &Services{
			Auth:        newAuthService(credentials, tokens, clients, settings, logger),
			Credentials: credentials,
			Tokens:      tokens,
			Users:       NewUserService(users, roles, bus, logger),
			Roles:       NewRoleService(roles, perms, users, bus, logger),
			Permissions: NewPermissionService(perms, users, bus, logger),
			Logins:      NewUserLoginService(logins),
			Clients:     NewClientService(clientRepo, logger),
		},
	}
	require.NoError(t, e.start(context.Background()))
	t.Cleanup(e.closeEventBus)
	require.NoError(t, Bootstrap(context.Background(), db, settings.Bootstrap, logger))
	return e
}

// doJSON 发送 JSON 请求并返回响应
func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = jsonReader(t, body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonReader(t *testing.T, body any) io.Reader {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// login 登录并返回令牌对
func login(t *testing.T, h http.Handler, email, password string) LoginResult {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[LoginResult](t, rec)
}

// seedUser 创建用户，并通过一个专属角色授予给定权限
func seedUser(t *testing.T, db *gorm.DB, email, password string, urls ...string) *User {
	t.Helper()
	hash, err := HashSecret(password)
	require.NoError(t, err)

	var perms []Permission
	for _, url := range urls {
		p := Permission{Model: Model{Enable: true}, Name: url, URL: url}
		require.NoError(t, db.Create(&p).Error)
		perms = append(perms, p)
	}
	user := &User{Model: Model{Enable: true}, Name: email, Email: email, Password: hash}
	if len(perms) > 0 {
		role := Role{Model: Model{Enable: true}, Name: "role-" + email, Permissions: perms}
		require.NoError(t, db.Omit("Permissions.*").Create(&role).Error)
		user.Roles = []Role{role}
	}
	require.NoError(t, db.Omit("Roles.*").Create(user).Error)
	return user
}
