package keeper

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

var (
	ErrMiddlewareExists   = errors.New("中间件名称已经存在")
	ErrMiddlewareNotFound = errors.New("未找到中间件")
	ErrInvalidMiddleware  = errors.New("无效的中间件定义")
)

// MiddlewareManager 中间件登记表
//
// globals 在挂载控制器时作用于 basePath 分组；shared 与 groups 供控制器按名称取用。
type MiddlewareManager struct {
	mu      sync.RWMutex
	globals []gin.HandlerFunc
	shared  map[string]gin.HandlerFunc
	groups  map[string][]gin.HandlerFunc
}

// MiddlewareNoStore 内置共享中间件：禁止缓存响应，用于返回令牌的接口
const MiddlewareNoStore = "no_store"

func newMiddlewareManager() *MiddlewareManager {
	return &MiddlewareManager{
		shared: map[string]gin.HandlerFunc{MiddlewareNoStore: noStoreMiddleware()},
		groups: make(map[string][]gin.HandlerFunc),
	}
}

func noStoreMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Header("Cache-Control", "no-store")
		ctx.Header("Pragma", "no-cache")
		ctx.Next()
	}
}

func (m *MiddlewareManager) RegisterGlobal(handlers ...gin.HandlerFunc) {
	if len(handlers) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals = append(m.globals, handlers...)
}

func (m *MiddlewareManager) getGlobals() []gin.HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.globals)
}

func (m *MiddlewareManager) RegisterShared(name string, handler gin.HandlerFunc) error {
	if name == "" || handler == nil {
		return ErrInvalidMiddleware
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shared[name]; ok {
		return ErrMiddlewareExists
	}
	m.shared[name] = handler
	return nil
}

func (m *MiddlewareManager) GetShared(name string) (gin.HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.shared[name]
	return h, ok
}

func (m *MiddlewareManager) MustShared(name string) gin.HandlerFunc {
	if h, ok := m.GetShared(name); ok {
		return h
	}
	panic(ErrMiddlewareNotFound)
}

func (m *MiddlewareManager) ListShared() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.shared))
	for k := range m.shared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CreateGroup 以已登记的共享中间件组成命名分组
func (m *MiddlewareManager) CreateGroup(name string, sharedNames ...string) error {
	if name == "" {
		return ErrInvalidMiddleware
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; ok {
		return ErrMiddlewareExists
	}
	handlers := make([]gin.HandlerFunc, 0, len(sharedNames))
	for _, n := range sharedNames {
		h, ok := m.shared[n]
		if !ok {
			return ErrMiddlewareNotFound
		}
		handlers = append(handlers, h)
	}
	m.groups[name] = handlers
	return nil
}

func (m *MiddlewareManager) GetGroup(name string) ([]gin.HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gs, ok := m.groups[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(gs), true
}

func (m *MiddlewareManager) MustGroup(name string) []gin.HandlerFunc {
	if gs, ok := m.GetGroup(name); ok {
		return gs
	}
	panic(ErrMiddlewareNotFound)
}
