package keeper

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareManagerShared(t *testing.T) {
	m := newMiddlewareManager()
	noop := func(*gin.Context) {}

	require.Equal(t, []string{MiddlewareNoStore}, m.ListShared())
	require.ErrorIs(t, m.RegisterShared(MiddlewareNoStore, noop), ErrMiddlewareExists)
	require.ErrorIs(t, m.RegisterShared("", noop), ErrInvalidMiddleware)
	require.ErrorIs(t, m.RegisterShared("x", nil), ErrInvalidMiddleware)

	require.NoError(t, m.RegisterShared("audit", noop))
	require.Equal(t, []string{"audit", MiddlewareNoStore}, m.ListShared())
	_, ok := m.GetShared("audit")
	require.True(t, ok)
	require.Panics(t, func() { m.MustShared("missing") })
}

func TestMiddlewareManagerGroups(t *testing.T) {
	m := newMiddlewareManager()
	require.NoError(t, m.RegisterShared("audit", func(*gin.Context) {}))

	require.ErrorIs(t, m.CreateGroup("tokens", MiddlewareNoStore, "missing"), ErrMiddlewareNotFound)
	_, ok := m.GetGroup("tokens")
	require.False(t, ok)

	require.NoError(t, m.CreateGroup("tokens", MiddlewareNoStore, "audit"))
	require.ErrorIs(t, m.CreateGroup("tokens"), ErrMiddlewareExists)
	require.ErrorIs(t, m.CreateGroup(""), ErrInvalidMiddleware)
	require.Len(t, m.MustGroup("tokens"), 2)
	require.Panics(t, func() { m.MustGroup("missing") })
}

func TestGlobalMiddlewareRunsAfterGate(t *testing.T) {
	e := newTestEngine(t)
	var seen *Principal
	e.Middlewares().RegisterGlobal(func(c *gin.Context) {
		seen, _ = CurrentPrincipal(c)
		c.Next()
	})
	h := e.Handler()
	res := login(t, h, testAdminEmail, testAdminPassword)

	rec := doJSON(t, h, http.MethodGet, "/api/auth/me", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, res.Principal.ID, seen.ID)
}

func newCORSRouter(cfg CORSConfig) *gin.Engine {
	r := gin.New()
	r.Use(corsMiddleware(cfg))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func corsRequest(r http.Handler, method, origin string, preflight bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCORSWildcard(t *testing.T) {
	r := newCORSRouter(CORSConfig{Enabled: true})

	rec := corsRequest(r, http.MethodGet, "https://a.test", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), requestIDHeader)
	require.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	rec = corsRequest(r, http.MethodGet, "", false)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSCredentialsEchoOrigin(t *testing.T) {
	r := newCORSRouter(CORSConfig{
		Enabled:          true,
		AllowOrigins:     []string{"*.example.com"},
		AllowCredentials: true,
		MaxAge:           time.Minute,
	})

	rec := corsRequest(r, http.MethodGet, "https://app.example.com", false)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "Origin", rec.Header().Get("Vary"))
	require.Equal(t, "60", rec.Header().Get("Access-Control-Max-Age"))

	rec = corsRequest(r, http.MethodGet, "https://evil.test", false)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newCORSRouter(CORSConfig{Enabled: true})

	rec := corsRequest(r, http.MethodOptions, "https://a.test", true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	// 预检请求不依赖路由是否存在
	req := httptest.NewRequest(http.MethodOptions, "/unknown", nil)
	req.Header.Set("Origin", "https://a.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	out := httptest.NewRecorder()
	r.ServeHTTP(out, req)
	require.Equal(t, http.StatusNoContent, out.Code)
}

func TestOriginAllowed(t *testing.T) {
	require.True(t, originAllowed("https://x.example.com", []string{"*.example.com"}))
	require.True(t, originAllowed("https://X.Example.com", []string{"*.example.com"}))
	require.False(t, originAllowed("https://example.org", []string{"*.example.com"}))
	require.True(t, originAllowed("http://localhost:3000", []string{"http://localhost:3000"}))
	require.False(t, originAllowed("http://localhost:3001", []string{"http://localhost:3000"}))
}
