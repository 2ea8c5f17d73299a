package keeper

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthController 登录、刷新、登出与当前主体
type AuthController struct{}

func (c *AuthController) RegisterRoutes(router *Router) {
	noStore := router.Middlewares().MustShared(MiddlewareNoStore)
	auth := router.Group("/auth")

	auth.Public(http.MethodPost, "/login", noStore, c.login)
	auth.Public(http.MethodPost, "/refresh", noStore, c.refresh)
	auth.Protected(http.MethodPost, "/logout", c.logout)
	auth.Protected(http.MethodGet, "/me", c.me)
}

func (c *AuthController) login(ctx *gin.Context) {
	var req LoginRequest
	if !bindJSON(ctx, &req) {
		return
	}
	res, err := Invoke[*LoginUseCase](ctx, req)
	if err != nil {
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (c *AuthController) refresh(ctx *gin.Context) {
	var req RefreshRequest
	if !bindJSON(ctx, &req) {
		return
	}
	pair, err := Invoke[*RefreshUseCase](ctx, req)
	if err != nil {
		return
	}
	ctx.JSON(http.StatusOK, pair)
}

func (c *AuthController) logout(ctx *gin.Context) {
	if _, err := Call[*LogoutUseCase](ctx); err != nil {
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *AuthController) me(ctx *gin.Context) {
	p, err := Call[*MeUseCase](ctx)
	if err != nil {
		return
	}
	ctx.JSON(http.StatusOK, p)
}
