package keeper

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	userSearchFields       = []string{"name", "email"}
	roleSearchFields       = []string{"name"}
	permissionSearchFields = []string{"name", "url"}
	loginSearchFields      = []string{"ipAddress", "userAgent", "provider"}
)

// detailRelations 详情接口的 relations 参数
func detailRelations(ctx *gin.Context) RelationTree {
	if rel := splitList(ctx.Query("relations")); len(rel) > 0 {
		return RelationPaths(rel...)
	}
	return nil
}

// respond 统一输出：出错时上报错误，否则按状态码输出 JSON
func respond(ctx *gin.Context, status int, body any, err error) {
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	if body == nil {
		ctx.Status(status)
		return
	}
	ctx.JSON(status, body)
}

// UserController 用户管理
type UserController struct{}

func (c *UserController) RegisterRoutes(router *Router) {
	users := router.Group("/users")
	users.Checked(http.MethodGet, "", c.list)
	users.Checked(http.MethodPost, "", c.create)
	users.Checked(http.MethodGet, "/:id", c.get)
	users.Checked(http.MethodDelete, "/:id", c.remove)
	users.Checked(http.MethodPut, "/:id/roles", c.assignRoles)
}

func (c *UserController) list(ctx *gin.Context) {
	q, ok := bindList(ctx, userSearchFields...)
	if !ok {
		return
	}
	svc, ok := Resolve[*UserService](ctx)
	if !ok {
		return
	}
	page, err := svc.List(ctx.Request.Context(), q)
	respond(ctx, http.StatusOK, page, err)
}

func (c *UserController) create(ctx *gin.Context) {
	var in CreateUserInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*UserService](ctx)
	if !ok {
		return
	}
	user, err := svc.Create(ctx.Request.Context(), in)
	respond(ctx, http.StatusCreated, user, err)
}

func (c *UserController) get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	svc, ok := Resolve[*UserService](ctx)
	if !ok {
		return
	}
	user, err := svc.Get(ctx.Request.Context(), id, detailRelations(ctx))
	respond(ctx, http.StatusOK, user, err)
}

func (c *UserController) remove(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	svc, ok := Resolve[*UserService](ctx)
	if !ok {
		return
	}
	respond(ctx, http.StatusNoContent, nil, svc.Delete(ctx.Request.Context(), id))
}

func (c *UserController) assignRoles(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var in AssignRolesInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*UserService](ctx)
	if !ok {
		return
	}
	user, err := svc.AssignRoles(ctx.Request.Context(), id, in.RoleIDs)
	respond(ctx, http.StatusOK, user, err)
}

// RoleController 角色管理
type RoleController struct{}

func (c *RoleController) RegisterRoutes(router *Router) {
	roles := router.Group("/roles")
	roles.Checked(http.MethodGet, "", c.list)
	roles.Checked(http.MethodPost, "", c.create)
	roles.Checked(http.MethodGet, "/:id", c.get)
	roles.Checked(http.MethodDelete, "/:id", c.remove)
	roles.Checked(http.MethodPut, "/:id/permissions", c.setPermissions)
}

func (c *RoleController) list(ctx *gin.Context) {
	q, ok := bindList(ctx, roleSearchFields...)
	if !ok {
		return
	}
	svc, ok := Resolve[*RoleService](ctx)
	if !ok {
		return
	}
	page, err := svc.List(ctx.Request.Context(), q)
	respond(ctx, http.StatusOK, page, err)
}

func (c *RoleController) create(ctx *gin.Context) {
	var in CreateRoleInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*RoleService](ctx)
	if !ok {
		return
	}
	role, err := svc.Create(ctx.Request.Context(), in)
	respond(ctx, http.StatusCreated, role, err)
}

func (c *RoleController) get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	svc, ok := Resolve[*RoleService](ctx)
	if !ok {
		return
	}
	role, err := svc.Get(ctx.Request.Context(), id, detailRelations(ctx))
	respond(ctx, http.StatusOK, role, err)
}

func (c *RoleController) remove(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	svc, ok := Resolve[*RoleService](ctx)
	if !ok {
		return
	}
	respond(ctx, http.StatusNoContent, nil, svc.Delete(ctx.Request.Context(), id))
}

func (c *RoleController) setPermissions(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var in SetPermissionsInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*RoleService](ctx)
	if !ok {
		return
	}
	role, err := svc.SetPermissions(ctx.Request.Context(), id, in.PermissionIDs)
	respond(ctx, http.StatusOK, role, err)
}

// PermissionController 权限管理
type PermissionController struct{}

func (c *PermissionController) RegisterRoutes(router *Router) {
	perms := router.Group("/permissions")
	perms.Checked(http.MethodGet, "", c.list)
	perms.Checked(http.MethodPost, "", c.create)
	perms.Checked(http.MethodDelete, "/:id", c.remove)
}

func (c *PermissionController) list(ctx *gin.Context) {
	q, ok := bindList(ctx, permissionSearchFields...)
	if !ok {
		return
	}
	svc, ok := Resolve[*PermissionService](ctx)
	if !ok {
		return
	}
	page, err := svc.List(ctx.Request.Context(), q)
	respond(ctx, http.StatusOK, page, err)
}

func (c *PermissionController) create(ctx *gin.Context) {
	var in CreatePermissionInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*PermissionService](ctx)
	if !ok {
		return
	}
	perm, err := svc.Create(ctx.Request.Context(), in)
	respond(ctx, http.StatusCreated, perm, err)
}

func (c *PermissionController) remove(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	svc, ok := Resolve[*PermissionService](ctx)
	if !ok {
		return
	}
	respond(ctx, http.StatusNoContent, nil, svc.Delete(ctx.Request.Context(), id))
}

// UserLoginController 当前用户的登录记录
type UserLoginController struct{}

func (c *UserLoginController) RegisterRoutes(router *Router) {
	router.Protected(http.MethodGet, "/user-logins", c.list)
}

func (c *UserLoginController) list(ctx *gin.Context) {
	p, ok := CurrentPrincipal(ctx)
	if !ok {
		_ = ctx.Error(ErrUnauthorized)
		return
	}
	q, ok := bindList(ctx, loginSearchFields...)
	if !ok {
		return
	}
	svc, ok := Resolve[*UserLoginService](ctx)
	if !ok {
		return
	}
	page, err := svc.ListFor(ctx.Request.Context(), p.ID, q)
	respond(ctx, http.StatusOK, page, err)
}

// ClientController 客户端凭证管理
type ClientController struct{}

func (c *ClientController) RegisterRoutes(router *Router) {
	router.Checked(http.MethodPost, "/clients", c.create)
}

func (c *ClientController) create(ctx *gin.Context) {
	var in CreateClientInput
	if !bindJSON(ctx, &in) {
		return
	}
	svc, ok := Resolve[*ClientService](ctx)
	if !ok {
		return
	}
	created, err := svc.Create(ctx.Request.Context(), in)
	respond(ctx, http.StatusCreated, created, err)
}
