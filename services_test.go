package keeper

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func cachedPrincipal(t *testing.T, e *Engine, id uint) bool {
	t.Helper()
	_, found, err := e.Cache().Get(context.Background(), principalKey(id))
	require.NoError(t, err)
	return found
}

func TestRolePermissionChangeEvictsPrincipal(t *testing.T) {
	e := newTestEngine(t)
	h := e.Handler()
	ctx := context.Background()
	user := seedUser(t, e.DB(), "dev@example.com", "Dev@123456", "GET:/api/roles")
	res := login(t, h, "dev@example.com", "Dev@123456")
	require.True(t, cachedPrincipal(t, e, user.ID))

	rec := doJSON(t, h, http.MethodGet, "/api/users", res.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	perm, err := e.Services().Permissions.Create(ctx, CreatePermissionInput{Name: "list users", URL: "GET:/api/users"})
	require.NoError(t, err)
	role := user.Roles[0]
	ids := []uint{perm.ID}
	for _, p := range role.Permissions {
		ids = append(ids, p.ID)
	}
	updated, err := e.Services().Roles.SetPermissions(ctx, role.ID, ids)
	require.NoError(t, err)
	require.Len(t, updated.Permissions, 2)

	require.Eventually(t, func() bool { return !cachedPrincipal(t, e, user.ID) }, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, h, http.MethodGet, "/api/users", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDeletedUserLosesAccess(t *testing.T) {
	e := newTestEngine(t)
	h := e.Handler()
	user := seedUser(t, e.DB(), "dev@example.com", "Dev@123456", "GET:/api/roles")
	res := login(t, h, "dev@example.com", "Dev@123456")

	require.NoError(t, e.Services().Users.Delete(context.Background(), user.ID))
	require.Eventually(t, func() bool { return !cachedPrincipal(t, e, user.ID) }, 2*time.Second, 10*time.Millisecond)

	rec := doJSON(t, h, http.MethodGet, "/api/roles", res.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.ErrorIs(t, e.Services().Users.Delete(context.Background(), user.ID), ErrNotFound)
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	users := e.Services().Users

	created, err := users.Create(ctx, CreateUserInput{Name: "dev", Email: "dev@example.com", Password: "Dev@123456"})
	require.NoError(t, err)
	require.NotEqual(t, "Dev@123456", created.Password)

	_, err = users.Create(ctx, CreateUserInput{Name: "dev2", Email: "dev@example.com", Password: "Dev@123456"})
	require.ErrorIs(t, err, ErrValidation)

	// 软删除后邮箱仍被占用
	require.NoError(t, users.Delete(ctx, created.ID))
	_, err = users.Create(ctx, CreateUserInput{Name: "dev3", Email: "dev@example.com", Password: "Dev@123456"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = users.Create(ctx, CreateUserInput{Name: "x", Email: "x@example.com", Password: "Dev@123456", RoleIDs: []uint{999}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAssignRolesReplacesSet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := e.Services()

	a, err := s.Roles.Create(ctx, CreateRoleInput{Name: "a"})
	require.NoError(t, err)
	b, err := s.Roles.Create(ctx, CreateRoleInput{Name: "b"})
	require.NoError(t, err)
	_, err = s.Roles.Create(ctx, CreateRoleInput{Name: "a"})
	require.ErrorIs(t, err, ErrValidation)

	u, err := s.Users.Create(ctx, CreateUserInput{Name: "dev", Email: "dev@example.com", Password: "Dev@123456", RoleIDs: []uint{a.ID}})
	require.NoError(t, err)

	got, err := s.Users.AssignRoles(ctx, u.ID, []uint{b.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, got.Roles, 1)
	require.Equal(t, "b", got.Roles[0].Name)

	got, err = s.Users.AssignRoles(ctx, u.ID, nil)
	require.NoError(t, err)
	require.Empty(t, got.Roles)

	_, err = s.Users.AssignRoles(ctx, 999, []uint{a.ID})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePermissionEvictsHolders(t *testing.T) {
	e := newTestEngine(t)
	h := e.Handler()
	user := seedUser(t, e.DB(), "dev@example.com", "Dev@123456", "GET:/api/roles")
	login(t, h, "dev@example.com", "Dev@123456")

	permID := user.Roles[0].Permissions[0].ID
	require.NoError(t, e.Services().Permissions.Delete(context.Background(), permID))
	require.Eventually(t, func() bool { return !cachedPrincipal(t, e, user.ID) }, 2*time.Second, 10*time.Millisecond)

	p, err := e.Services().Credentials.FindPrincipal(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, p.Has("GET:/api/roles"))
}

func TestCreateUserOverHTTP(t *testing.T) {
	e := newTestEngine(t)
	h := e.Handler()
	res := login(t, h, testAdminEmail, testAdminPassword)

	rec := doJSON(t, h, http.MethodPost, "/api/users", res.AccessToken, CreateUserInput{Name: "weak", Email: "weak@example.com", Password: "password"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	require.Equal(t, CodeBadRequest, body.Code)
	require.NotEmpty(t, body.Details)
	require.Equal(t, "strong_password", body.Details[0].Tag)

	rec = doJSON(t, h, http.MethodPost, "/api/users", res.AccessToken, CreateUserInput{Name: "ok", Email: "ok@example.com", Password: "Strong@123"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "Strong@123")

	rec = doJSON(t, h, http.MethodPost, "/api/users", res.AccessToken, CreateUserInput{Name: "ok", Email: "ok@example.com", Password: "Strong@123"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
