package keeper

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func perm(id uint, url string) Permission {
	return Permission{Model: Model{ID: id}, URL: url}
}

func TestResolvePermissionsLastRoleWins(t *testing.T) {
	user := &User{Roles: []Role{
		{Model: Model{ID: 7}, Name: "late", Permissions: []Permission{perm(2, "GET:/a")}},
		{Model: Model{ID: 3}, Name: "early", Permissions: []Permission{perm(2, "GET:/a"), perm(1, "GET:/b")}},
	}}

	grants := ResolvePermissions(user)
	require.Len(t, grants, 2)
	require.EqualValues(t, 7, grants["GET:/a"].RoleID)
	require.Equal(t, "late", grants["GET:/a"].RoleName)
	require.EqualValues(t, 3, grants["GET:/b"].RoleID)

	// 输入顺序不影响结果
	user.Roles[0], user.Roles[1] = user.Roles[1], user.Roles[0]
	require.Equal(t, grants, ResolvePermissions(user))
}

func TestResolvePermissionsSameURLWithinRole(t *testing.T) {
	user := &User{Roles: []Role{{Model: Model{ID: 1}, Permissions: []Permission{
		{Model: Model{ID: 9}, URL: "GET:/a", Name: "newer"},
		{Model: Model{ID: 4}, URL: "GET:/a", Name: "older"},
	}}}}
	require.Equal(t, "newer", ResolvePermissions(user)["GET:/a"].Permission.Name)
}

func TestResolvePermissionsEmpty(t *testing.T) {
	require.Empty(t, ResolvePermissions(nil))
	require.Empty(t, ResolvePermissions(&User{}))
	require.NotNil(t, ResolvePermissions(&User{}))
}

func TestPrincipalHas(t *testing.T) {
	p := &Principal{Permissions: map[string]PermissionGrant{"GET:/a": {}}}
	require.True(t, p.Has("GET:/a"))
	require.False(t, p.Has("GET:/b"))

	admin := &Principal{Permissions: map[string]PermissionGrant{WildcardPermission: {}}}
	require.True(t, admin.Has("DELETE:/anything"))
}

func TestPrincipalGrantPrefersExactKey(t *testing.T) {
	p := &Principal{Permissions: map[string]PermissionGrant{
		"GET:/a":           {RoleID: 1, Permission: perm(1, "GET:/a")},
		WildcardPermission: {RoleID: 2, Permission: perm(2, WildcardPermission)},
	}}
	grant, ok := p.Grant("GET:/a")
	require.True(t, ok)
	require.EqualValues(t, 1, grant.RoleID)

	grant, ok = p.Grant("POST:/b")
	require.True(t, ok)
	require.Equal(t, WildcardPermission, grant.Permission.URL)

	_, ok = (&Principal{}).Grant("GET:/a")
	require.False(t, ok)
}

func TestPrincipalSnapshotDecode(t *testing.T) {
	p := NewPrincipal(&User{Model: Model{ID: 5}, Name: "n", Email: "e@example.com",
		Roles: []Role{{Model: Model{ID: 1}, Name: "r", Permissions: []Permission{perm(1, "GET:/a")}}}})
	require.Equal(t, "5", p.Subject())

	raw, err := encodePrincipal(p)
	require.NoError(t, err)
	back, err := decodePrincipal(raw)
	require.NoError(t, err)
	require.Equal(t, p.Email, back.Email)
	require.True(t, back.Has("GET:/a"))

	// 缺少 permissions 时补为空集合
	empty, err := decodePrincipal(`{"id":1}`)
	require.NoError(t, err)
	require.NotNil(t, empty.Permissions)

	_, err = decodePrincipal("not json")
	require.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	require.False(t, ok)

	p := &Principal{ID: 3}
	got, ok := PrincipalFrom(WithPrincipal(context.Background(), p))
	require.True(t, ok)
	require.Same(t, p, got)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	_, ok = CurrentPrincipal(c)
	require.False(t, ok)

	c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
	got, ok = CurrentPrincipal(c)
	require.True(t, ok)
	require.Same(t, p, got)
}
