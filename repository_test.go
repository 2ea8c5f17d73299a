package keeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type repoFixture struct {
	db          *gorm.DB
	users       *Repository[User]
	roles       *Repository[Role]
	permissions *Repository[Permission]
	logins      *Repository[UserLogin]
}

func newRepoFixture(t *testing.T, opts ...RepositoryOption) *repoFixture {
	t.Helper()
	db := newTestDB(t)
	opts = append([]RepositoryOption{WithTaskRunner(newTestPool(t)), WithRepositoryLogger(discardLogger())}, opts...)
	return &repoFixture{
		db:          db,
		users:       NewRepository[User](db, opts...),
		roles:       NewRepository[Role](db, opts...),
		permissions: NewRepository[Permission](db, opts...),
		logins:      NewRepository[UserLogin](db, opts...),
	}
}

// seedDirectory 两个角色、三条权限、三个用户：
// alice: editor(GET:/a, POST:/a)  bob: viewer(GET:/a, GET:/b)  carol: 无角色
func (f *repoFixture) seedDirectory(t *testing.T) (alice, bob, carol *User) {
	t.Helper()
	getA := Permission{Model: Model{Enable: true}, Name: "read a", URL: "GET:/a"}
	postA := Permission{Model: Model{Enable: true}, Name: "write a", URL: "POST:/a"}
	getB := Permission{Model: Model{Enable: true}, Name: "read b", URL: "GET:/b"}
	for _, p := range []*Permission{&getA, &postA, &getB} {
		require.NoError(t, f.db.Create(p).Error)
	}
	editor := Role{Model: Model{Enable: true}, Name: "editor", Permissions: []Permission{getA, postA}}
	viewer := Role{Model: Model{Enable: true}, Name: "viewer", Permissions: []Permission{getA, getB}}
	require.NoError(t, f.db.Omit("Permissions.*").Create(&editor).Error)
	require.NoError(t, f.db.Omit("Permissions.*").Create(&viewer).Error)

	mk := func(name, email string, roles ...Role) *User {
		u := &User{Model: Model{Enable: true}, Name: name, Email: email, Password: "hash-" + name, Roles: roles}
		require.NoError(t, f.db.Omit("Roles.*").Create(u).Error)
		return u
	}
	return mk("Alice", "alice@example.com", editor), mk("Bob", "bob@example.com", viewer), mk("Carol", "carol@example.com")
}

func TestFindPagedDefaults(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, carol := f.seedDirectory(t)
	ctx := context.Background()

	page, err := f.users.FindPaged(ctx, Query{})
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Meta.TotalItems)
	require.Equal(t, 3, page.Meta.ItemCount)
	require.Equal(t, 1, page.Meta.CurrentPage)
	require.Equal(t, 10, page.Meta.ItemsPerPage)
	require.Equal(t, 1, page.Meta.TotalPages)

	// 默认按 id 降序
	require.Equal(t, []uint{carol.ID, bob.ID, alice.ID}, userIDs(page.Items))
	for _, u := range page.Items {
		require.Empty(t, u.Password)
	}
}

func TestFindPagedLimitAndPage(t *testing.T) {
	f := newRepoFixture(t, WithQueryConfig(QueryConfig{DefaultLimit: 10, MaxLimit: 2}))
	alice, _, _ := f.seedDirectory(t)

	page, err := f.users.FindPaged(context.Background(), Query{Page: PageRequest{Page: 2, Limit: 50}})
	require.NoError(t, err)
	require.Equal(t, 2, page.Meta.ItemsPerPage)
	require.Equal(t, 2, page.Meta.TotalPages)
	require.Equal(t, 2, page.Meta.CurrentPage)
	require.Equal(t, []uint{alice.ID}, userIDs(page.Items))

	_, err = f.users.FindPaged(context.Background(), Query{Page: PageRequest{Page: -1}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestFindPagedRejectsOverflowingPage(t *testing.T) {
	f := newRepoFixture(t)
	f.seedDirectory(t)

	// 偏移量溢出的页码被拒绝，而不是返回空页
	_, err := f.users.FindPaged(context.Background(), Query{Page: PageRequest{Page: 1 << 62}})
	require.ErrorIs(t, err, ErrValidation)

	page, err := f.users.FindPaged(context.Background(), Query{Page: PageRequest{Page: 1 << 20}})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestFindPagedEmptyResult(t *testing.T) {
	f := newRepoFixture(t)
	page, err := f.users.FindPaged(context.Background(), Query{Where: Filter{"email": "none@example.com"}})
	require.NoError(t, err)
	require.NotNil(t, page.Items)
	require.Empty(t, page.Items)
	require.Zero(t, page.Meta.TotalPages)
}

func TestFilterThroughRelations(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, _ := f.seedDirectory(t)
	ctx := context.Background()

	users, err := f.users.FindMany(ctx, Query{Where: Filter{"roles.name": "editor"}})
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, userIDs(users))

	// 两个角色都授予 GET:/a，分页总数不因连接而重复计数
	page, err := f.users.FindPaged(ctx, Query{Where: Filter{"roles.permissions.url": "GET:/a"}})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Meta.TotalItems)
	require.ElementsMatch(t, []uint{alice.ID, bob.ID}, userIDs(page.Items))
}

func TestFilterSetAndNull(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, carol := f.seedDirectory(t)

	users, err := f.users.FindMany(context.Background(), Query{Where: Filter{"email": []string{"alice@example.com", "carol@example.com"}}})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{alice.ID, carol.ID}, userIDs(users))

	// 未加载角色的用户在 LEFT JOIN 后 roles.id 为 NULL
	users, err = f.users.FindMany(context.Background(), Query{Where: Filter{"roles.id": nil}})
	require.NoError(t, err)
	require.Equal(t, []uint{carol.ID}, userIDs(users))
}

func TestUnknownFieldIsValidationError(t *testing.T) {
	f := newRepoFixture(t)
	ctx := context.Background()

	_, err := f.users.FindMany(ctx, Query{Where: Filter{"nope": 1}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.users.FindMany(ctx, Query{Where: Filter{"nope.id": 1}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.users.FindMany(ctx, Query{Select: FieldList("nope")})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.users.FindMany(ctx, Query{Relations: RelationPaths("nope")})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSearchAcrossFields(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, _ := f.seedDirectory(t)
	ctx := context.Background()

	users, err := f.users.FindMany(ctx, Query{Search: &Search{Term: "ALI", Fields: []string{"name", "email"}}})
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, userIDs(users))

	users, err = f.users.FindMany(ctx, Query{Search: &Search{Term: "viewer", Fields: []string{"roles.name"}}})
	require.NoError(t, err)
	require.Equal(t, []uint{bob.ID}, userIDs(users))

	_, err = f.users.FindMany(ctx, Query{Search: &Search{Term: "x"}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSearchTermIsLiteral(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&User{}).Where("id = ?", alice.ID).Update("name", "Alice_50%!").Error)

	search := func(term string) []uint {
		users, err := f.users.FindMany(ctx, Query{Search: &Search{Term: term, Fields: []string{"name"}}})
		require.NoError(t, err)
		return userIDs(users)
	}
	require.Equal(t, []uint{alice.ID}, search("e_50%!"))
	require.Empty(t, search("b_b"))
	require.Empty(t, search("%o"))
	require.Empty(t, search("c_rol"))
}

func TestDateRangeIncludesWholeDay(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, carol := f.seedDirectory(t)
	ctx := context.Background()

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.Local)
	require.NoError(t, f.db.Model(&User{}).Where("id = ?", alice.ID).Update("created_at", day.Add(-time.Hour)).Error)
	require.NoError(t, f.db.Model(&User{}).Where("id = ?", bob.ID).Update("created_at", day.Add(20*time.Hour)).Error)
	require.NoError(t, f.db.Model(&User{}).Where("id = ?", carol.ID).Update("created_at", day.Add(30*time.Hour)).Error)

	users, err := f.users.FindMany(ctx, Query{DateRange: &DateRange{From: day, To: day}})
	require.NoError(t, err)
	require.Equal(t, []uint{bob.ID}, userIDs(users))

	users, err = f.users.FindMany(ctx, Query{DateRange: &DateRange{From: day}})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{bob.ID, carol.ID}, userIDs(users))
}

func TestOrderByFieldAndRelation(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, carol := f.seedDirectory(t)
	ctx := context.Background()

	users, err := f.users.FindMany(ctx, Query{Order: ParseSort("name")})
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID, bob.ID, carol.ID}, userIDs(users))

	users, err = f.users.FindMany(ctx, Query{Order: Order{Desc("roles.name")}, Where: Filter{"id": []uint{alice.ID, bob.ID}}})
	require.NoError(t, err)
	require.Equal(t, []uint{bob.ID, alice.ID}, userIDs(users))
}

func TestRelationsAndProjection(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)

	q := Query{Where: Filter{"id": alice.ID}}
	q.SelectFields("name", "roles.name")
	user, err := f.users.FindOne(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, alice.ID, user.ID)
	require.Equal(t, "Alice", user.Name)
	require.Empty(t, user.Email)
	require.Len(t, user.Roles, 1)
	require.Equal(t, "editor", user.Roles[0].Name)
	require.NotZero(t, user.Roles[0].ID)
	require.Nil(t, user.Roles[0].Permissions)
}

func TestProjectNested(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)

	q := Query{Where: Filter{"id": alice.ID}}
	require.NoError(t, q.Project(map[string]any{
		"email": true,
		"roles": map[string]any{"permissions": []any{"url"}},
	}))
	user, err := f.users.FindOne(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.Empty(t, user.Name)
	require.Len(t, user.Roles, 1)
	// 关联层没有 true 字段时全选
	require.Equal(t, "editor", user.Roles[0].Name)
	urls := []string{}
	for _, p := range user.Roles[0].Permissions {
		urls = append(urls, p.URL)
		require.Empty(t, p.Name)
	}
	require.ElementsMatch(t, []string{"GET:/a", "POST:/a"}, urls)

	err = q.Project(map[string]any{"roles": 3})
	require.ErrorIs(t, err, ErrValidation)
}

func TestParseProjection(t *testing.T) {
	sel, tree, err := ParseProjection(map[string]any{
		"name":  true,
		"email": false,
		"roles": map[string]any{"name": true, "permissions": []string{"url"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"name"}, sel.Fields())
	require.Equal(t, []string{"name"}, tree["roles"].Select.Fields())
	require.Equal(t, []string{"url"}, tree["roles"].Children["permissions"].Select.Fields())

	_, _, err = ParseProjection(map[string]any{"roles": []any{"name", 1}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestProjectMergesIntoExistingRelations(t *testing.T) {
	q := Query{Relations: RelationTree{}}
	q.Relations.Add("roles").Order = Order{Desc("name")}

	require.NoError(t, q.Project(map[string]any{"roles": []any{"name"}}))
	require.Equal(t, Order{Desc("name")}, q.Relations["roles"].Order)
	require.Equal(t, []string{"name"}, q.Relations["roles"].Select.Fields())
	require.True(t, q.Select.IsAll())

	// 解析失败不改动已有投影
	require.ErrorIs(t, q.Project(map[string]any{"roles": 3}), ErrValidation)
	require.Equal(t, []string{"name"}, q.Relations["roles"].Select.Fields())
}

func TestHiddenFieldSelectedExplicitly(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)

	user, err := f.users.FindOne(context.Background(), Query{Where: Filter{"id": alice.ID}, Select: FieldList("id", "password")})
	require.NoError(t, err)
	require.Equal(t, "hash-Alice", user.Password)
}

func TestRelationOrderWithinPreload(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)

	rel := RelationPaths("roles")
	rel.Add("roles.permissions").Order = Order{Desc("url")}
	user, err := f.users.FindByID(context.Background(), alice.ID, rel)
	require.NoError(t, err)
	require.Len(t, user.Roles, 1)
	require.Len(t, user.Roles[0].Permissions, 2)
	require.Equal(t, "POST:/a", user.Roles[0].Permissions[0].URL)
}

func TestSoftDeleteHidesRecord(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, _ := f.seedDirectory(t)
	ctx := context.Background()

	found, err := f.users.SoftDeleteByID(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, found)

	found, err = f.users.SoftDeleteByID(ctx, alice.ID)
	require.NoError(t, err)
	require.False(t, found)

	_, err = f.users.FindByID(ctx, alice.ID, nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, IsNotFound(err))

	n, err := f.users.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// 显式查询已删除的记录
	deleted, err := f.users.FindMany(ctx, Query{Where: Filter{"deleted": true}})
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, userIDs(deleted))

	var raw User
	require.NoError(t, f.db.Unscoped().First(&raw, alice.ID).Error)
	require.False(t, raw.Enable)
	require.True(t, raw.Deleted)
	require.True(t, raw.DeletedAt.Valid)

	// 已删除的角色不再出现在关联中
	_, err = f.roles.SoftDelete(ctx, Filter{"name": "viewer"})
	require.NoError(t, err)
	user, err := f.users.FindByID(ctx, bob.ID, RelationPaths("roles"))
	require.NoError(t, err)
	require.Empty(t, user.Roles)
}

func TestDisabledRecordIsFiltered(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)
	ctx := context.Background()

	n, err := f.users.Update(ctx, Filter{"id": alice.ID}, map[string]any{"enable": false})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = f.users.FindByID(ctx, alice.ID, nil)
	require.ErrorIs(t, err, ErrNotFound)

	users, err := f.users.FindMany(ctx, Query{Where: Filter{"enable": false}})
	require.NoError(t, err)
	require.Equal(t, []uint{alice.ID}, userIDs(users))
}

func TestUpdateByID(t *testing.T) {
	f := newRepoFixture(t)
	alice, _, _ := f.seedDirectory(t)
	ctx := context.Background()

	user, err := f.users.UpdateByID(ctx, alice.ID, map[string]any{"Name": "Alicia"})
	require.NoError(t, err)
	require.Equal(t, "Alicia", user.Name)
	require.Empty(t, user.Password)

	_, err = f.users.UpdateByID(ctx, 9999, map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.users.UpdateByID(ctx, alice.ID, map[string]any{"nope": "x"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestFindOneOrNull(t *testing.T) {
	f := newRepoFixture(t)
	got, err := f.users.FindOneOrNull(context.Background(), Query{Where: Filter{"email": "ghost@example.com"}})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFilterThroughBelongsTo(t *testing.T) {
	f := newRepoFixture(t)
	alice, bob, _ := f.seedDirectory(t)
	ctx := context.Background()

	for _, id := range []uint{alice.ID, bob.ID, alice.ID} {
		require.NoError(t, f.logins.Insert(ctx, &UserLogin{Model: Model{Enable: true}, UserID: id, Provider: "email"}))
	}
	page, err := f.logins.FindPaged(ctx, Query{Where: Filter{"user.email": "alice@example.com"}, Relations: RelationPaths("user")})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Meta.TotalItems)
	for _, l := range page.Items {
		require.NotNil(t, l.User)
		require.Equal(t, alice.ID, l.User.ID)
	}
}
