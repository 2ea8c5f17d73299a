package keeper

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	// rootAlias 根实体在所有查询中的别名
	rootAlias = "entity"
	// linkAliasSuffix 多对多中间表别名后缀
	linkAliasSuffix = "__link"
	fullNameSuffix  = "fullname"
)

// hiddenFielder 模型可声明默认投影中不返回的列（如密码哈希），显式列出时仍可选中
type hiddenFielder interface {
	HiddenFields() []string
}

type joinSpec struct {
	sql  string
	args []any
}

type preloadSpec struct {
	path string // Go 字段路径，如 Roles.Permissions
	fn   func(*gorm.DB) *gorm.DB
}

// queryPlan 由 Query 翻译得到的查询计划
//
// 过滤、搜索、排序中出现的关联路径以 LEFT JOIN 实现，别名由路径确定（点替换为下划线），
// 同一路径只连接一次；关联数据的加载与投影通过 Preload 完成。
type queryPlan struct {
	db       *gorm.DB
	schema   *schema.Schema
	joins    []joinSpec
	joined   map[string]*schema.Schema
	conds    []clause.Expression
	orders   []clause.OrderByColumn
	columns  []string
	preloads []preloadSpec
}

func parseModelSchema(db *gorm.DB, model any) (*schema.Schema, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return nil, fmt.Errorf("解析模型结构失败: %w", err)
	}
	return stmt.Schema, nil
}

func buildQueryPlan(db *gorm.DB, s *schema.Schema, q Query) (*queryPlan, error) {
	p := &queryPlan{db: db, schema: s, joined: map[string]*schema.Schema{}}

	if err := p.where(q.Where); err != nil {
		return nil, err
	}
	if q.Search != nil && strings.TrimSpace(q.Search.Term) != "" {
		if err := p.search(q.Search); err != nil {
			return nil, err
		}
	}
	if q.DateRange != nil {
		if err := p.dateRange(*q.DateRange); err != nil {
			return nil, err
		}
	}
	if err := p.order(q.Order, q.Relations, !q.NoTiebreak); err != nil {
		return nil, err
	}

	cols, err := p.selectColumns(s, q.Select, nil)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		p.columns = append(p.columns, fmt.Sprintf("%s AS %s", p.quote(rootAlias+"."+c), p.quote(c)))
	}

	if err := p.preload(q.Relations, s, ""); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *queryPlan) quote(name string) string {
	return p.db.Statement.Quote(name)
}

func (p *queryPlan) hasJoins() bool {
	return len(p.joins) > 0
}

func (p *queryPlan) primaryColumn() clause.Column {
	return clause.Column{Table: rootAlias, Name: p.schema.PrioritizedPrimaryField.DBName}
}

// scope 将连接与条件应用到根查询上（不含投影、排序、分页）
func (p *queryPlan) scope(tx *gorm.DB) *gorm.DB {
	for _, j := range p.joins {
		tx = tx.Joins(j.sql, j.args...)
	}
	if len(p.conds) > 0 {
		tx = tx.Clauses(clause.Where{Exprs: p.conds})
	}
	return tx
}

// where 合并默认过滤条件与调用方条件
func (p *queryPlan) where(filter Filter) error {
	enable := lookupField(p.schema, "enable", p.db.NamingStrategy)
	deleted := lookupField(p.schema, "deleted", p.db.NamingStrategy)
	if enable != nil && deleted != nil {
		_, hasEnable := filterValue(filter, enable)
		deletedVal, hasDeleted := filterValue(filter, deleted)
		if !hasDeleted {
			p.conds = append(p.conds, clause.Eq{Column: clause.Column{Table: rootAlias, Name: deleted.DBName}, Value: false})
		}
		// 显式查询已删除记录时，enable 默认值会使条件永远不成立，此时不再附加
		wantsDeleted := false
		if b, ok := deletedVal.(bool); ok && b {
			wantsDeleted = true
		}
		if !hasEnable && !wantsDeleted {
			p.conds = append(p.conds, clause.Eq{Column: clause.Column{Table: rootAlias, Name: enable.DBName}, Value: true})
		}
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		col, err := p.column(key)
		if err != nil {
			return err
		}
		p.conds = append(p.conds, valueCondition(col, filter[key]))
	}
	return nil
}

// filterValue 查找过滤条件中指向指定字段的键
func filterValue(filter Filter, f *schema.Field) (any, bool) {
	for k, v := range filter {
		if strings.Contains(k, ".") {
			continue
		}
		if strings.EqualFold(k, f.Name) || strings.EqualFold(k, f.DBName) {
			return v, true
		}
	}
	return nil, false
}

func valueCondition(col clause.Column, v any) clause.Expression {
	if v == nil {
		return clause.Eq{Column: col, Value: nil}
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		values := make([]any, rv.Len())
		for i := range values {
			values[i] = rv.Index(i).Interface()
		}
		return clause.IN{Column: col, Values: values}
	}
	return clause.Eq{Column: col, Value: v}
}

// column 解析字段路径为带别名的列，路径中的关联会被连接
func (p *queryPlan) column(path string) (clause.Column, error) {
	alias, s, name, err := p.resolvePath(path)
	if err != nil {
		return clause.Column{}, err
	}
	f := lookupField(s, name, p.db.NamingStrategy)
	if f == nil {
		return clause.Column{}, fmt.Errorf("未知字段 %q: %w", path, ErrValidation)
	}
	return clause.Column{Table: alias, Name: f.DBName}, nil
}

func (p *queryPlan) resolvePath(path string) (alias string, s *schema.Schema, name string, err error) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return rootAlias, p.schema, path, nil
	}
	alias, s, err = p.joinPath(path[:idx])
	return alias, s, path[idx+1:], err
}

// joinPath 按路径逐段连接关联，返回末段别名与模型结构
func (p *queryPlan) joinPath(path string) (string, *schema.Schema, error) {
	parentAlias, cur := rootAlias, p.schema
	var parts []string
	for _, seg := range strings.Split(path, ".") {
		rel := findRelation(cur, seg)
		if rel == nil {
			return "", nil, fmt.Errorf("未知关联 %q: %w", path, ErrValidation)
		}
		parts = append(parts, strings.ToLower(rel.Name))
		alias := strings.Join(parts, "_")
		if _, ok := p.joined[alias]; !ok {
			p.addJoin(rel, parentAlias, alias)
			p.joined[alias] = rel.FieldSchema
		}
		parentAlias, cur = alias, rel.FieldSchema
	}
	return parentAlias, cur, nil
}

func (p *queryPlan) addJoin(rel *schema.Relationship, parent, alias string) {
	if rel.JoinTable != nil {
		link := alias + linkAliasSuffix
		var linkOn, targetOn []string
		for _, ref := range rel.References {
			if ref.PrimaryKey == nil {
				continue
			}
			if ref.OwnPrimaryKey {
				linkOn = append(linkOn, fmt.Sprintf("%s = %s", p.quote(link+"."+ref.ForeignKey.DBName), p.quote(parent+"."+ref.PrimaryKey.DBName)))
			} else {
				targetOn = append(targetOn, fmt.Sprintf("%s = %s", p.quote(alias+"."+ref.PrimaryKey.DBName), p.quote(link+"."+ref.ForeignKey.DBName)))
			}
		}
		p.joins = append(p.joins, joinSpec{
			sql: fmt.Sprintf("LEFT JOIN %s AS %s ON %s", p.quote(rel.JoinTable.Table), p.quote(link), strings.Join(linkOn, " AND ")),
		})
		p.joins = append(p.joins, p.targetJoin(rel.FieldSchema, alias, targetOn, nil))
		return
	}

	var on []string
	var args []any
	for _, ref := range rel.References {
		switch {
		case ref.PrimaryKey == nil:
			// 多态关联的类型列
			on = append(on, p.quote(alias+"."+ref.ForeignKey.DBName)+" = ?")
			args = append(args, ref.PrimaryValue)
		case ref.OwnPrimaryKey:
			on = append(on, fmt.Sprintf("%s = %s", p.quote(alias+"."+ref.ForeignKey.DBName), p.quote(parent+"."+ref.PrimaryKey.DBName)))
		default:
			on = append(on, fmt.Sprintf("%s = %s", p.quote(alias+"."+ref.PrimaryKey.DBName), p.quote(parent+"."+ref.ForeignKey.DBName)))
		}
	}
	p.joins = append(p.joins, p.targetJoin(rel.FieldSchema, alias, on, args))
}

// targetJoin 关联目标表同样只连接未禁用、未删除的记录
func (p *queryPlan) targetJoin(target *schema.Schema, alias string, on []string, args []any) joinSpec {
	if enable, deleted := softFlags(target, p.db.NamingStrategy); enable != nil && deleted != nil {
		on = append(on, p.quote(alias+"."+enable.DBName)+" = ?", p.quote(alias+"."+deleted.DBName)+" = ?")
		args = append(args, true, false)
	}
	return joinSpec{
		sql:  fmt.Sprintf("LEFT JOIN %s AS %s ON %s", p.quote(target.Table), p.quote(alias), strings.Join(on, " AND ")),
		args: args,
	}
}

func (p *queryPlan) search(s *Search) error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("搜索关键字缺少搜索字段: %w", ErrValidation)
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(s.Term)) + "%"
	exprs := make([]clause.Expression, 0, len(s.Fields))
	for _, field := range s.Fields {
		expr, err := p.searchExpr(field, pattern)
		if err != nil {
			return err
		}
		exprs = append(exprs, expr)
	}
	// 单个 OrConditions 在 GORM 中会以 OR 连接到前一个条件，这里只在多个字段时使用
	if len(exprs) == 1 {
		p.conds = append(p.conds, exprs[0])
	} else {
		p.conds = append(p.conds, clause.Or(exprs...))
	}
	return nil
}

// likeEscaper 搜索词按字面匹配，% 与 _ 不作通配符；转义符用 ! 以兼容 MySQL 字符串中的反斜杠
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func (p *queryPlan) searchExpr(field, pattern string) (clause.Expression, error) {
	alias, s, name, err := p.resolvePath(field)
	if err != nil {
		return nil, err
	}
	if f := lookupField(s, name, p.db.NamingStrategy); f != nil {
		return clause.Expr{SQL: "LOWER(?) LIKE ? ESCAPE '!'", Vars: []any{clause.Column{Table: alias, Name: f.DBName}, pattern}}, nil
	}
	if strings.HasSuffix(strings.ToLower(name), fullNameSuffix) {
		prefix := name[:len(name)-len(fullNameSuffix)]
		first := lookupField(s, prefix+"FirstName", p.db.NamingStrategy)
		last := lookupField(s, prefix+"LastName", p.db.NamingStrategy)
		if first != nil && last != nil {
			return clause.Expr{
				SQL: "LOWER(" + p.concatExpr() + ") LIKE ? ESCAPE '!'",
				Vars: []any{
					clause.Column{Table: alias, Name: first.DBName},
					clause.Column{Table: alias, Name: last.DBName},
					pattern,
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("未知搜索字段 %q: %w", field, ErrValidation)
}

// concatExpr 以空格拼接两列
func (p *queryPlan) concatExpr() string {
	if p.db.Dialector.Name() == "mysql" {
		return "CONCAT_WS(' ', ?, ?)"
	}
	return "COALESCE(?, '') || ' ' || COALESCE(?, '')"
}

func (p *queryPlan) dateRange(r DateRange) error {
	f := lookupField(p.schema, "CreatedAt", p.db.NamingStrategy)
	if f == nil {
		return fmt.Errorf("模型 %s 不支持按创建时间过滤: %w", p.schema.Name, ErrValidation)
	}
	col := clause.Column{Table: rootAlias, Name: f.DBName}
	if !r.From.IsZero() {
		p.conds = append(p.conds, clause.Gte{Column: col, Value: r.From})
	}
	if !r.To.IsZero() {
		p.conds = append(p.conds, clause.Lte{Column: col, Value: endOfDay(r.To)})
	}
	return nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

// order 先应用调用方排序（含关联树节点上的排序），最后追加 id DESC 兜底
// 关联字段排序按连接别名上的聚合值（升序 MIN、降序 MAX）排列根实体
func (p *queryPlan) order(order Order, relations RelationTree, tiebreak bool) error {
	for _, term := range order {
		if err := p.addOrder(term.Field, term.Desc); err != nil {
			return err
		}
	}
	if err := p.relationOrders(relations, ""); err != nil {
		return err
	}
	if tiebreak {
		p.orders = append(p.orders, clause.OrderByColumn{Column: p.primaryColumn(), Desc: true})
	}
	return nil
}

func (p *queryPlan) relationOrders(tree RelationTree, prefix string) error {
	for _, key := range sortedNodeKeys(tree) {
		node := tree[key]
		if node == nil {
			continue
		}
		path := prefix + key
		for _, term := range node.Order {
			if err := p.addOrder(path+"."+term.Field, term.Desc); err != nil {
				return err
			}
		}
		if err := p.relationOrders(node.Children, path+"."); err != nil {
			return err
		}
	}
	return nil
}

func (p *queryPlan) addOrder(path string, desc bool) error {
	col, err := p.column(path)
	if err != nil {
		return err
	}
	if col.Table == rootAlias {
		p.orders = append(p.orders, clause.OrderByColumn{Column: col, Desc: desc})
		return nil
	}
	agg := "MIN"
	if desc {
		agg = "MAX"
	}
	p.orders = append(p.orders, clause.OrderByColumn{
		Column: clause.Column{Name: fmt.Sprintf("%s(%s)", agg, p.quote(col.Table+"."+col.Name)), Raw: true},
		Desc:   desc,
	})
	return nil
}

// selectColumns 计算投影列：全选时为全部列减去隐藏列；始终包含主键与关联所需的键列
func (p *queryPlan) selectColumns(s *schema.Schema, sel Selection, incoming *schema.Relationship) ([]string, error) {
	var cols []string
	if sel.IsAll() {
		hidden := hiddenColumns(s)
		for _, name := range s.DBNames {
			if !slices.Contains(hidden, name) {
				cols = append(cols, name)
			}
		}
	} else {
		for _, name := range sel.Fields() {
			f := lookupField(s, name, p.db.NamingStrategy)
			if f == nil {
				return nil, fmt.Errorf("未知投影字段 %q: %w", name, ErrValidation)
			}
			cols = append(cols, f.DBName)
		}
	}
	cols = append(cols, structuralColumns(s, incoming)...)

	seen := make(map[string]struct{}, len(cols))
	out := cols[:0]
	for _, c := range cols {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func (p *queryPlan) preload(tree RelationTree, s *schema.Schema, goPrefix string) error {
	for _, key := range sortedNodeKeys(tree) {
		node := tree[key]
		if node == nil {
			node = &RelationNode{}
		}
		rel := findRelation(s, key)
		if rel == nil {
			return fmt.Errorf("未知关联 %q: %w", strings.TrimPrefix(goPrefix+"."+key, "."), ErrValidation)
		}
		path := rel.Name
		if goPrefix != "" {
			path = goPrefix + "." + rel.Name
		}

		target := rel.FieldSchema
		cols, err := p.selectColumns(target, node.Select, rel)
		if err != nil {
			return err
		}
		var orders []clause.OrderByColumn
		for _, term := range node.Order {
			if strings.Contains(term.Field, ".") {
				continue
			}
			f := lookupField(target, term.Field, p.db.NamingStrategy)
			if f == nil {
				return fmt.Errorf("未知排序字段 %q: %w", path+"."+term.Field, ErrValidation)
			}
			orders = append(orders, clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: f.DBName}, Desc: term.Desc})
		}
		enable, deleted := softFlags(target, p.db.NamingStrategy)

		p.preloads = append(p.preloads, preloadSpec{
			path: path,
			fn: func(tx *gorm.DB) *gorm.DB {
				if enable != nil && deleted != nil {
					tx = tx.Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: enable.DBName}, Value: true}).
						Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: deleted.DBName}, Value: false})
				}
				tx = tx.Select(cols)
				for _, o := range orders {
					tx = tx.Order(o)
				}
				return tx
			},
		})

		if err := p.preload(node.Children, target, path); err != nil {
			return err
		}
	}
	return nil
}

func findRelation(s *schema.Schema, seg string) *schema.Relationship {
	if rel, ok := s.Relationships.Relations[seg]; ok {
		return rel
	}
	for name, rel := range s.Relationships.Relations {
		if strings.EqualFold(name, seg) {
			return rel
		}
	}
	return nil
}

// lookupField 依次按 Go 字段名/列名、命名策略转换后的列名、不区分大小写匹配查找字段
func lookupField(s *schema.Schema, name string, namer schema.Namer) *schema.Field {
	f := s.LookUpField(name)
	if f == nil && namer != nil {
		f = s.LookUpField(namer.ColumnName("", name))
	}
	if f == nil {
		for _, fld := range s.Fields {
			if strings.EqualFold(fld.Name, name) || strings.EqualFold(fld.DBName, name) {
				f = fld
				break
			}
		}
	}
	if f == nil || f.DBName == "" {
		return nil
	}
	return f
}

func softFlags(s *schema.Schema, namer schema.Namer) (enable, deleted *schema.Field) {
	return lookupField(s, "enable", namer), lookupField(s, "deleted", namer)
}

func hiddenColumns(s *schema.Schema) []string {
	if s.ModelType == nil {
		return nil
	}
	if h, ok := reflect.New(s.ModelType).Interface().(hiddenFielder); ok {
		return h.HiddenFields()
	}
	return nil
}

// structuralColumns 加载关联所必需的列：主键，以及本表上参与关联的键列
func structuralColumns(s *schema.Schema, incoming *schema.Relationship) []string {
	cols := slices.Clone(s.PrimaryFieldDBNames)
	add := func(f *schema.Field) {
		if f != nil && f.Schema == s && f.DBName != "" {
			cols = append(cols, f.DBName)
		}
	}
	if incoming != nil {
		for _, ref := range incoming.References {
			add(ref.PrimaryKey)
			add(ref.ForeignKey)
		}
	}
	for _, rel := range s.Relationships.Relations {
		for _, ref := range rel.References {
			add(ref.PrimaryKey)
			add(ref.ForeignKey)
		}
	}
	return cols
}

func sortedNodeKeys(tree RelationTree) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
