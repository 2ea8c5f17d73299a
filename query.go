package keeper

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

const defaultPageLimit = 10

// Filter 字段到值的映射；切片值表示集合成员（IN），nil 表示 IS NULL
//
// 键可以是字段名（Go 名、camelCase 或列名），也可以是经由关联的点路径，如 "roles.id"。
// 键 enable/deleted 会覆盖默认过滤条件中的同名项。
type Filter map[string]any

type selectionKind uint8

const (
	selectAll selectionKind = iota
	selectList
	selectMap
)

// Selection 字段投影：AllFields | FieldList | FieldMap
type Selection struct {
	kind selectionKind
	list []string
	set  map[string]bool
}

// AllFields 选择全部字段（隐藏字段除外）
func AllFields() Selection { return Selection{kind: selectAll} }

// FieldList 列表形式的投影
func FieldList(fields ...string) Selection {
	return Selection{kind: selectList, list: slices.Clone(fields)}
}

// FieldMap 布尔映射形式的投影，只有值为 true 的字段被选中
func FieldMap(fields map[string]bool) Selection {
	set := make(map[string]bool, len(fields))
	for k, v := range fields {
		set[k] = v
	}
	return Selection{kind: selectMap, set: set}
}

// Fields 返回选中的字段名；全选时返回 nil
func (s Selection) Fields() []string {
	switch s.kind {
	case selectList:
		return s.list
	case selectMap:
		var out []string
		for k, v := range s.set {
			if v {
				out = append(out, k)
			}
		}
		sort.Strings(out)
		return out
	default:
		return nil
	}
}

// IsAll 未声明任何字段的投影等同于全选
func (s Selection) IsAll() bool {
	return len(s.Fields()) == 0
}

// OrderTerm 单个排序项；Field 可以是关联点路径，如 "roles.name"
type OrderTerm struct {
	Field string
	Desc  bool
}

type Order []OrderTerm

func Asc(field string) OrderTerm  { return OrderTerm{Field: field} }
func Desc(field string) OrderTerm { return OrderTerm{Field: field, Desc: true} }

// ParseSort 解析 "name,-createdAt" 形式的排序表达式，"-" 前缀表示降序
func ParseSort(expr string) Order {
	var order Order
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			order = append(order, Desc(strings.TrimPrefix(part, "-")))
		} else {
			order = append(order, Asc(strings.TrimPrefix(part, "+")))
		}
	}
	return order
}

// RelationNode 关联树节点，可携带自身的投影与排序
type RelationNode struct {
	Select   Selection
	Order    Order
	Children RelationTree
}

// RelationTree 关联路径段 -> 节点
type RelationTree map[string]*RelationNode

// RelationPaths 由扁平点路径构建关联树，如 RelationPaths("roles.permissions")
func RelationPaths(paths ...string) RelationTree {
	tree := RelationTree{}
	for _, p := range paths {
		tree.Add(p)
	}
	return tree
}

// Add 按点路径添加节点（中间节点自动创建），返回叶子节点
func (t RelationTree) Add(path string) *RelationNode {
	var node *RelationNode
	level := t
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		next, ok := level[seg]
		if !ok {
			next = &RelationNode{}
			level[seg] = next
		}
		if next.Children == nil {
			next.Children = RelationTree{}
		}
		node = next
		level = next.Children
	}
	if node == nil {
		// 空路径不挂到树上
		return &RelationNode{Children: RelationTree{}}
	}
	return node
}

// PageRequest 分页参数；零值使用默认值
type PageRequest struct {
	Page  int
	Limit int
}

// Search 在多个字段上做不区分大小写的子串匹配，字段之间为 OR 关系
//
// 以 fullName 结尾的字段展开为 firstName 与 lastName 的拼接，如 "managerFullName"
// 展开为 managerFirstName、managerLastName。
type Search struct {
	Term   string
	Fields []string
}

// DateRange 基于 createdAt 的闭区间过滤，零值表示不限制该端
// 上界的时刻会被规整到当天 23:59:59
type DateRange struct {
	From time.Time
	To   time.Time
}

// Query 请求级查询描述
type Query struct {
	Where      Filter
	Relations  RelationTree
	Select     Selection
	Order      Order
	Page       PageRequest
	Search     *Search
	DateRange  *DateRange
	NoTiebreak bool // 为 true 时不追加 id DESC 兜底排序
}

// SelectFields 以点路径列表设置投影：无点的字段作用于根实体，
// "roles.name" 作用于 roles 关联（并确保该关联被加载）
func (q *Query) SelectFields(paths ...string) {
	var root []string
	byRelation := map[string][]string{}
	var relationOrder []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.LastIndex(p, ".")
		if idx < 0 {
			root = append(root, p)
			continue
		}
		rel := p[:idx]
		if _, ok := byRelation[rel]; !ok {
			relationOrder = append(relationOrder, rel)
		}
		byRelation[rel] = append(byRelation[rel], p[idx+1:])
	}
	if len(root) > 0 {
		q.Select = FieldList(root...)
	}
	for _, rel := range relationOrder {
		if q.Relations == nil {
			q.Relations = RelationTree{}
		}
		q.Relations.Add(rel).Select = FieldList(byRelation[rel]...)
	}
}

// Project 应用 JSON 形式的投影：
//
//	{"name": true, "roles": {"name": true, "permissions": ["url"]}}
//
// 布尔值作用于当前层字段，对象与数组作用于同名关联。根层没有任何 true 字段时根实体全选。
// 解析失败时 q 保持不变。
func (q *Query) Project(raw map[string]any) error {
	sel, tree, err := ParseProjection(raw)
	if err != nil {
		return err
	}
	if q.Relations == nil {
		q.Relations = RelationTree{}
	}
	q.Relations.merge(tree)
	q.Select = sel
	return nil
}

// ParseProjection 将 JSON 形式的投影拆分为根投影与关联树
func ParseProjection(raw map[string]any) (Selection, RelationTree, error) {
	tree := RelationTree{}
	sel, err := projectLevel(raw, tree, "")
	if err != nil {
		return Selection{}, nil, err
	}
	return sel, tree, nil
}

// merge 并入另一棵关联树；同名节点只在 other 声明了投影时覆盖投影，排序保留
func (t RelationTree) merge(other RelationTree) {
	for name, node := range other {
		cur, ok := t[name]
		if !ok {
			t[name] = node
			continue
		}
		if node.Select.kind != selectAll {
			cur.Select = node.Select
		}
		if cur.Children == nil {
			cur.Children = RelationTree{}
		}
		cur.Children.merge(node.Children)
	}
}

func projectLevel(raw map[string]any, tree RelationTree, prefix string) (Selection, error) {
	fields := map[string]bool{}
	for key, val := range raw {
		switch v := val.(type) {
		case bool:
			fields[key] = v
		case []string:
			node := tree.Add(key)
			node.Select = FieldList(v...)
		case []any:
			list := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return Selection{}, fmt.Errorf("投影 %s%s 的数组元素必须是字符串: %w", prefix, key, ErrValidation)
				}
				list = append(list, s)
			}
			tree.Add(key).Select = FieldList(list...)
		case map[string]any:
			node := tree.Add(key)
			sel, err := projectLevel(v, node.Children, prefix+key+".")
			if err != nil {
				return Selection{}, err
			}
			node.Select = sel
		default:
			return Selection{}, fmt.Errorf("投影 %s%s 的取值类型无效: %w", prefix, key, ErrValidation)
		}
	}
	return FieldMap(fields), nil
}

// PageMeta 分页元信息
//
// TotalItems 由与分页查询并发执行的 COUNT 得到，两者不在同一快照内，并发写入时只保证尽力一致。
type PageMeta struct {
	ItemCount    int   `json:"itemCount"`
	TotalItems   int64 `json:"totalItems"`
	ItemsPerPage int   `json:"itemsPerPage"`
	TotalPages   int   `json:"totalPages"`
	CurrentPage  int   `json:"currentPage"`
}

// Page 分页结果
type Page[T any] struct {
	Items []T      `json:"items"`
	Meta  PageMeta `json:"meta"`
}

func newPageMeta(itemCount int, total int64, page, limit int) PageMeta {
	return PageMeta{
		ItemCount:    itemCount,
		TotalItems:   total,
		ItemsPerPage: limit,
		TotalPages:   int(math.Ceil(float64(total) / float64(limit))),
		CurrentPage:  page,
	}
}
