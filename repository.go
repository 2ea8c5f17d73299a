package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

type repositoryOptions struct {
	runner TaskRunner
	query  QueryConfig
	logger *slog.Logger
}

// RepositoryOption 仓储可选项
type RepositoryOption func(*repositoryOptions)

// WithTaskRunner 分页查询中 COUNT 与 SELECT 提交到的任务执行器
func WithTaskRunner(runner TaskRunner) RepositoryOption {
	return func(o *repositoryOptions) { o.runner = runner }
}

func WithQueryConfig(cfg QueryConfig) RepositoryOption {
	return func(o *repositoryOptions) { o.query = cfg }
}

func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

// Repository 基于 GORM 的通用实体仓储
//
// 所有读取都附带默认过滤条件 enable=true、deleted=false；软删除同时写入两个标记位
// 并调用 GORM 原生 Delete 记录 deleted_at。
type Repository[T any] struct {
	db   *gorm.DB
	opts repositoryOptions
}

func NewRepository[T any](db *gorm.DB, opts ...RepositoryOption) *Repository[T] {
	o := repositoryOptions{
		query:  QueryConfig{DefaultLimit: defaultPageLimit},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.query.DefaultLimit <= 0 {
		o.query.DefaultLimit = defaultPageLimit
	}
	return &Repository[T]{db: db, opts: o}
}

// DB 返回底层连接，供需要关联写入的服务使用
func (r *Repository[T]) DB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *Repository[T]) modelSchema() (*schema.Schema, error) {
	return parseModelSchema(r.db, new(T))
}

func (r *Repository[T]) plan(ctx context.Context, q Query) (*gorm.DB, *queryPlan, error) {
	s, err := r.modelSchema()
	if err != nil {
		return nil, nil, err
	}
	db := r.db.WithContext(ctx)
	p, err := buildQueryPlan(db, s, q)
	if err != nil {
		return nil, nil, err
	}
	return db, p, nil
}

// base 以 entity 为别名的根查询，带连接与条件
// 软删除由默认过滤条件负责，因此总是 Unscoped
func (r *Repository[T]) base(db *gorm.DB, p *queryPlan) *gorm.DB {
	tx := db.Unscoped().Model(new(T)).Table(p.schema.Table + " AS " + rootAlias)
	return p.scope(tx)
}

// selection 投影、分组、排序与预加载
func (r *Repository[T]) selection(tx *gorm.DB, p *queryPlan) *gorm.DB {
	tx = tx.Select(p.columns)
	if p.hasJoins() {
		tx = tx.Group(p.quote(rootAlias + "." + p.schema.PrioritizedPrimaryField.DBName))
	}
	for _, o := range p.orders {
		tx = tx.Order(o)
	}
	for _, pl := range p.preloads {
		tx = tx.Preload(pl.path, pl.fn)
	}
	return tx
}

func (r *Repository[T]) pageBounds(req PageRequest) (page, limit int, err error) {
	if req.Page < 0 || req.Limit < 0 {
		return 0, 0, fmt.Errorf("分页参数不能为负数: %w", ErrValidation)
	}
	page, limit = req.Page, req.Limit
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = r.opts.query.DefaultLimit
	}
	if max := r.opts.query.MaxLimit; max > 0 && limit > max {
		limit = max
	}
	// 偏移量 (page-1)*limit 必须可用 int 表示
	if page-1 > math.MaxInt/limit {
		return 0, 0, fmt.Errorf("页码 %d 超出范围: %w", page, ErrValidation)
	}
	return page, limit, nil
}

// FindPaged 分页查询，COUNT 与当前页 SELECT 并发执行
func (r *Repository[T]) FindPaged(ctx context.Context, q Query) (*Page[T], error) {
	page, limit, err := r.pageBounds(q.Page)
	if err != nil {
		return nil, err
	}
	db, p, err := r.plan(ctx, q)
	if err != nil {
		return nil, err
	}

	var (
		items []T
		total int64
	)
	err = runConcurrently(r.opts.runner,
		func() error {
			tx := r.selection(r.base(db, p), p).Offset((page - 1) * limit).Limit(limit)
			return tx.Find(&items).Error
		},
		func() error {
			return r.base(db, p).Select(r.countExpr(p)).Scan(&total).Error
		},
	)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return &Page[T]{Items: items, Meta: newPageMeta(len(items), total, page, limit)}, nil
}

func (r *Repository[T]) countExpr(p *queryPlan) string {
	return "COUNT(DISTINCT " + p.quote(rootAlias+"."+p.schema.PrioritizedPrimaryField.DBName) + ")"
}

// FindMany 不分页查询全部匹配记录
func (r *Repository[T]) FindMany(ctx context.Context, q Query) ([]T, error) {
	db, p, err := r.plan(ctx, q)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := r.selection(r.base(db, p), p).Find(&items).Error; err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// FindOne 查询单条记录，不存在时返回 ErrNotFound
func (r *Repository[T]) FindOne(ctx context.Context, q Query) (*T, error) {
	item, err := r.FindOneOrNull(ctx, q)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// FindOneOrNull 查询单条记录，不存在时返回 nil, nil
func (r *Repository[T]) FindOneOrNull(ctx context.Context, q Query) (*T, error) {
	db, p, err := r.plan(ctx, q)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := r.selection(r.base(db, p), p).Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// FindByID 按主键查询，不存在时返回 ErrNotFound
func (r *Repository[T]) FindByID(ctx context.Context, id any, relations RelationTree) (*T, error) {
	s, err := r.modelSchema()
	if err != nil {
		return nil, err
	}
	return r.FindOne(ctx, Query{
		Where:     Filter{s.PrioritizedPrimaryField.DBName: id},
		Relations: relations,
	})
}

func (r *Repository[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	db, p, err := r.plan(ctx, Query{Where: filter, NoTiebreak: true})
	if err != nil {
		return 0, err
	}
	var total int64
	if err := r.base(db, p).Select(r.countExpr(p)).Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repository[T]) Insert(ctx context.Context, entity *T) error {
	return r.db.WithContext(ctx).Create(entity).Error
}

// matchIDs 在默认过滤条件下查出匹配记录的主键
func (r *Repository[T]) matchIDs(ctx context.Context, filter Filter) ([]any, *schema.Schema, error) {
	db, p, err := r.plan(ctx, Query{Where: filter, NoTiebreak: true})
	if err != nil {
		return nil, nil, err
	}
	pk := p.schema.PrioritizedPrimaryField
	dest := reflect.New(reflect.SliceOf(pk.FieldType))
	if err := r.base(db, p).Distinct().Pluck(p.quote(rootAlias+"."+pk.DBName), dest.Interface()).Error; err != nil {
		return nil, nil, err
	}
	list := dest.Elem()
	ids := make([]any, list.Len())
	for i := range ids {
		ids[i] = list.Index(i).Interface()
	}
	return ids, p.schema, nil
}

// normalizePatch 将更新内容的键统一为列名
func (r *Repository[T]) normalizePatch(s *schema.Schema, patch map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		f := lookupField(s, k, r.db.NamingStrategy)
		if f == nil {
			return nil, fmt.Errorf("未知更新字段 %q: %w", k, ErrValidation)
		}
		out[f.DBName] = v
	}
	return out, nil
}

func (r *Repository[T]) updateIDs(ctx context.Context, s *schema.Schema, ids []any, patch map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().Model(new(T)).
		Where(clause.IN{Column: clause.Column{Name: s.PrioritizedPrimaryField.DBName}, Values: ids}).
		Updates(patch)
	return res.RowsAffected, res.Error
}

// Update 按过滤条件更新，返回受影响行数
func (r *Repository[T]) Update(ctx context.Context, filter Filter, patch map[string]any) (int64, error) {
	ids, s, err := r.matchIDs(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 || len(patch) == 0 {
		return 0, nil
	}
	cols, err := r.normalizePatch(s, patch)
	if err != nil {
		return 0, err
	}
	return r.updateIDs(ctx, s, ids, cols)
}

// UpdateByID 按主键更新，记录不存在（或已被过滤）时返回 ErrNotFound
func (r *Repository[T]) UpdateByID(ctx context.Context, id any, patch map[string]any) (*T, error) {
	s, err := r.modelSchema()
	if err != nil {
		return nil, err
	}
	filter := Filter{s.PrioritizedPrimaryField.DBName: id}
	ids, _, err := r.matchIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	if len(patch) > 0 {
		cols, err := r.normalizePatch(s, patch)
		if err != nil {
			return nil, err
		}
		if _, err := r.updateIDs(ctx, s, ids, cols); err != nil {
			return nil, err
		}
	}
	// 更新内容可能改变默认过滤条件下的可见性，此处按主键原样读取
	var entity T
	if err := r.db.WithContext(ctx).Unscoped().Where(clause.IN{Column: clause.Column{Name: s.PrioritizedPrimaryField.DBName}, Values: ids}).
		Omit(hiddenColumns(s)...).Take(&entity).Error; err != nil {
		return nil, err
	}
	return &entity, nil
}

// SoftDeleteByID 软删除单条记录；记录不存在或已删除时 found 为 false
func (r *Repository[T]) SoftDeleteByID(ctx context.Context, id any) (bool, error) {
	s, err := r.modelSchema()
	if err != nil {
		return false, err
	}
	affected, err := r.SoftDelete(ctx, Filter{s.PrioritizedPrimaryField.DBName: id})
	return affected > 0, err
}

// SoftDelete 软删除匹配记录，返回删除条数
func (r *Repository[T]) SoftDelete(ctx context.Context, filter Filter) (int64, error) {
	ids, s, err := r.matchIDs(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	enable, deleted := softFlags(s, r.db.NamingStrategy)
	if enable == nil || deleted == nil {
		return 0, fmt.Errorf("模型 %s 不支持软删除", s.Name)
	}
	affected, err := r.updateIDs(ctx, s, ids, map[string]any{enable.DBName: false, deleted.DBName: true})
	if err != nil {
		return 0, err
	}
	if s.LookUpField("deleted_at") != nil {
		pkIn := clause.IN{Column: clause.Column{Name: s.PrioritizedPrimaryField.DBName}, Values: ids}
		if err := r.db.WithContext(ctx).Where(pkIn).Delete(new(T)).Error; err != nil {
			return affected, err
		}
	}
	r.opts.logger.DebugContext(ctx, "软删除完成", "model", s.Name, "count", affected)
	return affected, nil
}

// IsNotFound 判断错误是否表示记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
