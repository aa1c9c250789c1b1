package repository

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Repository 按实体类型参数化的通用持久化能力，注入到各领域服务中使用。
type Repository[T any] struct {
	db *gorm.DB
}

func New[T any](db *gorm.DB) *Repository[T] {
	return &Repository[T]{db: db}
}

// WithTx 返回绑定到事务的副本。
func (r *Repository[T]) WithTx(tx *gorm.DB) *Repository[T] {
	return &Repository[T]{db: tx}
}

// Get 按主键查询，不存在返回 (nil, nil)，可直接作为缓存回源函数。
func (r *Repository[T]) Get(ctx context.Context, id int64) (*T, error) {
	var v T
	err := r.db.WithContext(ctx).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %T %d", v, id)
	}
	return &v, nil
}

// Find 条件查询，order 为空时不排序。
func (r *Repository[T]) Find(ctx context.Context, order string, query interface{}, args ...interface{}) ([]T, error) {
	var out []T
	q := r.db.WithContext(ctx)
	if query != nil {
		q = q.Where(query, args...)
	}
	if order != "" {
		q = q.Order(order)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "find")
	}
	return out, nil
}

// Page 分页查询，page 从 1 开始。
func (r *Repository[T]) Page(ctx context.Context, page, size int, query interface{}, args ...interface{}) ([]T, error) {
	if page < 1 {
		page = 1
	}
	var out []T
	q := r.db.WithContext(ctx)
	if query != nil {
		q = q.Where(query, args...)
	}
	if err := q.Offset((page - 1) * size).Limit(size).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "page")
	}
	return out, nil
}

func (r *Repository[T]) Create(ctx context.Context, v *T) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(v).Error, "create")
}

// Update 按主键更新非零字段，返回受影响行数。
func (r *Repository[T]) Update(ctx context.Context, v *T) (int64, error) {
	res := r.db.WithContext(ctx).Model(v).Updates(v)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "update")
	}
	return res.RowsAffected, nil
}

// Transaction 显式事务边界：fn 返回 error 即回滚。
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
