package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/invoicing/pkg/db/option"
	"gorm.io/gorm"
)

// DefaultBatchSize caps the rows sent in one INSERT by InsertBatch.
const DefaultBatchSize = 100

var ErrNotFound = errors.New("record not found")

// Store is a generic table accessor for a gorm model. Filters use the
// non-zero fields of the query struct.
type Store[T any] interface {
	WithTx(tx *gorm.DB) Store[T]
	List(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// Get returns ErrNotFound when no row matches.
	Get(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Insert(ctx context.Context, row *T) error
	InsertBatch(ctx context.Context, rows []*T) error
}

type store[T any] struct {
	db        *gorm.DB
	batchSize int
}

func NewStore[T any](conn *gorm.DB) Store[T] {
	return &store[T]{db: conn, batchSize: DefaultBatchSize}
}

func NewStoreWithBatchSize[T any](conn *gorm.DB, batchSize int) Store[T] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &store[T]{db: conn, batchSize: batchSize}
}

func (s *store[T]) WithTx(tx *gorm.DB) Store[T] {
	return &store[T]{db: tx, batchSize: s.batchSize}
}

func (s *store[T]) List(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	err := s.scoped(ctx, query, opts...).Find(&rows).Error
	return rows, err
}

func (s *store[T]) Get(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var row T
	err := s.scoped(ctx, query, opts...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store[T]) Insert(ctx context.Context, row *T) error {
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *store[T]) InsertBatch(ctx context.Context, rows []*T) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error
}

func (s *store[T]) scoped(ctx context.Context, query *T, opts ...option.QueryOption) *gorm.DB {
	stmt := s.db.WithContext(ctx).Model(new(T))
	if query != nil {
		stmt = stmt.Where(query)
	}
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	return stmt
}
