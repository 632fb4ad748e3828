package option

import (
	"strconv"
	"strings"

	"github.com/smallbiznis/invoicing/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it runs.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

type Operator string

const (
	EQ  Operator = "eq"
	GT  Operator = "gt"
	GTE Operator = "gte"
	LT  Operator = "lt"
	LTE Operator = "lte"
	IN  Operator = "in"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a single comparison. Field is quoted as a column name.
func ApplyOperator(cond Condition) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column := clause.Column{Name: cond.Field}
		switch cond.Operator {
		case GT:
			return db.Where(clause.Gt{Column: column, Value: cond.Value})
		case GTE:
			return db.Where(clause.Gte{Column: column, Value: cond.Value})
		case LT:
			return db.Where(clause.Lt{Column: column, Value: cond.Value})
		case LTE:
			return db.Where(clause.Lte{Column: column, Value: cond.Value})
		case IN:
			values, _ := cond.Value.([]any)
			return db.Where(clause.IN{Column: column, Values: values})
		default:
			return db.Where(clause.Eq{Column: column, Value: cond.Value})
		}
	})
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

// WithSortBy orders by an allowed column, falling back to id descending.
// The id tiebreaker keeps keyset pagination stable.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		desc := !strings.EqualFold(strings.TrimSpace(sort.OrderBy), "asc")
		field := strings.TrimSpace(sort.SortBy)
		if field != "" && field != "id" && sort.Allow[field] {
			db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: field}, Desc: desc})
		}
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc})
	})
}

// ApplyPagination limits the page to PageSize+1 rows so the caller can tell
// whether more remain, and resumes after the cursor id for descending id
// order.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := page.Size()
		if cursor, err := pagination.DecodeCursor(page.PageToken); err == nil && cursor != nil {
			if id, err := strconv.ParseInt(cursor.ID, 10, 64); err == nil {
				db = db.Where(clause.Lt{Column: clause.Column{Name: "id"}, Value: id})
			}
		}
		return db.Limit(size + 1)
	})
}
