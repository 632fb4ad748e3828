package db

import (
	"database/sql/driver"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Decimal precision of money and quantity columns.
const (
	DecimalIntegerDigits  = 14
	DecimalFractionDigits = 6
)

// Decimal is a decimal.Decimal column stored as NUMERIC(20,6) on PostgreSQL
// and MySQL and as TEXT on SQLite, whose NUMERIC affinity would keep the value
// as a binary float.
type Decimal struct {
	decimal.Decimal
}

func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{Decimal: d}
}

func (Decimal) GormDBDataType(conn *gorm.DB, _ *schema.Field) string {
	switch conn.Dialector.Name() {
	case "sqlite":
		return "text"
	case "mysql":
		return "decimal(20,6)"
	default:
		return "numeric(20,6)"
	}
}

func (d Decimal) Value() (driver.Value, error) {
	return d.Decimal.String(), nil
}

func (d *Decimal) Scan(value any) error {
	return d.Decimal.Scan(value)
}
