package rls

import (
	"strconv"

	"gorm.io/gorm"
)

// WithTenant scopes the current transaction to a tenant for row-level
// security policies. Only PostgreSQL enforces RLS; other dialects are a no-op.
func WithTenant(tx *gorm.DB, tenantID int64) error {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	// set_config(..., true) is SET LOCAL with a bindable value.
	return tx.Exec(
		"SELECT set_config('app.current_org_id', ?, true)",
		strconv.FormatInt(tenantID, 10),
	).Error
}
