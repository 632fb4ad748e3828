package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifyConflictReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, ConflictReasonDeadlineExceeded},
		{"version", fmt.Errorf("reserve: %w", numberingdomain.ErrNumberingConflict), ConflictReasonVersion},
		{"lock_timeout", &pgconn.PgError{Code: "55P03"}, ConflictReasonLockTimeout},
		{"serialization", &pgconn.PgError{Code: "40001"}, ConflictReasonSerializationFailure},
		{"pg_deadlock", &pgconn.PgError{Code: "40P01"}, ConflictReasonDeadlock},
		{"mysql_deadlock", errors.New("Error 1213: Deadlock found"), ConflictReasonDeadlock},
		{"sqlite_busy", errors.New("database is locked (5) (SQLITE_BUSY)"), ConflictReasonBusy},
		{"unknown", errors.New("boom"), ConflictReasonUnknown},
		{"nil", nil, ConflictReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyConflictReason(tc.err))
		})
	}
}

func TestNumberingMetricsRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewNumberingMetrics(registry, Config{ServiceName: "invoicing", Environment: "test"})

	m.IncConflict(numberingdomain.ErrNumberingConflict)
	m.IncConflict(numberingdomain.ErrNumberingConflict)
	m.IncConflict(nil)
	m.IncPrefixRollover()
	m.ObserveLockWait(-time.Second)
	m.ObserveReservation(5*time.Millisecond, nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.conflicts.WithLabelValues(ConflictReasonVersion)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.prefixRollovers))
	assert.Equal(t, 1, testutil.CollectAndCount(m.reservationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lockWait))
}

func TestNilNumberingMetricsIsSafe(t *testing.T) {
	var m *NumberingMetrics
	m.IncConflict(errors.New("boom"))
	m.IncPrefixRollover()
	m.ObserveLockWait(time.Millisecond)
	m.ObserveReservation(time.Millisecond, nil)
}
