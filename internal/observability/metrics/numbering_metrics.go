package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
)

const (
	ConflictReasonVersion              = "version_conflict"
	ConflictReasonLockTimeout          = "lock_timeout"
	ConflictReasonSerializationFailure = "serialization_failure"
	ConflictReasonDeadlock             = "deadlock"
	ConflictReasonBusy                 = "busy"
	ConflictReasonDeadlineExceeded     = "deadline_exceeded"
	ConflictReasonUnknown              = "unknown"
)

const (
	ReservationOutcomeOK    = "ok"
	ReservationOutcomeError = "error"
)

// NumberingMetrics captures invoice numbering health: how long reservations
// hold the per-organization row lock and how often writers collide.
type NumberingMetrics struct {
	reservationDuration *prometheus.HistogramVec
	lockWait            prometheus.Histogram
	conflicts           *prometheus.CounterVec
	prefixRollovers     prometheus.Counter
}

var (
	numberingMetricsOnce sync.Once
	numberingMetrics     *NumberingMetrics
)

// Numbering returns the singleton numbering metrics registry.
func Numbering() *NumberingMetrics {
	return NumberingWithConfig(Config{})
}

// NumberingWithConfig returns the singleton numbering metrics registry using config labels.
func NumberingWithConfig(cfg Config) *NumberingMetrics {
	numberingMetricsOnce.Do(func() {
		numberingMetrics = NewNumberingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return numberingMetrics
}

// NewNumberingMetrics registers a fresh set of collectors on registerer.
func NewNumberingMetrics(registerer prometheus.Registerer, cfg Config) *NumberingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{
		"service": serviceLabel(cfg.ServiceName),
		"env":     envLabel(cfg.Environment),
	}

	reservationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "invoicing_numbering_reservation_duration_seconds",
		Help:        "Invoice number reservation latency inside the caller transaction.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "invoicing_numbering_lock_wait_seconds",
		Help:        "Time spent acquiring the numbering state row lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "invoicing_numbering_conflicts_total",
		Help:        "Retryable numbering conflicts by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	prefixRollovers := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "invoicing_numbering_prefix_rollovers_total",
		Help:        "Sequence resets caused by a new realized prefix.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		reservationDuration,
		lockWait,
		conflicts,
		prefixRollovers,
	)

	return &NumberingMetrics{
		reservationDuration: reservationDuration,
		lockWait:            lockWait,
		conflicts:           conflicts,
		prefixRollovers:     prefixRollovers,
	}
}

// ObserveReservation records reservation latency by outcome.
func (m *NumberingMetrics) ObserveReservation(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := ReservationOutcomeOK
	if err != nil {
		outcome = ReservationOutcomeError
	}
	m.reservationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveLockWait records how long SELECT FOR UPDATE blocked.
func (m *NumberingMetrics) ObserveLockWait(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.lockWait.Observe(duration.Seconds())
}

// IncConflict counts a conflict with its classified reason.
func (m *NumberingMetrics) IncConflict(err error) {
	if m == nil || err == nil {
		return
	}
	m.conflicts.WithLabelValues(ClassifyConflictReason(err)).Inc()
}

func (m *NumberingMetrics) IncPrefixRollover() {
	if m == nil {
		return
	}
	m.prefixRollovers.Inc()
}

// ClassifyConflictReason maps numbering storage errors to low-cardinality reasons.
func ClassifyConflictReason(err error) string {
	if err == nil {
		return ConflictReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ConflictReasonDeadlineExceeded
	}
	if errors.Is(err, numberingdomain.ErrNumberingConflict) {
		return ConflictReasonVersion
	}
	if hasPGCode(err, "55P03") {
		return ConflictReasonLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ConflictReasonSerializationFailure
	}
	if hasPGCode(err, "40P01") || strings.Contains(err.Error(), "Error 1213") {
		return ConflictReasonDeadlock
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "database is locked") || strings.Contains(lower, "sqlite_busy") {
		return ConflictReasonBusy
	}
	return ConflictReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
