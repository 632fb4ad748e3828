package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/invoicing/internal/clock"
	"github.com/smallbiznis/invoicing/internal/config"
	"github.com/smallbiznis/invoicing/internal/numbering/domain"
	"github.com/smallbiznis/invoicing/internal/numbering/repository"
	obsmetrics "github.com/smallbiznis/invoicing/internal/observability/metrics"
	"github.com/smallbiznis/invoicing/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	svc      *Service
	clock    *clock.FakeClock
	registry *prometheus.Registry
}

func setupNumbering(t *testing.T, repo domain.Repository) testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// one connection serializes transactions the way row locks do on
	// postgres
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(&domain.NumberingState{}))

	if repo == nil {
		repo = repository.Provide()
	}
	fake := clock.NewFakeClock(time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	numberingMetrics := obsmetrics.NewNumberingMetrics(registry, obsmetrics.Config{Environment: "test"})

	svc := NewService(ServiceParam{
		DB:               conn,
		Log:              zap.NewNop(),
		Repo:             repo,
		Defaults:         config.StaticNumberingDefaults(config.DefaultNumberingDefaults()),
		Clock:            fake,
		RetryPolicy:      db.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		NumberingMetrics: numberingMetrics,
	}).(*Service)

	return testEnv{db: conn, svc: svc, clock: fake, registry: registry}
}

func (e testEnv) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func (e testEnv) reserve(t *testing.T, orgID snowflake.ID, issueDate time.Time) domain.Reservation {
	t.Helper()
	var out domain.Reservation
	err := e.db.Transaction(func(tx *gorm.DB) error {
		res, err := e.svc.Reserve(context.Background(), tx, orgID, issueDate)
		out = res
		return err
	})
	require.NoError(t, err)
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestReserveCreatesDefaultStateLazily(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1001)

	res := env.reserve(t, orgID, date(2025, time.March, 7))

	assert.Equal(t, "INV-2025-0001", res.Number)
	assert.Equal(t, "INV-2025-", res.Prefix)
	assert.Equal(t, int64(1), res.Sequence)
	assert.Equal(t, "USD", res.DefaultCurrency)

	var state domain.NumberingState
	require.NoError(t, env.db.Where("org_id = ?", orgID).Take(&state).Error)
	require.NotNil(t, state.LastPrefix)
	assert.Equal(t, "INV-2025-", *state.LastPrefix)
	assert.Equal(t, int64(2), state.NextNumber)
	assert.Equal(t, int64(1), state.Version)
}

func TestReserveIsSequentialWithinPrefix(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1002)

	var numbers []string
	for i := 0; i < 3; i++ {
		numbers = append(numbers, env.reserve(t, orgID, date(2025, time.June, 1)).Number)
	}

	assert.Equal(t, []string{"INV-2025-0001", "INV-2025-0002", "INV-2025-0003"}, numbers)
}

func TestReserveResetsOnPrefixRollover(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1003)

	assert.Equal(t, "INV-2024-0001", env.reserve(t, orgID, date(2024, time.December, 31)).Number)
	assert.Equal(t, "INV-2024-0002", env.reserve(t, orgID, date(2024, time.December, 31)).Number)
	assert.Equal(t, "INV-2025-0001", env.reserve(t, orgID, date(2025, time.January, 1)).Number)
	assert.Equal(t, "INV-2025-0002", env.reserve(t, orgID, date(2025, time.January, 2)).Number)

	assert.Equal(t, float64(1), env.counter(t, "invoicing_numbering_prefix_rollovers_total", nil))
}

func TestReservePaddingIsMinimumWidth(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1004)

	env.reserve(t, orgID, date(2025, time.May, 5))
	require.NoError(t, env.db.Model(&domain.NumberingState{}).
		Where("org_id = ?", orgID).
		Update("next_number", 9999).Error)

	assert.Equal(t, "INV-2025-9999", env.reserve(t, orgID, date(2025, time.May, 5)).Number)
	assert.Equal(t, "INV-2025-10000", env.reserve(t, orgID, date(2025, time.May, 5)).Number)
}

func TestReserveRollbackReleasesNumber(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1005)
	errAbort := errors.New("invoice insert failed")

	env.reserve(t, orgID, date(2025, time.April, 1))

	err := env.db.Transaction(func(tx *gorm.DB) error {
		res, err := env.svc.Reserve(context.Background(), tx, orgID, date(2025, time.April, 1))
		require.NoError(t, err)
		assert.Equal(t, "INV-2025-0002", res.Number)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assert.Equal(t, "INV-2025-0002", env.reserve(t, orgID, date(2025, time.April, 1)).Number)
}

func TestReserveConcurrentWritersGetDistinctNumbers(t *testing.T) {
	env := setupNumbering(t, nil)
	orgID := snowflake.ID(1006)
	const writers = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
		errs []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.db.Transaction(func(tx *gorm.DB) error {
				res, err := env.svc.Reserve(context.Background(), tx, orgID, date(2025, time.July, 4))
				if err != nil {
					return err
				}
				mu.Lock()
				seqs = append(seqs, res.Sequence)
				mu.Unlock()
				return nil
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	want := make([]int64, writers)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, seqs)
}

// Each writer gets its own connection to a file database, so transactions
// really overlap and contend for the numbering row.
func TestReserveConcurrentConnectionsKeepSequenceDense(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "numbering.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	const writers = 16
	sqlDB.SetMaxOpenConns(writers)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&domain.NumberingState{}))

	svc := NewService(ServiceParam{
		DB:       conn,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Defaults: config.StaticNumberingDefaults(config.DefaultNumberingDefaults()),
		Clock:    clock.NewFakeClock(time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC)),
	})
	orgID := snowflake.ID(1010)
	policy := db.RetryPolicy{MaxAttempts: 50, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seqs  []int64
		errs  []error
		start = make(chan struct{})
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var seq int64
			err := db.RunInTx(context.Background(), conn, policy, func(tx *gorm.DB) error {
				res, err := svc.Reserve(context.Background(), tx, orgID, date(2025, time.July, 4))
				if err != nil {
					return err
				}
				seq = res.Sequence
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seqs = append(seqs, seq)
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.True(t, db.IsRetryable(err), "unexpected error: %v", err)
	}
	require.NotEmpty(t, seqs)

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	want := make([]int64, len(seqs))
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, seqs)

	var state domain.NumberingState
	require.NoError(t, conn.Where("org_id = ?", orgID).Take(&state).Error)
	assert.Equal(t, int64(len(seqs)+1), state.NextNumber)
}

func TestReserveOrganizationsAreIndependent(t *testing.T) {
	env := setupNumbering(t, nil)

	assert.Equal(t, "INV-2025-0001", env.reserve(t, 2001, date(2025, time.March, 1)).Number)
	assert.Equal(t, "INV-2025-0002", env.reserve(t, 2001, date(2025, time.March, 1)).Number)
	assert.Equal(t, "INV-2025-0001", env.reserve(t, 2002, date(2025, time.March, 1)).Number)
}

func TestReserveRejectsInvalidInput(t *testing.T) {
	env := setupNumbering(t, nil)
	ctx := context.Background()

	_, err := env.svc.Reserve(ctx, nil, 1, date(2025, time.March, 1))
	assert.ErrorIs(t, err, domain.ErrMissingTransaction)

	_, err = env.svc.Reserve(ctx, env.db, 0, date(2025, time.March, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)

	_, err = env.svc.Reserve(ctx, env.db, 1, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidIssueDate)
}

type conflictingRepo struct {
	domain.Repository
	mock.Mock
}

func (r *conflictingRepo) Save(ctx context.Context, db *gorm.DB, state *domain.NumberingState, expectedVersion int64) (bool, error) {
	args := r.Called(expectedVersion)
	return args.Bool(0), args.Error(1)
}

func TestReserveVersionConflictIsRetryable(t *testing.T) {
	repo := &conflictingRepo{Repository: repository.Provide()}
	repo.On("Save", int64(0)).Return(false, nil)
	env := setupNumbering(t, repo)

	err := env.db.Transaction(func(tx *gorm.DB) error {
		_, err := env.svc.Reserve(context.Background(), tx, 3001, date(2025, time.March, 1))
		return err
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNumberingConflict)
	assert.True(t, db.IsRetryable(err))
	assert.Equal(t, float64(1), env.counter(t, "invoicing_numbering_conflicts_total", map[string]string{"reason": obsmetrics.ConflictReasonVersion}))
	repo.AssertExpectations(t)
}

func TestUpdateSettingsTemplateChangeResetsOnNextReservation(t *testing.T) {
	env := setupNumbering(t, nil)
	ctx := context.Background()
	orgID := snowflake.ID(4001)

	env.reserve(t, orgID, date(2025, time.March, 7))
	env.reserve(t, orgID, date(2025, time.March, 7))

	env.clock.Advance(time.Hour)
	template := "FAC-YY-MM-"
	padding := 3
	updated, err := env.svc.UpdateSettings(ctx, orgID, domain.UpdateSettingsRequest{
		PrefixTemplate: &template,
		NumberPadding:  &padding,
	})
	require.NoError(t, err)
	assert.Equal(t, "FAC-YY-MM-", updated.PrefixTemplate)
	assert.Equal(t, env.clock.Now(), updated.UpdatedAt)
	assert.Equal(t, int64(3), updated.NextNumber)

	res := env.reserve(t, orgID, date(2025, time.March, 7))
	assert.Equal(t, "FAC-25-03-001", res.Number)
}

func TestUpdateSettingsKeepsCounterWhenPrefixUnchanged(t *testing.T) {
	env := setupNumbering(t, nil)
	ctx := context.Background()
	orgID := snowflake.ID(4002)

	env.reserve(t, orgID, date(2025, time.March, 7))

	currencyCode := "eur"
	padding := 6
	updated, err := env.svc.UpdateSettings(ctx, orgID, domain.UpdateSettingsRequest{
		DefaultCurrency: &currencyCode,
		NumberPadding:   &padding,
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", updated.DefaultCurrency)

	res := env.reserve(t, orgID, date(2025, time.March, 7))
	assert.Equal(t, "INV-2025-000002", res.Number)
	assert.Equal(t, "EUR", res.DefaultCurrency)
}

func TestUpdateSettingsValidation(t *testing.T) {
	env := setupNumbering(t, nil)
	ctx := context.Background()

	empty := "   "
	long := "INV-YYYY-0123456789012345678901234567890123456789012"
	zero := 0
	tooWide := config.MaxNumberPadding + 1
	badCurrency := "EURO"

	cases := []struct {
		name string
		req  domain.UpdateSettingsRequest
		want error
	}{
		{"empty template", domain.UpdateSettingsRequest{PrefixTemplate: &empty}, domain.ErrInvalidPrefixTemplate},
		{"long template", domain.UpdateSettingsRequest{PrefixTemplate: &long}, domain.ErrInvalidPrefixTemplate},
		{"zero padding", domain.UpdateSettingsRequest{NumberPadding: &zero}, domain.ErrInvalidNumberPadding},
		{"wide padding", domain.UpdateSettingsRequest{NumberPadding: &tooWide}, domain.ErrInvalidNumberPadding},
		{"bad currency", domain.UpdateSettingsRequest{DefaultCurrency: &badCurrency}, domain.ErrInvalidCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.UpdateSettings(ctx, 4003, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := env.svc.UpdateSettings(ctx, 0, domain.UpdateSettingsRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestGetSettingsCreatesDefaults(t *testing.T) {
	env := setupNumbering(t, nil)

	state, err := env.svc.GetSettings(context.Background(), 5001)
	require.NoError(t, err)

	assert.Equal(t, snowflake.ID(5001), state.OrgID)
	assert.Equal(t, "INV-YYYY-", state.PrefixTemplate)
	assert.Equal(t, 4, state.NumberPadding)
	assert.Equal(t, "USD", state.DefaultCurrency)
	assert.Equal(t, int64(1), state.NextNumber)
	assert.Nil(t, state.LastPrefix)
}

func TestPreviewDoesNotMutateState(t *testing.T) {
	env := setupNumbering(t, nil)
	ctx := context.Background()
	orgID := snowflake.ID(6001)

	preview, err := env.svc.Preview(ctx, orgID, date(2025, time.March, 7))
	require.NoError(t, err)
	assert.Equal(t, "INV-2025-0001", preview.Number)

	var count int64
	require.NoError(t, env.db.Model(&domain.NumberingState{}).Where("org_id = ?", orgID).Count(&count).Error)
	assert.Zero(t, count)

	env.reserve(t, orgID, date(2025, time.March, 7))

	preview, err = env.svc.Preview(ctx, orgID, date(2025, time.March, 7))
	require.NoError(t, err)
	assert.Equal(t, "INV-2025-0002", preview.Number)

	preview, err = env.svc.Preview(ctx, orgID, date(2026, time.January, 2))
	require.NoError(t, err)
	assert.Equal(t, "INV-2026-0001", preview.Number)

	assert.Equal(t, "INV-2025-0002", env.reserve(t, orgID, date(2025, time.March, 7)).Number)
}

func TestPlanReservation(t *testing.T) {
	last := "INV-2025-"
	state := domain.NumberingState{
		PrefixTemplate:  "INV-YYYY-",
		LastPrefix:      &last,
		NextNumber:      7,
		NumberPadding:   4,
		DefaultCurrency: "JPY",
	}

	res, next, rollover, err := planReservation(state, date(2025, time.August, 8))
	require.NoError(t, err)
	assert.False(t, rollover)
	assert.Equal(t, "INV-2025-0007", res.Number)
	assert.Equal(t, "JPY", res.DefaultCurrency)
	assert.Equal(t, int64(8), next.NextNumber)
	assert.Equal(t, int64(7), state.NextNumber)

	res, next, rollover, err = planReservation(state, date(2026, time.January, 1))
	require.NoError(t, err)
	assert.True(t, rollover)
	assert.Equal(t, "INV-2026-0001", res.Number)
	assert.Equal(t, "INV-2026-", *next.LastPrefix)
	assert.Equal(t, "INV-2025-", *state.LastPrefix)
}
