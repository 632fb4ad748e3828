package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/invoicing/internal/clock"
	"github.com/smallbiznis/invoicing/internal/config"
	"github.com/smallbiznis/invoicing/internal/currency"
	"github.com/smallbiznis/invoicing/internal/invoice/format"
	"github.com/smallbiznis/invoicing/internal/numbering/domain"
	obsmetrics "github.com/smallbiznis/invoicing/internal/observability/metrics"
	"github.com/smallbiznis/invoicing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxPrefixTemplateLength = 50

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	defaults *config.NumberingDefaultsHolder
	clock    clock.Clock
	retry    db.RetryPolicy

	metrics          *obsmetrics.Metrics
	numberingMetrics *obsmetrics.NumberingMetrics
}

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Repo             domain.Repository
	Defaults         *config.NumberingDefaultsHolder
	Clock            clock.Clock                  `optional:"true"`
	RetryPolicy      db.RetryPolicy               `optional:"true"`
	Metrics          *obsmetrics.Metrics          `optional:"true"`
	NumberingMetrics *obsmetrics.NumberingMetrics `optional:"true"`
}

func NewService(p ServiceParam) domain.Service {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("numbering.service"),
		repo:     p.Repo,
		defaults: p.Defaults,
		clock:    svcClock,
		retry:    p.RetryPolicy,

		metrics:          p.Metrics,
		numberingMetrics: p.NumberingMetrics,
	}
}

func (s *Service) Reserve(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, issueDate time.Time) (domain.Reservation, error) {
	if tx == nil {
		return domain.Reservation{}, domain.ErrMissingTransaction
	}
	if orgID == 0 {
		return domain.Reservation{}, domain.ErrInvalidOrganization
	}
	if issueDate.IsZero() {
		return domain.Reservation{}, domain.ErrInvalidIssueDate
	}

	started := time.Now()
	reservation, rollover, err := s.reserve(ctx, tx, orgID, issueDate)
	s.numberingMetrics.ObserveReservation(time.Since(started), err)
	if err != nil {
		if db.IsRetryable(err) {
			s.numberingMetrics.IncConflict(err)
		}
		return domain.Reservation{}, err
	}

	if rollover {
		s.numberingMetrics.IncPrefixRollover()
	}
	s.metrics.RecordNumberReserved(ctx, rollover)

	s.log.Debug("invoice number reserved",
		zap.String("org_id", orgID.String()),
		zap.String("number", reservation.Number),
		zap.Bool("prefix_rollover", rollover),
	)
	return reservation, nil
}

func (s *Service) reserve(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, issueDate time.Time) (domain.Reservation, bool, error) {
	state, err := s.lockState(ctx, tx, orgID)
	if err != nil {
		return domain.Reservation{}, false, err
	}

	expectedVersion := state.Version
	reservation, next, rollover, err := planReservation(*state, issueDate)
	if err != nil {
		return domain.Reservation{}, false, err
	}
	next.UpdatedAt = s.clock.Now()

	saved, err := s.repo.Save(ctx, tx, &next, expectedVersion)
	if err != nil {
		return domain.Reservation{}, false, errors.Wrap(err, "save numbering state")
	}
	if !saved {
		return domain.Reservation{}, false, db.MarkRetryable(
			errors.Wrapf(domain.ErrNumberingConflict, "org %s", orgID.String()),
		)
	}
	return reservation, rollover, nil
}

// lockState makes sure the organization has a numbering row and locks it for
// the rest of tx.
func (s *Service) lockState(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*domain.NumberingState, error) {
	if err := s.repo.EnsureDefault(ctx, tx, s.defaultState(orgID)); err != nil {
		return nil, errors.Wrap(err, "ensure numbering state")
	}

	lockStarted := time.Now()
	state, err := s.repo.FindForUpdate(ctx, tx, orgID)
	s.numberingMetrics.ObserveLockWait(time.Since(lockStarted))
	if err != nil {
		return nil, errors.Wrap(err, "lock numbering state")
	}
	if state == nil {
		// the row was inserted in this transaction, so it can only vanish
		// through a concurrent delete
		return nil, db.MarkRetryable(errors.Wrapf(domain.ErrNumberingConflict, "org %s state missing", orgID.String()))
	}
	return state, nil
}

func (s *Service) defaultState(orgID snowflake.ID) *domain.NumberingState {
	defaults := s.defaults.Get()
	now := s.clock.Now()
	return &domain.NumberingState{
		OrgID:           orgID,
		PrefixTemplate:  defaults.PrefixTemplate,
		NextNumber:      1,
		NumberPadding:   defaults.NumberPadding,
		DefaultCurrency: defaults.DefaultCurrency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// planReservation computes the number for issueDate and the state to store
// afterwards. It never touches storage. The returned flag reports a reset
// caused by a prefix different from the previously used one.
func planReservation(state domain.NumberingState, issueDate time.Time) (domain.Reservation, domain.NumberingState, bool, error) {
	prefix := format.RealizePrefix(state.PrefixTemplate, issueDate)

	seq := state.NextNumber
	rollover := state.LastPrefix != nil && *state.LastPrefix != prefix
	if state.LastPrefix == nil || rollover || seq < 1 {
		seq = 1
	}

	number, err := format.FormatInvoiceNumber(prefix, seq, state.NumberPadding)
	if err != nil {
		return domain.Reservation{}, domain.NumberingState{}, false, err
	}

	next := state
	next.LastPrefix = &prefix
	next.NextNumber = seq + 1

	return domain.Reservation{
		Number:          number,
		Prefix:          prefix,
		Sequence:        seq,
		DefaultCurrency: state.DefaultCurrency,
	}, next, rollover, nil
}

func (s *Service) GetSettings(ctx context.Context, orgID snowflake.ID) (domain.NumberingState, error) {
	if orgID == 0 {
		return domain.NumberingState{}, domain.ErrInvalidOrganization
	}

	var state *domain.NumberingState
	err := db.RunInTx(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		if err := s.repo.EnsureDefault(ctx, tx, s.defaultState(orgID)); err != nil {
			return err
		}
		found, err := s.repo.FindByOrgID(ctx, tx, orgID)
		if err != nil {
			return err
		}
		state = found
		return nil
	})
	if err != nil {
		return domain.NumberingState{}, errors.Wrap(err, "get numbering settings")
	}
	if state == nil {
		return domain.NumberingState{}, errors.Wrapf(domain.ErrNumberingConflict, "org %s state missing", orgID.String())
	}
	return *state, nil
}

func (s *Service) UpdateSettings(ctx context.Context, orgID snowflake.ID, req domain.UpdateSettingsRequest) (domain.NumberingState, error) {
	if orgID == 0 {
		return domain.NumberingState{}, domain.ErrInvalidOrganization
	}
	if err := normalizeSettingsRequest(&req); err != nil {
		return domain.NumberingState{}, err
	}

	var updated domain.NumberingState
	err := db.RunInTx(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		state, err := s.lockState(ctx, tx, orgID)
		if err != nil {
			return err
		}

		expectedVersion := state.Version
		next := applySettings(*state, req)
		next.UpdatedAt = s.clock.Now()

		saved, err := s.repo.Save(ctx, tx, &next, expectedVersion)
		if err != nil {
			return err
		}
		if !saved {
			return db.MarkRetryable(errors.Wrapf(domain.ErrNumberingConflict, "org %s", orgID.String()))
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.NumberingState{}, errors.Wrap(err, "update numbering settings")
	}

	s.log.Info("numbering settings updated",
		zap.String("org_id", orgID.String()),
		zap.String("prefix_template", updated.PrefixTemplate),
		zap.Int("number_padding", updated.NumberPadding),
		zap.String("default_currency", updated.DefaultCurrency),
	)
	return updated, nil
}

// Preview reads the state without locking it; a concurrent reservation can
// make the previewed number stale.
func (s *Service) Preview(ctx context.Context, orgID snowflake.ID, issueDate time.Time) (domain.Reservation, error) {
	if orgID == 0 {
		return domain.Reservation{}, domain.ErrInvalidOrganization
	}
	if issueDate.IsZero() {
		return domain.Reservation{}, domain.ErrInvalidIssueDate
	}

	state, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "load numbering state")
	}
	if state == nil {
		state = s.defaultState(orgID)
	}

	reservation, _, _, err := planReservation(*state, issueDate)
	if err != nil {
		return domain.Reservation{}, err
	}
	return reservation, nil
}

func normalizeSettingsRequest(req *domain.UpdateSettingsRequest) error {
	if req.PrefixTemplate != nil {
		template := strings.TrimSpace(*req.PrefixTemplate)
		if template == "" || len(template) > maxPrefixTemplateLength {
			return domain.ErrInvalidPrefixTemplate
		}
		req.PrefixTemplate = &template
	}
	if req.NumberPadding != nil {
		if *req.NumberPadding < 1 || *req.NumberPadding > config.MaxNumberPadding {
			return domain.ErrInvalidNumberPadding
		}
	}
	if req.DefaultCurrency != nil {
		code := currency.Normalize(*req.DefaultCurrency)
		if !currency.IsValidCode(code) {
			return domain.ErrInvalidCurrency
		}
		req.DefaultCurrency = &code
	}
	return nil
}

// applySettings leaves the counter alone. A new template takes effect on the
// next reservation whose realized prefix differs from the last one.
func applySettings(state domain.NumberingState, req domain.UpdateSettingsRequest) domain.NumberingState {
	if req.PrefixTemplate != nil {
		state.PrefixTemplate = *req.PrefixTemplate
	}
	if req.NumberPadding != nil {
		state.NumberPadding = *req.NumberPadding
	}
	if req.DefaultCurrency != nil {
		state.DefaultCurrency = *req.DefaultCurrency
	}
	return state
}
