package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/events"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	AccountRepo accountdomain.Repository
	AuditSvc    auditdomain.Service
	Outbox      *events.Outbox
	Config      Config                    `optional:"true"`
	Metrics     *metrics.ReconcileMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	accountRepo accountdomain.Repository
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
	cfg         Config
	metrics     *metrics.ReconcileMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconcile.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		accountRepo: p.AccountRepo,
		auditSvc:    p.AuditSvc,
		outbox:      p.Outbox,
		cfg:         p.Config.withDefaults(),
		metrics:     p.Metrics,
	}
}

// ApplyBillingEvent applies one billing event under optimistic concurrency.
// Each attempt re-reads the account and re-evaluates the ordering guard
// against the fresh last_event_applied_at, so an event made stale by a
// concurrent writer between attempts is skipped instead of re-applied.
func (s *Service) ApplyBillingEvent(ctx context.Context, event domain.Event) (*domain.Result, error) {
	if err := validateEvent(&event); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		account, err := s.accountRepo.Find(ctx, s.db, event.AccountID)
		if err != nil {
			return nil, err
		}

		if !domain.ShouldApply(event.OccurredAt, account.LastEventAppliedAt) {
			s.log.Debug("billing event skipped as stale",
				zap.String("account_id", account.ID.String()),
				zap.String("event_type", event.Type),
			)
			s.observeOutcome(domain.OutcomeSkippedStale, event.Origin, attempt)
			return &domain.Result{
				Outcome:  domain.OutcomeSkippedStale,
				Attempts: attempt,
				Account:  account,
			}, nil
		}

		mutation := s.buildMutation(event)
		next := mutation.ApplyTo(*account)

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.accountRepo.CompareAndSwap(ctx, tx, account.ID, account.Version, mutation); err != nil {
				return err
			}
			if err := s.auditSvc.Record(ctx, tx, auditdomain.RecordInput{
				AccountID:     account.ID,
				EventType:     event.Type,
				Origin:        event.Origin,
				SourceEventID: event.SourceEventID,
				PreviousState: account.EntitlementSnapshot(),
				NewState:      next.EntitlementSnapshot(),
			}); err != nil {
				return err
			}
			return s.publishOutbox(ctx, tx, event, &next)
		})
		if err == nil {
			s.observeOutcome(domain.OutcomeApplied, event.Origin, attempt)
			return &domain.Result{
				Outcome:  domain.OutcomeApplied,
				Attempts: attempt,
				Account:  &next,
			}, nil
		}
		if !errors.Is(err, accountdomain.ErrVersionMismatch) {
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.IncVersionConflict()
		}
		if attempt < s.cfg.MaxAttempts {
			if err := s.clock.Sleep(ctx, s.cfg.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	// High contention on a single account is abnormal; the provider's own
	// delivery retry is the backstop once the caller surfaces a retriable
	// failure status.
	s.log.Warn("billing event application exhausted retries",
		zap.String("account_id", event.AccountID.String()),
		zap.String("event_type", event.Type),
		zap.Int("attempts", s.cfg.MaxAttempts),
	)
	s.observeOutcome(domain.OutcomeExhausted, event.Origin, s.cfg.MaxAttempts)
	return &domain.Result{
		Outcome:  domain.OutcomeExhausted,
		Attempts: s.cfg.MaxAttempts,
	}, nil
}

func validateEvent(event *domain.Event) error {
	if event.AccountID == 0 {
		return domain.ErrInvalidAccountID
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return domain.ErrInvalidEventType
	}
	switch strings.TrimSpace(event.Origin) {
	case auditdomain.OriginWebhook, auditdomain.OriginReconciliation, auditdomain.OriginManual:
		event.Origin = strings.TrimSpace(event.Origin)
	default:
		return domain.ErrInvalidOrigin
	}
	return nil
}

func (s *Service) buildMutation(event domain.Event) accountdomain.Mutation {
	mutation := accountdomain.Mutation{
		Entitled:               event.Entitled,
		ExternalCustomerID:     event.ExternalCustomerID,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		ClearSubscription:      event.ClearSubscription,
	}
	// Manual triggers carry no provider timestamp; stamping the write time
	// makes the fix authoritative over any stale replay that arrives later.
	if event.OccurredAt != nil {
		at := event.OccurredAt.UTC()
		mutation.LastEventAppliedAt = &at
	} else {
		now := s.clock.Now()
		mutation.LastEventAppliedAt = &now
	}
	return mutation
}

func (s *Service) publishOutbox(ctx context.Context, tx *gorm.DB, event domain.Event, next *accountdomain.Account) error {
	if s.outbox == nil {
		return nil
	}

	eventType := events.EventEntitlementUpdated
	switch event.Type {
	case auditdomain.EventSubscriptionCreated:
		eventType = events.EventEntitlementGranted
	case auditdomain.EventSubscriptionCanceled:
		eventType = events.EventEntitlementRevoked
	case auditdomain.EventPaymentFailed:
		eventType = events.EventPaymentFailed
	}

	payload := events.EntitlementChangedPayload{
		AccountID:      next.ID.String(),
		Entitled:       next.Entitled,
		SubscriptionID: next.ExternalSubscriptionID,
		EventType:      event.Type,
		Origin:         event.Origin,
		SourceEventID:  event.SourceEventID,
	}

	dedupe := ""
	if event.SourceEventID != nil {
		dedupe = *event.SourceEventID
	}

	return s.outbox.PublishTx(ctx, tx, events.Event{
		AccountID: next.ID,
		Type:      eventType,
		Payload:   payload.ToMap(),
		DedupeKey: dedupe,
	})
}

func (s *Service) observeOutcome(outcome domain.Outcome, origin string, attempts int) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncOutcome(string(outcome), origin)
	if outcome == domain.OutcomeApplied {
		s.metrics.ObserveAttempts(attempts)
	}
}
