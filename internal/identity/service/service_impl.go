package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/events"
	"github.com/smallbiznis/entitle/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const persistAttempts = 3

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	AccountRepo accountdomain.Repository
	AuditSvc    auditdomain.Service
	Outbox      *events.Outbox
	Provider    domain.ProviderClient
	Cfg         config.Config
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	accountRepo accountdomain.Repository
	auditSvc    auditdomain.Service
	outbox      *events.Outbox
	provider    domain.ProviderClient
	timeout     time.Duration
}

func NewService(p Params) domain.Service {
	timeout := p.Cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("identity.service"),
		genID:       p.GenID,
		accountRepo: p.AccountRepo,
		auditSvc:    p.AuditSvc,
		outbox:      p.Outbox,
		provider:    p.Provider,
		timeout:     timeout,
	}
}

// Resolve returns the external customer id for the account, validating an
// existing mapping against the provider and re-creating it when the
// provider-side record is gone. Losing the persistence race to a concurrent
// resolution is not an error: the value that actually got stored wins, and
// the stray provider customer is an accepted low-cost leftover.
func (s *Service) Resolve(ctx context.Context, accountID snowflake.ID) (string, error) {
	account, err := s.accountRepo.Find(ctx, s.db, accountID)
	if err != nil {
		return "", err
	}

	if account.ExternalCustomerID != nil {
		existing, err := s.validateExisting(ctx, *account.ExternalCustomerID)
		if err != nil {
			return "", err
		}
		if existing {
			return *account.ExternalCustomerID, nil
		}
		s.log.Warn("external customer missing or deleted at provider, re-resolving",
			zap.String("account_id", account.ID.String()),
			zap.String("external_customer_id", *account.ExternalCustomerID),
		)
	}

	customer, eventType, err := s.findOrCreateCustomer(ctx, account)
	if err != nil {
		return "", err
	}

	return s.persistCustomerID(ctx, account, customer.ID, eventType)
}

func (s *Service) validateExisting(ctx context.Context, customerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	customer, err := s.provider.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			return false, nil
		}
		return false, err
	}
	return customer != nil && !customer.Deleted, nil
}

// findOrCreateCustomer looks up the provider customer by the account's
// email plus metadata. A hit whose metadata points at a different internal
// account is a collision: the found customer keeps its ownership and a
// fresh one is created, never silently reassigned.
func (s *Service) findOrCreateCustomer(ctx context.Context, account *accountdomain.Account) (*domain.Customer, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	found, err := s.provider.FindCustomerByEmail(ctx, account.Email, account.ID.String())
	if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
		return nil, "", err
	}

	if found != nil && !found.Deleted {
		if found.AccountID == "" || found.AccountID == account.ID.String() {
			return found, auditdomain.EventCustomerLinked, nil
		}
		s.log.Warn("provider customer collision, creating fresh customer",
			zap.String("account_id", account.ID.String()),
			zap.String("colliding_customer_id", found.ID),
			zap.String("colliding_account_id", found.AccountID),
		)
	}

	created, err := s.provider.CreateCustomer(ctx, domain.CreateCustomerInput{
		Email:     account.Email,
		AccountID: account.ID.String(),
	})
	if err != nil {
		return nil, "", err
	}
	return created, auditdomain.EventCustomerCreated, nil
}

func (s *Service) persistCustomerID(ctx context.Context, account *accountdomain.Account, customerID, eventType string) (string, error) {
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		mutation := accountdomain.Mutation{ExternalCustomerID: &customerID}
		next := mutation.ApplyTo(*account)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.accountRepo.CompareAndSwap(ctx, tx, account.ID, account.Version, mutation); err != nil {
				return err
			}
			if err := s.auditSvc.Record(ctx, tx, auditdomain.RecordInput{
				AccountID:     account.ID,
				EventType:     eventType,
				Origin:        auditdomain.OriginReconciliation,
				PreviousState: account.EntitlementSnapshot(),
				NewState:      next.EntitlementSnapshot(),
			}); err != nil {
				return err
			}
			if s.outbox == nil {
				return nil
			}
			return s.outbox.PublishTx(ctx, tx, events.Event{
				AccountID: account.ID,
				Type:      events.EventCustomerLinked,
				Payload: map[string]any{
					"account_id":           account.ID.String(),
					"external_customer_id": customerID,
				},
			})
		})
		if err == nil {
			return customerID, nil
		}
		if !errors.Is(err, accountdomain.ErrVersionMismatch) {
			return "", err
		}

		fresh, err := s.accountRepo.Find(ctx, s.db, account.ID)
		if err != nil {
			return "", err
		}
		if fresh.ExternalCustomerID != nil {
			// Concurrent resolution already wrote a mapping; return what is
			// actually stored rather than fighting over it.
			return *fresh.ExternalCustomerID, nil
		}
		account = fresh
	}
	// Every attempt lost to writers that still left no mapping behind. The
	// resolved id is returned unpersisted; the next resolution will retry.
	s.log.Warn("customer mapping not persisted after retries",
		zap.String("account_id", account.ID.String()),
		zap.String("external_customer_id", customerID),
		zap.Int("attempts", persistAttempts),
	)
	return customerID, nil
}
