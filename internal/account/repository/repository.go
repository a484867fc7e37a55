package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/account/domain"
	"gorm.io/gorm"
)

type repository struct{}

// Provide constructs the gorm-backed account repository.
func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) Create(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	if account == nil {
		return domain.ErrInvalidMutation
	}
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Email == "" {
		return domain.ErrInvalidEmail
	}
	if account.Version == 0 {
		account.Version = 1
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	return db.WithContext(ctx).Create(account).Error
}

func (r *repository) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*domain.Account, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return nil, domain.ErrAccountNotFound
	}
	var account domain.Account
	err := db.WithContext(ctx).Where("external_customer_id = ?", externalCustomerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CompareAndSwap issues a single conditional UPDATE guarded by the version
// column. The version check and the field assignments commit atomically;
// zero affected rows means either the row is gone or a concurrent writer
// advanced the version first.
func (r *repository) CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, mutation domain.Mutation) error {
	if mutation.IsZero() {
		return domain.ErrInvalidMutation
	}
	if expectedVersion <= 0 {
		return domain.ErrVersionMismatch
	}

	updates := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if mutation.Entitled != nil {
		updates["entitled"] = *mutation.Entitled
	}
	if mutation.ExternalCustomerID != nil {
		updates["external_customer_id"] = *mutation.ExternalCustomerID
	}
	if mutation.ClearSubscription {
		updates["external_subscription_id"] = nil
	} else if mutation.ExternalSubscriptionID != nil {
		updates["external_subscription_id"] = *mutation.ExternalSubscriptionID
	}
	if mutation.LastEventAppliedAt != nil {
		updates["last_event_applied_at"] = mutation.LastEventAppliedAt.UTC()
	}

	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrAccountNotFound
		}
		return domain.ErrVersionMismatch
	}
	return nil
}
