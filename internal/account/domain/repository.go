package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the versioned account store. CompareAndSwap is the single
// synchronization point for all billing-state writes: it performs one atomic
// conditional UPDATE and reports ErrVersionMismatch when the expected version
// no longer matches, leaving the retry decision to the caller.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, account *Account) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*Account, error)
	CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, mutation Mutation) error
}
