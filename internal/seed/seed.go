package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	"gorm.io/gorm"
)

const devAccountEmail = "dev@entitle.local"

// EnsureDevAccount seeds a development account so a fresh local database
// has something to reconcile against. Production deployments disable this
// through configuration.
func EnsureDevAccount(db *gorm.DB, node *snowflake.Node) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account accountdomain.Account
		err := tx.WithContext(ctx).Where("email = ?", devAccountEmail).First(&account).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		account = accountdomain.Account{
			ID:      node.Generate(),
			Email:   devAccountEmail,
			Version: 1,
		}
		return tx.WithContext(ctx).Create(&account).Error
	})
}
