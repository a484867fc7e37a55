package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service resolves the external-customer mapping for an account, creating
// the provider-side customer idempotently on first contact.
type Service interface {
	Resolve(ctx context.Context, accountID snowflake.ID) (string, error)
}
