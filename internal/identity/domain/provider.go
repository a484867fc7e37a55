package domain

import (
	"context"
	"errors"
)

// Customer is the narrow view of a provider-side customer record this
// engine needs. Provider state is never cached as ground truth beyond the
// resolved id.
type Customer struct {
	ID        string
	Email     string
	Deleted   bool
	AccountID string // internal account id tagged in provider metadata
}

// CreateCustomerInput tags the new provider customer with the internal
// account id so lookups stay idempotent across crash retries.
type CreateCustomerInput struct {
	Email     string
	AccountID string
}

// ProviderClient is the billing provider's customer API. Email lookup
// takes the caller's account id so implementations can prefer the
// customer already tagged with it over same-email customers owned
// elsewhere.
type ProviderClient interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	FindCustomerByEmail(ctx context.Context, email, accountID string) (*Customer, error)
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (*Customer, error)
}

var (
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrProviderUnavailable = errors.New("provider_unavailable")
)
