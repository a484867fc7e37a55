package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/identity/domain"
	"github.com/smallbiznis/entitle/internal/observability/tracing"
	stripelib "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

const accountMetadataKey = "account_id"

// Client implements the provider customer API on top of Stripe.
type Client struct {
	api *stripeclient.API
	log *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) domain.ProviderClient {
	httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout})
	api := &stripeclient.API{}
	api.Init(cfg.StripeAPIKey, stripelib.NewBackends(httpClient))
	return &Client{
		api: api,
		log: log.Named("identity.stripe"),
	}
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrCustomerNotFound
	}

	params := &stripelib.CustomerParams{}
	params.Context = ctx
	customer, err := c.api.Customers.Get(id, params)
	if err != nil {
		if isMissing(err) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, providerError(err)
	}
	return fromStripeCustomer(customer), nil
}

// FindCustomerByEmail returns the account's best candidate among the
// customers sharing the email: its own metadata-tagged customer first,
// then an untagged one, then whatever listed first so the caller can
// detect the foreign ownership.
func (c *Client) FindCustomerByEmail(ctx context.Context, email, accountID string) (*domain.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}

	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(10)

	var candidates []*domain.Customer
	iter := c.api.Customers.List(params)
	for iter.Next() {
		customer := iter.Customer()
		if customer == nil || customer.Deleted {
			continue
		}
		candidates = append(candidates, fromStripeCustomer(customer))
	}
	if err := iter.Err(); err != nil {
		return nil, providerError(err)
	}
	return pickCustomer(candidates, accountID), nil
}

// pickCustomer prefers the customer already tagged with the account id,
// then an untagged customer; only when every candidate belongs to someone
// else does the foreign one surface.
func pickCustomer(candidates []*domain.Customer, accountID string) *domain.Customer {
	var untagged, foreign *domain.Customer
	for _, candidate := range candidates {
		switch {
		case candidate.AccountID == accountID && accountID != "":
			return candidate
		case candidate.AccountID == "":
			if untagged == nil {
				untagged = candidate
			}
		default:
			if foreign == nil {
				foreign = candidate
			}
		}
	}
	if untagged != nil {
		return untagged
	}
	return foreign
}

func (c *Client) CreateCustomer(ctx context.Context, input domain.CreateCustomerInput) (*domain.Customer, error) {
	params := &stripelib.CustomerParams{Email: stripelib.String(input.Email)}
	params.Context = ctx
	params.AddMetadata(accountMetadataKey, input.AccountID)
	// Keyed on the internal account id so a crash-retry of resolution does
	// not mint a second customer.
	params.IdempotencyKey = stripelib.String("customer-create-" + input.AccountID)

	customer, err := c.api.Customers.New(params)
	if err != nil {
		return nil, providerError(err)
	}
	c.log.Info("provider customer created",
		zap.String("customer_id", customer.ID),
		zap.String("account_id", input.AccountID),
	)
	return fromStripeCustomer(customer), nil
}

func fromStripeCustomer(customer *stripelib.Customer) *domain.Customer {
	if customer == nil {
		return nil
	}
	out := &domain.Customer{
		ID:      customer.ID,
		Email:   customer.Email,
		Deleted: customer.Deleted,
	}
	if customer.Metadata != nil {
		out.AccountID = customer.Metadata[accountMetadataKey]
	}
	return out
}

func isMissing(err error) bool {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusNotFound ||
			stripeErr.Code == stripelib.ErrorCodeResourceMissing
	}
	return false
}

// providerError classifies transport faults. Server-side and network
// failures become ErrProviderUnavailable so callers can signal a
// retriable condition; the provider's 4xx rejections pass through.
func providerError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}
