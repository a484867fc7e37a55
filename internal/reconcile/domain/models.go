package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
)

// Outcome classifies the result of one billing-event application. These are
// expected business results, not errors, so callers can branch on them.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeSkippedStale Outcome = "skipped_stale"
	OutcomeExhausted    Outcome = "exhausted"
)

// Event is the neutral representation of one billing state change, produced
// by the webhook mapper or by an interactive flow.
//
// Entitled is tri-state: nil journals the event without touching the
// entitlement flag (payment events), non-nil sets it. A nil OccurredAt marks
// a manual trigger and bypasses the ordering guard.
type Event struct {
	AccountID              snowflake.ID
	Type                   string
	Origin                 string
	Entitled               *bool
	ExternalCustomerID     *string
	ExternalSubscriptionID *string
	ClearSubscription      bool
	OccurredAt             *time.Time
	SourceEventID          *string
}

// Result reports the outcome of an application together with the account
// state observed when the outcome was decided. Account is nil on Exhausted.
type Result struct {
	Outcome  Outcome
	Attempts int
	Account  *accountdomain.Account
}

// Service is the single write entry point for billing state. Webhook
// ingestion and interactive flows both go through ApplyBillingEvent.
type Service interface {
	ApplyBillingEvent(ctx context.Context, event Event) (*Result, error)
}

var (
	ErrInvalidAccountID = errors.New("invalid_account_id")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidOrigin    = errors.New("invalid_origin")
)
