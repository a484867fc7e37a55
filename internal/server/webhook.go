package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/entitle/internal/reconcile/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// stripeSubscription is the narrow slice of the provider subscription
// payload the mapper needs. Customer stays a plain id because the engine
// never requests expanded objects.
type stripeSubscription struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Customer string `json:"customer"`
}

type stripeInvoice struct {
	Customer string `json:"customer"`
}

// StripeWebhook ingests provider events. Delivery is at-least-once and
// unordered, so the response codes are chosen for the provider's retry
// loop: anything the engine resolved (applied, stale-skipped, unknown
// account, unhandled type) is acked with 200, while contention exhaustion
// and infrastructure failures return 503 so the event is redelivered.
func (s *Server) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx).Named("webhook")

	if !s.webhookLimiter.Allow(c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"code": "rate_limited"}})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable payload"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		s.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		log.Warn("webhook signature rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_signature"}})
		return
	}

	billingEvent, handled, err := s.mapStripeEvent(c, &event)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			// Redelivery cannot conjure up the account, so ack and leave a
			// trace for the operator instead of making the provider retry.
			log.Error("webhook for unknown account",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
			)
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "unknown_account"})
			return
		}
		log.Error("webhook mapping failed", zap.String("event_id", event.ID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "mapping_failed"}})
		return
	}
	if !handled {
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "ignored"})
		return
	}

	result, err := s.reconcileSvc.ApplyBillingEvent(ctx, billingEvent)
	if err != nil {
		log.Error("webhook application failed", zap.String("event_id", event.ID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "apply_failed"}})
		return
	}

	switch result.Outcome {
	case reconciledomain.OutcomeExhausted:
		log.Warn("webhook application exhausted retries",
			zap.String("event_id", event.ID),
			zap.Int("attempts", result.Attempts),
		)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "contention"}})
	case reconciledomain.OutcomeApplied:
		s.entitlements.Delete(billingEvent.AccountID)
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(result.Outcome)})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(result.Outcome)})
	}
}

// mapStripeEvent translates a provider event into the engine's neutral
// event, resolving the target account by its external customer id. The
// second return is false for event types the engine does not track.
func (s *Server) mapStripeEvent(c *gin.Context, event *stripelib.Event) (reconciledomain.Event, bool, error) {
	var (
		customerID   string
		eventType    string
		entitled     *bool
		subscription *string
		clearSub     bool
	)

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return reconciledomain.Event{}, false, err
		}
		customerID = sub.Customer
		if event.Type == "customer.subscription.created" {
			eventType = auditdomain.EventSubscriptionCreated
		} else {
			eventType = auditdomain.EventSubscriptionUpdated
		}
		active := subscriptionEntitles(sub.Status)
		entitled = &active
		if sub.ID != "" {
			subscription = &sub.ID
		}
	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return reconciledomain.Event{}, false, err
		}
		customerID = sub.Customer
		eventType = auditdomain.EventSubscriptionCanceled
		inactive := false
		entitled = &inactive
		clearSub = true
	case "invoice.payment_succeeded":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return reconciledomain.Event{}, false, err
		}
		customerID = inv.Customer
		eventType = auditdomain.EventPaymentSucceeded
	case "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return reconciledomain.Event{}, false, err
		}
		customerID = inv.Customer
		// Journal-only: entitlement survives a failed payment until the
		// provider cancels the subscription at the end of the grace period.
		eventType = auditdomain.EventPaymentFailed
	default:
		return reconciledomain.Event{}, false, nil
	}

	if customerID == "" {
		return reconciledomain.Event{}, false, accountdomain.ErrAccountNotFound
	}

	account, err := s.accountRepo.FindByExternalCustomerID(c.Request.Context(), s.db, customerID)
	if err != nil {
		return reconciledomain.Event{}, false, err
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	sourceEventID := event.ID

	return reconciledomain.Event{
		AccountID:              account.ID,
		Type:                   eventType,
		Origin:                 auditdomain.OriginWebhook,
		Entitled:               entitled,
		ExternalSubscriptionID: subscription,
		ClearSubscription:      clearSub,
		OccurredAt:             &occurredAt,
		SourceEventID:          &sourceEventID,
	}, true, nil
}

func subscriptionEntitles(status string) bool {
	switch stripelib.SubscriptionStatus(status) {
	case stripelib.SubscriptionStatusActive, stripelib.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}
