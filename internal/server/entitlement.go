package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	obscontext "github.com/smallbiznis/entitle/internal/observability/context"
	reconciledomain "github.com/smallbiznis/entitle/internal/reconcile/domain"
)

type entitlementView struct {
	AccountID              string     `json:"account_id"`
	Entitled               bool       `json:"entitled"`
	ExternalCustomerID     *string    `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	Version                int64      `json:"version"`
	LastEventAppliedAt     *time.Time `json:"last_event_applied_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toEntitlementView(account *accountdomain.Account) entitlementView {
	return entitlementView{
		AccountID:              account.ID.String(),
		Entitled:               account.Entitled,
		ExternalCustomerID:     account.ExternalCustomerID,
		ExternalSubscriptionID: account.ExternalSubscriptionID,
		Version:                account.Version,
		LastEventAppliedAt:     account.LastEventAppliedAt,
		UpdatedAt:              account.UpdatedAt,
	}
}

// GetEntitlement serves the entitlement view of one account. Responses
// come from a short TTL cache; staleness is bounded by the configured TTL
// and every accepted write invalidates the entry.
func (s *Server) GetEntitlement(c *gin.Context) {
	id, ok := s.accountID(c)
	if !ok {
		return
	}

	if view, ok := s.entitlements.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"data": view})
		return
	}

	account, err := s.accountRepo.Find(c.Request.Context(), s.db, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := toEntitlementView(account)
	s.entitlements.Set(id, view, s.cfg.EntitlementCacheTTL)
	c.JSON(http.StatusOK, gin.H{"data": view})
}

type putEntitlementRequest struct {
	Entitled          *bool   `json:"entitled"`
	SubscriptionID    *string `json:"subscription_id"`
	ClearSubscription bool    `json:"clear_subscription"`
	EventType         string  `json:"event_type"`
}

// Event types an operator may journal through the fix endpoint. Plan
// changes arrive here because the provider payload alone cannot tell an
// upgrade from a downgrade.
var manualEventTypes = map[string]struct{}{
	auditdomain.EventReconciliationFix:      {},
	auditdomain.EventSubscriptionUpgraded:   {},
	auditdomain.EventSubscriptionDowngraded: {},
	auditdomain.EventSubscriptionUpdated:    {},
	auditdomain.EventSubscriptionCanceled:   {},
}

// PutEntitlement applies an operator fix. Manual events carry no provider
// timestamp, so they bypass the ordering guard and stamp the applied-at
// watermark themselves; a stale provider replay cannot undo the fix.
func (s *Server) PutEntitlement(c *gin.Context) {
	id, ok := s.accountID(c)
	if !ok {
		return
	}

	var req putEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "malformed json body"))
		return
	}
	if req.Entitled == nil && req.SubscriptionID == nil && !req.ClearSubscription {
		AbortWithError(c, newValidationError("body", "at least one field must be set"))
		return
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = auditdomain.EventReconciliationFix
	}
	if _, ok := manualEventTypes[eventType]; !ok {
		AbortWithError(c, newValidationError("event_type", "unsupported manual event type"))
		return
	}

	ctx := c.Request.Context()
	if actorID := c.GetHeader("X-Actor-Id"); actorID != "" {
		ctx = obscontext.WithActor(ctx, "operator", actorID)
	}

	result, err := s.reconcileSvc.ApplyBillingEvent(ctx, reconciledomain.Event{
		AccountID:              id,
		Type:                   eventType,
		Origin:                 auditdomain.OriginManual,
		Entitled:               req.Entitled,
		ExternalSubscriptionID: req.SubscriptionID,
		ClearSubscription:      req.ClearSubscription,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Outcome == reconciledomain.OutcomeExhausted {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": gin.H{
			"code":    "contention",
			"message": "concurrent writes exhausted retries, try again",
		}})
		return
	}

	s.entitlements.Delete(id)
	c.JSON(http.StatusOK, gin.H{
		"data":    toEntitlementView(result.Account),
		"outcome": string(result.Outcome),
	})
}
