package events

// Billing event types published to the outbox for downstream consumers
// (notification delivery, analytics).
const (
	EventEntitlementGranted = "entitlement.granted"
	EventEntitlementRevoked = "entitlement.revoked"
	EventEntitlementUpdated = "entitlement.updated"
	EventCustomerLinked     = "customer.linked"
	EventPaymentFailed      = "payment.failed"
)

// EntitlementChangedPayload captures the minimal data a consumer needs to
// react to an entitlement transition.
type EntitlementChangedPayload struct {
	AccountID      string  `json:"account_id"`
	Entitled       bool    `json:"entitled"`
	SubscriptionID *string `json:"subscription_id,omitempty"`
	EventType      string  `json:"event_type"`
	Origin         string  `json:"origin"`
	SourceEventID  *string `json:"source_event_id,omitempty"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p EntitlementChangedPayload) ToMap() map[string]any {
	payload := map[string]any{
		"account_id": p.AccountID,
		"entitled":   p.Entitled,
		"event_type": p.EventType,
		"origin":     p.Origin,
	}
	if p.SubscriptionID != nil && *p.SubscriptionID != "" {
		payload["subscription_id"] = *p.SubscriptionID
	}
	if p.SourceEventID != nil && *p.SourceEventID != "" {
		payload["source_event_id"] = *p.SourceEventID
	}
	return payload
}
