package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Origin identifies which flow produced a state transition.
const (
	OriginWebhook        = "webhook"
	OriginReconciliation = "reconciliation"
	OriginManual         = "manual"
)

// Event types recorded against accepted transitions.
const (
	EventSubscriptionCreated    = "subscription.created"
	EventSubscriptionUpdated    = "subscription.updated"
	EventSubscriptionCanceled   = "subscription.canceled"
	EventSubscriptionUpgraded   = "subscription.upgraded"
	EventSubscriptionDowngraded = "subscription.downgraded"
	EventPaymentSucceeded       = "payment.succeeded"
	EventPaymentFailed          = "payment.failed"
	EventReconciliationFix      = "reconciliation.fix"
	EventCustomerCreated        = "customer.created"
	EventCustomerLinked         = "customer.linked"
)

// Entry captures an immutable record of one accepted billing-state
// transition. Rows are never mutated or deleted.
type Entry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	AccountID     snowflake.ID      `gorm:"index;not null"`
	EventType     string            `gorm:"type:text;not null;index"`
	Origin        string            `gorm:"type:text;not null"`
	SourceEventID *string           `gorm:"type:text"`
	ActorType     *string           `gorm:"type:text"`
	ActorID       *string           `gorm:"type:text"`
	PreviousState datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	NewState      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "audit_entries" }
