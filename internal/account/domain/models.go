package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is the locally persisted billing state for one customer. The
// version column is the optimistic-concurrency token: every accepted write
// increments it, and a write is only accepted when the writer's observed
// version still matches the stored value.
type Account struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	Email                  string       `gorm:"type:text;not null;index"`
	ExternalCustomerID     *string      `gorm:"type:text;uniqueIndex"`
	ExternalSubscriptionID *string      `gorm:"type:text"`
	Entitled               bool         `gorm:"not null;default:false"`
	Version                int64        `gorm:"not null;default:1"`
	LastEventAppliedAt     *time.Time
	CreatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// EntitlementSnapshot captures the entitlement-relevant fields for audit
// before/after records.
func (a *Account) EntitlementSnapshot() map[string]any {
	if a == nil {
		return map[string]any{}
	}
	snapshot := map[string]any{
		"entitled": a.Entitled,
		"version":  a.Version,
	}
	if a.ExternalCustomerID != nil {
		snapshot["external_customer_id"] = *a.ExternalCustomerID
	}
	if a.ExternalSubscriptionID != nil {
		snapshot["external_subscription_id"] = *a.ExternalSubscriptionID
	}
	if a.LastEventAppliedAt != nil {
		snapshot["last_event_applied_at"] = a.LastEventAppliedAt.UTC().Format(time.RFC3339Nano)
	}
	return snapshot
}

// Mutation describes the field assignments of a conditional write. Nil
// fields are left untouched; ClearSubscription removes the subscription id.
type Mutation struct {
	Entitled               *bool
	ExternalCustomerID     *string
	ExternalSubscriptionID *string
	ClearSubscription      bool
	LastEventAppliedAt     *time.Time
}

// IsZero reports whether the mutation changes nothing.
func (m Mutation) IsZero() bool {
	return m.Entitled == nil &&
		m.ExternalCustomerID == nil &&
		m.ExternalSubscriptionID == nil &&
		!m.ClearSubscription &&
		m.LastEventAppliedAt == nil
}

// ApplyTo returns a copy of the account with the mutation's effects and the
// version advanced, mirroring what the conditional UPDATE produces.
func (m Mutation) ApplyTo(account Account) Account {
	if m.Entitled != nil {
		account.Entitled = *m.Entitled
	}
	if m.ExternalCustomerID != nil {
		id := *m.ExternalCustomerID
		account.ExternalCustomerID = &id
	}
	if m.ClearSubscription {
		account.ExternalSubscriptionID = nil
	} else if m.ExternalSubscriptionID != nil {
		id := *m.ExternalSubscriptionID
		account.ExternalSubscriptionID = &id
	}
	if m.LastEventAppliedAt != nil {
		at := m.LastEventAppliedAt.UTC()
		account.LastEventAppliedAt = &at
	}
	account.Version++
	return account
}
