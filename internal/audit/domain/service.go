package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RecordInput describes one transition to journal. PreviousState and
// NewState are snapshots of the entitlement-relevant fields around the write.
type RecordInput struct {
	AccountID     snowflake.ID
	EventType     string
	Origin        string
	SourceEventID *string
	PreviousState map[string]any
	NewState      map[string]any
}

// Service appends transition records. Record participates in the caller's
// transaction so the audit insert commits atomically with the state write.
type Service interface {
	Record(ctx context.Context, tx *gorm.DB, input RecordInput) error
	List(ctx context.Context, filter ListFilter) ([]*Entry, error)
}

var (
	ErrInvalidAccountID = errors.New("invalid_account_id")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidOrigin    = errors.New("invalid_origin")
)
