package domain

import "time"

// ShouldApply reports whether an event timestamped at occurredAt may
// overwrite state whose newest reflected event is lastApplied. Events at or
// before lastApplied are stale replays and must be skipped regardless of
// content. Events without a timestamp are manual triggers and always apply:
// a human decision overrides ordering protection.
func ShouldApply(occurredAt, lastApplied *time.Time) bool {
	if occurredAt == nil {
		return true
	}
	if lastApplied == nil {
		return true
	}
	return occurredAt.After(*lastApplied)
}
