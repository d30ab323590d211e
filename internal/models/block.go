package models

import "time"

// Block statuses. A lifted block is marked unblocked, never deleted, so
// the registry doubles as an audit trail.
const (
	BlockStatusBlocked   = "blocked"
	BlockStatusUnblocked = "unblocked"
)

// ActorAutomatic marks blocks and incident resolutions performed by the
// escalation engine rather than an admin.
const ActorAutomatic = "automatic"

// Block is a durable record of a blocked (or formerly blocked) origin.
// At most one record per origin may have status=blocked at any time.
type Block struct {
	ID            string
	Origin        string
	Status        string
	Reason        string
	BlockedBy     string // ActorAutomatic or an admin user ID
	CreatedAt     time.Time
	UnblockReason *string
	UnblockedBy   *string
	UnblockedAt   *time.Time
}
