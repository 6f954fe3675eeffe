package model

import "time"

// ResourceType namespaces idempotency keys so the same client token can be
// reused across unrelated resources.
type ResourceType string

const (
	ResourceHistory ResourceType = "historial"
)

// IdempotencyRecord maps a client-supplied key to the resource it produced.
// ResourceID starts nil when the key is reserved and is set exactly once after
// the resource row exists.
type IdempotencyRecord struct {
	Key          string       `json:"idempotency_key"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   *int64       `json:"resource_id"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Resolved reports whether the original creator already attached a resource id.
func (r *IdempotencyRecord) Resolved() bool {
	return r != nil && r.ResourceID != nil
}
