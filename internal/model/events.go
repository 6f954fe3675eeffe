package model

import "time"

// NATS subjects used by the pipeline.
const (
	SubjectMirrorUpsert    = "mirror.upsert"
	SubjectPurchaseConfirm = "commands.purchase_confirm"
)

// MirrorEvent is a fire-and-forget upsert into the document-store mirror used
// for read fan-out. Delivery is at-least-once; the worker's upsert is
// idempotent so replays are harmless.
type MirrorEvent struct {
	Collection string         `json:"collection"`
	DocID      string         `json:"doc_id"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ConfirmCommand is the bus form of a purchase confirmation, as emitted by the
// payment provider webhook bridge.
type ConfirmCommand struct {
	PurchaseID    int64  `json:"compraId"`
	ProviderTxnID string `json:"provider_txn_id,omitempty"`
}
