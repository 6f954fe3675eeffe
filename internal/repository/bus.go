package repository

import (
	"encoding/json"
	"log/slog"
	"time"

	"clinika/internal/model"
)

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// publishMirror sends a fire-and-forget upsert to the document-store mirror.
// Mirror failures are logged and swallowed; they must never fail the primary
// write.
func publishMirror(bus MessageBus, collection, docID string, fields map[string]any) {
	if bus == nil {
		return
	}
	evt := model.MirrorEvent{
		Collection: collection,
		DocID:      docID,
		Fields:     fields,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("mirror: failed to marshal event", "collection", collection, "doc_id", docID, "error", err)
		return
	}
	if err := bus.Publish(model.SubjectMirrorUpsert, data); err != nil {
		slog.Warn("mirror: publish failed", "collection", collection, "doc_id", docID, "error", err)
	}
}
