package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"clinika/internal/model"
)

// MirrorStore persists document snapshots into the read mirror.
type MirrorStore interface {
	Upsert(ctx context.Context, collection, docID string, fields map[string]any) error
}

// MirrorWorker listens on the "mirror.upsert" NATS topic and merges document
// snapshots into the mirror_documents table.
type MirrorWorker struct {
	store    MirrorStore
	natsConn *nats.Conn
}

func NewMirrorWorker(store MirrorStore, nc *nats.Conn) *MirrorWorker {
	return &MirrorWorker{
		store:    store,
		natsConn: nc,
	}
}

// Run subscribes to mirror.upsert and blocks until ctx is cancelled.
func (w *MirrorWorker) Run(ctx context.Context) error {
	// QueueSubscribe so that with several API replicas each snapshot is
	// handled by exactly one worker in the group. Delivery is at-least-once;
	// the merge upsert makes replays harmless.
	sub, err := w.natsConn.QueueSubscribe(model.SubjectMirrorUpsert, "mirror_workers", func(m *nats.Msg) {
		var event model.MirrorEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("mirror worker: failed to unmarshal nats message", "error", err)
			return
		}
		if event.Collection == "" || event.DocID == "" {
			slog.Error("mirror worker: event without collection or doc id, dropping")
			return
		}

		if err := w.store.Upsert(ctx, event.Collection, event.DocID, event.Fields); err != nil {
			slog.Error("mirror worker: failed to upsert document",
				"collection", event.Collection,
				"doc_id", event.DocID,
				"error", err,
			)
			return
		}

		slog.Info("mirror worker: document synced",
			"collection", event.Collection,
			"doc_id", event.DocID,
		)
	})

	if err != nil {
		return fmt.Errorf("mirror worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Mirror worker is running")

	// Wait for shutdown signal.
	<-ctx.Done()

	slog.Info("Mirror worker received shutdown signal, draining subscription...")
	// Close subscription gracefully, waiting for current processing to complete.
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *MirrorWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *MirrorWorker) Stop(ctx context.Context) error {
	return nil
}
