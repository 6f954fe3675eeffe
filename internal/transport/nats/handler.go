package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"clinika/internal/model"
	"clinika/internal/service"
)

// Handler subscribes to NATS command topics and delegates to the purchase
// service. This is the ingress used by the payment provider webhook bridge.
type Handler struct {
	svc  service.PurchaseService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.PurchaseService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(model.SubjectPurchaseConfirm, "purchase_group", func(m *nats.Msg) {
		var cmd model.ConfirmCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal confirm command", "error", err)
			return
		}
		if cmd.PurchaseID == 0 {
			slog.Error("nats: confirm command without compraId, dropping")
			return
		}

		found, err := h.svc.Confirm(ctx, cmd.PurchaseID, cmd.ProviderTxnID)
		if err != nil {
			slog.Error("nats: purchase confirmation failed", "compra_id", cmd.PurchaseID, "error", err)
			return
		}
		if !found {
			slog.Warn("nats: confirm command for unknown purchase", "compra_id", cmd.PurchaseID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	slog.Info("NATS command handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
