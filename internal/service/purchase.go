package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"clinika/internal/model"
	"clinika/internal/repository"
)

var ErrPurchaseNotFound = errors.New("purchase not found")

// PurchaseStore is the purchase ledger plus the application tracker.
type PurchaseStore interface {
	Create(ctx context.Context, req model.CreatePurchaseRequest, quantity int) (*model.Purchase, error)
	Get(ctx context.Context, id int64) (*model.Purchase, error)
	ListPending(ctx context.Context, clinicID *int64) ([]model.Purchase, error)
	MarkCompleted(ctx context.Context, id int64, providerTxnID *string) (bool, error)
	GetAppliedSlots(ctx context.Context, purchaseID int64, target model.TargetType, targetID int64) (int, error)
	SetAppliedSlots(ctx context.Context, purchaseID int64, target model.TargetType, targetID int64, quantity int) error
	ListApplications(ctx context.Context, purchaseID int64) ([]model.PurchaseApplication, error)
	SaveApplicationSummary(ctx context.Context, purchaseID int64, summary model.ApplicationSummary) error
}

// CapacityGranter is the capacity-subsystem boundary. Each call grants one
// unit; exactly-once comes from controlling how many times it is called.
type CapacityGranter interface {
	GrantOneUnit(ctx context.Context, target model.TargetType, targetID int64, amount decimal.Decimal) (int64, error)
	CountGrants(ctx context.Context, target model.TargetType, targetID int64) (int, error)
}

// PurchaseService drives purchase creation and the idempotent confirmation
// flow.
type PurchaseService interface {
	CreatePurchase(ctx context.Context, req model.CreatePurchaseRequest) (*model.Purchase, error)
	GetPurchase(ctx context.Context, id int64) (*model.Purchase, error)
	ListPending(ctx context.Context, clinicID *int64) ([]model.Purchase, error)
	Applications(ctx context.Context, purchaseID int64) ([]model.PurchaseApplication, error)
	GrantedCapacity(ctx context.Context, target model.TargetType, targetID int64) (int, error)
	Confirm(ctx context.Context, purchaseID int64, providerTxnID string) (bool, error)
}

type ConfirmationService struct {
	store    PurchaseStore
	capacity CapacityGranter
}

func NewConfirmationService(store PurchaseStore, capacity CapacityGranter) *ConfirmationService {
	return &ConfirmationService{store: store, capacity: capacity}
}

func (s *ConfirmationService) CreatePurchase(ctx context.Context, req model.CreatePurchaseRequest) (*model.Purchase, error) {
	if req.Title == "" {
		return nil, errors.New("titulo required")
	}
	if req.Provider == "" {
		req.Provider = "mock"
	}
	return s.store.Create(ctx, req, req.NormalizedQuantity())
}

func (s *ConfirmationService) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *ConfirmationService) ListPending(ctx context.Context, clinicID *int64) ([]model.Purchase, error) {
	return s.store.ListPending(ctx, clinicID)
}

// Applications returns the per-target application trail of a purchase.
func (s *ConfirmationService) Applications(ctx context.Context, purchaseID int64) ([]model.PurchaseApplication, error) {
	if _, err := s.GetPurchase(ctx, purchaseID); err != nil {
		return nil, err
	}
	return s.store.ListApplications(ctx, purchaseID)
}

// GrantedCapacity reports how many capacity units the target has accumulated
// across all purchases. Plan-limit checks read this.
func (s *ConfirmationService) GrantedCapacity(ctx context.Context, target model.TargetType, targetID int64) (int, error) {
	return s.capacity.CountGrants(ctx, target, targetID)
}

// Confirm transitions the purchase to completed and applies the purchased
// slots to the resolved targets exactly once, no matter how many times it is
// retried. Returns false when the purchase id does not exist.
func (s *ConfirmationService) Confirm(ctx context.Context, purchaseID int64, providerTxnID string) (bool, error) {
	var txn *string
	if providerTxnID != "" {
		txn = &providerTxnID
	}

	ok, err := s.store.MarkCompleted(ctx, purchaseID, txn)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// Everything past the status transition is best-effort: a purchase left
	// completed-but-unapplied is recoverable by re-running Confirm with the
	// same arithmetic, so resolution failures never fail the call.
	purchase, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		slog.Warn("purchase: confirmed but could not refetch for application", "compra_id", purchaseID, "error", err)
		return true, nil
	}

	quantity := resolveQuantity(purchase)
	targets := resolveTargets(purchase)
	if len(targets) == 0 {
		slog.Warn("purchase: no capacity target resolved, left completed-but-unapplied",
			"compra_id", purchaseID, "titulo", purchase.Title)
		return true, nil
	}

	summary := model.ApplicationSummary{Requested: quantity}
	for _, t := range targets {
		appliedBefore, err := s.store.GetAppliedSlots(ctx, purchaseID, t.Type, t.ID)
		if err != nil {
			slog.Warn("purchase: could not read prior applications, skipping target",
				"compra_id", purchaseID, "tipo", t.Type, "destino_id", t.ID, "error", err)
			continue
		}

		remaining := quantity - appliedBefore
		if remaining < 0 {
			remaining = 0
		}

		granted := 0
		for i := 0; i < remaining; i++ {
			if _, err := s.capacity.GrantOneUnit(ctx, t.Type, t.ID, purchase.Amount); err != nil {
				slog.Warn("purchase: capacity grant failed",
					"compra_id", purchaseID, "tipo", t.Type, "destino_id", t.ID, "error", err)
				break
			}
			granted++
		}

		if granted > 0 {
			if err := s.store.SetAppliedSlots(ctx, purchaseID, t.Type, t.ID, appliedBefore+granted); err != nil {
				slog.Warn("purchase: could not record applied slots",
					"compra_id", purchaseID, "tipo", t.Type, "destino_id", t.ID, "error", err)
			}
		}

		remainingAfter := quantity - (appliedBefore + granted)
		if remainingAfter < 0 {
			remainingAfter = 0
		}
		summary.Actions = append(summary.Actions, model.ApplicationAction{
			TargetType:    t.Type,
			TargetID:      t.ID,
			Motive:        t.Motive,
			AppliedBefore: appliedBefore,
			AppliedNow:    granted,
			Remaining:     remainingAfter,
		})
	}

	if err := s.store.SaveApplicationSummary(ctx, purchaseID, summary); err != nil {
		slog.Warn("purchase: could not persist application summary", "compra_id", purchaseID, "error", err)
	}
	return true, nil
}

type capacityTarget struct {
	Type   model.TargetType
	ID     int64
	Motive string
}

// resolveQuantity prefers the purchase row but lets metadata raise it, floored
// to at least one slot.
func resolveQuantity(p *model.Purchase) int {
	quantity := p.Quantity
	if p.Metadata != nil && p.Metadata.Quantity != nil && *p.Metadata.Quantity > quantity {
		quantity = *p.Metadata.Quantity
	}
	if quantity < 1 {
		quantity = 1
	}
	return quantity
}

// resolveTargets determines which clinic/doctor the purchase grants capacity
// to. Priority: explicit metadata tipo, then metadata ids, then the owner
// columns, then the owner-without-clinic heuristic. Ambiguous purchases end up
// with no target and are flagged for manual reconciliation by the caller.
func resolveTargets(p *model.Purchase) []capacityTarget {
	var (
		targets    []capacityTarget
		tipo       string
		mdDoctorID *int64
		mdClinicID *int64
	)
	if p.Metadata != nil {
		tipo = normalizeTipo(p.Metadata.Tipo)
		mdDoctorID = p.Metadata.DoctorID
		mdClinicID = p.Metadata.ClinicID
	}

	push := func(t model.TargetType, id *int64, motive string) {
		if id == nil || *id == 0 {
			return
		}
		for _, existing := range targets {
			if existing.Type == t && existing.ID == *id {
				return
			}
		}
		targets = append(targets, capacityTarget{Type: t, ID: *id, Motive: motive})
	}
	has := func(t model.TargetType) bool {
		for _, existing := range targets {
			if existing.Type == t {
				return true
			}
		}
		return false
	}

	if tipo == string(model.TargetDoctor) {
		id := firstNonNil(mdDoctorID, p.UserID)
		push(model.TargetDoctor, id, "metadata")
		if id == nil {
			slog.Warn("purchase: metadata tipo indicated a doctor target but no doctor id found", "compra_id", p.ID)
		}
	} else if mdDoctorID != nil && mdClinicID == nil && p.ClinicID == nil {
		push(model.TargetDoctor, mdDoctorID, "metadata")
	}

	if tipo == string(model.TargetClinic) || mdClinicID != nil {
		id := firstNonNil(mdClinicID, p.ClinicID)
		push(model.TargetClinic, id, "metadata")
		if id == nil {
			slog.Warn("purchase: metadata tipo indicated a clinic target but no clinic id found", "compra_id", p.ID)
		}
	}

	// Heuristic fallbacks from the owner columns.
	if !has(model.TargetDoctor) && p.UserID != nil && p.ClinicID == nil && tipo != string(model.TargetClinic) {
		push(model.TargetDoctor, p.UserID, "heuristica-usuario_sin_clinica")
	}
	if !has(model.TargetClinic) && p.ClinicID != nil && tipo != string(model.TargetDoctor) {
		push(model.TargetClinic, p.ClinicID, "heuristica-clinica")
	}

	return targets
}

// normalizeTipo maps the historical metadata spellings onto the canonical
// target types.
func normalizeTipo(tipo string) string {
	switch tipo {
	case "paciente_individual", "doctor", "doctor_individual":
		return string(model.TargetDoctor)
	case "paciente_clinica", "clinica", "clinic":
		return string(model.TargetClinic)
	default:
		return ""
	}
}

func firstNonNil(ids ...*int64) *int64 {
	for _, id := range ids {
		if id != nil {
			return id
		}
	}
	return nil
}
