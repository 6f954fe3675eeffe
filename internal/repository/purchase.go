package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinika/internal/model"
)

var ErrPurchaseNotFound = errors.New("purchase not found")

const mirrorPurchaseCollection = "compras_promociones"

// PurchaseRepo is the purchase ledger plus the per-target application tracker.
// The upsert on (compra_id, tipo, destino_id) is what makes re-confirmation
// arithmetic exact.
type PurchaseRepo struct {
	db  *pgxpool.Pool
	bus MessageBus
}

func NewPurchaseRepo(db *pgxpool.Pool, bus MessageBus) *PurchaseRepo {
	return &PurchaseRepo{db: db, bus: bus}
}

func (r *PurchaseRepo) Create(ctx context.Context, req model.CreatePurchaseRequest, quantity int) (*model.Purchase, error) {
	var metadata []byte
	if req.Metadata != nil {
		var err error
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode purchase metadata: %w", err)
		}
	}

	p := model.Purchase{
		Title:    req.Title,
		Amount:   req.Amount,
		Quantity: quantity,
		ClinicID: req.ClinicID,
		UserID:   req.UserID,
		Status:   model.PurchaseStatusPending,
		Provider: req.Provider,
		Metadata: req.Metadata,
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO compras_promociones (titulo, monto, cantidad, clinica_id, usuario_id, provider, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, creado_en`,
		req.Title, req.Amount, quantity, req.ClinicID, req.UserID, req.Provider, metadata).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	publishMirror(r.bus, mirrorPurchaseCollection, strconv.FormatInt(p.ID, 10), map[string]any{
		"titulo":     p.Title,
		"monto":      p.Amount,
		"cantidad":   p.Quantity,
		"clinica_id": p.ClinicID,
		"usuario_id": p.UserID,
		"status":     p.Status,
		"provider":   p.Provider,
	})
	return &p, nil
}

func (r *PurchaseRepo) Get(ctx context.Context, id int64) (*model.Purchase, error) {
	var (
		p        model.Purchase
		metadata []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, titulo, monto, cantidad, clinica_id, usuario_id, status, provider, provider_txn_id, metadata, creado_en
		 FROM compras_promociones WHERE id = $1`, id).
		Scan(&p.ID, &p.Title, &p.Amount, &p.Quantity, &p.ClinicID, &p.UserID,
			&p.Status, &p.Provider, &p.ProviderTxnID, &metadata, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	if len(metadata) > 0 {
		p.Metadata = &model.PurchaseMetadata{}
		if err := json.Unmarshal(metadata, p.Metadata); err != nil {
			// Malformed metadata must not block confirmation; target
			// resolution falls back to the owner columns.
			p.Metadata = nil
		}
	}
	return &p, nil
}

func (r *PurchaseRepo) ListPending(ctx context.Context, clinicID *int64) ([]model.Purchase, error) {
	query := `SELECT id, titulo, monto, cantidad, clinica_id, usuario_id, status, provider, provider_txn_id, metadata, creado_en
		 FROM compras_promociones WHERE status = 'pending'`
	args := []any{}
	if clinicID != nil {
		query += ` AND clinica_id = $1`
		args = append(args, *clinicID)
	}
	query += ` ORDER BY creado_en DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending purchases: %w", err)
	}
	defer rows.Close()

	var out []model.Purchase
	for rows.Next() {
		var (
			p        model.Purchase
			metadata []byte
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Amount, &p.Quantity, &p.ClinicID, &p.UserID,
			&p.Status, &p.Provider, &p.ProviderTxnID, &metadata, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		if len(metadata) > 0 {
			p.Metadata = &model.PurchaseMetadata{}
			if err := json.Unmarshal(metadata, p.Metadata); err != nil {
				p.Metadata = nil
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkCompleted transitions a purchase to completed. Re-running on an already
// completed purchase is a harmless no-op write; the status never goes back to
// pending. Returns false when the purchase id does not exist.
func (r *PurchaseRepo) MarkCompleted(ctx context.Context, id int64, providerTxnID *string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE compras_promociones
		 SET status = 'completed', provider_txn_id = COALESCE($2, provider_txn_id)
		 WHERE id = $1`,
		id, providerTxnID)
	if err != nil {
		return false, fmt.Errorf("mark purchase completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	publishMirror(r.bus, mirrorPurchaseCollection, strconv.FormatInt(id, 10), map[string]any{
		"status":          model.PurchaseStatusCompleted,
		"provider_txn_id": providerTxnID,
	})
	return true, nil
}

// GetAppliedSlots returns how many slots of the purchase were already granted
// to the target, zero when no row exists yet.
func (r *PurchaseRepo) GetAppliedSlots(ctx context.Context, purchaseID int64, target model.TargetType, targetID int64) (int, error) {
	var applied int
	err := r.db.QueryRow(ctx,
		`SELECT cantidad_aplicada FROM compras_promociones_aplicaciones
		 WHERE compra_id = $1 AND tipo = $2 AND destino_id = $3`,
		purchaseID, string(target), targetID).Scan(&applied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get applied slots: %w", err)
	}
	return applied, nil
}

// SetAppliedSlots upserts the application tracker row. Callers only ever write
// monotonically non-decreasing values during normal flow.
func (r *PurchaseRepo) SetAppliedSlots(ctx context.Context, purchaseID int64, target model.TargetType, targetID int64, quantity int) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO compras_promociones_aplicaciones (compra_id, tipo, destino_id, cantidad_aplicada)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (compra_id, tipo, destino_id)
		 DO UPDATE SET cantidad_aplicada = EXCLUDED.cantidad_aplicada, actualizado_en = now()`,
		purchaseID, string(target), targetID, quantity)
	if err != nil {
		return fmt.Errorf("set applied slots: %w", err)
	}
	return nil
}

// ListApplications returns the per-target application rows of a purchase,
// the audit trail behind the applied-slot arithmetic.
func (r *PurchaseRepo) ListApplications(ctx context.Context, purchaseID int64) ([]model.PurchaseApplication, error) {
	rows, err := r.db.Query(ctx,
		`SELECT compra_id, tipo, destino_id, cantidad_aplicada, actualizado_en
		 FROM compras_promociones_aplicaciones
		 WHERE compra_id = $1
		 ORDER BY tipo, destino_id`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list purchase applications: %w", err)
	}
	defer rows.Close()

	var out []model.PurchaseApplication
	for rows.Next() {
		var a model.PurchaseApplication
		if err := rows.Scan(&a.PurchaseID, &a.TargetType, &a.TargetID, &a.QuantityApplied, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase application: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveApplicationSummary merges the confirmation outcome into the purchase
// metadata so reconciliation tooling can read back what was applied.
func (r *PurchaseRepo) SaveApplicationSummary(ctx context.Context, purchaseID int64, summary model.ApplicationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode application summary: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`UPDATE compras_promociones
		 SET metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('application_summary', $2::jsonb)
		 WHERE id = $1`,
		purchaseID, payload)
	if err != nil {
		return fmt.Errorf("save application summary: %w", err)
	}
	publishMirror(r.bus, mirrorPurchaseCollection, strconv.FormatInt(purchaseID, 10), map[string]any{
		"application_summary": summary,
	})
	return nil
}
