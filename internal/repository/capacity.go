package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"clinika/internal/model"
)

// CapacityRepo grants purchased capacity units. Each grant is one inserted
// row; the caller controls how many times it is invoked, which is where the
// exactly-once guarantee lives.
type CapacityRepo struct {
	db  *pgxpool.Pool
	bus MessageBus
}

func NewCapacityRepo(db *pgxpool.Pool, bus MessageBus) *CapacityRepo {
	return &CapacityRepo{db: db, bus: bus}
}

// GrantOneUnit inserts a single slot-grant row for the target and returns its id.
func (r *CapacityRepo) GrantOneUnit(ctx context.Context, target model.TargetType, targetID int64, amount decimal.Decimal) (int64, error) {
	var (
		id         int64
		query      string
		collection string
	)
	switch target {
	case model.TargetClinic:
		query = `INSERT INTO compras_pacientes (clinica_id, fecha_compra, monto) VALUES ($1, now(), $2) RETURNING id`
		collection = "compras_pacientes"
	case model.TargetDoctor:
		query = `INSERT INTO compras_pacientes_individual (doctor_id, fecha_compra, monto) VALUES ($1, now(), $2) RETURNING id`
		collection = "compras_pacientes_individual"
	default:
		return 0, fmt.Errorf("unknown capacity target %q", target)
	}

	if err := r.db.QueryRow(ctx, query, targetID, amount).Scan(&id); err != nil {
		return 0, fmt.Errorf("grant capacity unit: %w", err)
	}

	publishMirror(r.bus, collection, strconv.FormatInt(id, 10), map[string]any{
		"destino_id":   targetID,
		"monto":        amount,
		"fecha_compra": time.Now().UTC().Format(time.RFC3339),
	})
	return id, nil
}

// CountGrants reports how many slot grants the target has accumulated. Plan
// limit computations read this.
func (r *CapacityRepo) CountGrants(ctx context.Context, target model.TargetType, targetID int64) (int, error) {
	var (
		query string
		total int
	)
	switch target {
	case model.TargetClinic:
		query = `SELECT COUNT(*) FROM compras_pacientes WHERE clinica_id = $1`
	case model.TargetDoctor:
		query = `SELECT COUNT(*) FROM compras_pacientes_individual WHERE doctor_id = $1`
	default:
		return 0, fmt.Errorf("unknown capacity target %q", target)
	}
	if err := r.db.QueryRow(ctx, query, targetID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count capacity grants: %w", err)
	}
	return total, nil
}
