package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinika/internal/model"
)

var (
	// ErrKeyConflict means the idempotency key was already reserved, possibly
	// by a request that is still in flight.
	ErrKeyConflict = errors.New("idempotency key already reserved")
	ErrKeyNotFound = errors.New("idempotency key not found")
)

// IdempotencyRepo is the durable ledger mapping client idempotency keys to the
// resources they produced. The unique constraint on (idempotency_key,
// resource_type) is the actual source of truth for mutual exclusion between
// racing creators.
type IdempotencyRepo struct {
	db *pgxpool.Pool
}

func NewIdempotencyRepo(db *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// Reserve atomically claims a key with a null resource id. Returns
// ErrKeyConflict when another request already holds the key.
func (r *IdempotencyRepo) Reserve(ctx context.Context, key string, resourceType model.ResourceType) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, resource_type) VALUES ($1, $2)`,
		key, string(resourceType))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyConflict
		}
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	return nil
}

// Attach sets the resource id on a previously reserved key. Only the request
// that won the reservation calls it, exactly once.
func (r *IdempotencyRepo) Attach(ctx context.Context, key string, resourceType model.ResourceType, resourceID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE idempotency_keys SET resource_id = $3
		 WHERE idempotency_key = $1 AND resource_type = $2 AND resource_id IS NULL`,
		key, string(resourceType), resourceID)
	if err != nil {
		return fmt.Errorf("attach idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepo) Lookup(ctx context.Context, key string, resourceType model.ResourceType) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := r.db.QueryRow(ctx,
		`SELECT idempotency_key, resource_type, resource_id, created_at
		 FROM idempotency_keys
		 WHERE idempotency_key = $1 AND resource_type = $2`,
		key, string(resourceType)).
		Scan(&rec.Key, &rec.ResourceType, &rec.ResourceID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &rec, nil
}
