package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MirrorRepo is the document-store side of the read fan-out. Fields are merged
// into the stored document, so replays of the same event are harmless.
type MirrorRepo struct {
	db *pgxpool.Pool
}

func NewMirrorRepo(db *pgxpool.Pool) *MirrorRepo {
	return &MirrorRepo{db: db}
}

func (r *MirrorRepo) Upsert(ctx context.Context, collection, docID string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode mirror fields: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO mirror_documents (collection, doc_id, fields)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (collection, doc_id)
		 DO UPDATE SET fields = mirror_documents.fields || EXCLUDED.fields, updated_at = now()`,
		collection, docID, payload)
	if err != nil {
		return fmt.Errorf("upsert mirror document: %w", err)
	}
	return nil
}
