package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"clinika/internal/lock"
	"clinika/internal/model"
	"clinika/internal/repository"
)

var (
	// ErrCreateInProgress means another request under the same idempotency key
	// is still in flight and did not resolve within the polling budget.
	ErrCreateInProgress = errors.New("creation in progress under the same idempotency key")
	// ErrLockUnavailable means the advisory lock could not be acquired within
	// its lease budget. The caller should retry.
	ErrLockUnavailable = errors.New("advisory lock unavailable")
	ErrNotFound        = errors.New("record not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

// DuplicateError reports a content-fingerprint match inside the trailing
// window, carrying the existing id so the client can reconcile.
type DuplicateError struct {
	ExistingID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate history record, existing id %d", e.ExistingID)
}

// HistoryStore is the persistence surface the creation pipeline needs.
type HistoryStore interface {
	Create(ctx context.Context, req *model.CreateHistoryRequest, fingerprint string, visitDate *time.Time) (int64, error)
	FindRecentDuplicate(ctx context.Context, patientID int64, fingerprint string, window time.Duration) (int64, error)
	GetByID(ctx context.Context, id int64, owner model.Owner) (*model.HistoryRecord, error)
	ListByClinic(ctx context.Context, clinicID int64) ([]model.HistoryRecord, error)
	ListByPatient(ctx context.Context, patientID int64) ([]model.HistoryRecord, error)
	ListByDoctor(ctx context.Context, doctorID int64) ([]model.HistoryRecord, error)
	Update(ctx context.Context, id int64, req *model.UpdateHistoryRequest, visitDate model.Optional[time.Time], owner model.Owner) (int64, error)
	Delete(ctx context.Context, id int64, owner model.Owner) (int64, error)
	DeletePatientCascade(ctx context.Context, patientID int64, owner model.Owner) (int64, error)
}

// IdempotencyLedger is the exactly-once ledger for resource creation.
type IdempotencyLedger interface {
	Reserve(ctx context.Context, key string, resourceType model.ResourceType) error
	Attach(ctx context.Context, key string, resourceType model.ResourceType, resourceID int64) error
	Lookup(ctx context.Context, key string, resourceType model.ResourceType) (*model.IdempotencyRecord, error)
}

// HistoryService is what the transport layers depend on.
type HistoryService interface {
	Create(ctx context.Context, req *model.CreateHistoryRequest, idempotencyKey string) (*model.CreateHistoryResult, error)
	Get(ctx context.Context, id int64, owner model.Owner) (*model.HistoryRecord, error)
	ListByClinic(ctx context.Context, clinicID int64) ([]model.HistoryRecord, error)
	ListByPatient(ctx context.Context, patientID int64) ([]model.HistoryRecord, error)
	ListByDoctor(ctx context.Context, doctorID int64) ([]model.HistoryRecord, error)
	Update(ctx context.Context, id int64, req *model.UpdateHistoryRequest, owner model.Owner) error
	Delete(ctx context.Context, id int64, owner model.Owner) error
	DeletePatient(ctx context.Context, patientID int64, owner model.Owner) error
}

// RecordOptions are the pipeline tuning knobs; zero values fall back to the
// legacy defaults.
type RecordOptions struct {
	LockLease    time.Duration
	DupWindow    time.Duration
	PollAttempts int
	PollInterval time.Duration
}

func (o RecordOptions) withDefaults() RecordOptions {
	if o.LockLease <= 0 {
		o.LockLease = 5 * time.Second
	}
	if o.DupWindow <= 0 {
		o.DupWindow = 10 * time.Second
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 8
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}

// RecordService orchestrates medical-history creation: lock acquisition,
// idempotency reservation, duplicate-content suppression and persistence.
type RecordService struct {
	store  HistoryStore
	ledger IdempotencyLedger
	locks  lock.Manager
	opts   RecordOptions
}

func NewRecordService(store HistoryStore, ledger IdempotencyLedger, locks lock.Manager, opts RecordOptions) *RecordService {
	return &RecordService{store: store, ledger: ledger, locks: locks, opts: opts.withDefaults()}
}

func (s *RecordService) Create(ctx context.Context, req *model.CreateHistoryRequest, idempotencyKey string) (*model.CreateHistoryResult, error) {
	if req == nil || req.PatientID == 0 {
		return nil, fmt.Errorf("%w: patient_id required", ErrInvalidRequest)
	}
	req.Normalize()

	visitDate, err := parseVisitDate(req.VisitDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if idempotencyKey != "" {
		return s.createWithKey(ctx, req, idempotencyKey, visitDate)
	}
	return s.createWithLock(ctx, req, visitDate)
}

// createWithKey drives the ledger path: the unique constraint on the key is
// the source of truth, losers poll for the winner's id.
func (s *RecordService) createWithKey(ctx context.Context, req *model.CreateHistoryRequest, key string, visitDate *time.Time) (*model.CreateHistoryResult, error) {
	err := s.ledger.Reserve(ctx, key, model.ResourceHistory)
	switch {
	case err == nil:
		id, err := s.store.Create(ctx, req, Fingerprint(req), visitDate)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.Attach(ctx, key, model.ResourceHistory, id); err != nil {
			// The record exists; replays under this key will poll and time
			// out rather than duplicate. Worth an alert, not a failure.
			slog.Error("history: failed to attach idempotency key", "key", key, "id", id, "error", err)
		}
		return &model.CreateHistoryResult{ID: id}, nil

	case errors.Is(err, repository.ErrKeyConflict):
		return s.awaitExistingCreation(ctx, key)

	default:
		return nil, err
	}
}

var errStillInFlight = errors.New("idempotency key still unresolved")

// awaitExistingCreation polls the ledger for the winner's resource id, bounded
// by attempt count rather than wall clock.
func (s *RecordService) awaitExistingCreation(ctx context.Context, key string) (*model.CreateHistoryResult, error) {
	var resolved int64
	backoff := retry.WithMaxRetries(uint64(s.opts.PollAttempts-1), retry.NewConstant(s.opts.PollInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec, err := s.ledger.Lookup(ctx, key, model.ResourceHistory)
		if err != nil {
			if errors.Is(err, repository.ErrKeyNotFound) {
				return retry.RetryableError(errStillInFlight)
			}
			return err
		}
		if !rec.Resolved() {
			return retry.RetryableError(errStillInFlight)
		}
		resolved = *rec.ResourceID
		return nil
	})
	if err != nil {
		if errors.Is(err, errStillInFlight) {
			return nil, ErrCreateInProgress
		}
		return nil, err
	}
	return &model.CreateHistoryResult{ID: resolved, Idempotent: true}, nil
}

// createWithLock serializes keyless creators per patient and suppresses
// identical retries through the content fingerprint.
func (s *RecordService) createWithLock(ctx context.Context, req *model.CreateHistoryRequest, visitDate *time.Time) (*model.CreateHistoryResult, error) {
	lease, err := s.locks.Acquire(ctx, lock.HistoryCreateName(req.PatientID), s.opts.LockLease)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrLockUnavailable
		}
		return nil, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	fingerprint := Fingerprint(req)
	existing, err := s.store.FindRecentDuplicate(ctx, req.PatientID, fingerprint, s.opts.DupWindow)
	switch {
	case err == nil:
		return nil, &DuplicateError{ExistingID: existing}
	case errors.Is(err, repository.ErrHistoryNotFound):
		// No duplicate inside the window, proceed.
	default:
		return nil, err
	}

	id, err := s.store.Create(ctx, req, fingerprint, visitDate)
	if err != nil {
		return nil, err
	}
	return &model.CreateHistoryResult{ID: id}, nil
}

func (s *RecordService) Get(ctx context.Context, id int64, owner model.Owner) (*model.HistoryRecord, error) {
	rec, err := s.store.GetByID(ctx, id, owner)
	if err != nil {
		if errors.Is(err, repository.ErrHistoryNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *RecordService) ListByClinic(ctx context.Context, clinicID int64) ([]model.HistoryRecord, error) {
	return s.store.ListByClinic(ctx, clinicID)
}

func (s *RecordService) ListByPatient(ctx context.Context, patientID int64) ([]model.HistoryRecord, error) {
	return s.store.ListByPatient(ctx, patientID)
}

func (s *RecordService) ListByDoctor(ctx context.Context, doctorID int64) ([]model.HistoryRecord, error) {
	return s.store.ListByDoctor(ctx, doctorID)
}

func (s *RecordService) Update(ctx context.Context, id int64, req *model.UpdateHistoryRequest, owner model.Owner) error {
	if req == nil {
		return ErrInvalidRequest
	}
	req.Normalize()

	var visitDate model.Optional[time.Time]
	if req.VisitDate.Set {
		if !req.VisitDate.Valid {
			visitDate = model.Null[time.Time]()
		} else {
			parsed, err := parseVisitDate(&req.VisitDate.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			if parsed != nil {
				visitDate = model.Some(*parsed)
			}
		}
	}

	rows, err := s.store.Update(ctx, id, req, visitDate, owner)
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the record is gone, the owner does not match, or the payload
		// was empty. An empty patch against an existing record is a no-op
		// success, not a 404.
		if _, err := s.store.GetByID(ctx, id, owner); err != nil {
			if errors.Is(err, repository.ErrHistoryNotFound) {
				return ErrNotFound
			}
			return err
		}
	}
	return nil
}

func (s *RecordService) Delete(ctx context.Context, id int64, owner model.Owner) error {
	rows, err := s.store.Delete(ctx, id, owner)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RecordService) DeletePatient(ctx context.Context, patientID int64, owner model.Owner) error {
	rows, err := s.store.DeletePatientCascade(ctx, patientID, owner)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Fingerprint hashes the business-identity of a creation request: patient,
// visit date and the clinical text fields. Two retries of the same submission
// collide; legitimately different records do not.
func Fingerprint(req *model.CreateHistoryRequest) string {
	h := sha256.New()
	// Nil and present fields hash differently, and values are length-prefixed
	// so neighboring fields cannot shift bytes into each other.
	write := func(s *string) {
		if s == nil {
			h.Write([]byte{0})
			return
		}
		h.Write([]byte{1})
		fmt.Fprintf(h, "%d:", len(*s))
		h.Write([]byte(*s))
	}
	fmt.Fprintf(h, "%d", req.PatientID)
	write(req.VisitDate)
	write(req.Reason)
	write(req.NotesHTML)
	write(req.Diagnosis)
	write(req.Treatment)
	return hex.EncodeToString(h.Sum(nil))
}

// parseVisitDate accepts the formats clients historically sent: a plain date
// or an RFC 3339 timestamp. Nil or empty means no visit date.
func parseVisitDate(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized fecha %q", *raw)
}
