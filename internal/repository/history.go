package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinika/internal/model"
)

var (
	ErrHistoryNotFound = errors.New("history record not found")
	ErrOwnerRequired   = errors.New("clinic or doctor owner required")
)

const mirrorHistoryCollection = "medical_history"

// HistoryRepo persists medical-history rows and mirrors every successful write
// to the document store for read fan-out.
type HistoryRepo struct {
	db  *pgxpool.Pool
	bus MessageBus
}

func NewHistoryRepo(db *pgxpool.Pool, bus MessageBus) *HistoryRepo {
	return &HistoryRepo{db: db, bus: bus}
}

const historyColumns = `h.id, h.paciente_id, h.client_local_id, h.motivo_consulta, h.notas_html,
	h.notas_html_full, h.peso, h.estatura, h.imc, h.presion, h.frecuencia_cardiaca,
	h.frecuencia_respiratoria, h.temperatura, h.otros, h.diagnostico, h.tratamiento,
	h.receta, h.fecha, h.imagenes, h.created_at, p.nombres, p.apellidos, p.doctor_id`

func (r *HistoryRepo) Create(ctx context.Context, req *model.CreateHistoryRequest, fingerprint string, visitDate *time.Time) (int64, error) {
	images, err := json.Marshal(model.CleanImageURLs(req.Images))
	if err != nil {
		return 0, fmt.Errorf("encode images: %w", err)
	}
	if req.Images == nil {
		images = []byte("[]")
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`INSERT INTO historial
		 (client_local_id, paciente_id, motivo_consulta, notas_html, notas_html_full, peso,
		  estatura, imc, presion, frecuencia_cardiaca, frecuencia_respiratoria, temperatura,
		  otros, diagnostico, tratamiento, receta, fecha, imagenes, content_fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		req.ClientLocalID, req.PatientID, req.Reason, req.NotesHTML, req.NotesHTMLFull,
		req.Weight, req.Height, req.BMI, req.BloodPressure, req.HeartRate,
		req.RespiratoryRate, req.Temperature, req.Other, req.Diagnosis, req.Treatment,
		req.Prescription, visitDate, images, fingerprint).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert historial: %w", err)
	}

	fields := map[string]any{
		"id":              id,
		"pacienteId":      req.PatientID,
		"client_local_id": req.ClientLocalID,
		"motivo_consulta": req.Reason,
		"notas_html":      req.NotesHTML,
		"notas_html_full": req.NotesHTMLFull,
		"diagnostico":     req.Diagnosis,
		"tratamiento":     req.Treatment,
		"receta":          req.Prescription,
		"imagenes":        model.CleanImageURLs(req.Images),
	}
	if visitDate != nil {
		fields["fecha"] = visitDate.UTC().Format(time.RFC3339)
	}
	publishMirror(r.bus, mirrorHistoryCollection, strconv.FormatInt(id, 10), fields)

	return id, nil
}

// FindRecentDuplicate looks for a record with the same content fingerprint for
// the same patient created inside the trailing window. Guards retries that
// arrive without an idempotency key.
func (r *HistoryRepo) FindRecentDuplicate(ctx context.Context, patientID int64, fingerprint string, window time.Duration) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT id FROM historial
		 WHERE paciente_id = $1 AND content_fingerprint = $2 AND created_at > now() - make_interval(secs => $3)
		 ORDER BY created_at DESC LIMIT 1`,
		patientID, fingerprint, window.Seconds()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrHistoryNotFound
		}
		return 0, fmt.Errorf("find duplicate historial: %w", err)
	}
	return id, nil
}

func (r *HistoryRepo) GetByID(ctx context.Context, id int64, owner model.Owner) (*model.HistoryRecord, error) {
	args := []any{id}
	filter, err := ownerFilter(owner, &args)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow(ctx,
		`SELECT `+historyColumns+`
		 FROM historial h JOIN pacientes p ON h.paciente_id = p.id
		 WHERE h.id = $1 AND `+filter, args...)
	rec, err := scanHistoryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}
		return nil, fmt.Errorf("get historial: %w", err)
	}
	return rec, nil
}

func (r *HistoryRepo) ListByClinic(ctx context.Context, clinicID int64) ([]model.HistoryRecord, error) {
	return r.list(ctx, `p.clinica_id = $1`, clinicID)
}

func (r *HistoryRepo) ListByPatient(ctx context.Context, patientID int64) ([]model.HistoryRecord, error) {
	return r.list(ctx, `h.paciente_id = $1`, patientID)
}

func (r *HistoryRepo) ListByDoctor(ctx context.Context, doctorID int64) ([]model.HistoryRecord, error) {
	return r.list(ctx, `p.doctor_id = $1`, doctorID)
}

func (r *HistoryRepo) list(ctx context.Context, filter string, arg any) ([]model.HistoryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM historial h JOIN pacientes p ON h.paciente_id = p.id
		 WHERE `+filter+`
		 ORDER BY h.fecha DESC NULLS LAST`, arg)
	if err != nil {
		return nil, fmt.Errorf("list historial: %w", err)
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		rec, err := scanHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan historial: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Update merges only the fields the client actually sent. Absent fields keep
// their stored value; explicit nulls clear it. Returns the number of rows
// touched (0 when the record does not exist or the owner does not match).
func (r *HistoryRepo) Update(ctx context.Context, id int64, req *model.UpdateHistoryRequest, visitDate model.Optional[time.Time], owner model.Owner) (int64, error) {
	var (
		sets   []string
		args   []any
		fields = map[string]any{}
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		fields[col] = v
	}

	if req.PatientID.Set {
		add("paciente_id", req.PatientID.Ptr())
	}
	if req.Reason.Set {
		add("motivo_consulta", req.Reason.Ptr())
	}
	if req.NotesHTML.Set {
		add("notas_html", req.NotesHTML.Ptr())
	}
	if req.NotesHTMLFull.Set {
		add("notas_html_full", req.NotesHTMLFull.Ptr())
	}
	if req.Weight.Set {
		add("peso", req.Weight.Ptr())
	}
	if req.Height.Set {
		add("estatura", req.Height.Ptr())
	}
	if req.BMI.Set {
		add("imc", req.BMI.Ptr())
	}
	if req.BloodPressure.Set {
		add("presion", req.BloodPressure.Ptr())
	}
	if req.HeartRate.Set {
		add("frecuencia_cardiaca", req.HeartRate.Ptr())
	}
	if req.RespiratoryRate.Set {
		add("frecuencia_respiratoria", req.RespiratoryRate.Ptr())
	}
	if req.Temperature.Set {
		add("temperatura", req.Temperature.Ptr())
	}
	if req.Other.Set {
		add("otros", req.Other.Ptr())
	}
	if req.Diagnosis.Set {
		add("diagnostico", req.Diagnosis.Ptr())
	}
	if req.Treatment.Set {
		add("tratamiento", req.Treatment.Ptr())
	}
	if req.Prescription.Set {
		add("receta", req.Prescription.Ptr())
	}
	if visitDate.Set {
		add("fecha", visitDate.Ptr())
	}
	if req.Images.Set {
		cleaned := model.CleanImageURLs(req.Images.Value)
		if !req.Images.Valid {
			cleaned = []string{}
		}
		images, err := json.Marshal(cleaned)
		if err != nil {
			return 0, fmt.Errorf("encode images: %w", err)
		}
		add("imagenes", images)
		fields["imagenes"] = cleaned
	}

	if len(sets) == 0 {
		return 0, nil
	}

	args = append(args, id)
	idArg := len(args)
	filter, err := ownerFilter(owner, &args)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(
		`UPDATE historial h SET %s
		 FROM pacientes p
		 WHERE h.paciente_id = p.id AND h.id = $%d AND %s`,
		joinSets(sets), idArg, filter)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update historial: %w", err)
	}
	if tag.RowsAffected() > 0 {
		publishMirror(r.bus, mirrorHistoryCollection, strconv.FormatInt(id, 10), fields)
	}
	return tag.RowsAffected(), nil
}

func (r *HistoryRepo) Delete(ctx context.Context, id int64, owner model.Owner) (int64, error) {
	args := []any{id}
	filter, err := ownerFilter(owner, &args)
	if err != nil {
		return 0, err
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM historial h USING pacientes p
		 WHERE h.paciente_id = p.id AND h.id = $1 AND `+filter, args...)
	if err != nil {
		return 0, fmt.Errorf("delete historial: %w", err)
	}
	if tag.RowsAffected() > 0 {
		publishMirror(r.bus, mirrorHistoryCollection, strconv.FormatInt(id, 10), map[string]any{"deleted": true})
	}
	return tag.RowsAffected(), nil
}

// DeletePatientCascade removes a patient together with its dependent history
// and appointment rows in one transaction. Any failure rolls the whole thing
// back; there are no partial deletes.
func (r *HistoryRepo) DeletePatientCascade(ctx context.Context, patientID int64, owner model.Owner) (int64, error) {
	args := []any{patientID}
	filter, err := ownerFilter(owner, &args)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin delete patient tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT p.id FROM pacientes p WHERE p.id = $1 AND `+filter, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("check patient ownership: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM historial WHERE paciente_id = $1`, patientID); err != nil {
		return 0, fmt.Errorf("delete patient history: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM citas WHERE paciente_id = $1`, patientID); err != nil {
		return 0, fmt.Errorf("delete patient appointments: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM pacientes WHERE id = $1`, patientID)
	if err != nil {
		return 0, fmt.Errorf("delete patient: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete patient tx: %w", err)
	}

	publishMirror(r.bus, "patients", strconv.FormatInt(patientID, 10), map[string]any{"deleted": true})
	return tag.RowsAffected(), nil
}

// ownerFilter appends the owner argument and returns the matching predicate
// over the joined pacientes alias p.
func ownerFilter(owner model.Owner, args *[]any) (string, error) {
	switch {
	case owner.ClinicID != nil:
		*args = append(*args, *owner.ClinicID)
		return fmt.Sprintf("p.clinica_id = $%d", len(*args)), nil
	case owner.DoctorID != nil:
		*args = append(*args, *owner.DoctorID)
		return fmt.Sprintf("p.doctor_id = $%d", len(*args)), nil
	default:
		return "", ErrOwnerRequired
	}
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func scanHistoryRow(row pgx.Row) (*model.HistoryRecord, error) {
	var (
		rec    model.HistoryRecord
		images []byte
	)
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.ClientLocalID, &rec.Reason, &rec.NotesHTML,
		&rec.NotesHTMLFull, &rec.Weight, &rec.Height, &rec.BMI, &rec.BloodPressure,
		&rec.HeartRate, &rec.RespiratoryRate, &rec.Temperature, &rec.Other,
		&rec.Diagnosis, &rec.Treatment, &rec.Prescription, &rec.VisitDate, &images,
		&rec.CreatedAt, &rec.PatientFirstNames, &rec.PatientLastNames, &rec.DoctorID)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &rec.Images); err != nil {
			return nil, fmt.Errorf("decode images: %w", err)
		}
	}
	return &rec, nil
}
