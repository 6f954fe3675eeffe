package model

import "time"

// HistoryRecord is one medical-history entry for a patient. The JSON keys keep
// the wire names the mobile clients already send.
type HistoryRecord struct {
	ID              int64      `json:"id"`
	PatientID       int64      `json:"patient_id"`
	ClientLocalID   *string    `json:"client_local_id,omitempty"`
	Reason          *string    `json:"motivo_consulta,omitempty"`
	NotesHTML       *string    `json:"notas_html,omitempty"`
	NotesHTMLFull   *string    `json:"notas_html_full,omitempty"`
	Weight          *float64   `json:"peso,omitempty"`
	Height          *float64   `json:"estatura,omitempty"`
	BMI             *float64   `json:"imc,omitempty"`
	BloodPressure   *string    `json:"presion,omitempty"`
	HeartRate       *int       `json:"frecuencia_cardiaca,omitempty"`
	RespiratoryRate *int       `json:"frecuencia_respiratoria,omitempty"`
	Temperature     *float64   `json:"temperatura,omitempty"`
	Other           *string    `json:"otros,omitempty"`
	Diagnosis       *string    `json:"diagnostico,omitempty"`
	Treatment       *string    `json:"tratamiento,omitempty"`
	Prescription    *string    `json:"receta,omitempty"`
	VisitDate       *time.Time `json:"fecha,omitempty"`
	Images          []string   `json:"imagenes"`
	CreatedAt       time.Time  `json:"created_at"`

	// Joined from the owning patient row.
	PatientFirstNames string `json:"nombres,omitempty"`
	PatientLastNames  string `json:"apellidos,omitempty"`
	DoctorID          *int64 `json:"doctor_id,omitempty"`
}

// CreateHistoryRequest carries the fields a client may send when creating a
// history entry. Motivo is a legacy alias for MotivoConsulta kept for older
// clients; Normalize folds it in.
type CreateHistoryRequest struct {
	PatientID       int64    `json:"patient_id"`
	ClientLocalID   *string  `json:"client_local_id,omitempty"`
	Motivo          *string  `json:"motivo,omitempty"`
	Reason          *string  `json:"motivo_consulta,omitempty"`
	NotesHTML       *string  `json:"notas_html,omitempty"`
	NotesHTMLFull   *string  `json:"notas_html_full,omitempty"`
	Weight          *float64 `json:"peso,omitempty"`
	Height          *float64 `json:"estatura,omitempty"`
	BMI             *float64 `json:"imc,omitempty"`
	BloodPressure   *string  `json:"presion,omitempty"`
	HeartRate       *int     `json:"frecuencia_cardiaca,omitempty"`
	RespiratoryRate *int     `json:"frecuencia_respiratoria,omitempty"`
	Temperature     *float64 `json:"temperatura,omitempty"`
	Other           *string  `json:"otros,omitempty"`
	Diagnosis       *string  `json:"diagnostico,omitempty"`
	Treatment       *string  `json:"tratamiento,omitempty"`
	Prescription    *string  `json:"receta,omitempty"`
	VisitDate       *string  `json:"fecha,omitempty"`
	Images          []string `json:"imagenes"`
}

// Normalize applies legacy aliases and drops empty image entries.
func (r *CreateHistoryRequest) Normalize() {
	if r.Reason == nil && r.Motivo != nil {
		r.Reason = r.Motivo
	}
	r.Images = CleanImageURLs(r.Images)
}

// CreateHistoryResult is what the creation pipeline returns: the record id and
// whether it was produced by an earlier attempt under the same idempotency key.
type CreateHistoryResult struct {
	ID         int64 `json:"id"`
	Idempotent bool  `json:"idempotent,omitempty"`
}

// UpdateHistoryRequest merges only the fields present in the payload. Absent
// fields are left untouched in storage; an explicit null clears the value.
type UpdateHistoryRequest struct {
	PatientID       Optional[int64]    `json:"patient_id"`
	Motivo          Optional[string]   `json:"motivo"`
	Reason          Optional[string]   `json:"motivo_consulta"`
	NotesHTML       Optional[string]   `json:"notas_html"`
	NotesHTMLFull   Optional[string]   `json:"notas_html_full"`
	Weight          Optional[float64]  `json:"peso"`
	Height          Optional[float64]  `json:"estatura"`
	BMI             Optional[float64]  `json:"imc"`
	BloodPressure   Optional[string]   `json:"presion"`
	HeartRate       Optional[int]      `json:"frecuencia_cardiaca"`
	RespiratoryRate Optional[int]      `json:"frecuencia_respiratoria"`
	Temperature     Optional[float64]  `json:"temperatura"`
	Other           Optional[string]   `json:"otros"`
	Diagnosis       Optional[string]   `json:"diagnostico"`
	Treatment       Optional[string]   `json:"tratamiento"`
	Prescription    Optional[string]   `json:"receta"`
	VisitDate       Optional[string]   `json:"fecha"`
	Images          Optional[[]string] `json:"imagenes"`
}

// Normalize applies the motivo -> motivo_consulta alias and image cleanup.
func (r *UpdateHistoryRequest) Normalize() {
	if !r.Reason.Set && r.Motivo.Set {
		r.Reason = r.Motivo
	}
	if r.Images.Set && r.Images.Valid {
		r.Images.Value = CleanImageURLs(r.Images.Value)
	}
}

// Owner scopes history queries to the clinic or the individual doctor that owns
// the patient. Exactly one side is expected to be set; auth middleware resolves
// it upstream.
type Owner struct {
	ClinicID *int64
	DoctorID *int64
}

func (o Owner) Zero() bool {
	return o.ClinicID == nil && o.DoctorID == nil
}

// CleanImageURLs drops empty entries and duplicates while keeping order.
func CleanImageURLs(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
