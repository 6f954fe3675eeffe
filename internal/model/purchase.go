package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
)

// TargetType identifies what kind of entity a purchase grants capacity to.
type TargetType string

const (
	TargetClinic TargetType = "clinica"
	TargetDoctor TargetType = "doctor"
)

// Purchase is a promotion/slot purchase. ClinicID and UserID are the owner
// columns: at most one of them is expected to be set.
type Purchase struct {
	ID            int64             `json:"id"`
	Title         string            `json:"titulo"`
	Amount        decimal.Decimal   `json:"monto"`
	Quantity      int               `json:"cantidad"`
	ClinicID      *int64            `json:"clinica_id"`
	UserID        *int64            `json:"usuario_id"`
	Status        PurchaseStatus    `json:"status"`
	Provider      string            `json:"provider"`
	ProviderTxnID *string           `json:"provider_txn_id"`
	Metadata      *PurchaseMetadata `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"creado_en"`
}

// PurchaseMetadata is client-supplied context stored with the purchase.
// Older clients used several spellings for the same ids, so unmarshalling
// coalesces the known aliases into the canonical fields.
type PurchaseMetadata struct {
	Tipo     string `json:"tipo,omitempty"`
	DoctorID *int64 `json:"doctor_id,omitempty"`
	ClinicID *int64 `json:"clinica_id,omitempty"`
	Quantity *int   `json:"cantidad,omitempty"`
}

func (m *PurchaseMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["tipo"]; ok {
		_ = json.Unmarshal(v, &m.Tipo)
	}
	m.DoctorID = firstInt64(raw, "doctor_id", "doctorId", "usuario_id", "usuarioId")
	m.ClinicID = firstInt64(raw, "clinica_id", "clinicaId", "clinic_id", "clinicId", "clinica")
	if q := firstInt64(raw, "cantidadSolicitada", "cantidad", "quantity"); q != nil {
		n := int(*q)
		m.Quantity = &n
	}
	return nil
}

// firstInt64 returns the first alias present in raw that parses as an integer.
// Values may arrive as JSON numbers or numeric strings.
func firstInt64(raw map[string]json.RawMessage, keys ...string) *int64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var num json.Number
		if err := json.Unmarshal(v, &num); err != nil {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				continue
			}
			num = json.Number(s)
		}
		if n, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
			return &n
		}
		if f, err := num.Float64(); err == nil {
			n := int64(f)
			return &n
		}
	}
	return nil
}

// CreatePurchaseRequest mirrors the legacy /compras payload.
type CreatePurchaseRequest struct {
	Title    string            `json:"titulo"`
	Amount   decimal.Decimal   `json:"monto"`
	Quantity int               `json:"cantidad"`
	ClinicID *int64            `json:"clinica_id"`
	UserID   *int64            `json:"usuario_id"`
	Provider string            `json:"provider"`
	Metadata *PurchaseMetadata `json:"metadata"`
}

// NormalizedQuantity floors the requested quantity to at least one slot.
func (r CreatePurchaseRequest) NormalizedQuantity() int {
	if r.Quantity < 1 {
		return 1
	}
	return r.Quantity
}

// ConfirmPurchaseRequest is the confirmation webhook/body payload.
type ConfirmPurchaseRequest struct {
	PurchaseID    int64  `json:"compraId"`
	ProviderTxnID string `json:"provider_txn_id,omitempty"`
}

// PurchaseApplication tracks how many slots from a purchase were already
// granted to one target. Unique per (purchase_id, target_type, target_id).
type PurchaseApplication struct {
	PurchaseID      int64      `json:"compra_id"`
	TargetType      TargetType `json:"tipo"`
	TargetID        int64      `json:"destino_id"`
	QuantityApplied int        `json:"cantidad_aplicada"`
	UpdatedAt       time.Time  `json:"actualizado_en"`
}

// ApplicationAction is one entry of the summary recorded after a confirmation
// pass, mirroring what reconciliation tooling reads back.
type ApplicationAction struct {
	TargetType    TargetType `json:"tipo"`
	TargetID      int64      `json:"destino_id"`
	Motive        string     `json:"motivo"`
	AppliedBefore int        `json:"aplicado_antes"`
	AppliedNow    int        `json:"aplicado_ahora"`
	Remaining     int        `json:"restante"`
}

// ApplicationSummary records the outcome of applying a confirmed purchase.
type ApplicationSummary struct {
	Requested int                 `json:"cantidad_solicitada"`
	Actions   []ApplicationAction `json:"acciones"`
}
