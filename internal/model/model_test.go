package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestOptional_AbsentNullValue(t *testing.T) {
	type payload struct {
		Notes Optional[string] `json:"notas_html"`
	}

	t.Run("absent", func(t *testing.T) {
		var p payload
		if err := json.Unmarshal([]byte(`{}`), &p); err != nil {
			t.Fatal(err)
		}
		if p.Notes.Set {
			t.Fatal("absent field must not be Set")
		}
	})

	t.Run("explicit null", func(t *testing.T) {
		var p payload
		if err := json.Unmarshal([]byte(`{"notas_html": null}`), &p); err != nil {
			t.Fatal(err)
		}
		if !p.Notes.Set || p.Notes.Valid {
			t.Fatalf("null must be Set and not Valid, got %+v", p.Notes)
		}
		if p.Notes.Ptr() != nil {
			t.Fatal("Ptr of null must be nil")
		}
	})

	t.Run("value", func(t *testing.T) {
		var p payload
		if err := json.Unmarshal([]byte(`{"notas_html": "<p>hola</p>"}`), &p); err != nil {
			t.Fatal(err)
		}
		if !p.Notes.Set || !p.Notes.Valid || p.Notes.Value != "<p>hola</p>" {
			t.Fatalf("unexpected: %+v", p.Notes)
		}
	})
}

func TestPurchaseMetadata_AliasCoalescing(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want PurchaseMetadata
	}{
		{
			name: "canonical keys",
			in:   `{"tipo":"doctor","doctor_id":5,"clinica_id":2,"cantidad":3}`,
			want: PurchaseMetadata{Tipo: "doctor", DoctorID: ptrI64(5), ClinicID: ptrI64(2), Quantity: ptrInt(3)},
		},
		{
			name: "camelCase and usuario alias",
			in:   `{"usuarioId":7,"clinicaId":9,"cantidadSolicitada":4}`,
			want: PurchaseMetadata{DoctorID: ptrI64(7), ClinicID: ptrI64(9), Quantity: ptrInt(4)},
		},
		{
			name: "numeric strings",
			in:   `{"doctor_id":"11","clinica":"12","quantity":"2"}`,
			want: PurchaseMetadata{DoctorID: ptrI64(11), ClinicID: ptrI64(12), Quantity: ptrInt(2)},
		},
		{
			name: "garbage values ignored",
			in:   `{"doctor_id":"abc","cantidad":null}`,
			want: PurchaseMetadata{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got PurchaseMetadata
			if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %s, want %s", dump(got), dump(tc.want))
			}
		})
	}
}

func TestCleanImageURLs(t *testing.T) {
	in := []string{"a.jpg", "", "b.jpg", "a.jpg", ""}
	got := CleanImageURLs(in)
	want := []string{"a.jpg", "b.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if CleanImageURLs(nil) != nil {
		t.Fatal("nil input must stay nil")
	}
}

func TestCreateHistoryRequest_NormalizeMotivoAlias(t *testing.T) {
	motivo := "revision"
	req := CreateHistoryRequest{PatientID: 1, Motivo: &motivo}
	req.Normalize()
	if req.Reason == nil || *req.Reason != "revision" {
		t.Fatal("expected motivo folded into motivo_consulta")
	}

	canonical := "dolor"
	req = CreateHistoryRequest{PatientID: 1, Motivo: &motivo, Reason: &canonical}
	req.Normalize()
	if *req.Reason != "dolor" {
		t.Fatal("explicit motivo_consulta must win over the alias")
	}
}

func TestNormalizedQuantity(t *testing.T) {
	if got := (CreatePurchaseRequest{Quantity: 0}).NormalizedQuantity(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := (CreatePurchaseRequest{Quantity: 6}).NormalizedQuantity(); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
}

func ptrI64(v int64) *int64 { return &v }
func ptrInt(v int) *int     { return &v }

func dump(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
