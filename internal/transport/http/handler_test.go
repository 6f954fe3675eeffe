package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clinika/internal/model"
	"clinika/internal/service"
)

type mockHistoryService struct {
	createRes *model.CreateHistoryResult
	createErr error
	getRes    *model.HistoryRecord
	getErr    error
	updateErr error
	deleteErr error

	lastKey string
}

func (m *mockHistoryService) Create(ctx context.Context, req *model.CreateHistoryRequest, key string) (*model.CreateHistoryResult, error) {
	m.lastKey = key
	return m.createRes, m.createErr
}
func (m *mockHistoryService) Get(ctx context.Context, id int64, owner model.Owner) (*model.HistoryRecord, error) {
	return m.getRes, m.getErr
}
func (m *mockHistoryService) ListByClinic(ctx context.Context, clinicID int64) ([]model.HistoryRecord, error) {
	return []model.HistoryRecord{}, nil
}
func (m *mockHistoryService) ListByPatient(ctx context.Context, patientID int64) ([]model.HistoryRecord, error) {
	return []model.HistoryRecord{}, nil
}
func (m *mockHistoryService) ListByDoctor(ctx context.Context, doctorID int64) ([]model.HistoryRecord, error) {
	return []model.HistoryRecord{}, nil
}
func (m *mockHistoryService) Update(ctx context.Context, id int64, req *model.UpdateHistoryRequest, owner model.Owner) error {
	return m.updateErr
}
func (m *mockHistoryService) Delete(ctx context.Context, id int64, owner model.Owner) error {
	return m.deleteErr
}
func (m *mockHistoryService) DeletePatient(ctx context.Context, patientID int64, owner model.Owner) error {
	return m.deleteErr
}

type mockPurchaseService struct {
	purchase     *model.Purchase
	applications []model.PurchaseApplication
	granted      int
	confirmOK    bool
	confirmErr   error
}

func (m *mockPurchaseService) CreatePurchase(ctx context.Context, req model.CreatePurchaseRequest) (*model.Purchase, error) {
	return m.purchase, nil
}
func (m *mockPurchaseService) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	if m.purchase == nil {
		return nil, service.ErrPurchaseNotFound
	}
	return m.purchase, nil
}
func (m *mockPurchaseService) ListPending(ctx context.Context, clinicID *int64) ([]model.Purchase, error) {
	return []model.Purchase{}, nil
}
func (m *mockPurchaseService) Applications(ctx context.Context, purchaseID int64) ([]model.PurchaseApplication, error) {
	if m.purchase == nil {
		return nil, service.ErrPurchaseNotFound
	}
	return m.applications, nil
}
func (m *mockPurchaseService) GrantedCapacity(ctx context.Context, target model.TargetType, targetID int64) (int, error) {
	return m.granted, nil
}
func (m *mockPurchaseService) Confirm(ctx context.Context, purchaseID int64, providerTxnID string) (bool, error) {
	return m.confirmOK, m.confirmErr
}

func newTestMux(h *mockHistoryService, p *mockPurchaseService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(h, p).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateHistory_StatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		svc        *mockHistoryService
		wantStatus int
		wantError  string
	}{
		{
			name:       "fresh creation",
			svc:        &mockHistoryService{createRes: &model.CreateHistoryResult{ID: 10}},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "idempotent replay",
			svc:        &mockHistoryService{createRes: &model.CreateHistoryResult{ID: 10, Idempotent: true}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "duplicate content",
			svc:        &mockHistoryService{createErr: &service.DuplicateError{ExistingID: 4}},
			wantStatus: http.StatusConflict,
			wantError:  "duplicate_record",
		},
		{
			name:       "creation in progress",
			svc:        &mockHistoryService{createErr: service.ErrCreateInProgress},
			wantStatus: http.StatusConflict,
			wantError:  "in_progress",
		},
		{
			name:       "lock unavailable",
			svc:        &mockHistoryService{createErr: service.ErrLockUnavailable},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "lock_unavailable",
		},
		{
			name:       "invalid request",
			svc:        &mockHistoryService{createErr: service.ErrInvalidRequest},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestMux(tc.svc, &mockPurchaseService{})
			rec := doJSON(t, mux, http.MethodPost, "/api/historial", `{"patient_id":1}`,
				map[string]string{"Idempotency-Key": "k1"})

			if rec.Code != tc.wantStatus {
				t.Fatalf("status %d, want %d, body %s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantError != "" {
				var body map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatal(err)
				}
				if body["error"] != tc.wantError {
					t.Fatalf("error %v, want %s", body["error"], tc.wantError)
				}
			}
			if tc.svc.lastKey != "k1" {
				t.Fatalf("idempotency key not forwarded, got %q", tc.svc.lastKey)
			}
		})
	}
}

func TestCreateHistory_DuplicateCarriesExistingID(t *testing.T) {
	svc := &mockHistoryService{createErr: &service.DuplicateError{ExistingID: 99}}
	mux := newTestMux(svc, &mockPurchaseService{})

	rec := doJSON(t, mux, http.MethodPost, "/api/historial", `{"patient_id":1}`, nil)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["id"] != float64(99) {
		t.Fatalf("expected existing id 99 in body, got %v", body["id"])
	}
}

func TestGetHistory_RequiresOwner(t *testing.T) {
	mux := newTestMux(&mockHistoryService{getRes: &model.HistoryRecord{ID: 1}}, &mockPurchaseService{})

	rec := doJSON(t, mux, http.MethodGet, "/api/historial/1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing owner should be 400, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/historial/1?clinica_id=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetHistory_NotFound(t *testing.T) {
	mux := newTestMux(&mockHistoryService{getErr: service.ErrNotFound}, &mockPurchaseService{})

	rec := doJSON(t, mux, http.MethodGet, "/api/historial/5?doctor_id=2", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConfirmPurchase_StatusCodes(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{confirmOK: true})
		rec := doJSON(t, mux, http.MethodPost, "/api/compras/confirmar", `{"compraId":3}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if !body["ok"] {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("unknown purchase", func(t *testing.T) {
		mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{confirmOK: false})
		rec := doJSON(t, mux, http.MethodPost, "/api/compras/confirmar", `{"compraId":3}`, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("missing compraId", func(t *testing.T) {
		mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{})
		rec := doJSON(t, mux, http.MethodPost, "/api/compras/confirmar", `{}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestCreatePurchase(t *testing.T) {
	svc := &mockPurchaseService{purchase: &model.Purchase{ID: 8}}
	mux := newTestMux(&mockHistoryService{}, svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/compras", `{"titulo":"Paquete"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["compraId"] != 8 {
		t.Fatalf("expected compraId 8, got %d", body["compraId"])
	}
}

func TestListHistory_OwnerDispatch(t *testing.T) {
	mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{})

	if rec := doJSON(t, mux, http.MethodGet, "/api/historial", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("ownerless list should be 400, got %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodGet, "/api/historial?clinica_id=1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("clinic list should be 200, got %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodGet, "/api/historial?doctor_id=2", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("doctor list should be 200, got %d", rec.Code)
	}
}

func TestListPurchaseApplications(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		svc := &mockPurchaseService{
			purchase: &model.Purchase{ID: 3},
			applications: []model.PurchaseApplication{
				{PurchaseID: 3, TargetType: model.TargetClinic, TargetID: 2, QuantityApplied: 5},
			},
		}
		mux := newTestMux(&mockHistoryService{}, svc)

		rec := doJSON(t, mux, http.MethodGet, "/api/compras/3/aplicaciones", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body []model.PurchaseApplication
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if len(body) != 1 || body[0].QuantityApplied != 5 {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("unknown purchase", func(t *testing.T) {
		mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{})
		rec := doJSON(t, mux, http.MethodGet, "/api/compras/3/aplicaciones", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestGetCapacity(t *testing.T) {
	svc := &mockPurchaseService{granted: 4}
	mux := newTestMux(&mockHistoryService{}, svc)

	rec := doJSON(t, mux, http.MethodGet, "/api/capacidad?clinica_id=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["otorgados"] != float64(4) || body["tipo"] != "clinica" {
		t.Fatalf("unexpected body: %v", body)
	}

	if rec := doJSON(t, mux, http.MethodGet, "/api/capacidad", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("ownerless capacity read should be 400, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	mux := newTestMux(&mockHistoryService{}, &mockPurchaseService{})
	rec := doJSON(t, mux, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
