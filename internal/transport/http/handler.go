package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"clinika/internal/model"
	"clinika/internal/service"
)

type Handler struct {
	history   service.HistoryService
	purchases service.PurchaseService
}

func NewHandler(history service.HistoryService, purchases service.PurchaseService) *Handler {
	return &Handler{history: history, purchases: purchases}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/historial", h.CreateHistory)
	mux.HandleFunc("GET /api/historial", h.ListHistory)
	mux.HandleFunc("GET /api/historial/paciente/{id}", h.ListHistoryByPatient)
	mux.HandleFunc("GET /api/historial/{id}", h.GetHistory)
	mux.HandleFunc("PUT /api/historial/{id}", h.UpdateHistory)
	mux.HandleFunc("DELETE /api/historial/{id}", h.DeleteHistory)
	mux.HandleFunc("DELETE /api/pacientes/{id}", h.DeletePatient)

	mux.HandleFunc("POST /api/compras", h.CreatePurchase)
	mux.HandleFunc("POST /api/compras/confirmar", h.ConfirmPurchase)
	mux.HandleFunc("GET /api/compras/pendientes", h.ListPendingPurchases)
	mux.HandleFunc("GET /api/compras/{id}", h.GetPurchase)
	mux.HandleFunc("GET /api/compras/{id}/aplicaciones", h.ListPurchaseApplications)
	mux.HandleFunc("GET /api/capacidad", h.GetCapacity)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateHistory(w http.ResponseWriter, r *http.Request) {
	var req model.CreateHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	res, err := h.history.Create(r.Context(), &req, key)
	if err != nil {
		var dup *service.DuplicateError
		switch {
		case errors.As(err, &dup):
			h.respondJSON(w, http.StatusConflict, map[string]any{
				"error": "duplicate_record",
				"id":    dup.ExistingID,
			})
		case errors.Is(err, service.ErrCreateInProgress):
			h.respondError(w, http.StatusConflict, "in_progress")
		case errors.Is(err, service.ErrLockUnavailable):
			h.respondError(w, http.StatusServiceUnavailable, "lock_unavailable")
		case errors.Is(err, service.ErrInvalidRequest):
			h.respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.respondError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	// Replays resolved from the ledger come back as 200, fresh rows as 201.
	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	h.respondJSON(w, status, res)
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromQuery(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_owner")
		return
	}

	var records []model.HistoryRecord
	switch {
	case owner.ClinicID != nil:
		records, err = h.history.ListByClinic(r.Context(), *owner.ClinicID)
	case owner.DoctorID != nil:
		records, err = h.history.ListByDoctor(r.Context(), *owner.DoctorID)
	default:
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, records)
}

func (h *Handler) ListHistoryByPatient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	records, err := h.history.ListByPatient(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, records)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	owner, err := ownerFromQuery(r)
	if err != nil || owner.Zero() {
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	record, err := h.history.Get(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, record)
}

func (h *Handler) UpdateHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	owner, err := ownerFromQuery(r)
	if err != nil || owner.Zero() {
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	var req model.UpdateHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := h.history.Update(r.Context(), id, &req, owner); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "not_found")
		case errors.Is(err, service.ErrInvalidRequest):
			h.respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.respondError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	owner, err := ownerFromQuery(r)
	if err != nil || owner.Zero() {
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	if err := h.history.Delete(r.Context(), id, owner); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	owner, err := ownerFromQuery(r)
	if err != nil || owner.Zero() {
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	if err := h.history.DeletePatient(r.Context(), id, owner); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	purchase, err := h.purchases.CreatePurchase(r.Context(), req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]int64{"compraId": purchase.ID})
}

func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	var req model.ConfirmPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.PurchaseID == 0 {
		h.respondError(w, http.StatusBadRequest, "missing_compra_id")
		return
	}

	found, err := h.purchases.Confirm(r.Context(), req.PurchaseID, req.ProviderTxnID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !found {
		h.respondError(w, http.StatusNotFound, "compra_not_found")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) ListPendingPurchases(w http.ResponseWriter, r *http.Request) {
	var clinicID *int64
	if raw := r.URL.Query().Get("clinica_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_clinica_id")
			return
		}
		clinicID = &id
	}

	purchases, err := h.purchases.ListPending(r.Context(), clinicID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, purchases)
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	purchase, err := h.purchases.GetPurchase(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrPurchaseNotFound) {
			h.respondError(w, http.StatusNotFound, "compra_not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, purchase)
}

func (h *Handler) ListPurchaseApplications(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	applications, err := h.purchases.Applications(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrPurchaseNotFound) {
			h.respondError(w, http.StatusNotFound, "compra_not_found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if applications == nil {
		applications = []model.PurchaseApplication{}
	}
	h.respondJSON(w, http.StatusOK, applications)
}

func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromQuery(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_owner")
		return
	}

	var (
		target   model.TargetType
		targetID int64
	)
	switch {
	case owner.ClinicID != nil:
		target, targetID = model.TargetClinic, *owner.ClinicID
	case owner.DoctorID != nil:
		target, targetID = model.TargetDoctor, *owner.DoctorID
	default:
		h.respondError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	granted, err := h.purchases.GrantedCapacity(r.Context(), target, targetID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"tipo":       target,
		"destino_id": targetID,
		"otorgados":  granted,
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// ownerFromQuery reads the tenant scope from clinica_id/doctor_id query
// params. Both absent yields a zero owner; the endpoints that require one
// reject it.
func ownerFromQuery(r *http.Request) (model.Owner, error) {
	var owner model.Owner
	if raw := r.URL.Query().Get("clinica_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return owner, err
		}
		owner.ClinicID = &id
	}
	if raw := r.URL.Query().Get("doctor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return owner, err
		}
		owner.DoctorID = &id
	}
	return owner, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
