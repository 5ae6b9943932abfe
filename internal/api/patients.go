package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/booking"
)

func (h *Handlers) createPatient(w http.ResponseWriter, r *http.Request) {
	var req appointment.Patient
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	p, err := h.booking.CreatePatient(r.Context(), req)
	if err != nil {
		handlePatientError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// findPatients matches on ?amka=, ?phone= or ?last_name= (+ ?first_name=).
func (h *Handlers) findPatients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ps, err := h.booking.FindPatients(r.Context(), appointment.PatientQuery{
		AMKA:      q.Get("amka"),
		Phone:     q.Get("phone"),
		LastName:  q.Get("last_name"),
		FirstName: q.Get("first_name"),
	})
	if err != nil {
		handlePatientError(w, err)
		return
	}
	if ps == nil {
		ps = []appointment.Patient{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handlers) getPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.booking.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handlePatientError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) updatePatient(w http.ResponseWriter, r *http.Request) {
	var patch appointment.PatientPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	p, err := h.booking.UpdatePatient(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		handlePatientError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) deletePatient(w http.ResponseWriter, r *http.Request) {
	if err := h.booking.DeletePatient(r.Context(), chi.URLParam(r, "id")); err != nil {
		handlePatientError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePatientError(w http.ResponseWriter, err error) {
	var dup *booking.DuplicatePatientError
	switch {
	case errors.As(err, &dup):
		writeError(w, http.StatusConflict, "duplicate_patient", dup.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "invalid_patient", err.Error())
	default:
		handleOfflineError(w, err)
	}
}
