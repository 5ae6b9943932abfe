package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/offline"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// Handlers serves the availability and appointment endpoints.
type Handlers struct {
	booking *booking.Service
	admin   *calendar.Admin
	engine  *offline.Engine
	now     func() time.Time
}

func (h *Handlers) loc() *time.Location {
	return h.booking.Location()
}

// dayQuery reads ?date=, ?duration= and ?policy=.
func (h *Handlers) dayQuery(r *http.Request, dateParam string) (time.Time, int, slots.Policy, error) {
	q := r.URL.Query()
	raw := q.Get(dateParam)
	var day time.Time
	if raw == "" {
		day = calendar.DayStart(h.now(), h.loc())
	} else {
		d, err := calendar.ParseDate(raw, h.loc())
		if err != nil {
			return time.Time{}, 0, slots.Policy{}, errBadRequest
		}
		day = d
	}

	duration := 30
	if v := q.Get("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 480 {
			return time.Time{}, 0, slots.Policy{}, errBadRequest
		}
		duration = n
	}
	return day, duration, slots.PolicyByName(q.Get("policy")), nil
}

func (h *Handlers) availability(w http.ResponseWriter, r *http.Request) {
	day, duration, policy, err := h.dayQuery(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "date must be YYYY-MM-DD and duration a positive number of minutes")
		return
	}

	res, err := h.booking.AvailableSlots(r.Context(), day, duration, policy)
	if err != nil {
		handleAppointmentError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{
		Date:     res.Day.Key,
		Duration: duration,
		Policy:   policy.Name,
		State:    res.State,
		Working:  intervalStrings(res.Day.Working),
		Free:     intervalStrings(res.Day.Free),
		Slots:    res.Slots,
	})
}

func (h *Handlers) startTimes(w http.ResponseWriter, r *http.Request) {
	day, duration, policy, err := h.dayQuery(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "date must be YYYY-MM-DD and duration a positive number of minutes")
		return
	}

	times, err := h.booking.StartTimes(r.Context(), day, duration, policy, r.URL.Query().Get("exclude"))
	if err != nil {
		handleAppointmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StartTimesResponse{Date: calendar.DateKey(day, h.loc()), Times: times})
}

func (h *Handlers) nextAvailable(w http.ResponseWriter, r *http.Request) {
	from, duration, policy, err := h.dayQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "from must be YYYY-MM-DD and duration a positive number of minutes")
		return
	}

	next, err := h.booking.NextAvailable(r.Context(), from, duration, policy)
	if err != nil {
		handleAppointmentError(w, err)
		return
	}
	resp := NextAvailableResponse{From: calendar.DateKey(from, h.loc())}
	if next != nil {
		key := calendar.DateKey(*next, h.loc())
		resp.Date = &key
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	start, err := localTime(req.Date, req.Time, h.loc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return
	}

	appt, err := h.booking.Book(r.Context(), booking.BookRequest{
		PatientID:       req.PatientID,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Status:          appointment.Status(req.Status),
		Reason:          req.Reason,
		Notes:           req.Notes,
		IsException:     req.IsException,
		CreatedBy:       req.CreatedBy,
		Policy:          slots.PolicyByName(req.Policy),
	})
	if err != nil {
		handleAppointmentError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt, h.loc(), h.now()))
}

// listAppointments serves ?date= (one clinic day) or ?patient_id=.
func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		appts []appointment.Appointment
		err   error
	)
	if patientID := q.Get("patient_id"); patientID != "" {
		appts, err = h.booking.ListByPatient(r.Context(), patientID)
	} else {
		day, _, _, qerr := h.dayQuery(r, "date")
		if qerr != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "date must be YYYY-MM-DD")
			return
		}
		appts, err = h.booking.ListDay(r.Context(), day)
	}
	if err != nil {
		handleAppointmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponses(appts, h.loc(), h.now()))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.booking.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleAppointmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc(), h.now()))
}

func (h *Handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req RescheduleAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	start, err := localTime(req.Date, req.Time, h.loc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return
	}

	appt, err := h.booking.Reschedule(r.Context(), chi.URLParam(r, "id"), booking.RescheduleRequest{
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Reason:          req.Reason,
		Notes:           req.Notes,
		Policy:          slots.PolicyByName(req.Policy),
	})
	if err != nil {
		handleAppointmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc(), h.now()))
}

func (h *Handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	if err := h.booking.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleAppointmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition serves approve, reject and cancel.
func (h *Handlers) transition(action func(*booking.Service, context.Context, string) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := action(h.booking, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handleAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc(), h.now()))
	}
}

func handleAppointmentError(w http.ResponseWriter, err error) {
	var conflict *booking.OverlapConflictError
	var fetch *calendar.ScheduleFetchError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "overlap_conflict", conflict.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidRecord),
		errors.Is(err, booking.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_appointment", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrDayBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "day_being_booked", "day is currently being booked, please retry shortly")
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.As(err, &fetch):
		writeError(w, http.StatusServiceUnavailable, "availability_unavailable", "could not load availability, please retry")
	default:
		handleOfflineError(w, err)
	}
}

// handleOfflineError covers failures shared by every resource.
func handleOfflineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offline.ErrNoLocalStore):
		writeError(w, http.StatusServiceUnavailable, "offline_storage_disabled", err.Error())
	case errors.Is(err, offline.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "backend_offline", err.Error())
	case errors.Is(err, offline.ErrSyncBusy):
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case appointment.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
