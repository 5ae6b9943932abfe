package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
)

func (h *Handlers) listWeeklyRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.admin.ListWeeklyRules(r.Context())
	if err != nil {
		handleScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handlers) createWeeklyRule(w http.ResponseWriter, r *http.Request) {
	var req WeeklyRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	rule, err := h.admin.AddWeeklyRule(r.Context(), appointment.WeeklyScheduleRule{
		Weekday:   req.Weekday,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		handleScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) deleteWeeklyRule(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteWeeklyRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleScheduleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listExceptions serves ?from=&to=, both inclusive and defaulting to today.
func (h *Handlers) listExceptions(w http.ResponseWriter, r *http.Request) {
	today := calendar.DateKey(h.now(), h.loc())
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" {
		from = today
	}
	if to == "" {
		to = from
	}
	for _, key := range []string{from, to} {
		if _, err := calendar.ParseDate(key, h.loc()); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
	}

	exs, err := h.admin.ListExceptions(r.Context(), from, to)
	if err != nil {
		handleScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exs)
}

func (h *Handlers) createException(w http.ResponseWriter, r *http.Request) {
	var req ExceptionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	if (req.StartTime == "") != (req.EndTime == "") {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "start_time and end_time go together")
		return
	}

	ex := appointment.ScheduleException{ExceptionDate: req.Date, Reason: req.Reason}
	if req.StartTime != "" {
		start, err := localTime(req.Date, req.StartTime, h.loc())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
			return
		}
		end, err := localTime(req.Date, req.EndTime, h.loc())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
			return
		}
		start, end = start.UTC(), end.UTC()
		ex.StartTime, ex.EndTime = &start, &end
	}

	created, err := h.admin.AddException(r.Context(), ex)
	if err != nil {
		handleScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) deleteException(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteException(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleScheduleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calendar.ErrOfflineUnsupported):
		writeError(w, http.StatusServiceUnavailable, "offline_unsupported", err.Error())
	case errors.Is(err, appointment.ErrRuleNotFound),
		errors.Is(err, appointment.ErrExceptionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidRecord),
		errors.Is(err, calendar.ErrExceptionOutsideDay):
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, calendar.ErrRuleOverlap),
		errors.Is(err, calendar.ErrFullDayExists),
		errors.Is(err, calendar.ErrExceptionOverlap),
		errors.Is(err, calendar.ErrExceptionOutsideHours):
		writeError(w, http.StatusConflict, "schedule_conflict", err.Error())
	default:
		handleOfflineError(w, err)
	}
}

func (h *Handlers) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Sync(r.Context())
	if err != nil {
		if res != nil {
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
		handleOfflineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		handleOfflineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
