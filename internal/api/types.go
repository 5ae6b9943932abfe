package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/interval"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

type BookAppointmentRequest struct {
	PatientID       *string `json:"patient_id" validate:"omitempty,min=1"`
	Date            string  `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string  `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int     `json:"duration_minutes" validate:"required,gt=0,lte=480"`
	Status          string  `json:"status" validate:"omitempty,oneof=scheduled approved"`
	Reason          string  `json:"reason" validate:"max=500"`
	Notes           string  `json:"notes" validate:"max=2000"`
	IsException     bool    `json:"is_exception"`
	CreatedBy       string  `json:"created_by" validate:"max=120"`
	Policy          string  `json:"policy" validate:"omitempty,oneof=admin public"`
}

type RescheduleAppointmentRequest struct {
	Date            string  `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string  `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes *int    `json:"duration_minutes" validate:"omitempty,gt=0,lte=480"`
	Reason          *string `json:"reason" validate:"omitempty,max=500"`
	Notes           *string `json:"notes" validate:"omitempty,max=2000"`
	Policy          string  `json:"policy" validate:"omitempty,oneof=admin public"`
}

// AppointmentResponse adds the clinic-local date and time and the
// effective status to the stored record.
type AppointmentResponse struct {
	appointment.Appointment
	EffectiveStatus appointment.Status `json:"effective_status"`
	Date            string             `json:"date"`
	Time            string             `json:"time"`
	Local           bool               `json:"local"`
}

type AvailabilityResponse struct {
	Date     string       `json:"date"`
	Duration int          `json:"duration_minutes"`
	Policy   string       `json:"policy"`
	State    slots.State  `json:"state"`
	Working  []string     `json:"working"`
	Free     []string     `json:"free"`
	Slots    []slots.Slot `json:"slots"`
}

type StartTimesResponse struct {
	Date  string   `json:"date"`
	Times []string `json:"times"`
}

type NextAvailableResponse struct {
	From string  `json:"from"`
	Date *string `json:"date"`
}

type WeeklyRuleRequest struct {
	Weekday   int    `json:"weekday" validate:"min=0,max=6"`
	StartTime string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime   string `json:"end_time" validate:"required,datetime=15:04"`
}

// ExceptionRequest omits both times for a full-day closure.
type ExceptionRequest struct {
	Date      string  `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string  `json:"start_time" validate:"omitempty,datetime=15:04"`
	EndTime   string  `json:"end_time" validate:"omitempty,datetime=15:04"`
	Reason    *string `json:"reason" validate:"omitempty,max=500"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decode reads a JSON body into dst and runs the struct validator on it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: could not parse JSON: %v", errBadRequest, err)
	}
	if err := appointment.Validator().Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %s", errBadRequest, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// localTime combines a date key and an HH:MM wall clock time in loc.
func localTime(date, hhmm string, loc *time.Location) (time.Time, error) {
	day, err := calendar.ParseDate(date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	m, err := interval.ParseMinute(hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return calendar.At(day, m), nil
}

func toAppointmentResponse(a appointment.Appointment, loc *time.Location, now time.Time) AppointmentResponse {
	local := a.AppointmentTime.In(loc)
	return AppointmentResponse{
		Appointment:     a,
		EffectiveStatus: a.EffectiveStatus(now),
		Date:            local.Format("2006-01-02"),
		Time:            interval.FormatMinute(interval.MinuteOf(a.AppointmentTime, loc)),
		Local:           appointment.IsLocalID(a.ID),
	}
}

func toAppointmentResponses(appts []appointment.Appointment, loc *time.Location, now time.Time) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a, loc, now))
	}
	return out
}

func intervalStrings(ivs []interval.Interval) []string {
	out := make([]string, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, iv.String())
	}
	return out
}
