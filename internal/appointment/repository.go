package appointment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrRuleNotFound        = errors.New("weekly schedule rule not found")
	ErrExceptionNotFound   = errors.New("schedule exception not found")
)

// Repository is the remote source of truth. Inserts return the canonical
// stored row, which callers adopt as the new local truth.
type Repository interface {
	Ping(ctx context.Context) error

	// Clinic calendar
	ListWeeklyRules(ctx context.Context) ([]WeeklyScheduleRule, error)
	ListWeeklyRulesByWeekday(ctx context.Context, weekday int) ([]WeeklyScheduleRule, error)
	InsertWeeklyRule(ctx context.Context, r WeeklyScheduleRule) (*WeeklyScheduleRule, error)
	DeleteWeeklyRule(ctx context.Context, id string) error

	// from and to are inclusive YYYY-MM-DD keys.
	ListExceptions(ctx context.Context, from, to string) ([]ScheduleException, error)
	InsertException(ctx context.Context, e ScheduleException) (*ScheduleException, error)
	DeleteException(ctx context.Context, id string) error

	// Appointments with from <= appointment_time < to; empty statuses means all.
	ListAppointmentsBetween(ctx context.Context, from, to time.Time, statuses []Status) ([]Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	// InsertAppointment keeps a non-empty a.ID and returns the stored row
	// unchanged when that id already exists, so a retried insert never
	// creates a second row.
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, id string, patch AppointmentPatch) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id string) error

	ListPatients(ctx context.Context) ([]Patient, error)
	FindPatients(ctx context.Context, q PatientQuery) ([]Patient, error)
	GetPatient(ctx context.Context, id string) (*Patient, error)
	// InsertPatient follows InsertAppointment's id rules.
	InsertPatient(ctx context.Context, p Patient) (*Patient, error)
	UpdatePatient(ctx context.Context, id string, patch PatientPatch) (*Patient, error)
	DeletePatient(ctx context.Context, id string) error
}
