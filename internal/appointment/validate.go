package appointment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/clinic-scheduling/internal/interval"
)

var (
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnavailable is returned by repositories that know the remote is unreachable.
	ErrUnavailable = errors.New("backend unavailable")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
}

func ValidateAppointment(a Appointment) error {
	if err := Validator().Struct(a); err != nil {
		return invalid(err)
	}
	if !a.Status.Valid() {
		return invalid(fmt.Errorf("unknown status %q", a.Status))
	}
	return nil
}

func ValidateAppointmentPatch(p AppointmentPatch) error {
	if err := Validator().Struct(p); err != nil {
		return invalid(err)
	}
	if p.Status != nil && !p.Status.Valid() {
		return invalid(fmt.Errorf("unknown status %q", *p.Status))
	}
	return nil
}

func ValidatePatient(p Patient) error {
	if err := Validator().Struct(p); err != nil {
		return invalid(err)
	}
	return nil
}

func ValidatePatientPatch(p PatientPatch) error {
	if err := Validator().Struct(p); err != nil {
		return invalid(err)
	}
	return nil
}

// RuleInterval converts a rule to minutes-of-day, enforcing start < end.
func RuleInterval(r WeeklyScheduleRule) (interval.Interval, error) {
	if err := Validator().Struct(r); err != nil {
		return interval.Interval{}, invalid(err)
	}
	start, err := interval.ParseMinute(r.StartTime)
	if err != nil {
		return interval.Interval{}, invalid(err)
	}
	end, err := interval.ParseMinute(r.EndTime)
	if err != nil {
		return interval.Interval{}, invalid(err)
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return interval.Interval{}, invalid(err)
	}
	return iv, nil
}

func ValidateException(e ScheduleException) error {
	if err := Validator().Struct(e); err != nil {
		return invalid(err)
	}
	if e.FullDay() {
		return nil
	}
	if e.StartTime == nil || e.EndTime == nil {
		return invalid(errors.New("partial exception needs both start_time and end_time"))
	}
	if !e.StartTime.Before(*e.EndTime) {
		return invalid(errors.New("exception start_time must be before end_time"))
	}
	return nil
}

// IsTransient reports errors worth retrying later: timeouts, refused or
// dropped connections. Validation and not-found errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
