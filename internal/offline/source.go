package offline

import (
	"context"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
)

// DualSource reads from the Backend while online and from the local
// mirror while offline. A transient Backend failure falls back to the
// mirror for that call. It satisfies calendar.Source and slots.Source.
type DualSource struct {
	engine *Engine
}

func (d *DualSource) remote() bool {
	return d.engine.conn.IsOnline() || d.engine.store == nil
}

// local decides whether a failed Backend read is retried against the mirror.
func (d *DualSource) local(op string, err error) bool {
	if d.engine.store == nil || !appointment.IsTransient(err) {
		return false
	}
	d.engine.logger.Debug().Err(err).Str("op", op).Msg("backend read failed, using local mirror")
	return true
}

func (d *DualSource) WeeklyRules(ctx context.Context, weekday int) ([]appointment.WeeklyScheduleRule, error) {
	if d.remote() {
		bctx, cancel := d.engine.backendCtx(ctx)
		rules, err := d.engine.repo.ListWeeklyRulesByWeekday(bctx, weekday)
		cancel()
		if err == nil || !d.local("weekly rules", err) {
			return rules, err
		}
	}
	return d.engine.store.WeeklyRules(ctx, weekday)
}

func (d *DualSource) Exceptions(ctx context.Context, dateKey string) ([]appointment.ScheduleException, error) {
	if d.remote() {
		bctx, cancel := d.engine.backendCtx(ctx)
		exs, err := d.engine.repo.ListExceptions(bctx, dateKey, dateKey)
		cancel()
		if err == nil || !d.local("exceptions", err) {
			return exs, err
		}
	}
	return d.engine.store.Exceptions(ctx, dateKey)
}

// AppointmentsOn returns every appointment starting on day's local date.
// Offline reads use the appointment_date index.
func (d *DualSource) AppointmentsOn(ctx context.Context, day time.Time) ([]appointment.Appointment, error) {
	if d.remote() {
		from, to := calendar.DayRange(day, d.engine.loc)
		bctx, cancel := d.engine.backendCtx(ctx)
		appts, err := d.engine.repo.ListAppointmentsBetween(bctx, from, to, nil)
		cancel()
		if err == nil || !d.local("appointments", err) {
			return appts, err
		}
	}
	return d.engine.store.AppointmentsOn(ctx, day)
}

func (d *DualSource) GetAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	if d.remote() && !appointment.IsLocalID(id) {
		bctx, cancel := d.engine.backendCtx(ctx)
		a, err := d.engine.repo.GetAppointment(bctx, id)
		cancel()
		if err == nil || !d.local("appointment", err) {
			return a, err
		}
	}
	if d.engine.store == nil {
		return nil, appointment.ErrAppointmentNotFound
	}
	return d.engine.store.GetAppointment(ctx, id)
}

func (d *DualSource) AppointmentsByPatient(ctx context.Context, patientID string) ([]appointment.Appointment, error) {
	if d.remote() && !appointment.IsLocalID(patientID) {
		bctx, cancel := d.engine.backendCtx(ctx)
		appts, err := d.engine.repo.ListAppointmentsByPatient(bctx, patientID)
		cancel()
		if err == nil || !d.local("patient appointments", err) {
			return appts, err
		}
	}
	if d.engine.store == nil {
		return []appointment.Appointment{}, nil
	}
	return d.engine.store.AppointmentsByPatient(ctx, patientID)
}

func (d *DualSource) GetPatient(ctx context.Context, id string) (*appointment.Patient, error) {
	if d.remote() && !appointment.IsLocalID(id) {
		bctx, cancel := d.engine.backendCtx(ctx)
		p, err := d.engine.repo.GetPatient(bctx, id)
		cancel()
		if err == nil || !d.local("patient", err) {
			return p, err
		}
	}
	if d.engine.store == nil {
		return nil, appointment.ErrPatientNotFound
	}
	return d.engine.store.GetPatient(ctx, id)
}

func (d *DualSource) ListPatients(ctx context.Context) ([]appointment.Patient, error) {
	if d.remote() {
		bctx, cancel := d.engine.backendCtx(ctx)
		ps, err := d.engine.repo.ListPatients(bctx)
		cancel()
		if err == nil || !d.local("patients", err) {
			return ps, err
		}
	}
	return d.engine.store.ListPatients(ctx)
}

// FindPatients matches on AMKA, phone or full name. Offline it uses the
// local secondary indexes, which hold the same fields as the Backend.
func (d *DualSource) FindPatients(ctx context.Context, q appointment.PatientQuery) ([]appointment.Patient, error) {
	if d.remote() {
		bctx, cancel := d.engine.backendCtx(ctx)
		ps, err := d.engine.repo.FindPatients(bctx, q)
		cancel()
		if err == nil || !d.local("find patients", err) {
			return ps, err
		}
	}
	return d.engine.store.FindPatients(ctx, q)
}
