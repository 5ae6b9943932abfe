// Package booking is the appointment workflow on top of the slot generator
// and the offline engine: slot queries, submit-time overlap checks, status
// transitions and patient writes.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/interval"
	"github.com/hackgods/clinic-scheduling/internal/offline"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

var (
	ErrOverlapConflict         = errors.New("appointment overlaps an approved appointment")
	ErrSlotUnavailable         = errors.New("start time is not an available slot")
	ErrDayBeingBooked          = errors.New("day is currently being booked, please retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidDuration         = errors.New("duration must be positive")
)

// OverlapConflictError names the approved appointment a write collided with.
type OverlapConflictError struct {
	ConflictID string
	Start      time.Time
	End        time.Time
}

func (e *OverlapConflictError) Error() string {
	return fmt.Sprintf("overlaps approved appointment %s (%s-%s)", e.ConflictID,
		e.Start.Format("15:04"), e.End.Format("15:04"))
}

func (e *OverlapConflictError) Is(target error) bool {
	return target == ErrOverlapConflict
}

// Recorder receives booking telemetry. metrics.Collectors implements it.
type Recorder interface {
	ObserveSlots(policy string, state string, d time.Duration)
	ObserveBooking(action, result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSlots(string, string, time.Duration) {}
func (nopRecorder) ObserveBooking(string, string)              {}

type Service struct {
	engine   *offline.Engine
	slots    *slots.Generator
	locker   redisclient.DayLocker
	local    *redisclient.LocalLocker
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewService wires the workflow. locker may be nil, in which case bookings
// are serialized within this process only.
func NewService(engine *offline.Engine, gen *slots.Generator, locker redisclient.DayLocker, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		slots:    gen,
		locker:   locker,
		local:    redisclient.NewLocalLocker(),
		logger:   logger.With().Str("component", "booking").Logger(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Location() *time.Location {
	return s.engine.Location()
}

// AvailableSlots lists the candidate starts of date under policy.
func (s *Service) AvailableSlots(ctx context.Context, date time.Time, durationMinutes int, policy slots.Policy) (*slots.DayAvailability, error) {
	started := time.Now()
	day, err := s.slots.Generate(ctx, date, durationMinutes, policy)
	if err != nil {
		s.recorder.ObserveSlots(policy.Name, "error", time.Since(started))
		return nil, err
	}
	s.recorder.ObserveSlots(policy.Name, string(day.State), time.Since(started))
	return day, nil
}

// StartTimes returns the available starts for editing appointment excludeID.
func (s *Service) StartTimes(ctx context.Context, date time.Time, durationMinutes int, policy slots.Policy, excludeID string) ([]string, error) {
	return s.slots.StartTimes(ctx, date, durationMinutes, policy, excludeID)
}

func (s *Service) NextAvailable(ctx context.Context, from time.Time, durationMinutes int, policy slots.Policy) (*time.Time, error) {
	return s.slots.FindNextAvailable(ctx, from, durationMinutes, policy)
}

type BookRequest struct {
	PatientID       *string
	Start           time.Time
	DurationMinutes int
	// Status defaults to scheduled. Reception books straight to approved.
	Status      appointment.Status
	Reason      string
	Notes       string
	IsException bool
	CreatedBy   string
	Policy      slots.Policy
}

// Book creates an appointment. Unless it is an exception booking, the start
// must be one of the available slots under req.Policy and must not overlap
// an approved appointment at the moment of the insert.
func (s *Service) Book(ctx context.Context, req BookRequest) (*appointment.Appointment, error) {
	if req.DurationMinutes <= 0 {
		return nil, ErrInvalidDuration
	}
	if req.Status == "" {
		req.Status = appointment.StatusScheduled
	}
	if req.Status != appointment.StatusScheduled && req.Status != appointment.StatusApproved {
		return nil, fmt.Errorf("%w: cannot book as %s", ErrInvalidStatusTransition, req.Status)
	}
	if req.PatientID != nil {
		if _, err := s.engine.Source().GetPatient(ctx, *req.PatientID); err != nil {
			if errors.Is(err, appointment.ErrPatientNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load patient: %w", err)
		}
	}

	appt := appointment.Appointment{
		PatientID:       req.PatientID,
		AppointmentTime: req.Start.UTC(),
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		Reason:          req.Reason,
		Notes:           req.Notes,
		IsException:     req.IsException,
		CreatedBy:       req.CreatedBy,
	}

	if req.IsException {
		created, err := s.engine.CreateAppointment(ctx, appt)
		s.observe("book", err)
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("appointment_id", created.ID).Time("start", created.AppointmentTime).
			Bool("is_exception", true).Msg("appointment booked")
		return created, nil
	}

	if err := s.checkListed(ctx, req.Start, req.DurationMinutes, req.Policy); err != nil {
		s.observe("book", err)
		return nil, err
	}

	var created *appointment.Appointment
	err := s.withDayLock(ctx, req.Start, func(lockCtx context.Context) error {
		// Re-check inside the critical section
		if err := s.checkOverlap(lockCtx, req.Start, req.DurationMinutes, ""); err != nil {
			return err
		}
		a, err := s.engine.CreateAppointment(lockCtx, appt)
		if err != nil {
			return err
		}
		created = a
		return nil
	})
	s.observe("book", err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", created.ID).Time("start", created.AppointmentTime).
		Int("duration", created.DurationMinutes).Str("status", string(created.Status)).Msg("appointment booked")
	return created, nil
}

// Approve moves a scheduled appointment to approved after re-checking overlap.
func (s *Service) Approve(ctx context.Context, id string) (*appointment.Appointment, error) {
	appt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != appointment.StatusScheduled {
		return nil, ErrInvalidStatusTransition
	}

	var updated *appointment.Appointment
	err = s.withDayLock(ctx, appt.AppointmentTime, func(lockCtx context.Context) error {
		if !appt.IsException {
			if err := s.checkOverlap(lockCtx, appt.AppointmentTime, appt.DurationMinutes, appt.ID); err != nil {
				return err
			}
		}
		u, err := s.setStatus(lockCtx, appt.ID, appointment.StatusApproved)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	s.observe("approve", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reject moves a scheduled appointment to rejected.
func (s *Service) Reject(ctx context.Context, id string) (*appointment.Appointment, error) {
	appt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != appointment.StatusScheduled {
		return nil, ErrInvalidStatusTransition
	}
	updated, err := s.setStatus(ctx, id, appointment.StatusRejected)
	s.observe("reject", err)
	return updated, err
}

// Cancel moves an approved appointment that has not started yet to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*appointment.Appointment, error) {
	appt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.EffectiveStatus(s.now()) != appointment.StatusApproved {
		return nil, ErrInvalidStatusTransition
	}
	updated, err := s.setStatus(ctx, id, appointment.StatusCancelled)
	s.observe("cancel", err)
	return updated, err
}

type RescheduleRequest struct {
	Start           time.Time
	DurationMinutes *int
	Reason          *string
	Notes           *string
	Policy          slots.Policy
}

// Reschedule moves a scheduled or approved, not yet started appointment.
// The new start must be one of the edit view's start times, which ignore the
// appointment itself.
func (s *Service) Reschedule(ctx context.Context, id string, req RescheduleRequest) (*appointment.Appointment, error) {
	appt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch appt.EffectiveStatus(s.now()) {
	case appointment.StatusScheduled, appointment.StatusApproved:
	default:
		return nil, ErrInvalidStatusTransition
	}

	duration := appt.DurationMinutes
	if req.DurationMinutes != nil {
		duration = *req.DurationMinutes
	}
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}

	if !appt.IsException {
		times, err := s.slots.StartTimes(ctx, req.Start, duration, req.Policy, appt.ID)
		if err != nil {
			return nil, err
		}
		if !contains(times, interval.FormatMinute(interval.MinuteOf(req.Start, s.Location()))) {
			s.observe("reschedule", ErrSlotUnavailable)
			return nil, ErrSlotUnavailable
		}
	}

	start := req.Start.UTC()
	patch := appointment.AppointmentPatch{
		AppointmentTime: &start,
		DurationMinutes: &duration,
		Reason:          req.Reason,
		Notes:           req.Notes,
	}

	var updated *appointment.Appointment
	err = s.withDayLock(ctx, req.Start, func(lockCtx context.Context) error {
		if !appt.IsException {
			if err := s.checkOverlap(lockCtx, req.Start, duration, appt.ID); err != nil {
				return err
			}
		}
		u, err := s.engine.UpdateAppointment(lockCtx, appt.ID, patch)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	s.observe("reschedule", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.engine.DeleteAppointment(ctx, id)
	s.observe("delete", err)
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*appointment.Appointment, error) {
	appt, err := s.engine.Source().GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListDay returns the appointments starting on date, ordered by start.
func (s *Service) ListDay(ctx context.Context, date time.Time) ([]appointment.Appointment, error) {
	appts, err := s.engine.Source().AppointmentsOn(ctx, calendar.DayStart(date, s.Location()))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	sort.SliceStable(appts, func(i, j int) bool {
		return appts[i].AppointmentTime.Before(appts[j].AppointmentTime)
	})
	return appts, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]appointment.Appointment, error) {
	appts, err := s.engine.Source().AppointmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) setStatus(ctx context.Context, id string, status appointment.Status) (*appointment.Appointment, error) {
	updated, err := s.engine.UpdateAppointment(ctx, id, appointment.AppointmentPatch{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", status, err)
	}
	s.logger.Info().Str("appointment_id", id).Str("status", string(status)).Msg("appointment status changed")
	return updated, nil
}

// checkListed verifies start is an available slot of its day under policy.
func (s *Service) checkListed(ctx context.Context, start time.Time, duration int, policy slots.Policy) error {
	day, err := s.slots.Generate(ctx, start, duration, policy)
	if err != nil {
		return err
	}
	want := interval.FormatMinute(interval.MinuteOf(start, s.Location()))
	for _, slot := range day.Slots {
		if slot.Time == want && slot.Available {
			return nil
		}
	}
	return ErrSlotUnavailable
}

// checkOverlap re-reads the day and fails on any approved appointment that
// overlaps [start, start+duration).
func (s *Service) checkOverlap(ctx context.Context, start time.Time, duration int, excludeID string) error {
	appts, err := s.engine.Source().AppointmentsOn(ctx, calendar.DayStart(start, s.Location()))
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	end := start.Add(time.Duration(duration) * time.Minute)
	for _, a := range appts {
		if a.ID == excludeID || a.Status != appointment.StatusApproved {
			continue
		}
		if start.Before(a.End()) && a.AppointmentTime.Before(end) {
			return &OverlapConflictError{
				ConflictID: a.ID,
				Start:      a.AppointmentTime.In(s.Location()),
				End:        a.End().In(s.Location()),
			}
		}
	}
	return nil
}

// withDayLock runs fn under the shared Redis lock while online. Offline
// writes stay on this device and only need the in-process lock.
func (s *Service) withDayLock(ctx context.Context, at time.Time, fn func(ctx context.Context) error) error {
	key := calendar.DateKey(at, s.Location())
	locker := redisclient.DayLocker(s.local)
	if s.locker != nil && s.engine.Online() {
		locker = s.locker
	}
	err := locker.WithDayLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrDayBeingBooked
	}
	return err
}

func (s *Service) observe(action string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrOverlapConflict):
		result = "conflict"
	case errors.Is(err, ErrSlotUnavailable):
		result = "slot_unavailable"
	case errors.Is(err, ErrDayBeingBooked):
		result = "locked"
	default:
		result = "error"
	}
	s.recorder.ObserveBooking(action, result)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
