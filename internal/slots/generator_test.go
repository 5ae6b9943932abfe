package slots

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

type scheduleStub struct {
	rules      []appointment.WeeklyScheduleRule
	exceptions []appointment.ScheduleException
}

func (s *scheduleStub) WeeklyRules(_ context.Context, weekday int) ([]appointment.WeeklyScheduleRule, error) {
	var out []appointment.WeeklyScheduleRule
	for _, r := range s.rules {
		if r.Weekday == weekday {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *scheduleStub) Exceptions(_ context.Context, key string) ([]appointment.ScheduleException, error) {
	var out []appointment.ScheduleException
	for _, e := range s.exceptions {
		if e.ExceptionDate == key {
			out = append(out, e)
		}
	}
	return out, nil
}

type bookingStub struct {
	appts []appointment.Appointment
	err   error
}

func (b *bookingStub) AppointmentsOn(_ context.Context, day time.Time) ([]appointment.Appointment, error) {
	if b.err != nil {
		return nil, b.err
	}
	next := calendar.AddDays(day, 1)
	var out []appointment.Appointment
	for _, a := range b.appts {
		if !a.AppointmentTime.Before(day) && a.AppointmentTime.Before(next) {
			out = append(out, a)
		}
	}
	return out, nil
}

var (
	monday   = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	lastWeek = time.Date(2026, 4, 27, 8, 0, 0, 0, time.UTC)
)

func mondayHours() *scheduleStub {
	return &scheduleStub{rules: []appointment.WeeklyScheduleRule{
		{ID: "r1", Weekday: int(time.Monday), StartTime: "09:00", EndTime: "13:00"},
	}}
}

func booked(id string, h, m, duration int, status appointment.Status) appointment.Appointment {
	return appointment.Appointment{
		ID:              id,
		AppointmentTime: time.Date(2026, 5, 4, h, m, 0, 0, time.UTC),
		DurationMinutes: duration,
		Status:          status,
	}
}

func newGen(sched *scheduleStub, book *bookingStub, now time.Time) *Generator {
	return NewGenerator(calendar.NewResolver(sched, time.UTC), book, WithClock(func() time.Time { return now }))
}

func times(slots []Slot) string {
	var parts []string
	for _, s := range slots {
		mark := ""
		if !s.Available {
			mark = "x"
		}
		parts = append(parts, s.Time+mark)
	}
	return strings.Join(parts, ",")
}

func TestGenerate_HalfHourGrid(t *testing.T) {
	g := newGen(mondayHours(), &bookingStub{}, lastWeek)

	got, err := g.Generate(context.Background(), monday, 30, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "09:00,09:30,10:00,10:30,11:00,11:30,12:00,12:30"
	if times(got.Slots) != want {
		t.Fatalf("slots = %s, want %s", times(got.Slots), want)
	}
	if got.State != StateAvailable {
		t.Errorf("state = %s", got.State)
	}
}

func TestGenerate_QuarterHourOffersLastQuarter(t *testing.T) {
	g := newGen(mondayHours(), &bookingStub{}, lastWeek)

	got, err := g.Generate(context.Background(), monday, 15, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Slots) != 16 {
		t.Fatalf("expected 16 quarter-hour slots, got %d: %s", len(got.Slots), times(got.Slots))
	}
	last := got.Slots[len(got.Slots)-1]
	if last.Time != "12:45" || !last.Available {
		t.Errorf("last slot = %+v, want available 12:45", last)
	}
}

func TestGenerate_AlignmentOnlyForHalfHour(t *testing.T) {
	g := newGen(mondayHours(), &bookingStub{}, lastWeek)

	half, _ := g.Generate(context.Background(), monday, 30, PublicPolicy)
	for _, s := range half.Slots {
		if !strings.HasSuffix(s.Time, ":00") && !strings.HasSuffix(s.Time, ":30") {
			t.Errorf("30-minute booking offered misaligned start %s", s.Time)
		}
	}

	got, _ := g.Generate(context.Background(), monday, 45, PublicPolicy)
	if !strings.Contains(times(got.Slots), "09:15") {
		t.Errorf("45-minute booking should be able to start at 09:15: %s", times(got.Slots))
	}
}

func TestGenerate_BookedHalfHourBlocksItsWindow(t *testing.T) {
	book := &bookingStub{appts: []appointment.Appointment{booked("a1", 10, 0, 30, appointment.StatusApproved)}}
	g := newGen(mondayHours(), book, lastWeek)

	got, err := g.Generate(context.Background(), monday, 30, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "09:00,09:30,10:00x,10:30,11:00,11:30,12:00,12:30"
	if times(got.Slots) != want {
		t.Fatalf("slots = %s, want %s", times(got.Slots), want)
	}

	got, _ = g.Generate(context.Background(), monday, 45, AdminPolicy)
	if !strings.Contains(times(got.Slots), "09:30x") || !strings.Contains(times(got.Slots), "09:15,") {
		t.Errorf("45-minute 09:30 should collide with 10:00 booking and 09:15 should fit: %s", times(got.Slots))
	}
}

func TestGenerate_OnlyOccupyingStatusesBlock(t *testing.T) {
	book := &bookingStub{appts: []appointment.Appointment{
		booked("s", 9, 0, 30, appointment.StatusScheduled),
		booked("r", 9, 30, 30, appointment.StatusRejected),
		booked("c", 10, 0, 30, appointment.StatusCompleted),
	}}
	g := newGen(mondayHours(), book, lastWeek)

	admin, _ := g.Generate(context.Background(), monday, 30, AdminPolicy)
	if !strings.HasPrefix(times(admin.Slots), "09:00,09:30,10:00,") {
		t.Errorf("admin view: %s", times(admin.Slots))
	}

	public, _ := g.Generate(context.Background(), monday, 30, PublicPolicy)
	if !strings.HasPrefix(times(public.Slots), "09:00,09:30,10:00x,") {
		t.Errorf("public view should treat completed as occupying: %s", times(public.Slots))
	}
}

func TestGenerate_QuarterHourAdjacency(t *testing.T) {
	book := &bookingStub{appts: []appointment.Appointment{booked("q", 10, 0, 15, appointment.StatusApproved)}}
	g := newGen(mondayHours(), book, lastWeek)

	got, err := g.Generate(context.Background(), monday, 15, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]bool{
		"09:00": true,  // first candidate of the day
		"09:15": false, // isolated
		"09:30": false,
		"09:45": true, // right before the booking
		"10:00": false,
		"10:15": true, // right after the booking
		"10:30": false,
		"12:45": false,
	}
	for _, s := range got.Slots {
		if exp, ok := want[s.Time]; ok && s.Available != exp {
			t.Errorf("%s available = %v, want %v", s.Time, s.Available, exp)
		}
	}
}

func TestGenerate_QuarterHourWithoutQuarterBookingsIsFree(t *testing.T) {
	book := &bookingStub{appts: []appointment.Appointment{booked("h", 10, 0, 30, appointment.StatusApproved)}}
	g := newGen(mondayHours(), book, lastWeek)

	got, _ := g.Generate(context.Background(), monday, 15, AdminPolicy)
	for _, s := range got.Slots {
		if s.Time == "09:15" && !s.Available {
			t.Error("adjacency rule should apply only when a 15-minute booking exists")
		}
	}
}

func TestGenerate_NoPastSlotsToday(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 10, 0, 0, time.UTC)
	g := newGen(mondayHours(), &bookingStub{}, now)

	got, err := g.Generate(context.Background(), monday, 30, PublicPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range got.Slots {
		m, err := interval.ParseMinute(s.Time)
		if err != nil {
			t.Fatal(err)
		}
		if s.Available && calendar.At(monday, m).Before(now) {
			t.Errorf("past slot %s offered as available", s.Time)
		}
	}
	if !strings.HasPrefix(times(got.Slots), "09:00x,09:30x,10:00x,10:30,") {
		t.Errorf("slots = %s", times(got.Slots))
	}
}

func TestGenerate_EmptyStates(t *testing.T) {
	full := mondayHours()
	full.exceptions = []appointment.ScheduleException{{ID: "e", ExceptionDate: "2026-05-04"}}

	tests := []struct {
		name     string
		sched    *scheduleStub
		duration int
		want     State
	}{
		{"no working hours", &scheduleStub{}, 30, StateNoWorkingHours},
		{"full-day exception", full, 30, StateClosedByException},
		{"nothing fits", mondayHours(), 300, StateNoSlotFits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newGen(tt.sched, &bookingStub{}, lastWeek).Generate(context.Background(), monday, tt.duration, AdminPolicy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.State != tt.want || len(got.Slots) != 0 {
				t.Errorf("state = %s, slots = %s", got.State, times(got.Slots))
			}
		})
	}

	book := &bookingStub{appts: []appointment.Appointment{booked("all", 9, 0, 240, appointment.StatusApproved)}}
	got, _ := newGen(mondayHours(), book, lastWeek).Generate(context.Background(), monday, 30, AdminPolicy)
	if got.State != StateFullyBooked {
		t.Errorf("state = %s, want %s", got.State, StateFullyBooked)
	}
}

func TestGenerate_PartialException(t *testing.T) {
	sched := mondayHours()
	s := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	e := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	sched.exceptions = []appointment.ScheduleException{{ID: "p", ExceptionDate: "2026-05-04", StartTime: &s, EndTime: &e}}

	got, err := newGen(sched, &bookingStub{}, lastWeek).Generate(context.Background(), monday, 30, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "09:00,09:30,10:00,10:30,12:00,12:30"
	if times(got.Slots) != want {
		t.Fatalf("slots = %s, want %s", times(got.Slots), want)
	}
}

func TestGenerate_SourceErrorSurfaces(t *testing.T) {
	boom := errors.New("disk I/O error")
	_, err := newGen(mondayHours(), &bookingStub{err: boom}, lastWeek).Generate(context.Background(), monday, 30, AdminPolicy)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestStartTimes_ExcludesEditedAppointment(t *testing.T) {
	book := &bookingStub{appts: []appointment.Appointment{booked("a1", 10, 0, 30, appointment.StatusApproved)}}
	g := newGen(mondayHours(), book, lastWeek)

	with, err := g.StartTimes(context.Background(), monday, 30, AdminPolicy, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(strings.Join(with, ","), "10:00") {
		t.Errorf("10:00 should be occupied: %v", with)
	}

	without, _ := g.StartTimes(context.Background(), monday, 30, AdminPolicy, "a1")
	if !strings.Contains(strings.Join(without, ","), "10:00") {
		t.Errorf("editing a1 should free its own slot: %v", without)
	}
}
