package appointment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		status Status
		start  time.Time
		want   Status
	}{
		{StatusApproved, now.Add(-time.Hour), StatusCompleted},
		{StatusApproved, now.Add(time.Hour), StatusApproved},
		{StatusScheduled, now.Add(-time.Hour), StatusScheduled},
		{StatusCancelled, now.Add(-time.Hour), StatusCancelled},
	}
	for _, tt := range tests {
		a := Appointment{Status: tt.status, AppointmentTime: tt.start}
		if got := a.EffectiveStatus(now); got != tt.want {
			t.Errorf("EffectiveStatus(%s at %s) = %s, want %s", tt.status, tt.start, got, tt.want)
		}
		if a.Status != tt.status {
			t.Errorf("stored status mutated to %s", a.Status)
		}
	}
}

func TestAppointmentPatchApply(t *testing.T) {
	base := Appointment{ID: "a1", DurationMinutes: 30, Status: StatusApproved, Notes: "n"}
	d := 45
	st := StatusCancelled
	got := AppointmentPatch{DurationMinutes: &d, Status: &st}.Apply(base)
	if got.DurationMinutes != 45 || got.Status != StatusCancelled {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.Notes != "n" || got.ID != "a1" {
		t.Fatalf("untouched fields changed: %+v", got)
	}
}

func TestValidateAppointment(t *testing.T) {
	ok := Appointment{AppointmentTime: time.Now(), DurationMinutes: 30, Status: StatusScheduled}
	if err := ValidateAppointment(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := ok
	bad.DurationMinutes = 0
	if err := ValidateAppointment(bad); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for zero duration, got %v", err)
	}

	bad = ok
	bad.Status = "pending"
	if err := ValidateAppointment(bad); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for unknown status, got %v", err)
	}
}

func TestValidatePatient(t *testing.T) {
	p := Patient{FirstName: "Maria", LastName: "Papadopoulou", AMKA: "01019012345"}
	if err := ValidatePatient(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.AMKA = "123"
	if err := ValidatePatient(p); err == nil {
		t.Error("expected error for short AMKA")
	}
}

func TestRuleInterval(t *testing.T) {
	iv, err := RuleInterval(WeeklyScheduleRule{Weekday: 1, StartTime: "09:00", EndTime: "13:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iv.Start != 540 || iv.End != 780 {
		t.Errorf("got %v", iv)
	}
	if _, err := RuleInterval(WeeklyScheduleRule{Weekday: 1, StartTime: "13:00", EndTime: "09:00"}); err == nil {
		t.Error("expected error when start >= end")
	}
	if _, err := RuleInterval(WeeklyScheduleRule{Weekday: 7, StartTime: "09:00", EndTime: "10:00"}); err == nil {
		t.Error("expected error for weekday 7")
	}
}

func TestValidateException(t *testing.T) {
	full := ScheduleException{ExceptionDate: "2026-05-04"}
	if err := ValidateException(full); err != nil {
		t.Fatalf("full-day: %v", err)
	}
	s := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	half := ScheduleException{ExceptionDate: "2026-05-04", StartTime: &s}
	if err := ValidateException(half); err == nil {
		t.Error("expected error for one-sided partial exception")
	}
	if err := ValidateException(ScheduleException{ExceptionDate: "04/05/2026"}); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrUnavailable) {
		t.Error("ErrUnavailable should be transient")
	}
	if !IsTransient(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Error("deadline exceeded should be transient")
	}
	if IsTransient(ErrAppointmentNotFound) {
		t.Error("not found should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestMemoryRepository_DownAndFailNext(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	repo.SetDown(true)
	if _, err := repo.ListPatients(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	repo.SetDown(false)

	boom := errors.New("boom")
	repo.FailNext("InsertPatient", boom)
	if _, err := repo.InsertPatient(ctx, Patient{FirstName: "A", LastName: "B"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	p, err := repo.InsertPatient(ctx, Patient{FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if p.ID == "" || IsLocalID(p.ID) {
		t.Errorf("expected canonical id, got %q", p.ID)
	}
	if repo.Calls("InsertPatient") != 2 {
		t.Errorf("Calls = %d, want 2", repo.Calls("InsertPatient"))
	}
}

func TestMemoryRepository_InsertWithIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	id := "5b0c7d1e-8a2f-4c3e-9f10-2d6b7a8c9e01"

	repo.LoseNextReply("InsertAppointment", context.DeadlineExceeded)
	a := Appointment{ID: id, AppointmentTime: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), DurationMinutes: 30, Status: StatusScheduled}
	if _, err := repo.InsertAppointment(ctx, a); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lost reply, got %v", err)
	}

	a.Reason = "retry"
	got, err := repo.InsertAppointment(ctx, a)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.ID != id || got.Reason != "" {
		t.Fatalf("retry should return the stored row, got %+v", got)
	}
	all, _ := repo.ListAppointmentsBetween(ctx, a.AppointmentTime.Add(-time.Hour), a.AppointmentTime.Add(time.Hour), nil)
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
}

func TestCanonicalID(t *testing.T) {
	tests := []struct{ in, want string }{
		{LocalID("abc"), "abc"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalID(tt.in); got != tt.want {
			t.Errorf("CanonicalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
