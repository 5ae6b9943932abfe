package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/connectivity"
)

func TestCheckNewRule(t *testing.T) {
	existing := []appointment.WeeklyScheduleRule{mondayRule()}

	if err := CheckNewRule(existing, appointment.WeeklyScheduleRule{Weekday: 1, StartTime: "17:00", EndTime: "20:00"}); err != nil {
		t.Errorf("split shift rejected: %v", err)
	}
	if err := CheckNewRule(existing, appointment.WeeklyScheduleRule{Weekday: 1, StartTime: "12:00", EndTime: "14:00"}); !errors.Is(err, ErrRuleOverlap) {
		t.Errorf("expected ErrRuleOverlap, got %v", err)
	}
	if err := CheckNewRule(existing, appointment.WeeklyScheduleRule{Weekday: 2, StartTime: "12:00", EndTime: "14:00"}); err != nil {
		t.Errorf("other weekday rejected: %v", err)
	}
	if err := CheckNewRule(nil, appointment.WeeklyScheduleRule{Weekday: 1, StartTime: "14:00", EndTime: "12:00"}); !errors.Is(err, appointment.ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for inverted rule, got %v", err)
	}
}

func TestCheckNewException(t *testing.T) {
	rules := []appointment.WeeklyScheduleRule{mondayRule()}
	partial := appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(11, 0), EndTime: at(12, 0)}
	full := appointment.ScheduleException{ExceptionDate: "2026-05-04"}

	tests := []struct {
		name     string
		existing []appointment.ScheduleException
		e        appointment.ScheduleException
		want     error
	}{
		{"partial inside hours", nil, partial, nil},
		{"full day", nil, full, nil},
		{"second full day", []appointment.ScheduleException{full}, full, ErrFullDayExists},
		{"partial on closed day", []appointment.ScheduleException{full}, partial, ErrFullDayExists},
		{"overlapping partial", []appointment.ScheduleException{partial},
			appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(11, 30), EndTime: at(12, 30)}, ErrExceptionOverlap},
		{"adjacent partial", []appointment.ScheduleException{partial},
			appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(12, 0), EndTime: at(12, 30)}, nil},
		{"outside hours", nil,
			appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(12, 30), EndTime: at(14, 0)}, ErrExceptionOutsideHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNewException(tt.existing, rules, tt.e, monday)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdmin_OfflineRejected(t *testing.T) {
	admin := NewAdmin(appointment.NewMemoryRepository(), connectivity.NewStatic(false), time.UTC, zerolog.Nop())
	if _, err := admin.AddWeeklyRule(context.Background(), mondayRule()); !errors.Is(err, ErrOfflineUnsupported) {
		t.Fatalf("expected ErrOfflineUnsupported, got %v", err)
	}
}

func TestAdmin_AddExceptionValidatesAgainstRules(t *testing.T) {
	ctx := context.Background()
	repo := appointment.NewMemoryRepository()
	admin := NewAdmin(repo, connectivity.NewStatic(true), time.UTC, zerolog.Nop())

	if _, err := admin.AddWeeklyRule(ctx, mondayRule()); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	created, err := admin.AddException(ctx, appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(11, 0), EndTime: at(12, 0)})
	if err != nil {
		t.Fatalf("add exception: %v", err)
	}
	if created.ID == "" {
		t.Error("expected server id")
	}
	_, err = admin.AddException(ctx, appointment.ScheduleException{ExceptionDate: "2026-05-04", StartTime: at(11, 45), EndTime: at(12, 15)})
	if !errors.Is(err, ErrExceptionOverlap) {
		t.Fatalf("expected ErrExceptionOverlap, got %v", err)
	}
}
