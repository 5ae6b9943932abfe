package calendar

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

type fakeSource struct {
	rules      []appointment.WeeklyScheduleRule
	exceptions []appointment.ScheduleException
	rulesErr   error
	excErr     error
	excCalls   int
}

func (f *fakeSource) WeeklyRules(_ context.Context, weekday int) ([]appointment.WeeklyScheduleRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	var out []appointment.WeeklyScheduleRule
	for _, r := range f.rules {
		if r.Weekday == weekday {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) Exceptions(_ context.Context, dateKey string) ([]appointment.ScheduleException, error) {
	f.excCalls++
	if f.excErr != nil {
		return nil, f.excErr
	}
	var out []appointment.ScheduleException
	for _, e := range f.exceptions {
		if e.ExceptionDate == dateKey {
			out = append(out, e)
		}
	}
	return out, nil
}

var monday = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func mondayRule() appointment.WeeklyScheduleRule {
	return appointment.WeeklyScheduleRule{ID: "r1", Weekday: int(time.Monday), StartTime: "09:00", EndTime: "13:00"}
}

func at(h, m int) *time.Time {
	t := time.Date(2026, 5, 4, h, m, 0, 0, time.UTC)
	return &t
}

func TestResolve_NoRulesIsClosed(t *testing.T) {
	src := &fakeSource{}
	day, err := NewResolver(src, time.UTC).Resolve(context.Background(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(day.Working) != 0 || len(day.Free) != 0 {
		t.Fatalf("expected closed day, got %+v", day)
	}
	if src.excCalls != 0 {
		t.Error("exceptions should not be fetched when there are no working hours")
	}
}

func TestResolve_WorkingHoursOnly(t *testing.T) {
	src := &fakeSource{rules: []appointment.WeeklyScheduleRule{mondayRule()}}
	free, err := NewResolver(src, time.UTC).FreeIntervals(context.Background(), monday.Add(15*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []interval.Interval{{Start: 540, End: 780}}
	if !reflect.DeepEqual(free, want) {
		t.Fatalf("free = %v, want %v", free, want)
	}
}

func TestResolve_FullDayExceptionDominates(t *testing.T) {
	src := &fakeSource{
		rules: []appointment.WeeklyScheduleRule{
			mondayRule(),
			{ID: "r2", Weekday: 1, StartTime: "17:00", EndTime: "20:00"},
		},
		exceptions: []appointment.ScheduleException{
			{ID: "e1", ExceptionDate: "2026-05-04", StartTime: at(10, 0), EndTime: at(11, 0)},
			{ID: "e2", ExceptionDate: "2026-05-04"},
		},
	}
	day, err := NewResolver(src, time.UTC).Resolve(context.Background(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !day.FullDayClosed {
		t.Error("expected FullDayClosed")
	}
	if len(day.Free) != 0 {
		t.Fatalf("expected no free intervals, got %v", day.Free)
	}
	if len(day.Working) != 2 {
		t.Errorf("working hours should still be reported, got %v", day.Working)
	}
}

func TestResolve_PartialException(t *testing.T) {
	src := &fakeSource{
		rules: []appointment.WeeklyScheduleRule{mondayRule()},
		exceptions: []appointment.ScheduleException{
			{ID: "e1", ExceptionDate: "2026-05-04", StartTime: at(11, 0), EndTime: at(12, 0)},
		},
	}
	free, err := NewResolver(src, time.UTC).FreeIntervals(context.Background(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []interval.Interval{{Start: 540, End: 660}, {Start: 720, End: 780}}
	if !reflect.DeepEqual(free, want) {
		t.Fatalf("free = %v, want %v", free, want)
	}
}

func TestResolve_ExceptionTimestampsConvertedToLocal(t *testing.T) {
	athens, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 11:00-12:00 Athens summer time is 08:00-09:00 UTC.
	s := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	e := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		rules:      []appointment.WeeklyScheduleRule{mondayRule()},
		exceptions: []appointment.ScheduleException{{ExceptionDate: "2026-05-04", StartTime: &s, EndTime: &e}},
	}
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, athens)
	free, err := NewResolver(src, athens).FreeIntervals(context.Background(), day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []interval.Interval{{Start: 540, End: 660}, {Start: 720, End: 780}}
	if !reflect.DeepEqual(free, want) {
		t.Fatalf("free = %v, want %v", free, want)
	}
}

func TestResolve_FetchErrors(t *testing.T) {
	boom := errors.New("connection reset")

	_, err := NewResolver(&fakeSource{rulesErr: boom}, time.UTC).Resolve(context.Background(), monday)
	var fetchErr *ScheduleFetchError
	if !errors.As(err, &fetchErr) || !errors.Is(err, boom) {
		t.Fatalf("expected ScheduleFetchError wrapping cause, got %v", err)
	}

	src := &fakeSource{rules: []appointment.WeeklyScheduleRule{mondayRule()}, excErr: boom}
	_, err = NewResolver(src, time.UTC).Resolve(context.Background(), monday)
	if !errors.As(err, &fetchErr) || fetchErr.Op != "schedule exceptions" {
		t.Fatalf("expected exception fetch error, got %v", err)
	}
}

func TestDayRange_DST(t *testing.T) {
	athens, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Skip("tzdata not available")
	}
	tests := []struct {
		name  string
		day   time.Time
		hours float64
	}{
		{"spring forward", time.Date(2026, 3, 29, 12, 0, 0, 0, athens), 23},
		{"fall back", time.Date(2026, 10, 25, 12, 0, 0, 0, athens), 25},
		{"regular", time.Date(2026, 5, 4, 12, 0, 0, 0, athens), 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := DayRange(tt.day, athens)
			if got := end.Sub(start).Hours(); got != tt.hours {
				t.Errorf("day length = %v, want %v", got, tt.hours)
			}
			if DateKey(start, athens) != DateKey(tt.day, athens) {
				t.Errorf("start %s not on the same date", start)
			}
		})
	}
}

func TestAt_AfterDSTChange(t *testing.T) {
	athens, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Skip("tzdata not available")
	}
	day := time.Date(2026, 3, 29, 0, 0, 0, 0, athens)
	got := At(day, 10*60)
	if got.Hour() != 10 || got.Minute() != 0 {
		t.Fatalf("At(10:00) = %s", got)
	}
	if interval.MinuteOf(got, athens) != 600 {
		t.Errorf("MinuteOf(At(600)) = %d", interval.MinuteOf(got, athens))
	}
}
