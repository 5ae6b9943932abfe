package slots

import (
	"context"
	"testing"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
)

func TestFindNextAvailable(t *testing.T) {
	sunday := time.Date(2026, 5, 3, 14, 0, 0, 0, time.UTC)
	nextMonday := time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)

	closedMonday := mondayHours()
	closedMonday.exceptions = []appointment.ScheduleException{{ID: "x", ExceptionDate: "2026-05-04"}}

	fullMonday := &bookingStub{appts: []appointment.Appointment{booked("all", 9, 0, 240, appointment.StatusApproved)}}

	tests := []struct {
		name  string
		sched *scheduleStub
		book  *bookingStub
		want  *time.Time
	}{
		{"next day open", mondayHours(), &bookingStub{}, &monday},
		{"full-day exception skipped", closedMonday, &bookingStub{}, &nextMonday},
		{"fully booked skipped", mondayHours(), fullMonday, &nextMonday},
		{"never open", &scheduleStub{}, &bookingStub{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGen(tt.sched, tt.book, sunday)
			got, err := g.FindNextAvailable(context.Background(), sunday, 30, AdminPolicy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("expected nil, got %s", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Fatalf("got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestFindNextAvailable_StartsTomorrow(t *testing.T) {
	g := newGen(mondayHours(), &bookingStub{}, lastWeek)
	got, err := g.FindNextAvailable(context.Background(), monday.Add(8*time.Hour), 30, PublicPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Equal(calendar.AddDays(monday, 7)) {
		t.Fatalf("got %v, want the following Monday", got)
	}
}

func TestFindNextAvailable_Horizon(t *testing.T) {
	sched := &scheduleStub{rules: []appointment.WeeklyScheduleRule{{Weekday: int(time.Monday), StartTime: "09:00", EndTime: "10:00"}}}
	g := NewGenerator(calendar.NewResolver(sched, time.UTC), &bookingStub{},
		WithClock(func() time.Time { return lastWeek }), WithHorizon(5))

	got, err := g.FindNextAvailable(context.Background(), time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), 30, AdminPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("Monday is 6 days out, beyond a 5-day horizon; got %s", got)
	}
}
