// Package slots computes candidate appointment start times for a day and
// searches forward for the next day with room.
package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

// Source returns the appointments whose start falls on the given local day.
type Source interface {
	AppointmentsOn(ctx context.Context, day time.Time) ([]appointment.Appointment, error)
}

type Slot struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
}

// State tells apart the empty-day cases.
type State string

const (
	StateNoWorkingHours    State = "no_working_hours"
	StateClosedByException State = "closed_by_exception"
	StateNoSlotFits        State = "no_slot_fits"
	StateFullyBooked       State = "fully_booked"
	StateAvailable         State = "available"
)

type DayAvailability struct {
	Day   *calendar.Day
	Slots []Slot
	State State
}

type Generator struct {
	resolver *calendar.Resolver
	source   Source
	now      func() time.Time
	horizon  int
}

type Option func(*Generator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithHorizon sets how many days FindNextAvailable looks ahead.
func WithHorizon(days int) Option {
	return func(g *Generator) {
		if days > 0 {
			g.horizon = days
		}
	}
}

func NewGenerator(resolver *calendar.Resolver, source Source, opts ...Option) *Generator {
	g := &Generator{
		resolver: resolver,
		source:   source,
		now:      time.Now,
		horizon:  30,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Location() *time.Location {
	return g.resolver.Location()
}

// Generate lists the candidate starts of date for a booking of durationMinutes.
// Starts that do not fit before their interval closes, or that break the
// half-hour alignment, are not listed. Occupied, past and non-adjacent
// 15-minute starts are listed as unavailable.
func (g *Generator) Generate(ctx context.Context, date time.Time, durationMinutes int, policy Policy) (*DayAvailability, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationMinutes)
	}

	day, err := g.resolver.Resolve(ctx, date)
	if err != nil {
		return nil, err
	}
	result := &DayAvailability{Day: day, Slots: []Slot{}}
	switch {
	case len(day.Working) == 0:
		result.State = StateNoWorkingHours
		return result, nil
	case len(day.Free) == 0:
		result.State = StateClosedByException
		return result, nil
	}

	appts, err := g.source.AppointmentsOn(ctx, day.Date)
	if err != nil {
		return nil, fmt.Errorf("load booked appointments for %s: %w", day.Key, err)
	}

	now := g.now()
	occ := newOccupancy(appts, policy, day.Date, now, "")
	result.Slots = buildSlots(day, durationMinutes, occ, policy, now)
	result.State = stateOf(result.Slots)
	return result, nil
}

func stateOf(slots []Slot) State {
	if len(slots) == 0 {
		return StateNoSlotFits
	}
	for _, s := range slots {
		if s.Available {
			return StateAvailable
		}
	}
	return StateFullyBooked
}

func buildSlots(day *calendar.Day, duration int, occ *occupancy, policy Policy, now time.Time) []Slot {
	slots := []Slot{}
	for _, free := range day.Free {
		for cursor := free.Start; cursor < free.End; cursor += interval.Granularity {
			if cursor+duration > free.End {
				break
			}
			if policy.AlignHalfHour && duration == 30 && cursor%30 != 0 {
				continue
			}

			available := !occ.blocks(cursor, duration)
			if available && duration == interval.Granularity && occ.hasQuarterHour && len(slots) > 0 {
				available = occ.adjacent(cursor)
			}
			if available && calendar.At(day.Date, cursor).Before(now) {
				available = false
			}

			slots = append(slots, Slot{Time: interval.FormatMinute(cursor), Available: available})
		}
	}
	return slots
}

// StartTimes is the edit-appointment variant: it returns only available
// starts and ignores the appointment being edited when computing occupancy.
// The 15-minute adjacency rule does not apply here.
func (g *Generator) StartTimes(ctx context.Context, date time.Time, durationMinutes int, policy Policy, excludeID string) ([]string, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationMinutes)
	}

	day, err := g.resolver.Resolve(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(day.Free) == 0 {
		return []string{}, nil
	}

	appts, err := g.source.AppointmentsOn(ctx, day.Date)
	if err != nil {
		return nil, fmt.Errorf("load booked appointments for %s: %w", day.Key, err)
	}

	now := g.now()
	occ := newOccupancy(appts, policy, day.Date, now, excludeID)

	times := []string{}
	for _, free := range day.Free {
		for cursor := free.Start; cursor+durationMinutes <= free.End; cursor += interval.Granularity {
			if policy.AlignHalfHour && durationMinutes == 30 && cursor%30 != 0 {
				continue
			}
			if occ.blocks(cursor, durationMinutes) || calendar.At(day.Date, cursor).Before(now) {
				continue
			}
			times = append(times, interval.FormatMinute(cursor))
		}
	}
	return times, nil
}

// occupancy is the set of booked minute ranges of one day, each booking
// widened to whole 15-minute sub-slots.
type occupancy struct {
	booked         []interval.Interval
	hasQuarterHour bool
}

func newOccupancy(appts []appointment.Appointment, policy Policy, day, now time.Time, excludeID string) *occupancy {
	occ := &occupancy{}
	next := calendar.AddDays(day, 1)
	for _, a := range appts {
		if a.ID == excludeID && excludeID != "" {
			continue
		}
		if !policy.Occupies(a, now) {
			continue
		}
		if a.AppointmentTime.Before(day) || !a.AppointmentTime.Before(next) {
			continue
		}
		start := interval.MinuteOf(a.AppointmentTime, day.Location())
		end := start + interval.SlotsFor(a.DurationMinutes)*interval.Granularity
		if end > interval.MinutesPerDay {
			end = interval.MinutesPerDay
		}
		occ.booked = append(occ.booked, interval.Interval{Start: start, End: end})
		if a.DurationMinutes == interval.Granularity {
			occ.hasQuarterHour = true
		}
	}
	return occ
}

func (o *occupancy) taken(start int) bool {
	sub := interval.Interval{Start: start, End: start + interval.Granularity}
	for _, b := range o.booked {
		if interval.Overlaps(sub, b) {
			return true
		}
	}
	return false
}

// blocks reports whether any of the sub-slots of [cursor, cursor+duration) is taken.
func (o *occupancy) blocks(cursor, duration int) bool {
	for k := 0; k < interval.SlotsFor(duration); k++ {
		if o.taken(cursor + k*interval.Granularity) {
			return true
		}
	}
	return false
}

// adjacent reports whether the sub-slot right before or right after cursor is taken.
func (o *occupancy) adjacent(cursor int) bool {
	return o.taken(cursor-interval.Granularity) || o.taken(cursor+interval.Granularity)
}
