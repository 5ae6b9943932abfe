package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

// FindNextAvailable scans the days after from, up to the horizon, and
// returns the local midnight of the first day with a fitting, unoccupied
// start. It returns nil when the horizon is exhausted.
func (g *Generator) FindNextAvailable(ctx context.Context, from time.Time, durationMinutes int, policy Policy) (*time.Time, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationMinutes)
	}

	start := calendar.DayStart(from, g.Location())
	now := g.now()

	for i := 1; i <= g.horizon; i++ {
		candidate := calendar.AddDays(start, i)

		day, err := g.resolver.Resolve(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if day.FullDayClosed || len(day.Free) == 0 {
			continue
		}

		appts, err := g.source.AppointmentsOn(ctx, day.Date)
		if err != nil {
			return nil, fmt.Errorf("load booked appointments for %s: %w", day.Key, err)
		}
		occ := newOccupancy(appts, policy, day.Date, now, "")

		if firstFit(day, durationMinutes, occ, policy, now) {
			found := day.Date
			return &found, nil
		}
	}
	return nil, nil
}

func firstFit(day *calendar.Day, duration int, occ *occupancy, policy Policy, now time.Time) bool {
	for _, free := range day.Free {
		for cursor := free.Start; cursor+duration <= free.End; cursor += interval.Granularity {
			if policy.AlignHalfHour && duration == 30 && cursor%30 != 0 {
				continue
			}
			if occ.blocks(cursor, duration) || calendar.At(day.Date, cursor).Before(now) {
				continue
			}
			return true
		}
	}
	return false
}
