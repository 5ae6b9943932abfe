package slots

import (
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// Policy captures the per-surface differences in slot generation.
type Policy struct {
	Name string
	// Occupying lists the statuses that block time. Matched against both the
	// stored and the effective status.
	Occupying []appointment.Status
	// AlignHalfHour restricts 30-minute bookings to :00 and :30 starts.
	AlignHalfHour bool
}

var (
	// AdminPolicy is used by the reception new-appointment screen.
	AdminPolicy = Policy{
		Name:          "admin",
		Occupying:     []appointment.Status{appointment.StatusApproved},
		AlignHalfHour: true,
	}

	// PublicPolicy is used by the patient-facing booking page.
	PublicPolicy = Policy{
		Name:          "public",
		Occupying:     []appointment.Status{appointment.StatusApproved, appointment.StatusCompleted},
		AlignHalfHour: true,
	}
)

// PolicyByName resolves "admin" or "public"; anything else falls back to public.
func PolicyByName(name string) Policy {
	if name == AdminPolicy.Name {
		return AdminPolicy
	}
	return PublicPolicy
}

// Occupies reports whether a blocks time under this policy.
func (p Policy) Occupies(a appointment.Appointment, now time.Time) bool {
	eff := a.EffectiveStatus(now)
	for _, s := range p.Occupying {
		if a.Status == s || eff == s {
			return true
		}
	}
	return false
}
