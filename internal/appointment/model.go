package appointment

import (
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// LocalIDPrefix marks ids minted on this device before the Backend has seen the row.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was minted offline and has no canonical Backend id yet.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// LocalID marks the uuid id as minted offline.
func LocalID(id string) string {
	return LocalIDPrefix + id
}

// CanonicalID is the Backend id a record created as id will get: the uuid
// behind a local id, or id itself.
func CanonicalID(id string) string {
	return strings.TrimPrefix(id, LocalIDPrefix)
}

// WeeklyScheduleRule is one open interval of the clinic's recurring week.
// Weekday follows time.Weekday (0 = Sunday). Times are HH:MM wall clock.
type WeeklyScheduleRule struct {
	ID        string    `json:"id"`
	Weekday   int       `json:"weekday" validate:"min=0,max=6"`
	StartTime string    `json:"start_time" validate:"required"`
	EndTime   string    `json:"end_time" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleException closes the clinic on ExceptionDate. Nil StartTime and
// EndTime mean the whole day; otherwise [StartTime, EndTime) is blocked.
type ScheduleException struct {
	ID            string     `json:"id"`
	ExceptionDate string     `json:"exception_date" validate:"required,datetime=2006-01-02"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (e ScheduleException) FullDay() bool {
	return e.StartTime == nil && e.EndTime == nil
}

type Appointment struct {
	ID              string    `json:"id"`
	PatientID       *string   `json:"patient_id,omitempty"`
	AppointmentTime time.Time `json:"appointment_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gt=0,lte=480"`
	Status          Status    `json:"status" validate:"required"`
	Reason          string    `json:"reason,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	IsException     bool      `json:"is_exception"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CreatedBy       string    `json:"created_by,omitempty"`
}

// End is the exclusive end of the booking.
func (a Appointment) End() time.Time {
	return a.AppointmentTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// EffectiveStatus reports approved appointments whose start has passed as
// completed. The stored status is not changed.
func (a Appointment) EffectiveStatus(now time.Time) Status {
	if a.Status == StatusApproved && a.AppointmentTime.Before(now) {
		return StatusCompleted
	}
	return a.Status
}

// AppointmentPatch carries the fields of an update; nil fields are left alone.
type AppointmentPatch struct {
	PatientID       *string    `json:"patient_id,omitempty"`
	AppointmentTime *time.Time `json:"appointment_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty" validate:"omitempty,gt=0,lte=480"`
	Status          *Status    `json:"status,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// Apply returns a copy of a with the patch applied.
func (p AppointmentPatch) Apply(a Appointment) Appointment {
	if p.PatientID != nil {
		id := *p.PatientID
		a.PatientID = &id
	}
	if p.AppointmentTime != nil {
		a.AppointmentTime = *p.AppointmentTime
	}
	if p.DurationMinutes != nil {
		a.DurationMinutes = *p.DurationMinutes
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Reason != nil {
		a.Reason = *p.Reason
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	return a
}

type Patient struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name" validate:"required"`
	LastName  string    `json:"last_name" validate:"required"`
	AMKA      string    `json:"amka,omitempty" validate:"omitempty,numeric,len=11"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty" validate:"omitempty,email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PatientPatch struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	AMKA      *string `json:"amka,omitempty" validate:"omitempty,numeric,len=11"`
	Phone     *string `json:"phone,omitempty"`
	Email     *string `json:"email,omitempty" validate:"omitempty,email"`
}

func (p PatientPatch) Apply(pt Patient) Patient {
	if p.FirstName != nil {
		pt.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		pt.LastName = *p.LastName
	}
	if p.AMKA != nil {
		pt.AMKA = *p.AMKA
	}
	if p.Phone != nil {
		pt.Phone = *p.Phone
	}
	if p.Email != nil {
		pt.Email = *p.Email
	}
	return pt
}

// PatientQuery matches patients on any non-empty field.
type PatientQuery struct {
	FirstName string
	LastName  string
	AMKA      string
	Phone     string
}
