package localstore

import (
	"time"

	"gorm.io/datatypes"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type patientRow struct {
	ID        string `gorm:"primaryKey"`
	FirstName string `gorm:"index"`
	LastName  string `gorm:"index"`
	AMKA      string `gorm:"column:amka;index"`
	Phone     string `gorm:"index"`
	Email     string
	Pending   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (patientRow) TableName() string { return "patients" }

type appointmentRow struct {
	ID              string  `gorm:"primaryKey"`
	PatientID       *string `gorm:"index:idx_appointments_patient_date,priority:1"`
	AppointmentTime time.Time
	AppointmentDate string `gorm:"index:idx_appointments_date;index:idx_appointments_patient_date,priority:2"`
	DurationMinutes int
	Status          string
	Reason          string
	Notes           string
	IsException     bool
	CreatedBy       string
	Pending         bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (appointmentRow) TableName() string { return "appointments" }

type opRow struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	Type     string    `gorm:"not null"`
	Status   string    `gorm:"not null;index"`
	TS       time.Time `gorm:"column:ts;index"`
	EntityID string    `gorm:"index"`
	Payload  datatypes.JSON
}

// Both outbox tables share opRow's columns.
type patientOpRow struct {
	Op opRow `gorm:"embedded"`
}

func (patientOpRow) TableName() string { return "patient_ops" }

type appointmentOpRow struct {
	Op opRow `gorm:"embedded"`
}

func (appointmentOpRow) TableName() string { return "appointment_ops" }

type ruleRow struct {
	ID        string `gorm:"primaryKey"`
	Weekday   int    `gorm:"index"`
	StartTime string
	EndTime   string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (ruleRow) TableName() string { return "weekly_schedule" }

type exceptionRow struct {
	ID            string `gorm:"primaryKey"`
	ExceptionDate string `gorm:"index"`
	StartTime     *time.Time
	EndTime       *time.Time
	Reason        *string
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
}

func (exceptionRow) TableName() string { return "schedule_exceptions" }

type metaRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (metaRow) TableName() string { return "store_meta" }

func toPatientRow(p appointment.Patient, pending bool) patientRow {
	return patientRow{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		AMKA:      p.AMKA,
		Phone:     p.Phone,
		Email:     p.Email,
		Pending:   pending,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (r patientRow) record() appointment.Patient {
	return appointment.Patient{
		ID:        r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		AMKA:      r.AMKA,
		Phone:     r.Phone,
		Email:     r.Email,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) toAppointmentRow(a appointment.Appointment, pending bool) appointmentRow {
	return appointmentRow{
		ID:              a.ID,
		PatientID:       a.PatientID,
		AppointmentTime: a.AppointmentTime.UTC(),
		AppointmentDate: s.dateKey(a.AppointmentTime),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Reason:          a.Reason,
		Notes:           a.Notes,
		IsException:     a.IsException,
		CreatedBy:       a.CreatedBy,
		Pending:         pending,
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}
}

func (r appointmentRow) record() appointment.Appointment {
	return appointment.Appointment{
		ID:              r.ID,
		PatientID:       r.PatientID,
		AppointmentTime: r.AppointmentTime.UTC(),
		DurationMinutes: r.DurationMinutes,
		Status:          appointment.Status(r.Status),
		Reason:          r.Reason,
		Notes:           r.Notes,
		IsException:     r.IsException,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CreatedBy:       r.CreatedBy,
	}
}

func toRuleRow(r appointment.WeeklyScheduleRule) ruleRow {
	return ruleRow{ID: r.ID, Weekday: r.Weekday, StartTime: r.StartTime, EndTime: r.EndTime, CreatedAt: r.CreatedAt.UTC()}
}

func (r ruleRow) record() appointment.WeeklyScheduleRule {
	return appointment.WeeklyScheduleRule{ID: r.ID, Weekday: r.Weekday, StartTime: r.StartTime, EndTime: r.EndTime, CreatedAt: r.CreatedAt}
}

func toExceptionRow(e appointment.ScheduleException) exceptionRow {
	return exceptionRow{
		ID:            e.ID,
		ExceptionDate: e.ExceptionDate,
		StartTime:     utcPtr(e.StartTime),
		EndTime:       utcPtr(e.EndTime),
		Reason:        e.Reason,
		CreatedAt:     e.CreatedAt.UTC(),
	}
}

func (r exceptionRow) record() appointment.ScheduleException {
	return appointment.ScheduleException{
		ID:            r.ID,
		ExceptionDate: r.ExceptionDate,
		StartTime:     utcPtr(r.StartTime),
		EndTime:       utcPtr(r.EndTime),
		Reason:        r.Reason,
		CreatedAt:     r.CreatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
