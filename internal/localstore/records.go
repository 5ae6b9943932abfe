package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
)

// PutAppointment upserts a mirror row. pending marks a row with unsynced changes.
func (s *Store) PutAppointment(ctx context.Context, a appointment.Appointment, pending bool) error {
	row := s.toAppointmentRow(a, pending)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save appointment %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id string) (*appointment.Appointment, error) {
	var row appointmentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appointment.ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	a := row.record()
	return &a, nil
}

// IsAppointmentPending reports whether the row carries unsynced changes.
func (s *Store) IsAppointmentPending(ctx context.Context, id string) (bool, error) {
	var row appointmentRow
	err := s.db.WithContext(ctx).Select("pending").Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, appointment.ErrAppointmentNotFound
	}
	if err != nil {
		return false, err
	}
	return row.Pending, nil
}

// AppointmentsOn returns the appointments whose local date is the date of day.
func (s *Store) AppointmentsOn(ctx context.Context, day time.Time) ([]appointment.Appointment, error) {
	return s.AppointmentsBetween(ctx, s.dateKey(day), s.dateKey(day))
}

// AppointmentsBetween selects on the appointment_date index; both keys are inclusive.
func (s *Store) AppointmentsBetween(ctx context.Context, fromKey, toKey string) ([]appointment.Appointment, error) {
	var rows []appointmentRow
	err := s.db.WithContext(ctx).
		Where("appointment_date >= ? AND appointment_date <= ?", fromKey, toKey).
		Order("appointment_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list appointments %s..%s: %w", fromKey, toKey, err)
	}
	return appointmentRecords(rows), nil
}

// AppointmentsByPatient reads the (patient_id, appointment_date) index.
func (s *Store) AppointmentsByPatient(ctx context.Context, patientID string) ([]appointment.Appointment, error) {
	var rows []appointmentRow
	err := s.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("appointment_date ASC, appointment_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list appointments for patient %s: %w", patientID, err)
	}
	return appointmentRecords(rows), nil
}

func (s *Store) DeleteAppointment(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&appointmentRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	return nil
}

func appointmentRecords(rows []appointmentRow) []appointment.Appointment {
	out := make([]appointment.Appointment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}

func (s *Store) PutPatient(ctx context.Context, p appointment.Patient, pending bool) error {
	row := toPatientRow(p, pending)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPatient(ctx context.Context, id string) (*appointment.Patient, error) {
	var row patientRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appointment.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	p := row.record()
	return &p, nil
}

func (s *Store) ListPatients(ctx context.Context) ([]appointment.Patient, error) {
	var rows []patientRow
	if err := s.db.WithContext(ctx).Order("last_name, first_name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patientRecords(rows), nil
}

// FindPatients matches AMKA or phone exactly, or the last name (and first
// name when given) ignoring case. An empty query matches nothing.
func (s *Store) FindPatients(ctx context.Context, q appointment.PatientQuery) ([]appointment.Patient, error) {
	var conds []clause.Expression
	if q.AMKA != "" {
		conds = append(conds, clause.Eq{Column: clause.Column{Name: "amka"}, Value: q.AMKA})
	}
	if q.Phone != "" {
		conds = append(conds, clause.Eq{Column: clause.Column{Name: "phone"}, Value: q.Phone})
	}
	switch {
	case q.LastName != "" && q.FirstName != "":
		conds = append(conds, clause.Expr{
			SQL:  "last_name = ? COLLATE NOCASE AND first_name = ? COLLATE NOCASE",
			Vars: []any{q.LastName, q.FirstName},
		})
	case q.LastName != "":
		conds = append(conds, clause.Expr{SQL: "last_name = ? COLLATE NOCASE", Vars: []any{q.LastName}})
	}
	if len(conds) == 0 {
		return []appointment.Patient{}, nil
	}

	var rows []patientRow
	err := s.db.WithContext(ctx).Clauses(clause.Where{Exprs: []clause.Expression{clause.Or(conds...)}}).
		Order("last_name, first_name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find patients: %w", err)
	}
	return patientRecords(rows), nil
}

// DeletePatient removes the patient and detaches their appointments.
func (s *Store) DeletePatient(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deletePatientTx(tx, id)
	})
}

func deletePatientTx(tx *gorm.DB, id string) error {
	if err := tx.Model(&appointmentRow{}).Where("patient_id = ?", id).Update("patient_id", nil).Error; err != nil {
		return fmt.Errorf("detach appointments of patient %s: %w", id, err)
	}
	if err := tx.Delete(&patientRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete patient %s: %w", id, err)
	}
	return nil
}

func patientRecords(rows []patientRow) []appointment.Patient {
	out := make([]appointment.Patient, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}

// ReplacePatients upserts the Backend's patient list. Rows with pending
// changes and local-only rows are kept as they are.
func (s *Store) ReplacePatients(ctx context.Context, patients []appointment.Patient) (int, error) {
	written := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := pendingEntityIDs(tx, patientOpsTable)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(patients))
		for _, p := range patients {
			seen[p.ID] = true
			if pending[p.ID] {
				continue
			}
			row := toPatientRow(p, false)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("save patient %s: %w", p.ID, err)
			}
			written++
		}

		var local []patientRow
		if err := tx.Select("id").Where("pending = ?", false).Find(&local).Error; err != nil {
			return err
		}
		for _, r := range local {
			if seen[r.ID] || pending[r.ID] || appointment.IsLocalID(r.ID) {
				continue
			}
			if err := deletePatientTx(tx, r.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return written, err
}

// ReplaceAppointmentWindow makes the mirror of [fromKey, toKey] match the
// Backend's rows. Rows with pending changes and local-only rows are kept.
func (s *Store) ReplaceAppointmentWindow(ctx context.Context, fromKey, toKey string, appts []appointment.Appointment) (int, error) {
	written := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := pendingEntityIDs(tx, appointmentOpsTable)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(appts))
		for _, a := range appts {
			seen[a.ID] = true
			if pending[a.ID] {
				continue
			}
			row := s.toAppointmentRow(a, false)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("save appointment %s: %w", a.ID, err)
			}
			written++
		}

		var local []appointmentRow
		err = tx.Select("id").
			Where("appointment_date >= ? AND appointment_date <= ? AND pending = ?", fromKey, toKey, false).
			Find(&local).Error
		if err != nil {
			return err
		}
		for _, r := range local {
			if seen[r.ID] || pending[r.ID] || appointment.IsLocalID(r.ID) {
				continue
			}
			if err := tx.Delete(&appointmentRow{}, "id = ?", r.ID).Error; err != nil {
				return fmt.Errorf("drop stale appointment %s: %w", r.ID, err)
			}
		}
		return nil
	})
	return written, err
}

// WindowKeys returns the inclusive date keys of [today-back, today+forward].
func (s *Store) WindowKeys(now time.Time, back, forward int) (string, string) {
	today := calendar.DayStart(now, s.loc)
	return s.dateKey(calendar.AddDays(today, -back)), s.dateKey(calendar.AddDays(today, forward))
}
