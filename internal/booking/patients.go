package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

var ErrDuplicatePatient = errors.New("patient already exists")

// DuplicatePatientError names the existing patient and the field that matched.
type DuplicatePatientError struct {
	ExistingID string
	Field      string
}

func (e *DuplicatePatientError) Error() string {
	return fmt.Sprintf("patient %s already registered with the same %s", e.ExistingID, e.Field)
}

func (e *DuplicatePatientError) Is(target error) bool {
	return target == ErrDuplicatePatient
}

// CreatePatient registers a patient unless one with the same AMKA, phone or
// full name is already known.
func (s *Service) CreatePatient(ctx context.Context, p appointment.Patient) (*appointment.Patient, error) {
	if err := appointment.ValidatePatient(p); err != nil {
		return nil, err
	}
	if err := s.checkDuplicate(ctx, p, ""); err != nil {
		return nil, err
	}
	created, err := s.engine.CreatePatient(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", created.ID).Msg("patient created")
	return created, nil
}

func (s *Service) UpdatePatient(ctx context.Context, id string, patch appointment.PatientPatch) (*appointment.Patient, error) {
	current, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*current)
	if err := appointment.ValidatePatient(next); err != nil {
		return nil, err
	}
	if err := s.checkDuplicate(ctx, next, id); err != nil {
		return nil, err
	}
	return s.engine.UpdatePatient(ctx, id, patch)
}

func (s *Service) DeletePatient(ctx context.Context, id string) error {
	if err := s.engine.DeletePatient(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", id).Msg("patient deleted")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id string) (*appointment.Patient, error) {
	p, err := s.engine.Source().GetPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// FindPatients lists every patient when q is empty.
func (s *Service) FindPatients(ctx context.Context, q appointment.PatientQuery) ([]appointment.Patient, error) {
	if q == (appointment.PatientQuery{}) {
		return s.engine.Source().ListPatients(ctx)
	}
	return s.engine.Source().FindPatients(ctx, q)
}

// checkDuplicate looks for another patient by AMKA, then phone, then exact
// first and last name.
func (s *Service) checkDuplicate(ctx context.Context, p appointment.Patient, selfID string) error {
	q := appointment.PatientQuery{
		AMKA:      strings.TrimSpace(p.AMKA),
		Phone:     strings.TrimSpace(p.Phone),
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
	}
	matches, err := s.engine.Source().FindPatients(ctx, q)
	if err != nil {
		return fmt.Errorf("check duplicate patient: %w", err)
	}

	others := matches[:0]
	for _, m := range matches {
		if m.ID != selfID {
			others = append(others, m)
		}
	}

	checks := []struct {
		field string
		match func(appointment.Patient) bool
	}{
		{"amka", func(m appointment.Patient) bool { return q.AMKA != "" && m.AMKA == q.AMKA }},
		{"phone", func(m appointment.Patient) bool { return q.Phone != "" && m.Phone == q.Phone }},
		{"name", func(m appointment.Patient) bool {
			return strings.EqualFold(m.LastName, q.LastName) && strings.EqualFold(m.FirstName, q.FirstName)
		}},
	}
	for _, c := range checks {
		for _, m := range others {
			if c.match(m) {
				return &DuplicatePatientError{ExistingID: m.ID, Field: c.field}
			}
		}
	}
	return nil
}
