package appointment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used for local development
// (BACKEND_DRIVER=memory) and tests.
type MemoryRepository struct {
	mu           sync.RWMutex
	rules        map[string]*WeeklyScheduleRule
	exceptions   map[string]*ScheduleException
	appointments map[string]*Appointment
	patients     map[string]*Patient

	down     bool
	failures map[string]error // op name -> one-shot error
	lost     map[string]error // op name -> one-shot error after the write lands
	calls    map[string]int
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:        make(map[string]*WeeklyScheduleRule),
		exceptions:   make(map[string]*ScheduleException),
		appointments: make(map[string]*Appointment),
		patients:     make(map[string]*Patient),
		failures:     make(map[string]error),
		lost:         make(map[string]error),
		calls:        make(map[string]int),
		now:          time.Now,
	}
}

// SetDown makes every call fail with ErrUnavailable until cleared.
func (m *MemoryRepository) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailNext makes the next call of op (e.g. "InsertAppointment") return err.
func (m *MemoryRepository) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// LoseNextReply makes the next call of op apply its write and then return
// err, as when the connection drops after the Backend commits.
func (m *MemoryRepository) LoseNextReply(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] = err
}

// reply returns the lost-reply error queued for op, if any.
func (m *MemoryRepository) reply(op string) error {
	if err, ok := m.lost[op]; ok {
		delete(m.lost, op)
		return err
	}
	return nil
}

// Calls returns how many times op was invoked, failed calls included.
func (m *MemoryRepository) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter must be called with m.mu held.
func (m *MemoryRepository) enter(op string) error {
	m.calls[op]++
	if m.down {
		return ErrUnavailable
	}
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *MemoryRepository) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MemoryRepository) ListWeeklyRules(_ context.Context) ([]WeeklyScheduleRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListWeeklyRules"); err != nil {
		return nil, err
	}
	out := make([]WeeklyScheduleRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sortRules(out)
	return out, nil
}

func (m *MemoryRepository) ListWeeklyRulesByWeekday(_ context.Context, weekday int) ([]WeeklyScheduleRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListWeeklyRulesByWeekday"); err != nil {
		return nil, err
	}
	var out []WeeklyScheduleRule
	for _, r := range m.rules {
		if r.Weekday == weekday {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *MemoryRepository) InsertWeeklyRule(_ context.Context, r WeeklyScheduleRule) (*WeeklyScheduleRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertWeeklyRule"); err != nil {
		return nil, err
	}
	r.ID = uuid.NewString()
	r.CreatedAt = m.now().UTC()
	m.rules[r.ID] = &r
	out := r
	return &out, nil
}

func (m *MemoryRepository) DeleteWeeklyRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteWeeklyRule"); err != nil {
		return err
	}
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryRepository) ListExceptions(_ context.Context, from, to string) ([]ScheduleException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListExceptions"); err != nil {
		return nil, err
	}
	var out []ScheduleException
	for _, e := range m.exceptions {
		if e.ExceptionDate >= from && e.ExceptionDate <= to {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExceptionDate != out[j].ExceptionDate {
			return out[i].ExceptionDate < out[j].ExceptionDate
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) InsertException(_ context.Context, e ScheduleException) (*ScheduleException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertException"); err != nil {
		return nil, err
	}
	e.ID = uuid.NewString()
	e.CreatedAt = m.now().UTC()
	m.exceptions[e.ID] = &e
	out := e
	return &out, nil
}

func (m *MemoryRepository) DeleteException(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteException"); err != nil {
		return err
	}
	if _, ok := m.exceptions[id]; !ok {
		return ErrExceptionNotFound
	}
	delete(m.exceptions, id)
	return nil
}

func (m *MemoryRepository) ListAppointmentsBetween(_ context.Context, from, to time.Time, statuses []Status) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAppointmentsBetween"); err != nil {
		return nil, err
	}
	var out []Appointment
	for _, a := range m.appointments {
		if a.AppointmentTime.Before(from) || !a.AppointmentTime.Before(to) {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, a.Status) {
			continue
		}
		out = append(out, *a)
	}
	sortAppointments(out)
	return out, nil
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAppointmentsByPatient"); err != nil {
		return nil, err
	}
	var out []Appointment
	for _, a := range m.appointments {
		if a.PatientID != nil && *a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (m *MemoryRepository) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAppointment"); err != nil {
		return nil, err
	}
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (m *MemoryRepository) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertAppointment"); err != nil {
		return nil, err
	}
	if a.PatientID != nil {
		if _, ok := m.patients[*a.PatientID]; !ok {
			return nil, ErrPatientNotFound
		}
	}
	if existing, ok := m.appointments[a.ID]; ok && a.ID != "" {
		out := *existing
		return &out, nil
	}
	now := m.now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AppointmentTime = a.AppointmentTime.UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = &a
	if err := m.reply("InsertAppointment"); err != nil {
		return nil, err
	}
	out := a
	return &out, nil
}

func (m *MemoryRepository) UpdateAppointment(_ context.Context, id string, patch AppointmentPatch) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateAppointment"); err != nil {
		return nil, err
	}
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	updated := patch.Apply(*a)
	updated.AppointmentTime = updated.AppointmentTime.UTC()
	updated.UpdatedAt = m.now().UTC()
	m.appointments[id] = &updated
	out := updated
	return &out, nil
}

func (m *MemoryRepository) DeleteAppointment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteAppointment"); err != nil {
		return err
	}
	if _, ok := m.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appointments, id)
	return nil
}

func (m *MemoryRepository) ListPatients(_ context.Context) ([]Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPatients"); err != nil {
		return nil, err
	}
	out := make([]Patient, 0, len(m.patients))
	for _, p := range m.patients {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out, nil
}

func (m *MemoryRepository) FindPatients(_ context.Context, q PatientQuery) ([]Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindPatients"); err != nil {
		return nil, err
	}
	var out []Patient
	for _, p := range m.patients {
		if matchesPatient(*p, q) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPatient"); err != nil {
		return nil, err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryRepository) InsertPatient(_ context.Context, p Patient) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertPatient"); err != nil {
		return nil, err
	}
	if existing, ok := m.patients[p.ID]; ok && p.ID != "" {
		out := *existing
		return &out, nil
	}
	now := m.now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	m.patients[p.ID] = &p
	if err := m.reply("InsertPatient"); err != nil {
		return nil, err
	}
	out := p
	return &out, nil
}

func (m *MemoryRepository) UpdatePatient(_ context.Context, id string, patch PatientPatch) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdatePatient"); err != nil {
		return nil, err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	updated := patch.Apply(*p)
	updated.UpdatedAt = m.now().UTC()
	m.patients[id] = &updated
	out := updated
	return &out, nil
}

func (m *MemoryRepository) DeletePatient(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeletePatient"); err != nil {
		return err
	}
	if _, ok := m.patients[id]; !ok {
		return ErrPatientNotFound
	}
	delete(m.patients, id)
	for _, a := range m.appointments {
		if a.PatientID != nil && *a.PatientID == id {
			a.PatientID = nil
		}
	}
	return nil
}

func hasStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func matchesPatient(p Patient, q PatientQuery) bool {
	switch {
	case q.AMKA != "" && p.AMKA == q.AMKA:
		return true
	case q.Phone != "" && p.Phone == q.Phone:
		return true
	case q.LastName != "" && strings.EqualFold(p.LastName, q.LastName) &&
		(q.FirstName == "" || strings.EqualFold(p.FirstName, q.FirstName)):
		return true
	}
	return false
}

func sortRules(rules []WeeklyScheduleRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Weekday != rules[j].Weekday {
			return rules[i].Weekday < rules[j].Weekday
		}
		return rules[i].StartTime < rules[j].StartTime
	})
}

func sortAppointments(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		return appts[i].AppointmentTime.Before(appts[j].AppointmentTime)
	})
}
