package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	ruleColumns        = `id::text, weekday, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), created_at`
	exceptionColumns   = `id::text, exception_date::text, start_time, end_time, reason, created_at`
	appointmentColumns = `id::text, patient_id::text, appointment_time, duration_minutes, status, reason, notes, is_exception, created_at, updated_at, created_by`
	patientColumns     = `id::text, first_name, last_name, amka, phone, email, created_at, updated_at`
)

// Helpers

func scanRule(row pgx.Row) (*WeeklyScheduleRule, error) {
	var r WeeklyScheduleRule
	err := row.Scan(&r.ID, &r.Weekday, &r.StartTime, &r.EndTime, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &r, nil
}

func scanException(row pgx.Row) (*ScheduleException, error) {
	var e ScheduleException
	err := row.Scan(&e.ID, &e.ExceptionDate, &e.StartTime, &e.EndTime, &e.Reason, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExceptionNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var reason, notes, createdBy *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.AppointmentTime,
		&a.DurationMinutes,
		&a.Status,
		&reason,
		&notes,
		&a.IsException,
		&a.CreatedAt,
		&a.UpdatedAt,
		&createdBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Reason = deref(reason)
	a.Notes = deref(notes)
	a.CreatedBy = deref(createdBy)
	return &a, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var amka, phone, email *string

	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &amka, &phone, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.AMKA = deref(amka)
	p.Phone = deref(phone)
	p.Email = deref(email)
	return &p, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Interface methods

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PgRepository) ListWeeklyRules(ctx context.Context) ([]WeeklyScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM weekly_schedule
		ORDER BY weekday, start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("list weekly rules: %w", err)
	}
	return collect(rows, scanRule)
}

func (r *PgRepository) ListWeeklyRulesByWeekday(ctx context.Context, weekday int) ([]WeeklyScheduleRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM weekly_schedule
		WHERE weekday = $1
		ORDER BY start_time
	`, weekday)
	if err != nil {
		return nil, fmt.Errorf("list weekly rules for weekday %d: %w", weekday, err)
	}
	return collect(rows, scanRule)
}

func (r *PgRepository) InsertWeeklyRule(ctx context.Context, rule WeeklyScheduleRule) (*WeeklyScheduleRule, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO weekly_schedule (weekday, start_time, end_time, created_at)
		VALUES ($1, $2::time, $3::time, now())
		RETURNING `+ruleColumns, rule.Weekday, rule.StartTime, rule.EndTime)
	return scanRule(row)
}

func (r *PgRepository) DeleteWeeklyRule(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM weekly_schedule WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("delete weekly rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *PgRepository) ListExceptions(ctx context.Context, from, to string) ([]ScheduleException, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+exceptionColumns+`
		FROM schedule_exceptions
		WHERE exception_date BETWEEN $1::date AND $2::date
		ORDER BY exception_date, created_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list schedule exceptions: %w", err)
	}
	return collect(rows, scanException)
}

func (r *PgRepository) InsertException(ctx context.Context, e ScheduleException) (*ScheduleException, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO schedule_exceptions (exception_date, start_time, end_time, reason, created_at)
		VALUES ($1::date, $2, $3, $4, now())
		RETURNING `+exceptionColumns, e.ExceptionDate, e.StartTime, e.EndTime, e.Reason)
	return scanException(row)
}

func (r *PgRepository) DeleteException(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedule_exceptions WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("delete schedule exception: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExceptionNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsBetween(ctx context.Context, from, to time.Time, statuses []Status) ([]Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE appointment_time >= $1
		  AND appointment_time < $2`
	args := []any{from.UTC(), to.UTC()}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($3)`
		args = append(args, names)
	}
	query += ` ORDER BY appointment_time`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1::uuid
		ORDER BY appointment_time DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1::uuid
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, appointment_time, duration_minutes, status, reason, notes, is_exception, created_at, updated_at, created_by)
		VALUES (COALESCE($1::uuid, gen_random_uuid()), $2::uuid, $3, $4, $5, $6, $7, $8, now(), now(), $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+appointmentColumns,
		nullable(a.ID), a.PatientID, a.AppointmentTime.UTC(), a.DurationMinutes, a.Status,
		nullable(a.Reason), nullable(a.Notes), a.IsException, nullable(a.CreatedBy))
	created, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) && a.ID != "" {
		// An earlier attempt with this id already committed.
		return r.GetAppointment(ctx, a.ID)
	}
	return created, err
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, id string, patch AppointmentPatch) (*Appointment, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.PatientID != nil {
		args = append(args, *patch.PatientID)
		sets = append(sets, fmt.Sprintf("patient_id = $%d::uuid", len(args)))
	}
	if patch.AppointmentTime != nil {
		add("appointment_time", patch.AppointmentTime.UTC())
	}
	if patch.DurationMinutes != nil {
		add("duration_minutes", *patch.DurationMinutes)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Reason != nil {
		add("reason", *patch.Reason)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET `+strings.Join(sets, ", ")+`
		WHERE id = $1::uuid
		RETURNING `+appointmentColumns, args...)
	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListPatients(ctx context.Context) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		ORDER BY last_name, first_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return collect(rows, scanPatient)
}

func (r *PgRepository) FindPatients(ctx context.Context, q PatientQuery) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE ($1 <> '' AND amka = $1)
		   OR ($2 <> '' AND phone = $2)
		   OR ($3 <> '' AND lower(last_name) = lower($3) AND ($4 = '' OR lower(first_name) = lower($4)))
	`, q.AMKA, q.Phone, q.LastName, q.FirstName)
	if err != nil {
		return nil, fmt.Errorf("find patients: %w", err)
	}
	return collect(rows, scanPatient)
}

func (r *PgRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1::uuid
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, first_name, last_name, amka, phone, email, created_at, updated_at)
		VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO NOTHING
		RETURNING `+patientColumns,
		nullable(p.ID), p.FirstName, p.LastName, nullable(p.AMKA), nullable(p.Phone), nullable(p.Email))
	created, err := scanPatient(row)
	if errors.Is(err, ErrPatientNotFound) && p.ID != "" {
		return r.GetPatient(ctx, p.ID)
	}
	return created, err
}

func (r *PgRepository) UpdatePatient(ctx context.Context, id string, patch PatientPatch) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE patients
		SET first_name = COALESCE($2, first_name),
		    last_name  = COALESCE($3, last_name),
		    amka       = COALESCE($4, amka),
		    phone      = COALESCE($5, phone),
		    email      = COALESCE($6, email),
		    updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+patientColumns,
		id, patch.FirstName, patch.LastName, patch.AMKA, patch.Phone, patch.Email)
	return scanPatient(row)
}

func (r *PgRepository) DeletePatient(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}
