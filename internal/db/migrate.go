package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS weekly_schedule (
		id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		weekday     smallint NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		start_time  time NOT NULL,
		end_time    time NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		CHECK (start_time < end_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_weekly_schedule_weekday ON weekly_schedule (weekday, start_time)`,

	`CREATE TABLE IF NOT EXISTS schedule_exceptions (
		id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		exception_date  date NOT NULL,
		start_time      timestamptz,
		end_time        timestamptz,
		reason          text,
		created_at      timestamptz NOT NULL DEFAULT now(),
		CHECK ((start_time IS NULL) = (end_time IS NULL)),
		CHECK (start_time IS NULL OR start_time < end_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_exceptions_date ON schedule_exceptions (exception_date)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_schedule_exceptions_full_day
		ON schedule_exceptions (exception_date) WHERE start_time IS NULL`,

	`CREATE TABLE IF NOT EXISTS patients (
		id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		first_name  text NOT NULL,
		last_name   text NOT NULL,
		amka        text,
		phone       text,
		email       text,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_name ON patients (lower(last_name), lower(first_name))`,
	`CREATE INDEX IF NOT EXISTS idx_patients_amka ON patients (amka)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_phone ON patients (phone)`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id                uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		patient_id        uuid REFERENCES patients (id) ON DELETE SET NULL,
		appointment_time  timestamptz NOT NULL,
		duration_minutes  integer NOT NULL CHECK (duration_minutes > 0),
		status            text NOT NULL CHECK (status IN ('scheduled', 'approved', 'rejected', 'cancelled', 'completed')),
		reason            text,
		notes             text,
		is_exception      boolean NOT NULL DEFAULT false,
		created_at        timestamptz NOT NULL DEFAULT now(),
		updated_at        timestamptz NOT NULL DEFAULT now(),
		created_by        text
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_time ON appointments (appointment_time)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, appointment_time)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_status_time ON appointments (status, appointment_time)`,
}

// Migrate creates the Backend tables in one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
