package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/interval"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type seedOptions struct {
	patients int
	days     int
	fill     float64
	seed     uint64
}

type workingHours struct {
	weekday    time.Weekday
	start, end string
}

// Mornings on weekdays, plus Tuesday and Thursday evenings.
var clinicHours = []workingHours{
	{time.Monday, "09:00", "14:00"},
	{time.Tuesday, "09:00", "14:00"},
	{time.Tuesday, "17:00", "20:00"},
	{time.Wednesday, "09:00", "14:00"},
	{time.Thursday, "09:00", "14:00"},
	{time.Thursday, "17:00", "20:00"},
	{time.Friday, "09:00", "13:00"},
}

var visitReasons = []string{
	"Routine check-up",
	"Follow-up visit",
	"Blood test results",
	"Prescription renewal",
	"Vaccination",
	"Back pain",
	"Blood pressure check",
	"Consultation",
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the backend with a clinic calendar, patients and appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().IntVar(&opts.patients, "patients", 2000, "patients to create")
	cmd.Flags().IntVar(&opts.days, "days", 30, "days of appointments to create, starting today")
	cmd.Flags().Float64Var(&opts.fill, "fill", 0.6, "share of half-hour slots to book")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "random seed, 0 picks one")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	if cfg.BackendDriver != config.DriverPostgres {
		return fmt.Errorf("seed needs BACKEND_DRIVER=%s", config.DriverPostgres)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "seed", Env: cfg.Env})
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	ctx = context.Background()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	faker := gofakeit.New(opts.seed)
	s := &seeder{pool: pool, faker: faker, loc: cfg.Location, logger: logger}

	if err := s.seedWeeklySchedule(ctx); err != nil {
		return fmt.Errorf("seed weekly schedule: %w", err)
	}
	today := calendar.DayStart(time.Now(), cfg.Location)
	if err := s.seedExceptions(ctx, today, opts.days); err != nil {
		return fmt.Errorf("seed exceptions: %w", err)
	}
	patientIDs, err := s.seedPatients(ctx, opts.patients)
	if err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}
	if err := s.seedAppointments(ctx, today, opts.days, opts.fill, patientIDs); err != nil {
		return fmt.Errorf("seed appointments: %w", err)
	}

	logger.Info().Msg("seed complete")
	return nil
}

type seeder struct {
	pool   *pgxpool.Pool
	faker  *gofakeit.Faker
	loc    *time.Location
	logger zerolog.Logger

	// closed holds full-day exception dates; no appointments go there.
	closed map[string]bool
}

// seedWeeklySchedule replaces the weekly rules with clinicHours.
func (s *seeder) seedWeeklySchedule(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM weekly_schedule`); err != nil {
		return err
	}
	for _, h := range clinicHours {
		_, err := tx.Exec(ctx, `
			INSERT INTO weekly_schedule (id, weekday, start_time, end_time, created_at)
			VALUES ($1, $2, $3::time, $4::time, now())
		`, uuid.New(), int(h.weekday), h.start, h.end)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info().Int("rules", len(clinicHours)).Msg("weekly schedule seeded")
	return nil
}

// seedExceptions closes one random working day and shortens another.
func (s *seeder) seedExceptions(ctx context.Context, today time.Time, days int) error {
	s.closed = map[string]bool{}
	if days < 2 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	closedDay := s.workingDay(today, days)
	closedKey := calendar.DateKey(closedDay, s.loc)
	_, err = tx.Exec(ctx, `
		INSERT INTO schedule_exceptions (id, exception_date, reason, created_at)
		VALUES ($1, $2::date, $3, now())
		ON CONFLICT DO NOTHING
	`, uuid.New(), closedKey, "Clinic closed")
	if err != nil {
		return err
	}
	s.closed[closedKey] = true

	partialDay := s.workingDay(today, days)
	partialKey := calendar.DateKey(partialDay, s.loc)
	if partialKey != closedKey {
		start := calendar.At(partialDay, 11*60).UTC()
		end := calendar.At(partialDay, 12*60).UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO schedule_exceptions (id, exception_date, start_time, end_time, reason, created_at)
			VALUES ($1, $2::date, $3, $4, $5, now())
		`, uuid.New(), partialKey, start, end, "Staff meeting")
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("closed", closedKey).Str("partial", partialKey).Msg("exceptions seeded")
	return nil
}

// workingDay picks a random day in the window whose weekday has morning hours.
func (s *seeder) workingDay(today time.Time, days int) time.Time {
	for {
		d := calendar.AddDays(today, s.faker.Number(1, days-1))
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			return d
		}
	}
}

func (s *seeder) seedPatients(ctx context.Context, count int) ([]uuid.UUID, error) {
	s.logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			// 11 digit AMKA: DDMMYY birth date plus five digits.
			amka := s.faker.Date().Format("020106") + s.faker.Numerify("#####")

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, first_name, last_name, amka, phone, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			`, id, s.faker.FirstName(), s.faker.LastName(), amka, s.faker.Phone(), s.faker.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		s.logger.Info().Int("seeded", end).Int("count", count).Msg("patients seeded")
	}

	return ids, nil
}

// seedAppointments books half-hour appointments back to back through the
// clinic hours of each day. Past days get completed or cancelled visits,
// future days a mix of approved and scheduled ones. Bookings never overlap.
func (s *seeder) seedAppointments(ctx context.Context, today time.Time, days int, fill float64, patients []uuid.UUID) error {
	if len(patients) == 0 {
		return nil
	}

	total := 0
	for i := -7; i < days; i++ {
		day := calendar.AddDays(today, i)
		if s.closed[calendar.DateKey(day, s.loc)] {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for _, h := range clinicHours {
			if h.weekday != day.Weekday() {
				continue
			}
			from, to := mustMinute(h.start), mustMinute(h.end)
			for m := from; m+30 <= to; m += 30 {
				if s.faker.Float64Range(0, 1) > fill {
					continue
				}
				start := calendar.At(day, m)
				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (id, patient_id, appointment_time, duration_minutes, status, reason, is_exception, created_at, updated_at, created_by)
					VALUES ($1, $2, $3, 30, $4, $5, false, now(), now(), 'seed')
				`, uuid.New(), patients[s.faker.Number(0, len(patients)-1)], start.UTC(),
					string(s.status(i)), s.faker.RandomString(visitReasons))
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
				total++
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	s.logger.Info().Int("count", total).Msg("appointments seeded")
	return nil
}

func (s *seeder) status(dayOffset int) appointment.Status {
	n := s.faker.Number(1, 100)
	if dayOffset < 0 {
		if n <= 90 {
			return appointment.StatusApproved
		}
		return appointment.StatusCancelled
	}
	switch {
	case n <= 70:
		return appointment.StatusApproved
	case n <= 95:
		return appointment.StatusScheduled
	default:
		return appointment.StatusRejected
	}
}

func mustMinute(hhmm string) int {
	m, err := interval.ParseMinute(hhmm)
	if err != nil {
		panic(err)
	}
	return m
}
