// Package localstore is the on-device durable store: a mirror of patients,
// appointments and the clinic calendar, plus the two outboxes of writes
// waiting to be replayed against the Backend.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hackgods/clinic-scheduling/internal/calendar"
)

// SchemaVersion is the layout this binary writes.
//
//	1: patients, appointments, patient_ops, appointment_ops
//	2: appointments.appointment_date and the (patient_id, appointment_date) index
//	3: weekly_schedule and schedule_exceptions mirrors, pending markers
const SchemaVersion = 3

const versionKey = "schema_version"

// SchemaError means the file on disk could not be opened as a store of this
// version: it is corrupt, newer than SchemaVersion, or failed to migrate.
type SchemaError struct {
	Path string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("local store %s: unusable schema: %v", e.Path, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

type Store struct {
	db     *gorm.DB
	path   string
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Store)

// WithClock overrides time.Now for outbox timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// SetClock replaces the clock used for outbox timestamps. The sync engine
// calls it so queued ops and its staleness checks read the same time. Call
// it before the store is shared between goroutines.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Open opens or creates the store at path. A SchemaError on open is
// recovered by deleting the file and starting empty. If that fails too,
// Open returns a nil store and the error; callers then run online-only.
func Open(path string, loc *time.Location, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Store{
		path:   path,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "localstore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local store dir: %w", err)
		}
	}

	err := s.open()
	if err == nil {
		return s, nil
	}

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		return nil, err
	}
	s.logger.Warn().Err(err).Msg("resetting local store")
	if err := s.reset(); err != nil {
		s.logger.Error().Err(err).Msg("local store reset failed, offline mode disabled")
		return nil, &SchemaError{Path: path, Err: err}
	}
	return s, nil
}

// The api-server and the sync-worker may open the same file. Writers wait
// for each other instead of failing with SQLITE_BUSY, and transactions
// take the write lock up front so two readers never deadlock on upgrade.
const sharedFileParams = "?_pragma=busy_timeout(5000)&_txlock=immediate"

func (s *Store) open() error {
	db, err := gorm.Open(sqlite.Open(s.path+sharedFileParams), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return &SchemaError{Path: s.path, Err: err}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return &SchemaError{Path: s.path, Err: err}
	}
	// sqlite allows one writer; a single connection also keeps
	// transactions from waiting on each other.
	sqlDB.SetMaxOpenConns(1)

	s.db = db
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		s.db = nil
		return &SchemaError{Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) migrate() error {
	var check string
	if err := s.db.Raw("PRAGMA quick_check").Scan(&check).Error; err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("integrity check: %s", check)
	}

	version, err := s.storedVersion()
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("stored version %d is newer than %d", version, SchemaVersion)
	}

	err = s.db.AutoMigrate(
		&patientRow{},
		&appointmentRow{},
		&patientOpRow{},
		&appointmentOpRow{},
		&ruleRow{},
		&exceptionRow{},
		&metaRow{},
	)
	if err != nil {
		return fmt.Errorf("migrate to version %d: %w", SchemaVersion, err)
	}

	if version < 2 {
		if err := s.backfillAppointmentDates(); err != nil {
			return err
		}
	}
	if version != SchemaVersion {
		meta := metaRow{Key: versionKey, Value: strconv.Itoa(SchemaVersion)}
		if err := s.db.Save(&meta).Error; err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		s.logger.Info().Int("from", version).Int("to", SchemaVersion).Msg("local store upgraded")
	}
	return nil
}

// storedVersion is 0 for a new file and for version 1 files, which had no meta table.
func (s *Store) storedVersion() (int, error) {
	if !s.db.Migrator().HasTable(&metaRow{}) {
		return 0, nil
	}
	var meta metaRow
	err := s.db.Where(&metaRow{Key: versionKey}).Limit(1).Find(&meta).Error
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if meta.Key == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(meta.Value)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) backfillAppointmentDates() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rows []appointmentRow
		if err := tx.Where("appointment_date IS NULL OR appointment_date = ''").Find(&rows).Error; err != nil {
			return fmt.Errorf("backfill appointment_date: %w", err)
		}
		for _, r := range rows {
			err := tx.Model(&appointmentRow{}).
				Where("id = ?", r.ID).
				Update("appointment_date", s.dateKey(r.AppointmentTime)).Error
			if err != nil {
				return fmt.Errorf("backfill appointment_date for %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) reset() error {
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		s.db = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", s.path+suffix, err)
		}
	}
	return s.open()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Version returns the schema version recorded in the file.
func (s *Store) Version() (int, error) {
	return s.storedVersion()
}

func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) dateKey(t time.Time) string {
	return calendar.DateKey(t, s.loc)
}
