// Package offline routes writes to the Backend when it is reachable and to
// the local store's outbox when it is not, and replays the outbox once the
// Backend comes back.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/connectivity"
	"github.com/hackgods/clinic-scheduling/internal/localstore"
)

var (
	// ErrNoLocalStore is returned for offline work when the local store
	// could not be opened.
	ErrNoLocalStore = errors.New("offline storage is disabled")
	ErrOffline      = errors.New("backend is offline")
	// ErrSyncBusy means another process sharing the local store is
	// replaying the outbox.
	ErrSyncBusy = errors.New("outbox is being replayed by another process")
)

// Observer receives sync telemetry. metrics.Collectors implements it.
type Observer interface {
	ObserveReplay(entity, opType string, err error)
	ObserveSync(d time.Duration, err error)
	SetPending(patients, appointments int64)
	ObserveWrite(entity, path string)
}

type nopObserver struct{}

func (nopObserver) ObserveReplay(string, string, error) {}
func (nopObserver) ObserveSync(time.Duration, error)    {}
func (nopObserver) SetPending(int64, int64)             {}
func (nopObserver) ObserveWrite(string, string)         {}

type Config struct {
	BackendTimeout  time.Duration
	PullDaysBack    int
	PullDaysForward int
	// StaleAfter is how old the oldest pending op may get before Status flags it.
	StaleAfter time.Duration
	// LeaseTTL bounds how long a crashed flusher keeps others out. The
	// lease is renewed before every replay.
	LeaseTTL time.Duration
}

func (c *Config) defaults() {
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 8 * time.Second
	}
	if c.PullDaysBack <= 0 {
		c.PullDaysBack = 14
	}
	if c.PullDaysForward <= 0 {
		c.PullDaysForward = 60
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.LeaseTTL < 2*c.BackendTimeout {
		c.LeaseTTL = 4 * c.BackendTimeout
	}
}

type Engine struct {
	repo     appointment.Repository
	store    *localstore.Store
	conn     connectivity.Provider
	loc      *time.Location
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	observer Observer
	source   *DualSource
	holder   string // this engine's sync lease id

	group   singleflight.Group
	syncing atomic.Bool

	mu       sync.Mutex
	lastSync *time.Time
	lastErr  error
	last     *SyncResult
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// New builds an engine. store may be nil, in which case the engine works
// online-only and offline writes fail with ErrNoLocalStore. A non-nil store
// takes the engine's clock for its outbox timestamps.
func New(repo appointment.Repository, store *localstore.Store, conn connectivity.Provider, loc *time.Location, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	cfg.defaults()
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		repo:     repo,
		store:    store,
		conn:     conn,
		loc:      loc,
		cfg:      cfg,
		logger:   logger.With().Str("component", "sync").Logger(),
		now:      time.Now,
		observer: nopObserver{},
		holder:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if store != nil {
		store.SetClock(e.now)
	}
	e.source = &DualSource{engine: e}
	return e
}

// Source is the read side: Backend online, local mirror offline.
func (e *Engine) Source() *DualSource {
	return e.source
}

func (e *Engine) Online() bool {
	return e.conn.IsOnline()
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// HasLocalStore reports whether offline work is possible.
func (e *Engine) HasLocalStore() bool {
	return e.store != nil
}

func (e *Engine) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.BackendTimeout)
}

// direct reports whether a write for entityID may go straight to the
// Backend: online, a canonical id, and nothing queued ahead of it.
func (e *Engine) direct(ctx context.Context, entity localstore.Entity, entityID string) bool {
	if !e.conn.IsOnline() {
		return false
	}
	if entityID == "" {
		return true
	}
	if appointment.IsLocalID(entityID) {
		return false
	}
	if e.store == nil {
		return true
	}
	pending, err := e.store.HasPendingOps(ctx, entity, entityID)
	if err != nil {
		e.logger.Warn().Err(err).Str("entity_id", entityID).Msg("outbox lookup failed")
		return true
	}
	return !pending
}

// fallback decides whether a failed online write goes to the outbox.
func (e *Engine) fallback(entity localstore.Entity, op string, err error) bool {
	if !appointment.IsTransient(err) || e.store == nil {
		return false
	}
	e.logger.Warn().Err(err).Str("entity", string(entity)).Str("op", op).Msg("backend write failed, queueing locally")
	return true
}

func (e *Engine) mirrorAppointment(ctx context.Context, a *appointment.Appointment) {
	if e.store == nil || a == nil {
		return
	}
	if err := e.store.PutAppointment(ctx, *a, false); err != nil {
		e.logger.Warn().Err(err).Str("appointment_id", a.ID).Msg("local mirror write failed")
	}
}

func (e *Engine) mirrorPatient(ctx context.Context, p *appointment.Patient) {
	if e.store == nil || p == nil {
		return
	}
	if err := e.store.PutPatient(ctx, *p, false); err != nil {
		e.logger.Warn().Err(err).Str("patient_id", p.ID).Msg("local mirror write failed")
	}
}

func (e *Engine) CreateAppointment(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	if err := appointment.ValidateAppointment(a); err != nil {
		return nil, err
	}

	// The id is fixed before the first attempt so a queued retry of a write
	// that did land finds the same row.
	id := uuid.NewString()
	a.ID = id

	refsLocal := a.PatientID != nil && appointment.IsLocalID(*a.PatientID)
	if !refsLocal && e.direct(ctx, localstore.EntityAppointment, "") {
		bctx, cancel := e.backendCtx(ctx)
		created, err := e.repo.InsertAppointment(bctx, a)
		cancel()
		if err == nil {
			e.mirrorAppointment(ctx, created)
			e.observer.ObserveWrite("appointment", "online")
			return created, nil
		}
		if !e.fallback(localstore.EntityAppointment, "create", err) {
			return nil, err
		}
	}

	if e.store == nil {
		return nil, ErrNoLocalStore
	}
	now := e.now().UTC()
	a.ID = appointment.LocalID(id)
	a.AppointmentTime = a.AppointmentTime.UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if _, err := e.store.StageAppointment(ctx, localstore.OpCreate, a, nil); err != nil {
		return nil, fmt.Errorf("queue appointment: %w", err)
	}
	e.observer.ObserveWrite("appointment", "queued")
	e.refreshPending(ctx)
	return &a, nil
}

func (e *Engine) UpdateAppointment(ctx context.Context, id string, patch appointment.AppointmentPatch) (*appointment.Appointment, error) {
	if err := appointment.ValidateAppointmentPatch(patch); err != nil {
		return nil, err
	}

	refsLocal := patch.PatientID != nil && appointment.IsLocalID(*patch.PatientID)
	if !refsLocal && e.direct(ctx, localstore.EntityAppointment, id) {
		bctx, cancel := e.backendCtx(ctx)
		updated, err := e.repo.UpdateAppointment(bctx, id, patch)
		cancel()
		if err == nil {
			e.mirrorAppointment(ctx, updated)
			e.observer.ObserveWrite("appointment", "online")
			return updated, nil
		}
		if !e.fallback(localstore.EntityAppointment, "update", err) {
			return nil, err
		}
	}

	if e.store == nil {
		return nil, ErrNoLocalStore
	}
	current, err := e.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*current)
	next.UpdatedAt = e.now().UTC()
	if _, err := e.store.StageAppointment(ctx, localstore.OpUpdate, next, patch); err != nil {
		return nil, fmt.Errorf("queue appointment update: %w", err)
	}
	e.observer.ObserveWrite("appointment", "queued")
	e.refreshPending(ctx)
	return &next, nil
}

func (e *Engine) DeleteAppointment(ctx context.Context, id string) error {
	if e.direct(ctx, localstore.EntityAppointment, id) {
		bctx, cancel := e.backendCtx(ctx)
		err := e.repo.DeleteAppointment(bctx, id)
		cancel()
		if err == nil {
			if e.store != nil {
				if err := e.store.DeleteAppointment(ctx, id); err != nil {
					e.logger.Warn().Err(err).Str("appointment_id", id).Msg("local mirror delete failed")
				}
			}
			e.observer.ObserveWrite("appointment", "online")
			return nil
		}
		if !e.fallback(localstore.EntityAppointment, "delete", err) {
			return err
		}
	}

	if e.store == nil {
		return ErrNoLocalStore
	}
	if _, err := e.store.GetAppointment(ctx, id); err != nil {
		return err
	}
	if _, err := e.store.StageAppointmentDelete(ctx, id); err != nil {
		return fmt.Errorf("queue appointment delete: %w", err)
	}
	e.observer.ObserveWrite("appointment", "queued")
	e.refreshPending(ctx)
	return nil
}

func (e *Engine) CreatePatient(ctx context.Context, p appointment.Patient) (*appointment.Patient, error) {
	if err := appointment.ValidatePatient(p); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p.ID = id

	if e.direct(ctx, localstore.EntityPatient, "") {
		bctx, cancel := e.backendCtx(ctx)
		created, err := e.repo.InsertPatient(bctx, p)
		cancel()
		if err == nil {
			e.mirrorPatient(ctx, created)
			e.observer.ObserveWrite("patient", "online")
			return created, nil
		}
		if !e.fallback(localstore.EntityPatient, "create", err) {
			return nil, err
		}
	}

	if e.store == nil {
		return nil, ErrNoLocalStore
	}
	now := e.now().UTC()
	p.ID = appointment.LocalID(id)
	p.CreatedAt, p.UpdatedAt = now, now
	if _, err := e.store.StagePatient(ctx, localstore.OpCreate, p, nil); err != nil {
		return nil, fmt.Errorf("queue patient: %w", err)
	}
	e.observer.ObserveWrite("patient", "queued")
	e.refreshPending(ctx)
	return &p, nil
}

func (e *Engine) UpdatePatient(ctx context.Context, id string, patch appointment.PatientPatch) (*appointment.Patient, error) {
	if err := appointment.ValidatePatientPatch(patch); err != nil {
		return nil, err
	}

	if e.direct(ctx, localstore.EntityPatient, id) {
		bctx, cancel := e.backendCtx(ctx)
		updated, err := e.repo.UpdatePatient(bctx, id, patch)
		cancel()
		if err == nil {
			e.mirrorPatient(ctx, updated)
			e.observer.ObserveWrite("patient", "online")
			return updated, nil
		}
		if !e.fallback(localstore.EntityPatient, "update", err) {
			return nil, err
		}
	}

	if e.store == nil {
		return nil, ErrNoLocalStore
	}
	current, err := e.store.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*current)
	next.UpdatedAt = e.now().UTC()
	if _, err := e.store.StagePatient(ctx, localstore.OpUpdate, next, patch); err != nil {
		return nil, fmt.Errorf("queue patient update: %w", err)
	}
	e.observer.ObserveWrite("patient", "queued")
	e.refreshPending(ctx)
	return &next, nil
}

func (e *Engine) DeletePatient(ctx context.Context, id string) error {
	if e.direct(ctx, localstore.EntityPatient, id) {
		bctx, cancel := e.backendCtx(ctx)
		err := e.repo.DeletePatient(bctx, id)
		cancel()
		if err == nil {
			if e.store != nil {
				if err := e.store.DeletePatient(ctx, id); err != nil {
					e.logger.Warn().Err(err).Str("patient_id", id).Msg("local mirror delete failed")
				}
			}
			e.observer.ObserveWrite("patient", "online")
			return nil
		}
		if !e.fallback(localstore.EntityPatient, "delete", err) {
			return err
		}
	}

	if e.store == nil {
		return ErrNoLocalStore
	}
	if _, err := e.store.GetPatient(ctx, id); err != nil {
		return err
	}
	if _, err := e.store.StagePatientDelete(ctx, id); err != nil {
		return fmt.Errorf("queue patient delete: %w", err)
	}
	e.observer.ObserveWrite("patient", "queued")
	e.refreshPending(ctx)
	return nil
}

func (e *Engine) refreshPending(ctx context.Context) {
	if e.store == nil {
		return
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		return
	}
	e.observer.SetPending(st.PendingPatients, st.PendingAppointments)
}
