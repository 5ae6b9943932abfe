package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/localstore"
)

// SyncReplayError is one outbox operation that failed against the Backend.
// The operation stays pending for the next flush.
type SyncReplayError struct {
	Op  localstore.Operation
	Err error
}

func (e *SyncReplayError) Error() string {
	return fmt.Sprintf("replay %s: %v", e.Op, e.Err)
}

func (e *SyncReplayError) Unwrap() error {
	return e.Err
}

// errDeferred marks an op that waits on another entity's create.
var errDeferred = errors.New("waiting for a referenced record to sync")

// FlushResult counts a flush. Blocked ops were held back because an earlier
// op of the same entity did not replay.
type FlushResult struct {
	Replayed int                `json:"replayed"`
	Failed   int                `json:"failed"`
	Deferred int                `json:"deferred"`
	Blocked  int                `json:"blocked"`
	Errors   []*SyncReplayError `json:"-"`
}

type PullResult struct {
	Rules        int `json:"rules"`
	Exceptions   int `json:"exceptions"`
	Patients     int `json:"patients"`
	Appointments int `json:"appointments"`
}

type SyncResult struct {
	StartedAt time.Time   `json:"started_at"`
	Duration  string      `json:"duration"`
	Flush     FlushResult `json:"flush"`
	Pull      *PullResult `json:"pull,omitempty"`
}

// Flush replays pending operations oldest first. A failed op is logged and
// left pending; later ops of the same entity wait for the next flush so
// per-entity order holds. Ops of other entities keep going.
//
// Flush holds the store's sync lease throughout and returns ErrSyncBusy
// when another process has it.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	if e.store == nil {
		return res, ErrNoLocalStore
	}

	if err := e.claimLease(ctx); err != nil {
		return res, err
	}
	defer func() {
		if err := e.store.ReleaseSyncLease(context.WithoutCancel(ctx), e.holder); err != nil {
			e.logger.Warn().Err(err).Msg("sync lease release failed")
		}
	}()

	ops, err := e.store.PendingOps(ctx)
	if err != nil {
		return res, err
	}

	blocked := make(map[string]bool)
	for _, queued := range ops {
		if err := e.claimLease(ctx); err != nil {
			return res, err
		}
		// an earlier replay may have remapped this op's ids
		op, err := e.store.Op(ctx, queued.Entity, queued.ID)
		if err != nil {
			return res, err
		}
		if op.Status != localstore.OpPending {
			continue
		}

		key := string(op.Entity) + "/" + op.EntityID
		if blocked[key] {
			res.Blocked++
			continue
		}

		err = e.replay(ctx, op)
		e.observer.ObserveReplay(string(op.Entity), string(op.Type), err)
		switch {
		case err == nil:
			res.Replayed++
		case errors.Is(err, errDeferred):
			blocked[key] = true
			res.Deferred++
			e.logger.Debug().Uint("op_id", op.ID).Str("type", string(op.Type)).Str("entity_id", op.EntityID).Msg("replay deferred")
		default:
			blocked[key] = true
			res.Failed++
			replayErr := &SyncReplayError{Op: op, Err: err}
			res.Errors = append(res.Errors, replayErr)
			e.logger.Warn().Err(err).
				Uint("op_id", op.ID).
				Str("entity", string(op.Entity)).
				Str("type", string(op.Type)).
				Str("entity_id", op.EntityID).
				Msg("outbox replay failed, will retry")
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	e.refreshPending(ctx)
	return res, nil
}

// claimLease takes or renews the sync lease.
func (e *Engine) claimLease(ctx context.Context) error {
	ok, err := e.store.AcquireSyncLease(ctx, e.holder, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSyncBusy
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, op localstore.Operation) error {
	bctx, cancel := e.backendCtx(ctx)
	defer cancel()

	switch op.Entity {
	case localstore.EntityPatient:
		return e.replayPatient(ctx, bctx, op)
	case localstore.EntityAppointment:
		return e.replayAppointment(ctx, bctx, op)
	}
	return fmt.Errorf("unknown entity %q", op.Entity)
}

func (e *Engine) replayPatient(ctx, bctx context.Context, op localstore.Operation) error {
	switch op.Type {
	case localstore.OpCreate:
		var p appointment.Patient
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		// The canonical id makes a repeated create a no-op on the Backend.
		p.ID = appointment.CanonicalID(op.EntityID)
		created, err := e.repo.InsertPatient(bctx, p)
		if err != nil {
			return err
		}
		return e.store.CompleteCreatedPatient(ctx, op, *created)

	case localstore.OpUpdate:
		if appointment.IsLocalID(op.EntityID) {
			return errDeferred
		}
		var patch appointment.PatientPatch
		if err := json.Unmarshal(op.Payload, &patch); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		updated, err := e.repo.UpdatePatient(bctx, op.EntityID, patch)
		if err != nil {
			return err
		}
		return e.store.CompleteUpdatedPatient(ctx, op, *updated)

	case localstore.OpDelete:
		if !appointment.IsLocalID(op.EntityID) {
			err := e.repo.DeletePatient(bctx, op.EntityID)
			if err != nil && !errors.Is(err, appointment.ErrPatientNotFound) {
				return err
			}
		}
		return e.store.CompleteDeleted(ctx, op)
	}
	return fmt.Errorf("unknown op type %q", op.Type)
}

func (e *Engine) replayAppointment(ctx, bctx context.Context, op localstore.Operation) error {
	switch op.Type {
	case localstore.OpCreate:
		var a appointment.Appointment
		if err := json.Unmarshal(op.Payload, &a); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if a.PatientID != nil && appointment.IsLocalID(*a.PatientID) {
			return errDeferred
		}
		a.ID = appointment.CanonicalID(op.EntityID)
		created, err := e.repo.InsertAppointment(bctx, a)
		if err != nil {
			return err
		}
		return e.store.CompleteCreatedAppointment(ctx, op, *created)

	case localstore.OpUpdate:
		if appointment.IsLocalID(op.EntityID) {
			return errDeferred
		}
		var patch appointment.AppointmentPatch
		if err := json.Unmarshal(op.Payload, &patch); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if patch.PatientID != nil && appointment.IsLocalID(*patch.PatientID) {
			return errDeferred
		}
		updated, err := e.repo.UpdateAppointment(bctx, op.EntityID, patch)
		if err != nil {
			return err
		}
		return e.store.CompleteUpdatedAppointment(ctx, op, *updated)

	case localstore.OpDelete:
		if !appointment.IsLocalID(op.EntityID) {
			err := e.repo.DeleteAppointment(bctx, op.EntityID)
			if err != nil && !errors.Is(err, appointment.ErrAppointmentNotFound) {
				return err
			}
		}
		return e.store.CompleteDeleted(ctx, op)
	}
	return fmt.Errorf("unknown op type %q", op.Type)
}

// Pull refreshes the local mirror from the Backend: the weekly rules in
// full, exceptions and appointments within the configured window, and all
// patients. Rows with queued writes are left alone.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	if e.store == nil {
		return res, ErrNoLocalStore
	}

	fromKey, toKey := e.store.WindowKeys(e.now(), e.cfg.PullDaysBack, e.cfg.PullDaysForward)
	from, err := calendar.ParseDate(fromKey, e.loc)
	if err != nil {
		return res, err
	}
	to, err := calendar.ParseDate(toKey, e.loc)
	if err != nil {
		return res, err
	}

	// Each query gets its own BackendTimeout.
	bctx, cancel := e.backendCtx(ctx)
	rules, err := e.repo.ListWeeklyRules(bctx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("pull weekly rules: %w", err)
	}
	if err := e.store.ReplaceWeeklyRules(ctx, rules); err != nil {
		return res, err
	}
	res.Rules = len(rules)

	bctx, cancel = e.backendCtx(ctx)
	exceptions, err := e.repo.ListExceptions(bctx, fromKey, toKey)
	cancel()
	if err != nil {
		return res, fmt.Errorf("pull exceptions: %w", err)
	}
	if err := e.store.ReplaceExceptions(ctx, fromKey, toKey, exceptions); err != nil {
		return res, err
	}
	res.Exceptions = len(exceptions)

	bctx, cancel = e.backendCtx(ctx)
	patients, err := e.repo.ListPatients(bctx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("pull patients: %w", err)
	}
	if res.Patients, err = e.store.ReplacePatients(ctx, patients); err != nil {
		return res, err
	}

	bctx, cancel = e.backendCtx(ctx)
	appts, err := e.repo.ListAppointmentsBetween(bctx, from, calendar.AddDays(to, 1), nil)
	cancel()
	if err != nil {
		return res, fmt.Errorf("pull appointments: %w", err)
	}
	if res.Appointments, err = e.store.ReplaceAppointmentWindow(ctx, fromKey, toKey, appts); err != nil {
		return res, err
	}
	return res, nil
}

// Sync runs Flush then Pull. Concurrent calls share the in-flight run.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if e.store == nil {
		return nil, ErrNoLocalStore
	}
	if !e.conn.IsOnline() {
		return nil, ErrOffline
	}

	v, err, _ := e.group.Do("sync", func() (any, error) {
		e.syncing.Store(true)
		defer e.syncing.Store(false)
		return e.runSync(ctx)
	})
	if v == nil {
		return nil, err
	}
	return v.(*SyncResult), err
}

func (e *Engine) runSync(ctx context.Context) (*SyncResult, error) {
	start := e.now()
	res := &SyncResult{StartedAt: start}

	flush, err := e.Flush(ctx)
	res.Flush = flush
	if err == nil {
		var pull PullResult
		pull, err = e.Pull(ctx)
		if err == nil {
			res.Pull = &pull
		}
	}
	elapsed := e.now().Sub(start)
	res.Duration = elapsed.String()
	e.observer.ObserveSync(elapsed, err)

	e.mu.Lock()
	finished := e.now()
	e.lastSync = &finished
	e.lastErr = err
	e.last = res
	e.mu.Unlock()

	evt := e.logger.Info()
	if err != nil {
		evt = e.logger.Warn().Err(err)
	}
	evt.Int("replayed", flush.Replayed).
		Int("failed", flush.Failed).
		Int("deferred", flush.Deferred).
		Int("blocked", flush.Blocked).
		Dur("took", elapsed).
		Msg("sync finished")
	return res, err
}

// Run syncs whenever the connection comes back, and once at start if
// already online. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.store == nil {
		return
	}
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	unsubscribe := e.conn.Subscribe(func(online bool) {
		if online {
			kick()
		}
	})
	defer unsubscribe()

	if e.conn.IsOnline() {
		kick()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			_, err := e.Sync(ctx)
			switch {
			case err == nil, errors.Is(err, ErrOffline):
			case errors.Is(err, ErrSyncBusy):
				e.logger.Debug().Msg("another process is syncing, skipped")
			default:
				e.logger.Warn().Err(err).Msg("background sync failed")
			}
		}
	}
}

type Status struct {
	Online              bool        `json:"online"`
	LocalStore          bool        `json:"local_store"`
	Syncing             bool        `json:"syncing"`
	PendingPatients     int64       `json:"pending_patients"`
	PendingAppointments int64       `json:"pending_appointments"`
	OldestPending       *time.Time  `json:"oldest_pending,omitempty"`
	Stale               bool        `json:"stale"`
	LastSyncAt          *time.Time  `json:"last_sync_at,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	LastResult          *SyncResult `json:"last_result,omitempty"`
}

// Status reports the outbox backlog. Stale is set once the oldest pending
// op is older than Config.StaleAfter.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Online:     e.conn.IsOnline(),
		LocalStore: e.store != nil,
		Syncing:    e.syncing.Load(),
	}

	e.mu.Lock()
	st.LastSyncAt = e.lastSync
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	st.LastResult = e.last
	e.mu.Unlock()

	if e.store == nil {
		return st, nil
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.PendingPatients = stats.PendingPatients
	st.PendingAppointments = stats.PendingAppointments
	st.OldestPending = stats.OldestPending
	st.Stale = stats.OldestPending != nil && e.now().Sub(*stats.OldestPending) > e.cfg.StaleAfter
	return st, nil
}

// PurgeDone removes replayed operations older than age.
func (e *Engine) PurgeDone(ctx context.Context, age time.Duration) (int64, error) {
	if e.store == nil {
		return 0, ErrNoLocalStore
	}
	n, err := e.store.PurgeDone(ctx, e.now().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info().Int64("removed", n).Msg("purged replayed operations")
	}
	return n, nil
}
