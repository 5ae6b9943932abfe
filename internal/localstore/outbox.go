package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpDone    OpStatus = "done"
)

// Entity names the outbox an operation lives in.
type Entity string

const (
	EntityPatient     Entity = "patient"
	EntityAppointment Entity = "appointment"
)

const (
	patientOpsTable     = "patient_ops"
	appointmentOpsTable = "appointment_ops"
)

func (e Entity) table() string {
	if e == EntityPatient {
		return patientOpsTable
	}
	return appointmentOpsTable
}

// Operation is one queued write. Payload is the JSON the Backend call
// needs: the full record for create, the patch for update, nothing for delete.
type Operation struct {
	ID       uint
	Entity   Entity
	Type     OpType
	Status   OpStatus
	TS       time.Time
	EntityID string
	Payload  json.RawMessage
}

func (op Operation) String() string {
	return fmt.Sprintf("%s %s #%d (%s)", op.Entity, op.Type, op.ID, op.EntityID)
}

func toOperation(entity Entity, r opRow) Operation {
	return Operation{
		ID:       r.ID,
		Entity:   entity,
		Type:     OpType(r.Type),
		Status:   OpStatus(r.Status),
		TS:       r.TS,
		EntityID: r.EntityID,
		Payload:  json.RawMessage(r.Payload),
	}
}

func (s *Store) enqueueTx(tx *gorm.DB, entity Entity, typ OpType, entityID string, payload any) (Operation, error) {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Operation{}, fmt.Errorf("encode %s %s payload: %w", entity, typ, err)
		}
		raw = b
	}
	row := opRow{
		Type:     string(typ),
		Status:   string(OpPending),
		TS:       s.now().UTC(),
		EntityID: entityID,
		Payload:  datatypes.JSON(raw),
	}

	var err error
	if entity == EntityPatient {
		r := patientOpRow{Op: row}
		err = tx.Create(&r).Error
		row = r.Op
	} else {
		r := appointmentOpRow{Op: row}
		err = tx.Create(&r).Error
		row = r.Op
	}
	if err != nil {
		return Operation{}, fmt.Errorf("enqueue %s %s for %s: %w", entity, typ, entityID, err)
	}
	return toOperation(entity, row), nil
}

// StageAppointment saves a to the mirror and queues typ in one transaction.
// payload is what the replay sends; nil means a.
func (s *Store) StageAppointment(ctx context.Context, typ OpType, a appointment.Appointment, payload any) (Operation, error) {
	if payload == nil {
		payload = a
	}
	var op Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := s.toAppointmentRow(a, true)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save appointment %s: %w", a.ID, err)
		}
		var err error
		op, err = s.enqueueTx(tx, EntityAppointment, typ, a.ID, payload)
		return err
	})
	return op, err
}

// StageAppointmentDelete removes the row and queues a delete in one
// transaction. For a local-only id the queued create and updates are
// retired with it, so the Backend never sees the row.
func (s *Store) StageAppointmentDelete(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&appointmentRow{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete appointment %s: %w", id, err)
		}
		if appointment.IsLocalID(id) {
			if err := retireTx(tx, appointmentOpsTable, id); err != nil {
				return err
			}
		}
		var err error
		op, err = s.enqueueTx(tx, EntityAppointment, OpDelete, id, nil)
		return err
	})
	return op, err
}

func (s *Store) StagePatient(ctx context.Context, typ OpType, p appointment.Patient, payload any) (Operation, error) {
	if payload == nil {
		payload = p
	}
	var op Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toPatientRow(p, true)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save patient %s: %w", p.ID, err)
		}
		var err error
		op, err = s.enqueueTx(tx, EntityPatient, typ, p.ID, payload)
		return err
	})
	return op, err
}

func (s *Store) StagePatientDelete(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deletePatientTx(tx, id); err != nil {
			return err
		}
		if err := remapPayloadPatientTx(tx, id, ""); err != nil {
			return err
		}
		if appointment.IsLocalID(id) {
			if err := retireTx(tx, patientOpsTable, id); err != nil {
				return err
			}
		}
		var err error
		op, err = s.enqueueTx(tx, EntityPatient, OpDelete, id, nil)
		return err
	})
	return op, err
}

// PendingOps returns both outboxes merged by ts. On equal ts patient ops
// come first, then lower ids.
func (s *Store) PendingOps(ctx context.Context) ([]Operation, error) {
	db := s.db.WithContext(ctx)

	var prows []patientOpRow
	if err := db.Where("status = ?", OpPending).Order("id").Find(&prows).Error; err != nil {
		return nil, fmt.Errorf("list pending patient ops: %w", err)
	}
	var arows []appointmentOpRow
	if err := db.Where("status = ?", OpPending).Order("id").Find(&arows).Error; err != nil {
		return nil, fmt.Errorf("list pending appointment ops: %w", err)
	}

	ops := make([]Operation, 0, len(prows)+len(arows))
	for _, r := range prows {
		ops = append(ops, toOperation(EntityPatient, r.Op))
	}
	for _, r := range arows {
		ops = append(ops, toOperation(EntityAppointment, r.Op))
	}
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		if a.Entity != b.Entity {
			return a.Entity == EntityPatient
		}
		return a.ID < b.ID
	})
	return ops, nil
}

// Op re-reads a queued operation. Replays use it because an earlier op in
// the same flush may have remapped its entity id or payload.
func (s *Store) Op(ctx context.Context, entity Entity, id uint) (Operation, error) {
	var row opRow
	res := s.db.WithContext(ctx).Table(entity.table()).Where("id = ?", id).Limit(1).Find(&row)
	if res.Error != nil {
		return Operation{}, fmt.Errorf("load %s op #%d: %w", entity, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return Operation{}, fmt.Errorf("%s op #%d: %w", entity, id, gorm.ErrRecordNotFound)
	}
	return toOperation(entity, row), nil
}

// HasPendingOps reports whether entityID has queued writes in the entity's outbox.
func (s *Store) HasPendingOps(ctx context.Context, entity Entity, entityID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(entity.table()).
		Where("entity_id = ? AND status = ?", entityID, OpPending).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteCreatedAppointment swaps the local row for the Backend's canonical
// row, points later ops at the canonical id and marks op done.
func (s *Store) CompleteCreatedAppointment(ctx context.Context, op Operation, canonical appointment.Appointment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markDoneTx(tx, op); err != nil {
			return err
		}
		if canonical.ID != op.EntityID {
			if err := renameTx(tx, &appointmentRow{}, op.EntityID, canonical.ID); err != nil {
				return err
			}
			err := tx.Table(appointmentOpsTable).
				Where("entity_id = ? AND status = ?", op.EntityID, OpPending).
				Update("entity_id", canonical.ID).Error
			if err != nil {
				return fmt.Errorf("remap appointment ops %s: %w", op.EntityID, err)
			}
		}
		return s.putSyncedAppointmentTx(tx, canonical)
	})
}

// CompleteCreatedPatient swaps the local patient for the canonical one and
// rewrites every reference to the local id: appointment rows, queued
// patient ops and queued appointment payloads.
func (s *Store) CompleteCreatedPatient(ctx context.Context, op Operation, canonical appointment.Patient) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markDoneTx(tx, op); err != nil {
			return err
		}
		oldID, newID := op.EntityID, canonical.ID
		if newID != oldID {
			if err := renameTx(tx, &patientRow{}, oldID, newID); err != nil {
				return err
			}
			if err := tx.Model(&appointmentRow{}).Where("patient_id = ?", oldID).Update("patient_id", newID).Error; err != nil {
				return fmt.Errorf("remap appointments of %s: %w", oldID, err)
			}
			err := tx.Table(patientOpsTable).
				Where("entity_id = ? AND status = ?", oldID, OpPending).
				Update("entity_id", newID).Error
			if err != nil {
				return fmt.Errorf("remap patient ops %s: %w", oldID, err)
			}
			if err := remapPayloadPatientTx(tx, oldID, newID); err != nil {
				return err
			}
		}

		return putSyncedPatientTx(tx, canonical)
	})
}

// renameTx moves a local row to its canonical id, replacing any copy that
// already arrived under that id.
func renameTx(tx *gorm.DB, model any, oldID, newID string) error {
	if err := tx.Where("id = ?", newID).Delete(model).Error; err != nil {
		return fmt.Errorf("clear %s: %w", newID, err)
	}
	if err := tx.Model(model).Where("id = ?", oldID).Update("id", newID).Error; err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldID, newID, err)
	}
	return nil
}

// retireTx marks every queued op of entityID done without replaying it.
func retireTx(tx *gorm.DB, table, entityID string) error {
	err := tx.Table(table).
		Where("entity_id = ? AND status = ?", entityID, OpPending).
		Update("status", OpDone).Error
	if err != nil {
		return fmt.Errorf("retire ops of %s: %w", entityID, err)
	}
	return nil
}

// remapPayloadPatientTx points queued appointment payloads from oldID to
// newID. An empty newID clears the reference.
func remapPayloadPatientTx(tx *gorm.DB, oldID, newID string) error {
	var rows []appointmentOpRow
	if err := tx.Where("status = ?", OpPending).Find(&rows).Error; err != nil {
		return fmt.Errorf("load appointment ops: %w", err)
	}
	for _, r := range rows {
		if len(r.Op.Payload) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(r.Op.Payload, &fields); err != nil {
			return fmt.Errorf("decode appointment op #%d: %w", r.Op.ID, err)
		}
		if pid, ok := fields["patient_id"].(string); !ok || pid != oldID {
			continue
		}
		if newID == "" {
			fields["patient_id"] = nil
		} else {
			fields["patient_id"] = newID
		}
		b, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if err := tx.Model(&appointmentOpRow{}).Where("id = ?", r.Op.ID).Update("payload", datatypes.JSON(b)).Error; err != nil {
			return fmt.Errorf("rewrite appointment op #%d: %w", r.Op.ID, err)
		}
	}
	return nil
}

// CompleteUpdatedAppointment adopts the Backend's row after an update replay.
func (s *Store) CompleteUpdatedAppointment(ctx context.Context, op Operation, canonical appointment.Appointment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markDoneTx(tx, op); err != nil {
			return err
		}
		return s.putSyncedAppointmentTx(tx, canonical)
	})
}

func (s *Store) CompleteUpdatedPatient(ctx context.Context, op Operation, canonical appointment.Patient) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markDoneTx(tx, op); err != nil {
			return err
		}
		return putSyncedPatientTx(tx, canonical)
	})
}

// CompleteDeleted marks a delete done; the row was removed when it was staged.
func (s *Store) CompleteDeleted(ctx context.Context, op Operation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return markDoneTx(tx, op)
	})
}

// putSyncedPatientTx adopts the Backend's row unless a later queued write
// still owns the local one.
func putSyncedPatientTx(tx *gorm.DB, p appointment.Patient) error {
	pending, err := hasPendingTx(tx, patientOpsTable, p.ID)
	if err != nil {
		return err
	}
	if pending {
		return tx.Model(&patientRow{}).Where("id = ?", p.ID).Update("pending", true).Error
	}
	row := toPatientRow(p, false)
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("save patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) putSyncedAppointmentTx(tx *gorm.DB, a appointment.Appointment) error {
	pending, err := hasPendingTx(tx, appointmentOpsTable, a.ID)
	if err != nil {
		return err
	}
	if pending {
		return tx.Model(&appointmentRow{}).Where("id = ?", a.ID).Update("pending", true).Error
	}
	row := s.toAppointmentRow(a, false)
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("save appointment %s: %w", a.ID, err)
	}
	return nil
}

func markDoneTx(tx *gorm.DB, op Operation) error {
	res := tx.Table(op.Entity.table()).Where("id = ?", op.ID).Update("status", OpDone)
	if res.Error != nil {
		return fmt.Errorf("mark %s done: %w", op, res.Error)
	}
	return nil
}

func hasPendingTx(tx *gorm.DB, table, entityID string) (bool, error) {
	var n int64
	err := tx.Table(table).Where("entity_id = ? AND status = ?", entityID, OpPending).Count(&n).Error
	return n > 0, err
}

func pendingEntityIDs(tx *gorm.DB, table string) (map[string]bool, error) {
	var ids []string
	err := tx.Table(table).Where("status = ?", OpPending).Distinct().Pluck("entity_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", table, err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// OutboxStats summarizes the queued writes.
type OutboxStats struct {
	PendingPatients     int64
	PendingAppointments int64
	OldestPending       *time.Time
}

func (s *Store) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	db := s.db.WithContext(ctx)
	if err := db.Table(patientOpsTable).Where("status = ?", OpPending).Count(&st.PendingPatients).Error; err != nil {
		return st, err
	}
	if err := db.Table(appointmentOpsTable).Where("status = ?", OpPending).Count(&st.PendingAppointments).Error; err != nil {
		return st, err
	}
	for _, table := range []string{patientOpsTable, appointmentOpsTable} {
		var row opRow
		res := db.Table(table).Where("status = ?", OpPending).Order("ts ASC").Limit(1).Find(&row)
		if res.Error != nil {
			return st, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if st.OldestPending == nil || row.TS.Before(*st.OldestPending) {
			ts := row.TS
			st.OldestPending = &ts
		}
	}
	return st, nil
}

// PurgeDone deletes done operations enqueued before olderThan.
func (s *Store) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&patientOpRow{}, &appointmentOpRow{}} {
			res := tx.Where("status = ? AND ts < ?", OpDone, olderThan.UTC()).Delete(model)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	return total, err
}
