package localstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

func athens(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func openTemp(t *testing.T, loc *time.Location, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(path, loc, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func strPtr(s string) *string { return &s }

func TestOpen_NewFileIsCurrentVersion(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	v, err := s.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != SchemaVersion {
		t.Fatalf("version = %d, want %d", v, SchemaVersion)
	}
	for _, idx := range []string{"idx_appointments_date", "idx_appointments_patient_date"} {
		if !s.db.Migrator().HasIndex(&appointmentRow{}, idx) {
			t.Errorf("missing index %s", idx)
		}
	}
}

func TestOpen_OutboxTablesCarryOpColumns(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	m := s.db.Migrator()
	for _, model := range []any{&patientOpRow{}, &appointmentOpRow{}} {
		for _, col := range []string{"id", "type", "status", "ts", "entity_id", "payload"} {
			if !m.HasColumn(model, col) {
				t.Errorf("%T: missing column %s", model, col)
			}
		}
	}

	op, err := s.StagePatient(context.Background(), OpCreate, appointment.Patient{ID: "local-p1", FirstName: "A", LastName: "B"}, nil)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if op.ID == 0 {
		t.Fatal("expected an autoincrement op id")
	}
	got, err := s.Op(context.Background(), EntityPatient, op.ID)
	if err != nil {
		t.Fatalf("reload op: %v", err)
	}
	if got.EntityID != "local-p1" || got.Type != OpCreate || got.Status != OpPending {
		t.Fatalf("unexpected op %+v", got)
	}
}

func TestOpen_ResetsNewerSchema(t *testing.T) {
	s, path := openTemp(t, time.UTC)
	ctx := context.Background()
	if err := s.PutPatient(ctx, appointment.Patient{ID: "p1", FirstName: "A", LastName: "B"}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.db.Save(&metaRow{Key: versionKey, Value: "99"}).Error; err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened, err := Open(path, time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen should recover by reset: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetPatient(ctx, "p1"); err != appointment.ErrPatientNotFound {
		t.Fatalf("expected empty store after reset, got %v", err)
	}
	if v, _ := reopened.Version(); v != SchemaVersion {
		t.Errorf("version = %d", v)
	}
}

func TestOpen_ResetsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	if err := os.WriteFile(path, []byte("this is not a database file, just some bytes padding it out"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("open should recover from a corrupt file: %v", err)
	}
	defer s.Close()

	if err := s.PutPatient(context.Background(), appointment.Patient{ID: "p1", FirstName: "A", LastName: "B"}, false); err != nil {
		t.Fatalf("store unusable after reset: %v", err)
	}
}

// legacyAppointment is the version 1 layout, before appointment_date existed.
type legacyAppointment struct {
	ID              string `gorm:"primaryKey"`
	PatientID       *string
	AppointmentTime time.Time
	DurationMinutes int
	Status          string
	Reason          string
	Notes           string
	IsException     bool
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (legacyAppointment) TableName() string { return "appointments" }

func TestOpen_UpgradesVersionOneInPlace(t *testing.T) {
	loc := athens(t)
	path := filepath.Join(t.TempDir(), "local.db")

	old, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if err := old.AutoMigrate(&legacyAppointment{}); err != nil {
		t.Fatal(err)
	}
	// 23:30 UTC on the 3rd is 02:30 on the 4th in Athens.
	at := time.Date(2026, 5, 3, 23, 30, 0, 0, time.UTC)
	if err := old.Create(&legacyAppointment{ID: "a1", AppointmentTime: at, DurationMinutes: 30, Status: "approved"}).Error; err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := old.DB()
	_ = sqlDB.Close()

	s, err := Open(path, loc, zerolog.Nop())
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	defer s.Close()

	got, err := s.AppointmentsOn(context.Background(), time.Date(2026, 5, 4, 0, 0, 0, 0, loc))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("back-filled row not found on its local date: %+v", got)
	}
	if v, _ := s.Version(); v != SchemaVersion {
		t.Errorf("version = %d", v)
	}
}

func TestAppointmentsOn_DSTRoundTrip(t *testing.T) {
	loc := athens(t)
	s, _ := openTemp(t, loc)
	ctx := context.Background()

	cases := []struct {
		id  string
		at  time.Time
		day time.Time
	}{
		// clocks go forward at 03:00 on 2026-03-29
		{"spring-early", time.Date(2026, 3, 29, 0, 30, 0, 0, loc), time.Date(2026, 3, 29, 0, 0, 0, 0, loc)},
		{"spring-late", time.Date(2026, 3, 29, 23, 30, 0, 0, loc), time.Date(2026, 3, 29, 0, 0, 0, 0, loc)},
		{"eve", time.Date(2026, 3, 28, 23, 45, 0, 0, loc), time.Date(2026, 3, 28, 0, 0, 0, 0, loc)},
		// clocks go back at 04:00 on 2026-10-25
		{"autumn-early", time.Date(2026, 10, 25, 0, 15, 0, 0, loc), time.Date(2026, 10, 25, 0, 0, 0, 0, loc)},
		{"autumn-late", time.Date(2026, 10, 25, 23, 30, 0, 0, loc), time.Date(2026, 10, 25, 0, 0, 0, 0, loc)},
	}
	for _, c := range cases {
		a := appointment.Appointment{ID: c.id, AppointmentTime: c.at.UTC(), DurationMinutes: 30, Status: appointment.StatusApproved}
		if err := s.PutAppointment(ctx, a, false); err != nil {
			t.Fatal(err)
		}
	}

	for _, c := range cases {
		got, err := s.AppointmentsOn(ctx, c.day)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, a := range got {
			if a.ID == c.id {
				found = true
				if !a.AppointmentTime.Equal(c.at) {
					t.Errorf("%s time = %s, want %s", c.id, a.AppointmentTime, c.at)
				}
			}
		}
		if !found {
			t.Errorf("%s not returned for its day %s", c.id, c.day.Format("2006-01-02"))
		}
	}

	spring, _ := s.AppointmentsOn(ctx, time.Date(2026, 3, 29, 12, 0, 0, 0, loc))
	if len(spring) != 2 {
		t.Errorf("23h day should hold exactly 2 appointments, got %d", len(spring))
	}
}

func TestCreateReplayRemapsLocalIDs(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()

	localPatient := appointment.Patient{ID: "local-p", FirstName: "Maria", LastName: "Papadopoulou"}
	if _, err := s.StagePatient(ctx, OpCreate, localPatient, nil); err != nil {
		t.Fatal(err)
	}
	localAppt := appointment.Appointment{
		ID:              "local-a",
		PatientID:       strPtr("local-p"),
		AppointmentTime: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Status:          appointment.StatusScheduled,
	}
	if _, err := s.StageAppointment(ctx, OpCreate, localAppt, nil); err != nil {
		t.Fatal(err)
	}

	ops, err := s.PendingOps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].Entity != EntityPatient || ops[1].Entity != EntityAppointment {
		t.Fatalf("unexpected pending ops %v", ops)
	}

	canonPatient := localPatient
	canonPatient.ID = "p-100"
	if err := s.CompleteCreatedPatient(ctx, ops[0], canonPatient); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetAppointment(ctx, "local-a")
	if err != nil {
		t.Fatal(err)
	}
	if a.PatientID == nil || *a.PatientID != "p-100" {
		t.Fatalf("appointment row not remapped: %v", a.PatientID)
	}

	ops, _ = s.PendingOps(ctx)
	if len(ops) != 1 {
		t.Fatalf("expected 1 pending op, got %v", ops)
	}
	var payload appointment.Appointment
	if err := json.Unmarshal(ops[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.PatientID == nil || *payload.PatientID != "p-100" {
		t.Fatalf("queued payload not remapped: %s", ops[0].Payload)
	}

	canonAppt := payload
	canonAppt.ID = "a-200"
	if err := s.CompleteCreatedAppointment(ctx, ops[0], canonAppt); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAppointment(ctx, "local-a"); err != appointment.ErrAppointmentNotFound {
		t.Errorf("local row should be gone, got %v", err)
	}
	if _, err := s.GetPatient(ctx, "local-p"); err != appointment.ErrPatientNotFound {
		t.Errorf("local patient should be gone, got %v", err)
	}
	day, _ := s.AppointmentsOn(ctx, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC))
	if len(day) != 1 || day[0].ID != "a-200" {
		t.Fatalf("expected exactly the canonical row, got %+v", day)
	}
	if pending, _ := s.IsAppointmentPending(ctx, "a-200"); pending {
		t.Error("canonical row should not be pending")
	}
	if ops, _ := s.PendingOps(ctx); len(ops) != 0 {
		t.Errorf("outbox should be drained, got %v", ops)
	}
}

func TestCreateReplayKeepsLaterLocalEdits(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()

	a := appointment.Appointment{ID: "local-a", AppointmentTime: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), DurationMinutes: 30, Status: appointment.StatusScheduled}
	create, _ := s.StageAppointment(ctx, OpCreate, a, nil)
	a.Notes = "bring x-rays"
	notes := a.Notes
	if _, err := s.StageAppointment(ctx, OpUpdate, a, appointment.AppointmentPatch{Notes: &notes}); err != nil {
		t.Fatal(err)
	}

	canon := a
	canon.ID = "a-1"
	canon.Notes = ""
	if err := s.CompleteCreatedAppointment(ctx, create, canon); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAppointment(ctx, "a-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Notes != "bring x-rays" {
		t.Errorf("queued edit lost: notes = %q", got.Notes)
	}
	ops, _ := s.PendingOps(ctx)
	if len(ops) != 1 || ops[0].EntityID != "a-1" || ops[0].Type != OpUpdate {
		t.Fatalf("update op should follow the new id: %v", ops)
	}
}

func TestPendingOps_EqualTimestampsPatientsFirst(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s, _ := openTemp(t, time.UTC, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	appt := appointment.Appointment{ID: "local-a", AppointmentTime: fixed, DurationMinutes: 15, Status: appointment.StatusScheduled}
	if _, err := s.StageAppointment(ctx, OpCreate, appt, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StagePatient(ctx, OpCreate, appointment.Patient{ID: "local-p", FirstName: "A", LastName: "B"}, nil); err != nil {
		t.Fatal(err)
	}

	ops, err := s.PendingOps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].Entity != EntityPatient {
		t.Fatalf("patient op should sort first on a tie: %v", ops)
	}
}

func TestReplaceAppointmentWindow(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()
	day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	stale := appointment.Appointment{ID: "gone", AppointmentTime: day, DurationMinutes: 30, Status: appointment.StatusApproved}
	edited := appointment.Appointment{ID: "a1", AppointmentTime: day.Add(time.Hour), DurationMinutes: 30, Status: appointment.StatusScheduled, Notes: "local"}
	outside := appointment.Appointment{ID: "old", AppointmentTime: day.AddDate(0, -3, 0), DurationMinutes: 30, Status: appointment.StatusApproved}
	_ = s.PutAppointment(ctx, stale, false)
	_ = s.PutAppointment(ctx, outside, false)
	notes := "local"
	if _, err := s.StageAppointment(ctx, OpUpdate, edited, appointment.AppointmentPatch{Notes: &notes}); err != nil {
		t.Fatal(err)
	}

	remote := []appointment.Appointment{
		{ID: "a1", AppointmentTime: edited.AppointmentTime, DurationMinutes: 30, Status: appointment.StatusScheduled, Notes: "server"},
		{ID: "a2", AppointmentTime: day.Add(2 * time.Hour), DurationMinutes: 30, Status: appointment.StatusApproved},
	}
	from, to := s.WindowKeys(day, 14, 60)
	n, err := s.ReplaceAppointmentWindow(ctx, from, to, remote)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("written = %d, want 1", n)
	}

	if _, err := s.GetAppointment(ctx, "gone"); err != appointment.ErrAppointmentNotFound {
		t.Errorf("row deleted remotely should be dropped, got %v", err)
	}
	if _, err := s.GetAppointment(ctx, "old"); err != nil {
		t.Errorf("row outside the window should be kept: %v", err)
	}
	got, _ := s.GetAppointment(ctx, "a1")
	if got.Notes != "local" {
		t.Errorf("pending row overwritten by pull: %q", got.Notes)
	}
	if _, err := s.GetAppointment(ctx, "a2"); err != nil {
		t.Errorf("new remote row missing: %v", err)
	}
}

func TestFindPatients(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()
	for _, p := range []appointment.Patient{
		{ID: "1", FirstName: "Maria", LastName: "Papadopoulou", AMKA: "01018012345", Phone: "6900000001"},
		{ID: "2", FirstName: "Nikos", LastName: "Papadopoulos", Phone: "6900000002"},
		{ID: "3", FirstName: "Eleni", LastName: "Georgiou"},
	} {
		if err := s.PutPatient(ctx, p, false); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		q    appointment.PatientQuery
		want []string
	}{
		{"amka", appointment.PatientQuery{AMKA: "01018012345"}, []string{"1"}},
		{"phone", appointment.PatientQuery{Phone: "6900000002"}, []string{"2"}},
		{"full name", appointment.PatientQuery{FirstName: "Eleni", LastName: "Georgiou"}, []string{"3"}},
		{"name mismatch", appointment.PatientQuery{FirstName: "Eleni", LastName: "Papadopoulou"}, nil},
		{"last name any case", appointment.PatientQuery{LastName: "georgiou"}, []string{"3"}},
		{"any field", appointment.PatientQuery{AMKA: "01018012345", Phone: "6900000002"}, []string{"1", "2"}},
		{"empty", appointment.PatientQuery{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindPatients(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d patients, want %v", len(got), tt.want)
			}
			ids := map[string]bool{}
			for _, p := range got {
				ids[p.ID] = true
			}
			for _, id := range tt.want {
				if !ids[id] {
					t.Errorf("missing patient %s", id)
				}
			}
		})
	}
}

func TestDeletePatientDetachesAppointments(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()
	_ = s.PutPatient(ctx, appointment.Patient{ID: "p1", FirstName: "A", LastName: "B"}, false)
	_ = s.PutAppointment(ctx, appointment.Appointment{ID: "a1", PatientID: strPtr("p1"), AppointmentTime: time.Now(), DurationMinutes: 30, Status: appointment.StatusApproved}, false)

	if _, err := s.StagePatientDelete(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	a, err := s.GetAppointment(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.PatientID != nil {
		t.Errorf("appointment still references deleted patient: %s", *a.PatientID)
	}
	if byPatient, _ := s.AppointmentsByPatient(ctx, "p1"); len(byPatient) != 0 {
		t.Errorf("patient index still returns rows: %v", byPatient)
	}
}

func TestStatsAndPurge(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s, _ := openTemp(t, time.UTC, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	op, _ := s.StagePatient(ctx, OpCreate, appointment.Patient{ID: "local-1", FirstName: "A", LastName: "B"}, nil)
	clock = clock.Add(time.Hour)
	_, _ = s.StageAppointment(ctx, OpCreate, appointment.Appointment{ID: "local-2", AppointmentTime: clock, DurationMinutes: 15, Status: appointment.StatusScheduled}, nil)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.PendingPatients != 1 || st.PendingAppointments != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.OldestPending == nil || !st.OldestPending.Equal(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("oldest pending = %v", st.OldestPending)
	}

	if err := s.CompleteCreatedPatient(ctx, op, appointment.Patient{ID: "p1", FirstName: "A", LastName: "B"}); err != nil {
		t.Fatal(err)
	}
	n, err := s.PurgeDone(ctx, clock.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	st, _ = s.Stats(ctx)
	if st.PendingAppointments != 1 {
		t.Errorf("purge must not touch pending ops: %+v", st)
	}
}

func TestScheduleMirror(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()

	err := s.ReplaceWeeklyRules(ctx, []appointment.WeeklyScheduleRule{
		{ID: "r1", Weekday: 1, StartTime: "09:00", EndTime: "13:00"},
		{ID: "r2", Weekday: 1, StartTime: "17:00", EndTime: "20:00"},
		{ID: "r3", Weekday: 3, StartTime: "09:00", EndTime: "13:00"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceWeeklyRules(ctx, []appointment.WeeklyScheduleRule{{ID: "r1", Weekday: 1, StartTime: "09:00", EndTime: "13:00"}}); err != nil {
		t.Fatal(err)
	}
	rules, _ := s.WeeklyRules(ctx, 1)
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Fatalf("rules = %+v", rules)
	}

	start := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	err = s.ReplaceExceptions(ctx, "2026-05-01", "2026-05-31", []appointment.ScheduleException{
		{ID: "e1", ExceptionDate: "2026-05-04", StartTime: &start, EndTime: &end, Reason: strPtr("training")},
		{ID: "e2", ExceptionDate: "2026-05-05"},
	})
	if err != nil {
		t.Fatal(err)
	}
	exs, _ := s.Exceptions(ctx, "2026-05-04")
	if len(exs) != 1 || exs[0].FullDay() || !exs[0].StartTime.Equal(start) {
		t.Fatalf("partial exception not mirrored: %+v", exs)
	}
	full, _ := s.Exceptions(ctx, "2026-05-05")
	if len(full) != 1 || !full[0].FullDay() {
		t.Fatalf("full-day exception not mirrored: %+v", full)
	}
}

func TestDeleteLocalOnlyAppointmentRetiresItsOps(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()

	a := appointment.Appointment{ID: "local-a", AppointmentTime: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), DurationMinutes: 30, Status: appointment.StatusScheduled}
	if _, err := s.StageAppointment(ctx, OpCreate, a, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StageAppointmentDelete(ctx, "local-a"); err != nil {
		t.Fatal(err)
	}

	ops, _ := s.PendingOps(ctx)
	if len(ops) != 1 || ops[0].Type != OpDelete {
		t.Fatalf("only the delete should remain queued: %v", ops)
	}
	if _, err := s.GetAppointment(ctx, "local-a"); err != appointment.ErrAppointmentNotFound {
		t.Errorf("row should be gone, got %v", err)
	}
}

func TestDeleteLocalPatientClearsQueuedReferences(t *testing.T) {
	s, _ := openTemp(t, time.UTC)
	ctx := context.Background()

	_, _ = s.StagePatient(ctx, OpCreate, appointment.Patient{ID: "local-p", FirstName: "A", LastName: "B"}, nil)
	a := appointment.Appointment{ID: "local-a", PatientID: strPtr("local-p"), AppointmentTime: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), DurationMinutes: 30, Status: appointment.StatusScheduled}
	_, _ = s.StageAppointment(ctx, OpCreate, a, nil)

	if _, err := s.StagePatientDelete(ctx, "local-p"); err != nil {
		t.Fatal(err)
	}

	ops, _ := s.PendingOps(ctx)
	for _, op := range ops {
		if op.Entity != EntityAppointment {
			continue
		}
		var payload appointment.Appointment
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.PatientID != nil {
			t.Errorf("queued appointment still references deleted patient: %s", *payload.PatientID)
		}
	}
}
