package appointment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/auth"
)

func registrar() auth.Principal {
	return auth.Principal{Subject: "reg-1", Roles: []string{"registrar"}}
}

func TestCreate_Succeeds(t *testing.T) {
	f := newFixture()
	patient := f.master.addPatient("P001", true)
	doctor := f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(24 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode:  "P001",
		DoctorCode:   "E001",
		RoomCode:     "R001",
		ServiceCodes: []string{"SVC-A"},
		StartTime:    start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if detail.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", detail.Status)
	}
	if !strings.HasPrefix(detail.Code, "APT-"+start.Format("20060102")+"-") {
		t.Errorf("unexpected code %s", detail.Code)
	}
	if want := start.Add(45 * time.Minute); !detail.EndTime.Equal(want) {
		t.Errorf("end = %v, want %v", detail.EndTime, want)
	}
	if detail.Patient.ID != patient.ID || detail.Doctor.ID != doctor.ID {
		t.Error("detail references wrong patient or doctor")
	}
	if len(detail.Services) != 1 || detail.Services[0].Code != "SVC-A" {
		t.Errorf("services = %+v", detail.Services)
	}

	entries, _ := f.audit.ListByAppointment(context.Background(), detail.ID)
	if len(entries) != 1 || entries[0].Action != AuditCreate {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestCreate_RejectsPastStart(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode:  "P001",
		DoctorCode:   "E001",
		RoomCode:     "R001",
		ServiceCodes: []string{"SVC-A"},
		StartTime:    f.now.Add(-time.Hour),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreate_RequiresExactlyOneServiceSource(t *testing.T) {
	f := newFixture()
	for _, req := range []CreateRequest{
		{PatientCode: "P001", StartTime: time.Now().Add(time.Hour)},
		{PatientCode: "P001", StartTime: time.Now().Add(time.Hour),
			ServiceCodes: []string{"SVC-A"}, PlanItemIDs: []string{uuid.NewString()}},
	} {
		if _, err := f.svc.Create(context.Background(), registrar(), req); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	}
}

func TestCreate_InactiveDoctor(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", false)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode:  "P001",
		DoctorCode:   "E001",
		RoomCode:     "R001",
		ServiceCodes: []string{"SVC-A"},
		StartTime:    f.now.Add(time.Hour),
	})
	if !errors.Is(err, ErrInactiveResource) {
		t.Fatalf("err = %v, want ErrInactiveResource", err)
	}
}

func TestCreate_DoctorConflict(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)
	f.master.addRoom("R002", true, svc)

	start := f.now.Add(24 * time.Hour)
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	}); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// Same doctor, different room and patient, start inside the first window.
	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P002", DoctorCode: "E001", RoomCode: "R002",
		ServiceCodes: []string{"SVC-A"}, StartTime: start.Add(30 * time.Minute),
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if conflict.Resource != ResourceDoctor {
		t.Errorf("conflict resource = %s, want doctor", conflict.Resource)
	}
}

func TestCreate_BackToBackAllowed(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(24 * time.Hour)
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	}); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// Second booking starts exactly where the first ends.
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P002", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start.Add(45 * time.Minute),
	}); err != nil {
		t.Fatalf("back-to-back Create: %v", err)
	}
}

func TestCreate_ParticipantConflict(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	f.master.addEmployee("E002", true)
	svc := f.master.addService("SVC-A", 60, 0)
	f.master.addRoom("R001", true, svc)
	f.master.addRoom("R002", true, svc)

	start := f.now.Add(24 * time.Hour)
	// E002 is the primary doctor of the first booking.
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E002", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	}); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// Attaching E002 as a participant over the same window must conflict.
	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P002", DoctorCode: "E001", RoomCode: "R002",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
		ParticipantCodes: []string{"E002"},
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if conflict.Resource != ResourceParticipant {
		t.Errorf("conflict resource = %s, want participant", conflict.Resource)
	}
}

func TestCreate_RoomMustSupportServices(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svcA := f.master.addService("SVC-A", 30, 0)
	f.master.addService("SVC-B", 30, 0)
	f.master.addRoom("R001", true, svcA) // supports SVC-A only

	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A", "SVC-B"}, StartTime: f.now.Add(time.Hour),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreate_SpecializationRequired(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	doctor := f.master.addEmployee("E001", true)
	specID := uuid.New()
	svc := f.master.addService("SVC-A", 30, 0)
	svc.SpecializationID = &specID
	f.master.addRoom("R001", true, svc)

	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// Grant the specialization and the same booking goes through.
	f.master.specs[doctor.ID] = map[uuid.UUID]bool{specID: true}
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create after granting specialization: %v", err)
	}
}

func TestCreate_FromPlanItems(t *testing.T) {
	f := newFixture()
	patient := f.master.addPatient("P001", true)
	other := f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)
	item := f.master.addPlanItem(patient, svc)
	foreign := f.master.addPlanItem(other, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		PlanItemIDs: []string{item.ID.String()}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create from plan item: %v", err)
	}
	if len(detail.Services) != 1 || detail.Services[0].Code != "SVC-A" {
		t.Errorf("services = %+v", detail.Services)
	}

	// A plan item belonging to a different patient is rejected.
	_, err = f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		PlanItemIDs: []string{foreign.ID.String()}, StartTime: f.now.Add(2 * time.Hour),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreate_MinPreparationViolation(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	prep := 3
	svc.MinPreparationDays = &prep
	f.master.addRoom("R001", true, svc)

	_, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(24 * time.Hour),
	})
	var violation *SpacingViolation
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want *SpacingViolation", err)
	}
	if violation.Rule != RuleMinPreparation {
		t.Errorf("rule = %s, want %s", violation.Rule, RuleMinPreparation)
	}
	if want := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC); !violation.EarliestDate.Equal(want) {
		t.Errorf("earliest = %v, want %v", violation.EarliestDate, want)
	}
}

func TestUpdateStatus_FullLifecycle(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code := detail.Code

	for _, step := range []string{"checked_in", "in_progress", "completed"} {
		detail, err = f.svc.UpdateStatus(context.Background(), registrar(), code, step, "", "")
		if err != nil {
			t.Fatalf("UpdateStatus(%s): %v", step, err)
		}
	}
	if detail.ActualStart == nil {
		t.Error("ActualStart not set on in_progress")
	}
	if detail.ActualEnd == nil {
		t.Error("ActualEnd not set on completed")
	}

	entries, _ := f.audit.ListByAppointment(context.Background(), detail.ID)
	changes := 0
	for _, e := range entries {
		if e.Action == AuditStatusChange {
			changes++
		}
	}
	if changes != 3 {
		t.Errorf("status-change audit entries = %d, want 3", changes)
	}
}

func TestUpdateStatus_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = f.svc.UpdateStatus(context.Background(), registrar(), detail.Code, "completed", "", "")
	if !errors.Is(err, ErrStateTransition) {
		t.Fatalf("err = %v, want ErrStateTransition", err)
	}

	stored, err := f.repo.GetByCode(context.Background(), detail.Code)
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if stored.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled after failed transition", stored.Status)
	}
}

func TestUpdateStatus_CancelRequiresReason(t *testing.T) {
	f := newFixture()
	_, err := f.svc.UpdateStatus(context.Background(), registrar(), "APT-X", "cancelled", "", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	_, err = f.svc.UpdateStatus(context.Background(), registrar(), "APT-X", "no_show", "", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestUpdateStatus_LockTimeoutSurfaces(t *testing.T) {
	f := newFixture()
	f.repo.lockErr = ErrLockTimeout
	_, err := f.svc.UpdateStatus(context.Background(), registrar(), "APT-X", "checked_in", "", "")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestDelay_SameDayLater(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(2 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newStart := start.Add(time.Hour)
	delayed, err := f.svc.Delay(context.Background(), registrar(), detail.Code, newStart, "doctor running late", "")
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if !delayed.StartTime.Equal(newStart) {
		t.Errorf("start = %v, want %v", delayed.StartTime, newStart)
	}
	if want := newStart.Add(45 * time.Minute); !delayed.EndTime.Equal(want) {
		t.Errorf("end = %v, want %v", delayed.EndTime, want)
	}
}

func TestDelay_RejectsEarlierAndCrossDay(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(2 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.svc.Delay(context.Background(), registrar(), detail.Code, start.Add(-time.Hour), "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("earlier delay: err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.Delay(context.Background(), registrar(), detail.Code, start.Add(24*time.Hour), "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("cross-day delay: err = %v, want ErrValidation", err)
	}
}

func TestDelay_DoesNotConflictWithItself(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 60, 0)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(2 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// New window overlaps the old one; only the appointment itself occupies it.
	if _, err := f.svc.Delay(context.Background(), registrar(), detail.Code, start.Add(30*time.Minute), "", ""); err != nil {
		t.Fatalf("Delay overlapping own window: %v", err)
	}
}

func TestReschedule_CancelsSourceAndLinksReplacement(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(24 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := f.svc.Reschedule(context.Background(), registrar(), detail.Code, RescheduleRequest{
		NewStartTime: start.Add(48 * time.Hour),
		ReasonCode:   "patient_request",
	})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	if result.Old.Status != StatusCancelled {
		t.Errorf("source status = %s, want cancelled", result.Old.Status)
	}
	if result.Old.CancelReason == nil || *result.Old.CancelReason != "patient_request" {
		t.Error("source cancel reason not recorded")
	}
	if result.New.Status != StatusScheduled {
		t.Errorf("replacement status = %s, want scheduled", result.New.Status)
	}
	if result.Old.RescheduledTo == nil || *result.Old.RescheduledTo != result.New.ID {
		t.Error("source not linked to replacement")
	}
	if result.New.Code == result.Old.Code {
		t.Error("replacement reused the source code")
	}
	// Carried-over service lines match.
	if len(result.New.Services) != 1 || result.New.Services[0].Code != "SVC-A" {
		t.Errorf("replacement services = %+v", result.New.Services)
	}
}

func TestReschedule_TerminalSourceRejected(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.UpdateStatus(context.Background(), registrar(), detail.Code, "cancelled", "duplicate", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = f.svc.Reschedule(context.Background(), registrar(), detail.Code, RescheduleRequest{
		NewStartTime: f.now.Add(48 * time.Hour),
		ReasonCode:   "patient_request",
	})
	if !errors.Is(err, ErrStateTransition) {
		t.Fatalf("err = %v, want ErrStateTransition", err)
	}
}

func TestReschedule_SourceWindowFreesUp(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 60, 0)
	f.master.addRoom("R001", true, svc)

	start := f.now.Add(24 * time.Hour)
	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Rebooking into the source's own window must not conflict with it.
	result, err := f.svc.Reschedule(context.Background(), registrar(), detail.Code, RescheduleRequest{
		NewStartTime: start.Add(30 * time.Minute),
		ReasonCode:   "clinic_adjustment",
	})
	if err != nil {
		t.Fatalf("Reschedule into own window: %v", err)
	}
	if !result.New.StartTime.Equal(start.Add(30 * time.Minute)) {
		t.Errorf("replacement start = %v", result.New.StartTime)
	}
}

func TestFindAvailableTimes(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	doctor := f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 15)
	f.master.addRoom("R001", true, svc)
	f.master.addRoom("R002", true, svc)

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	f.calendar.addShift(doctor.ID, day, 9, 12)

	// Existing booking 10:00-10:45 occupies the doctor and R001.
	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: day.Add(10 * time.Hour),
	}); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	slots, err := f.svc.FindAvailableTimes(context.Background(), day, "E001", []string{"SVC-A"}, nil)
	if err != nil {
		t.Fatalf("FindAvailableTimes: %v", err)
	}
	if len(slots) == 0 {
		t.Fatal("no slots returned")
	}
	for _, s := range slots {
		if s.Start.Before(day.Add(9*time.Hour)) || s.End.After(day.Add(12*time.Hour)) {
			t.Errorf("slot %v-%v outside shift", s.Start, s.End)
		}
		busy := Interval{Start: day.Add(10 * time.Hour), End: day.Add(10*time.Hour + 45*time.Minute)}
		if (Interval{Start: s.Start, End: s.End}).Overlaps(busy) {
			t.Errorf("slot %v-%v overlaps the doctor's booking", s.Start, s.End)
		}
		if len(s.RoomCodes) == 0 {
			t.Errorf("slot %v has no rooms", s.Start)
		}
	}

	first := slots[0]
	if !first.Start.Equal(day.Add(9 * time.Hour)) {
		t.Errorf("first slot = %v, want 09:00", first.Start)
	}
	if step := slots[1].Start.Sub(slots[0].Start); step != 15*time.Minute {
		t.Errorf("slot step = %v, want 15m", step)
	}
}

func TestFindAvailableTimes_EmptyCases(t *testing.T) {
	f := newFixture()
	doctor := f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)
	f.master.addService("SVC-X", 30, 0) // no room supports it

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	f.calendar.addShift(doctor.ID, day, 9, 17)

	// No compatible room yields an empty list, not an error.
	slots, err := f.svc.FindAvailableTimes(context.Background(), day, "E001", []string{"SVC-X"}, nil)
	if err != nil {
		t.Fatalf("FindAvailableTimes: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("slots = %d, want 0 for unsupported service", len(slots))
	}

	// Holiday closes the clinic.
	f.calendar.holidays["2026-03-03"] = true
	slots, err = f.svc.FindAvailableTimes(context.Background(), day, "E001", []string{"SVC-A"}, nil)
	if err != nil {
		t.Fatalf("FindAvailableTimes: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("slots = %d, want 0 on holiday", len(slots))
	}

	// Unrostered day.
	other := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	slots, err = f.svc.FindAvailableTimes(context.Background(), other, "E001", []string{"SVC-A"}, nil)
	if err != nil {
		t.Fatalf("FindAvailableTimes: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("slots = %d, want 0 without a shift", len(slots))
	}

	// Past dates are rejected outright.
	if _, err := f.svc.FindAvailableTimes(context.Background(), f.now.AddDate(0, 0, -1), "E001", []string{"SVC-A"}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("past date: err = %v, want ErrValidation", err)
	}
}

func TestList_PatientScopeSeesOwnRowsOnly(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	for i, code := range []string{"P001", "P002"} {
		if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
			PatientCode: code, DoctorCode: "E001", RoomCode: "R001",
			ServiceCodes: []string{"SVC-A"},
			StartTime:    f.now.Add(time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatalf("seed Create: %v", err)
		}
	}

	patientPrincipal := auth.Principal{Subject: "u1", Roles: []string{"patient"}, PatientCode: "P001"}
	items, total, err := f.svc.List(context.Background(), patientPrincipal, ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d, items = %d, want 1 each", total, len(items))
	}
}

func TestGetDetail_Visibility(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addPatient("P002", true)
	f.master.addEmployee("E001", true)
	f.master.addEmployee("E002", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name    string
		p       auth.Principal
		wantErr bool
	}{
		{"own patient", auth.Principal{Roles: []string{"patient"}, PatientCode: "P001"}, false},
		{"other patient", auth.Principal{Roles: []string{"patient"}, PatientCode: "P002"}, true},
		{"assigned doctor", auth.Principal{Roles: []string{"physician"}, EmployeeCode: "E001"}, false},
		{"unrelated staff", auth.Principal{Roles: []string{"physician"}, EmployeeCode: "E002"}, true},
		{"registrar", auth.Principal{Roles: []string{"registrar"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GetDetail(context.Background(), tc.p, detail.Code)
			if tc.wantErr && !errors.Is(err, ErrForbidden) {
				t.Errorf("err = %v, want ErrForbidden", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

func TestEarliestBookableDate_SpacingAnchor(t *testing.T) {
	f := newFixture()
	patient := f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	spacing := 7
	svc.SpacingDays = &spacing
	f.master.addRoom("R001", true, svc)

	// A completed appointment on 2026-02-27 anchors the spacing window.
	past := &Appointment{
		ID: uuid.New(), Code: "APT-20260227-0001",
		PatientID: patient.ID, DoctorID: f.master.employees["E001"].ID,
		RoomID:    f.master.rooms["R001"].ID,
		StartTime: time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 2, 27, 10, 30, 0, 0, time.UTC),
		Status:    StatusCompleted,
	}
	f.repo.appts[past.ID] = past
	f.repo.lines[past.ID] = []ServiceLine{{AppointmentID: past.ID, ServiceID: svc.ID}}

	earliest, err := f.svc.EarliestBookableDate(context.Background(), "P001", "SVC-A")
	if err != nil {
		t.Fatalf("EarliestBookableDate: %v", err)
	}
	if want := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC); !earliest.Equal(want) {
		t.Errorf("earliest = %v, want %v", earliest, want)
	}
}

func TestReschedule_RejectsPastStart(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = f.svc.Reschedule(context.Background(), registrar(), detail.Code, RescheduleRequest{
		NewStartTime: f.now.Add(-48 * time.Hour),
		ReasonCode:   "patient_request",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Reschedule to the past: err = %v, want ErrValidation", err)
	}

	// The source must be untouched: no cancellation happened.
	src, err := f.svc.GetDetail(context.Background(), registrar(), detail.Code)
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if src.Status != StatusScheduled {
		t.Errorf("source status = %s, want scheduled", src.Status)
	}
	if src.RescheduledTo != nil {
		t.Error("source linked to a replacement despite the rejection")
	}
}

func TestCreate_LocksResourcesBeforeConflictChecks(t *testing.T) {
	f := newFixture()
	patient := f.master.addPatient("P001", true)
	doctor := f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	room := f.master.addRoom("R001", true, svc)

	if _, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if f.repo.overlapBeforeLock {
		t.Fatal("overlap check ran before the resource locks were taken")
	}
	if len(f.repo.resourceLocks) != 1 {
		t.Fatalf("resource lock calls = %d, want 1", len(f.repo.resourceLocks))
	}
	locked := make(map[uuid.UUID]bool)
	for _, id := range f.repo.resourceLocks[0] {
		locked[id] = true
	}
	for name, id := range map[string]uuid.UUID{
		"doctor": doctor.ID, "room": room.ID, "patient": patient.ID,
	} {
		if !locked[id] {
			t.Errorf("%s id missing from the resource lock set", name)
		}
	}
}

func TestDelay_LocksResourcesBeforeConflictChecks(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.svc.Delay(context.Background(), registrar(), detail.Code,
		f.now.Add(2*time.Hour), "doctor_delayed", ""); err != nil {
		t.Fatalf("Delay: %v", err)
	}

	// One lock set from the create, one from the delay's re-validation.
	if len(f.repo.resourceLocks) != 2 {
		t.Errorf("resource lock calls = %d, want 2", len(f.repo.resourceLocks))
	}
	if f.repo.overlapBeforeLock {
		t.Error("overlap check ran before the resource locks were taken")
	}
}

func TestUpdateStatus_ConcurrentWritersSerialize(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	detail, err := f.svc.Create(context.Background(), registrar(), CreateRequest{
		PatientCode: "P001", DoctorCode: "E001", RoomCode: "R001",
		ServiceCodes: []string{"SVC-A"}, StartTime: f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Serialize the two writers the way the row lock does in Postgres: the
	// loser's LockByCode read happens after the winner's commit, so it
	// re-validates against the post-update status.
	var txMu sync.Mutex
	f.svc.runTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
		txMu.Lock()
		defer txMu.Unlock()
		return fn(ctx)
	}

	// cancelled and no_show are both legal from scheduled but terminal, so
	// whichever writer commits first must be the only success.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, target := range []string{"cancelled", "no_show"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := f.svc.UpdateStatus(context.Background(), registrar(), detail.Code, target, "patient_no_contact", "")
			results <- err
		}(target)
	}
	wg.Wait()
	close(results)

	var successes, transitionErrs int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrStateTransition):
			transitionErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || transitionErrs != 1 {
		t.Fatalf("successes = %d, transition rejections = %d, want exactly one of each", successes, transitionErrs)
	}

	stored, err := f.repo.GetByCode(context.Background(), detail.Code)
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if !stored.Status.Terminal() {
		t.Errorf("stored status = %s, want a terminal status", stored.Status)
	}
}

func TestFindAvailableTimes_SplitShiftBlocksGap(t *testing.T) {
	f := newFixture()
	f.master.addPatient("P001", true)
	doctor := f.master.addEmployee("E001", true)
	svc := f.master.addService("SVC-A", 30, 0)
	f.master.addRoom("R001", true, svc)

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	f.calendar.addShift(doctor.ID, day, 9, 12)
	f.calendar.addShift(doctor.ID, day, 14, 18)

	slots, err := f.svc.FindAvailableTimes(context.Background(), day, "E001", []string{"SVC-A"}, nil)
	if err != nil {
		t.Fatalf("FindAvailableTimes: %v", err)
	}
	if len(slots) == 0 {
		t.Fatal("no slots returned")
	}

	gap := Interval{Start: day.Add(12 * time.Hour), End: day.Add(14 * time.Hour)}
	var sawMorning, sawAfternoon bool
	for _, s := range slots {
		if (Interval{Start: s.Start, End: s.End}).Overlaps(gap) {
			t.Errorf("slot %v-%v falls in the off-roster gap", s.Start, s.End)
		}
		if s.Start.Equal(day.Add(9 * time.Hour)) {
			sawMorning = true
		}
		if s.Start.Equal(day.Add(14 * time.Hour)) {
			sawAfternoon = true
		}
	}
	if !sawMorning {
		t.Error("missing 09:00 slot from the morning shift")
	}
	if !sawAfternoon {
		t.Error("missing 14:00 slot from the afternoon shift")
	}

	// 11:30 still fits the morning shift; 11:45 would spill into the gap.
	starts := make(map[time.Time]bool, len(slots))
	for _, s := range slots {
		starts[s.Start] = true
	}
	if !starts[day.Add(11*time.Hour+30*time.Minute)] {
		t.Error("11:30 slot should fit before the gap")
	}
	if starts[day.Add(11*time.Hour+45*time.Minute)] {
		t.Error("11:45 slot spills into the gap")
	}
}
