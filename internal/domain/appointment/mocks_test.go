package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/backoffice/internal/domain/masterdata"
)

// -- Mock Repositories --

type mockRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	lines map[uuid.UUID][]ServiceLine
	parts map[uuid.UUID][]Participant

	lockErr error

	resourceLocks     [][]uuid.UUID
	overlapBeforeLock bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		appts: make(map[uuid.UUID]*Appointment),
		lines: make(map[uuid.UUID][]ServiceLine),
		parts: make(map[uuid.UUID][]Participant),
	}
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = time.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; !ok {
		return fmt.Errorf("not found")
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByCode(_ context.Context, code string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.Code == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, code)
}

func (m *mockRepo) LockByCode(ctx context.Context, code string, _ time.Duration) (*Appointment, error) {
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	return m.GetByCode(ctx, code)
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if f.From != nil && a.StartTime.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.StartTime.Before(*f.To) {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.ScopePatientID != nil && a.PatientID != *f.ScopePatientID {
			continue
		}
		if f.ScopeEmployeeID != nil && a.DoctorID != *f.ScopeEmployeeID && !m.hasParticipantLocked(a.ID, *f.ScopeEmployeeID) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockRepo) AddServiceLines(_ context.Context, lines []ServiceLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		m.lines[l.AppointmentID] = append(m.lines[l.AppointmentID], l)
	}
	return nil
}

func (m *mockRepo) GetServiceLines(_ context.Context, appointmentID uuid.UUID) ([]ServiceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lines[appointmentID], nil
}

func (m *mockRepo) AddParticipants(_ context.Context, parts []Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range parts {
		m.parts[p.AppointmentID] = append(m.parts[p.AppointmentID], p)
	}
	return nil
}

func (m *mockRepo) GetParticipants(_ context.Context, appointmentID uuid.UUID) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts[appointmentID], nil
}

func (m *mockRepo) LockResources(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	locked := make([]uuid.UUID, len(ids))
	copy(locked, ids)
	m.resourceLocks = append(m.resourceLocks, locked)
	return nil
}

func (m *mockRepo) FindOverlap(_ context.Context, kind ResourceKind, resourceID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Overlap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resourceLocks) == 0 {
		m.overlapBeforeLock = true
	}
	for _, a := range m.appts {
		if a.ID == excludeID || !a.Status.Active() {
			continue
		}
		if !m.matchesResourceLocked(a, kind, resourceID) {
			continue
		}
		if a.StartTime.Before(end) && a.EndTime.After(start) {
			return &Overlap{Code: a.Code, Start: a.StartTime, End: a.EndTime}, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) BusyIntervals(_ context.Context, kind ResourceKind, resourceID uuid.UUID, dayStart, dayEnd time.Time) ([]Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Interval
	for _, a := range m.appts {
		if !a.Status.Active() || !m.matchesResourceLocked(a, kind, resourceID) {
			continue
		}
		if a.StartTime.Before(dayEnd) && a.EndTime.After(dayStart) {
			out = append(out, Interval{Start: a.StartTime, End: a.EndTime})
		}
	}
	return out, nil
}

func (m *mockRepo) CountActiveOnDate(_ context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.appts {
		if a.PatientID == patientID && a.Status.Active() &&
			a.StartTime.Before(dayEnd) && !a.StartTime.Before(dayStart) {
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) LastServiceDate(_ context.Context, patientID, serviceID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, a := range m.appts {
		if a.PatientID != patientID {
			continue
		}
		if a.Status != StatusCompleted && a.Status != StatusInProgress {
			continue
		}
		hasService := false
		for _, l := range m.lines[a.ID] {
			if l.ServiceID == serviceID {
				hasService = true
				break
			}
		}
		if !hasService {
			continue
		}
		if latest == nil || a.StartTime.After(*latest) {
			t := a.StartTime
			latest = &t
		}
	}
	return latest, nil
}

func (m *mockRepo) matchesResourceLocked(a *Appointment, kind ResourceKind, resourceID uuid.UUID) bool {
	switch kind {
	case ResourceDoctor, ResourceParticipant:
		return a.DoctorID == resourceID || m.hasParticipantLocked(a.ID, resourceID)
	case ResourceRoom:
		return a.RoomID == resourceID
	case ResourcePatient:
		return a.PatientID == resourceID
	}
	return false
}

func (m *mockRepo) hasParticipantLocked(appointmentID, employeeID uuid.UUID) bool {
	for _, p := range m.parts[appointmentID] {
		if p.EmployeeID == employeeID {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

type mockAuditRepo struct {
	entries map[uuid.UUID][]*AuditEntry
}

func newMockAuditRepo() *mockAuditRepo {
	return &mockAuditRepo{entries: make(map[uuid.UUID][]*AuditEntry)}
}

func (m *mockAuditRepo) Insert(_ context.Context, e *AuditEntry) error {
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.entries[e.AppointmentID] = append(m.entries[e.AppointmentID], e)
	return nil
}

func (m *mockAuditRepo) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*AuditEntry, error) {
	return m.entries[appointmentID], nil
}

type mockCodeSeq struct {
	counters map[string]int
}

func newMockCodeSeq() *mockCodeSeq {
	return &mockCodeSeq{counters: make(map[string]int)}
}

func (m *mockCodeSeq) NextValue(_ context.Context, day time.Time) (int, error) {
	key := day.Format("20060102")
	m.counters[key]++
	return m.counters[key], nil
}

// -- Mock master data --

type mockMaster struct {
	patients  map[string]*masterdata.Patient
	employees map[string]*masterdata.Employee
	rooms     map[string]*masterdata.Room
	services  map[string]*masterdata.Service
	planItems map[uuid.UUID]*masterdata.PlanItem

	specs     map[uuid.UUID]map[uuid.UUID]bool
	roomSvcs  map[uuid.UUID]map[uuid.UUID]bool
	allRooms  []*masterdata.Room
}

func newMockMaster() *mockMaster {
	return &mockMaster{
		patients:  make(map[string]*masterdata.Patient),
		employees: make(map[string]*masterdata.Employee),
		rooms:     make(map[string]*masterdata.Room),
		services:  make(map[string]*masterdata.Service),
		planItems: make(map[uuid.UUID]*masterdata.PlanItem),
		specs:     make(map[uuid.UUID]map[uuid.UUID]bool),
		roomSvcs:  make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (m *mockMaster) addPatient(code string, active bool) *masterdata.Patient {
	p := &masterdata.Patient{ID: uuid.New(), Code: code, FullName: "Patient " + code, Active: active}
	m.patients[code] = p
	return p
}

func (m *mockMaster) addEmployee(code string, active bool) *masterdata.Employee {
	e := &masterdata.Employee{ID: uuid.New(), Code: code, FullName: "Employee " + code, Active: active}
	m.employees[code] = e
	return e
}

func (m *mockMaster) addRoom(code string, active bool, services ...*masterdata.Service) *masterdata.Room {
	r := &masterdata.Room{ID: uuid.New(), Code: code, Name: "Room " + code, Active: active}
	m.rooms[code] = r
	m.allRooms = append(m.allRooms, r)
	supported := make(map[uuid.UUID]bool)
	for _, svc := range services {
		supported[svc.ID] = true
	}
	m.roomSvcs[r.ID] = supported
	return r
}

func (m *mockMaster) addService(code string, duration, buffer int) *masterdata.Service {
	s := &masterdata.Service{ID: uuid.New(), Code: code, Name: "Service " + code,
		DurationMinutes: duration, BufferMinutes: buffer, Active: true}
	m.services[code] = s
	return s
}

func (m *mockMaster) addPlanItem(patient *masterdata.Patient, svc *masterdata.Service) *masterdata.PlanItem {
	item := &masterdata.PlanItem{ID: uuid.New(), PatientID: patient.ID, ServiceID: svc.ID, Status: "pending"}
	m.planItems[item.ID] = item
	return item
}

func (m *mockMaster) GetPatientByCode(_ context.Context, code string) (*masterdata.Patient, error) {
	if p, ok := m.patients[code]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetEmployeeByCode(_ context.Context, code string) (*masterdata.Employee, error) {
	if e, ok := m.employees[code]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetRoomByCode(_ context.Context, code string) (*masterdata.Room, error) {
	if r, ok := m.rooms[code]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetServiceByCode(_ context.Context, code string) (*masterdata.Service, error) {
	if s, ok := m.services[code]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetServiceByID(_ context.Context, id uuid.UUID) (*masterdata.Service, error) {
	for _, s := range m.services {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetPatientByID(_ context.Context, id uuid.UUID) (*masterdata.Patient, error) {
	for _, p := range m.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetEmployeeByID(_ context.Context, id uuid.UUID) (*masterdata.Employee, error) {
	for _, e := range m.employees {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) GetRoomByID(_ context.Context, id uuid.UUID) (*masterdata.Room, error) {
	for _, r := range m.rooms {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMaster) EmployeeSpecializations(_ context.Context, employeeID uuid.UUID) (map[uuid.UUID]bool, error) {
	if held, ok := m.specs[employeeID]; ok {
		return held, nil
	}
	return map[uuid.UUID]bool{}, nil
}

func (m *mockMaster) RoomsSupportingAll(_ context.Context, serviceIDs []uuid.UUID) ([]*masterdata.Room, error) {
	var out []*masterdata.Room
	for _, r := range m.allRooms {
		if !r.Active {
			continue
		}
		all := true
		for _, sid := range serviceIDs {
			if !m.roomSvcs[r.ID][sid] {
				all = false
				break
			}
		}
		if all {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockMaster) RoomSupports(_ context.Context, roomID uuid.UUID, serviceIDs []uuid.UUID) (bool, error) {
	for _, sid := range serviceIDs {
		if !m.roomSvcs[roomID][sid] {
			return false, nil
		}
	}
	return true, nil
}

func (m *mockMaster) GetPlanItems(_ context.Context, ids []uuid.UUID) ([]*masterdata.PlanItem, error) {
	var out []*masterdata.PlanItem
	for _, id := range ids {
		if item, ok := m.planItems[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// -- Mock calendar --

type mockCalendar struct {
	shifts   map[string][]masterdata.Shift // employeeID + date
	holidays map[string]bool
}

func newMockCalendar() *mockCalendar {
	return &mockCalendar{shifts: make(map[string][]masterdata.Shift), holidays: make(map[string]bool)}
}

func shiftKey(employeeID uuid.UUID, date time.Time) string {
	return employeeID.String() + ":" + date.Format("2006-01-02")
}

func (m *mockCalendar) addShift(employeeID uuid.UUID, date time.Time, startHour, endHour int) {
	key := shiftKey(employeeID, date)
	m.shifts[key] = append(m.shifts[key], masterdata.Shift{
		EmployeeID: employeeID,
		ShiftDate:  date,
		StartTime:  date.Add(time.Duration(startHour) * time.Hour),
		EndTime:    date.Add(time.Duration(endHour) * time.Hour),
	})
}

func (m *mockCalendar) WorkingIntervals(_ context.Context, employeeID uuid.UUID, date time.Time) ([]masterdata.Shift, error) {
	return m.shifts[shiftKey(employeeID, date)], nil
}

func (m *mockCalendar) IsHoliday(_ context.Context, date time.Time) (bool, error) {
	return m.holidays[date.Format("2006-01-02")], nil
}

// -- Test fixture --

type fixture struct {
	svc      *Service
	repo     *mockRepo
	audit    *mockAuditRepo
	master   *mockMaster
	calendar *mockCalendar
	now      time.Time
}

func newFixture() *fixture {
	repo := newMockRepo()
	master := newMockMaster()
	calendar := newMockCalendar()
	audit := newMockAuditRepo()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	svc := &Service{
		repo:     repo,
		audit:    audit,
		master:   master,
		calendar: calendar,
		codegen:  NewCodeGenerator(newMockCodeSeq()),
		detector: NewDetector(repo),
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
		loc:         time.UTC,
		granularity: 15 * time.Minute,
		lockTimeout: 3 * time.Second,
		now:         func() time.Time { return now },
		log:         zerolog.Nop(),
	}
	spacing := NewSpacingValidator(repo, 2, 90, time.UTC)
	spacing.now = svc.now
	svc.spacing = spacing

	return &fixture{svc: svc, repo: repo, audit: audit, master: master, calendar: calendar, now: now}
}
