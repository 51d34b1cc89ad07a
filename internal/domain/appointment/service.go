package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinic/backoffice/internal/domain/masterdata"
	"github.com/clinic/backoffice/internal/platform/auth"
	"github.com/clinic/backoffice/internal/platform/db"
)

// Options carries the scheduling knobs from configuration.
type Options struct {
	SlotGranularity     time.Duration
	LockTimeout         time.Duration
	DailyLimit          int
	EarliestHorizonDays int
	Location            *time.Location
}

// TxRunner executes fn inside one database transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service is the booking transaction coordinator: it orchestrates
// availability search, conflict detection, spacing validation, the status
// state machine, and persists every mutation atomically with an audit entry.
type Service struct {
	repo     Repository
	audit    AuditRepository
	master   masterdata.Repository
	calendar masterdata.CalendarProvider
	codegen  CodeGenerator
	detector *Detector
	spacing  *SpacingValidator

	runTx       TxRunner
	loc         *time.Location
	granularity time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

func NewService(pool *pgxpool.Pool, repo Repository, audit AuditRepository,
	master masterdata.Repository, calendar masterdata.CalendarProvider,
	codegen CodeGenerator, opts Options, logger zerolog.Logger) *Service {

	return &Service{
		repo:     repo,
		audit:    audit,
		master:   master,
		calendar: calendar,
		codegen:  codegen,
		detector: NewDetector(repo),
		spacing:  NewSpacingValidator(repo, opts.DailyLimit, opts.EarliestHorizonDays, opts.Location),
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		loc:         opts.Location,
		granularity: opts.SlotGranularity,
		lockTimeout: opts.LockTimeout,
		now:         time.Now,
		log:         logger.With().Str("component", "booking").Logger(),
	}
}

// -- Requests and responses --

type CreateRequest struct {
	PatientCode      string    `json:"patient_code"`
	DoctorCode       string    `json:"doctor_code"`
	RoomCode         string    `json:"room_code"`
	ServiceCodes     []string  `json:"service_codes,omitempty"`
	PlanItemIDs      []string  `json:"plan_item_ids,omitempty"`
	StartTime        time.Time `json:"start_time"`
	ParticipantCodes []string  `json:"participant_codes,omitempty"`
	Notes            string    `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	NewStartTime  time.Time `json:"new_start_time"`
	NewDoctorCode string    `json:"new_doctor_code,omitempty"`
	NewRoomCode   string    `json:"new_room_code,omitempty"`
	ServiceCodes  []string  `json:"service_codes,omitempty"`
	ReasonCode    string    `json:"reason_code"`
	Notes         string    `json:"notes,omitempty"`
}

type ListQuery struct {
	From        *time.Time
	To          *time.Time
	Preset      string
	Statuses    []string
	PatientCode string
	DoctorCode  string
	RoomCode    string
	ServiceCode string
	Search      string
	SortBy      string
	SortDesc    bool
	Limit       int
	Offset      int
}

// ServiceSummary is one booked service line resolved against the catalog.
type ServiceSummary struct {
	Code            string `json:"code"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	BufferMinutes   int    `json:"buffer_minutes"`
}

// ParticipantSummary is one attached staff member resolved to a code.
type ParticipantSummary struct {
	EmployeeCode string `json:"employee_code"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
}

// Detail is the full appointment view returned by every operation.
type Detail struct {
	Appointment
	Patient      *masterdata.Patient  `json:"patient"`
	Doctor       *masterdata.Employee `json:"doctor"`
	Room         *masterdata.Room     `json:"room"`
	Services     []ServiceSummary     `json:"services"`
	Participants []ParticipantSummary `json:"participants"`
	Audit        []*AuditEntry        `json:"audit,omitempty"`
}

// RescheduleResult pairs the cancelled source with its replacement.
type RescheduleResult struct {
	Old *Detail `json:"old"`
	New *Detail `json:"new"`
}

// -- Availability --

// FindAvailableTimes computes bookable slots for a clinic-local date. Read
// only; holidays and unrostered days yield an empty list.
func (s *Service) FindAvailableTimes(ctx context.Context, date time.Time, doctorCode string, serviceCodes, participantCodes []string) ([]Slot, error) {
	day := s.startOfDay(date)
	if day.Before(s.startOfDay(s.now())) {
		return nil, fmt.Errorf("%w: date %s is in the past", ErrValidation, day.Format("2006-01-02"))
	}
	if len(serviceCodes) == 0 {
		return nil, fmt.Errorf("%w: at least one service is required", ErrValidation)
	}

	doctor, err := s.resolveEmployee(ctx, doctorCode)
	if err != nil {
		return nil, err
	}
	services, err := s.resolveServices(ctx, serviceCodes)
	if err != nil {
		return nil, err
	}
	participants, err := s.resolveParticipants(ctx, participantCodes)
	if err != nil {
		return nil, err
	}

	if err := s.checkSpecializations(ctx, doctor, services); err != nil {
		return nil, err
	}

	total := time.Duration(totalMinutes(services)) * time.Minute

	rooms, err := s.master.RoomsSupportingAll(ctx, serviceIDs(services))
	if err != nil {
		return nil, fmt.Errorf("find compatible rooms: %w", err)
	}
	if len(rooms) == 0 {
		return []Slot{}, nil
	}

	holiday, err := s.calendar.IsHoliday(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("holiday lookup: %w", err)
	}
	if holiday {
		return []Slot{}, nil
	}

	shifts, err := s.calendar.WorkingIntervals(ctx, doctor.ID, day)
	if err != nil {
		return nil, fmt.Errorf("shift lookup: %w", err)
	}
	if len(shifts) == 0 {
		return []Slot{}, nil
	}

	// The window spans the whole roster; the gaps between split shifts are
	// blocked like any other busy interval.
	window := Interval{Start: shifts[0].StartTime, End: shifts[len(shifts)-1].EndTime}

	dayEnd := day.AddDate(0, 0, 1)

	staffBusy, err := s.repo.BusyIntervals(ctx, ResourceDoctor, doctor.ID, day, dayEnd)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(shifts); i++ {
		if shifts[i].StartTime.After(shifts[i-1].EndTime) {
			staffBusy = append(staffBusy, Interval{Start: shifts[i-1].EndTime, End: shifts[i].StartTime})
		}
	}
	for _, p := range participants {
		busy, err := s.repo.BusyIntervals(ctx, ResourceParticipant, p.ID, day, dayEnd)
		if err != nil {
			return nil, err
		}
		staffBusy = append(staffBusy, busy...)
	}

	roomBusy := make(map[string][]Interval, len(rooms))
	for _, room := range rooms {
		busy, err := s.repo.BusyIntervals(ctx, ResourceRoom, room.ID, day, dayEnd)
		if err != nil {
			return nil, err
		}
		roomBusy[room.Code] = busy
	}

	return ResolveSlots(window, staffBusy, roomBusy, total, s.granularity), nil
}

// EarliestBookableDate exposes the spacing validator's companion operation.
func (s *Service) EarliestBookableDate(ctx context.Context, patientCode, serviceCode string) (time.Time, error) {
	patient, err := s.resolvePatient(ctx, patientCode)
	if err != nil {
		return time.Time{}, err
	}
	svc, err := s.resolveService(ctx, serviceCode)
	if err != nil {
		return time.Time{}, err
	}
	return s.spacing.EarliestBookableDate(ctx, patient.ID, svc)
}

// -- Create --

// Create books a new appointment. Conflict and spacing checks run inside the
// same transaction as the insert, so a concurrent booking of the same window
// cannot slip between validation and write.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (*Detail, error) {
	if (len(req.ServiceCodes) == 0) == (len(req.PlanItemIDs) == 0) {
		return nil, fmt.Errorf("%w: exactly one of service_codes or plan_item_ids is required", ErrValidation)
	}
	if req.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: start_time is required", ErrValidation)
	}
	if req.StartTime.Before(s.now()) {
		return nil, fmt.Errorf("%w: start_time is in the past", ErrValidation)
	}

	var detail *Detail
	err := s.runTx(ctx, func(ctx context.Context) error {
		patient, err := s.resolvePatient(ctx, req.PatientCode)
		if err != nil {
			return err
		}
		doctor, err := s.resolveEmployee(ctx, req.DoctorCode)
		if err != nil {
			return err
		}
		room, err := s.resolveRoom(ctx, req.RoomCode)
		if err != nil {
			return err
		}

		var services []*masterdata.Service
		if len(req.ServiceCodes) > 0 {
			services, err = s.resolveServices(ctx, req.ServiceCodes)
		} else {
			services, err = s.resolvePlanItemServices(ctx, patient.ID, req.PlanItemIDs)
		}
		if err != nil {
			return err
		}

		participants, err := s.resolveParticipants(ctx, req.ParticipantCodes)
		if err != nil {
			return err
		}

		if err := s.checkSpecializations(ctx, doctor, services); err != nil {
			return err
		}
		supported, err := s.master.RoomSupports(ctx, room.ID, serviceIDs(services))
		if err != nil {
			return fmt.Errorf("room compatibility lookup: %w", err)
		}
		if !supported {
			return fmt.Errorf("%w: room %s does not support all requested services", ErrValidation, room.Code)
		}

		total := totalMinutes(services)
		start := req.StartTime
		end := start.Add(time.Duration(total) * time.Minute)

		for _, svc := range services {
			if err := s.spacing.Validate(ctx, patient.ID, svc, start); err != nil {
				return err
			}
		}

		if err := s.checkAllConflicts(ctx, doctor, room, patient, participants, start, end, uuid.Nil); err != nil {
			return err
		}

		code, err := s.codegen.Next(ctx, s.startOfDay(start))
		if err != nil {
			return err
		}

		a := &Appointment{
			Code:            code,
			PatientID:       patient.ID,
			DoctorID:        doctor.ID,
			RoomID:          room.ID,
			StartTime:       start,
			EndTime:         end,
			DurationMinutes: total,
			Status:          StatusScheduled,
			Notes:           strPtr(req.Notes),
			CreatedBy:       s.actorID(ctx, p),
		}
		if err := s.repo.Create(ctx, a); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		lines := make([]ServiceLine, len(services))
		for i, svc := range services {
			lines[i] = ServiceLine{
				AppointmentID:   a.ID,
				ServiceID:       svc.ID,
				Position:        i,
				DurationMinutes: svc.DurationMinutes,
				BufferMinutes:   svc.BufferMinutes,
			}
		}
		if err := s.repo.AddServiceLines(ctx, lines); err != nil {
			return fmt.Errorf("insert service lines: %w", err)
		}

		if len(participants) > 0 {
			parts := make([]Participant, len(participants))
			for i, emp := range participants {
				parts[i] = Participant{AppointmentID: a.ID, EmployeeID: emp.ID, Role: RoleAssistant}
			}
			if err := s.repo.AddParticipants(ctx, parts); err != nil {
				return fmt.Errorf("insert participants: %w", err)
			}
		}

		if err := s.writeAudit(ctx, a.ID, AuditCreate, p, fmt.Sprintf("booked %s", code)); err != nil {
			return err
		}

		detail, err = s.buildDetail(ctx, a, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("code", detail.Code).Time("start", detail.StartTime).Msg("appointment created")
	return detail, nil
}

// -- Status update --

// UpdateStatus applies one lifecycle transition under an exclusive row lock,
// so two concurrent updates on the same appointment serialize: the second
// re-validates against the committed status and fails if the transition is
// no longer legal.
func (s *Service) UpdateStatus(ctx context.Context, p auth.Principal, code, newStatus, reasonCode, notes string) (*Detail, error) {
	target, err := ParseStatus(newStatus)
	if err != nil {
		return nil, err
	}
	if target.RequiresReason() && reasonCode == "" {
		return nil, fmt.Errorf("%w: reason_code is required for status %s", ErrValidation, target)
	}

	var detail *Detail
	err = s.runTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockByCode(ctx, code, s.lockTimeout)
		if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrStateTransition, a.Status, target)
		}

		prev := a.Status
		a.Status = target
		now := s.now()

		// Timestamps are set exactly once; a replayed transition never
		// overwrites them.
		switch target {
		case StatusInProgress:
			if a.ActualStart == nil {
				a.ActualStart = &now
			}
		case StatusCompleted:
			if a.ActualEnd == nil {
				a.ActualEnd = &now
			}
		case StatusCancelled, StatusNoShow:
			a.CancelReason = &reasonCode
		}
		if notes != "" {
			a.Notes = &notes
		}

		if err := s.repo.Update(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		detailMsg := fmt.Sprintf("%s -> %s", prev, target)
		if reasonCode != "" {
			detailMsg += " (" + reasonCode + ")"
		}
		if err := s.writeAudit(ctx, a.ID, AuditStatusChange, p, detailMsg); err != nil {
			return err
		}

		detail, err = s.buildDetail(ctx, a, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("code", code).Str("status", string(target)).Msg("status updated")
	return detail, nil
}

// -- Delay --

// Delay pushes an appointment to a later start on the same day, keeping its
// duration. Conflicts are re-checked excluding the appointment itself.
func (s *Service) Delay(ctx context.Context, p auth.Principal, code string, newStart time.Time, reasonCode, notes string) (*Detail, error) {
	var detail *Detail
	err := s.runTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockByCode(ctx, code, s.lockTimeout)
		if err != nil {
			return err
		}
		if a.Status != StatusScheduled && a.Status != StatusCheckedIn {
			return fmt.Errorf("%w: cannot delay from status %s", ErrStateTransition, a.Status)
		}
		if !newStart.After(a.StartTime) {
			return fmt.Errorf("%w: new start must be after the current start", ErrValidation)
		}
		if !s.startOfDay(newStart).Equal(s.startOfDay(a.StartTime)) {
			return fmt.Errorf("%w: delay must stay on the same calendar day", ErrValidation)
		}

		newEnd := newStart.Add(time.Duration(a.DurationMinutes) * time.Minute)
		if err := s.checkConflictsByID(ctx, a, newStart, newEnd); err != nil {
			return err
		}

		oldStart := a.StartTime
		a.StartTime = newStart
		a.EndTime = newEnd
		if notes != "" {
			a.Notes = &notes
		}

		if err := s.repo.Update(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		detailMsg := fmt.Sprintf("%s -> %s", oldStart.Format(time.RFC3339), newStart.Format(time.RFC3339))
		if reasonCode != "" {
			detailMsg += " (" + reasonCode + ")"
		}
		if err := s.writeAudit(ctx, a.ID, AuditDelay, p, detailMsg); err != nil {
			return err
		}

		detail, err = s.buildDetail(ctx, a, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("code", code).Time("new_start", newStart).Msg("appointment delayed")
	return detail, nil
}

// -- Reschedule --

// Reschedule cancels the source appointment and books a replacement in one
// transaction. The replacement goes through the full create validation path;
// the source is excluded from conflict checks because its cancellation is
// part of the same transaction.
func (s *Service) Reschedule(ctx context.Context, p auth.Principal, code string, req RescheduleRequest) (*RescheduleResult, error) {
	if req.ReasonCode == "" {
		return nil, fmt.Errorf("%w: reason_code is required", ErrValidation)
	}
	if req.NewStartTime.IsZero() {
		return nil, fmt.Errorf("%w: new_start_time is required", ErrValidation)
	}
	if req.NewStartTime.Before(s.now()) {
		return nil, fmt.Errorf("%w: new_start_time is in the past", ErrValidation)
	}

	var result *RescheduleResult
	err := s.runTx(ctx, func(ctx context.Context) error {
		src, err := s.repo.LockByCode(ctx, code, s.lockTimeout)
		if err != nil {
			return err
		}
		if src.Status.Terminal() {
			return fmt.Errorf("%w: cannot reschedule from terminal status %s", ErrStateTransition, src.Status)
		}

		doctorCode := req.NewDoctorCode
		if doctorCode == "" {
			doctor, err := s.master.GetEmployeeByID(ctx, src.DoctorID)
			if err != nil {
				return fmt.Errorf("resolve current doctor: %w", err)
			}
			doctorCode = doctor.Code
		}
		roomCode := req.NewRoomCode
		if roomCode == "" {
			room, err := s.master.GetRoomByID(ctx, src.RoomID)
			if err != nil {
				return fmt.Errorf("resolve current room: %w", err)
			}
			roomCode = room.Code
		}

		serviceCodes := req.ServiceCodes
		if len(serviceCodes) == 0 {
			lines, err := s.repo.GetServiceLines(ctx, src.ID)
			if err != nil {
				return err
			}
			for _, l := range lines {
				svc, err := s.master.GetServiceByID(ctx, l.ServiceID)
				if err != nil {
					return fmt.Errorf("resolve carried-over service: %w", err)
				}
				serviceCodes = append(serviceCodes, svc.Code)
			}
		}

		patient, err := s.master.GetPatientByID(ctx, src.PatientID)
		if err != nil {
			return fmt.Errorf("resolve patient: %w", err)
		}
		doctor, err := s.resolveEmployee(ctx, doctorCode)
		if err != nil {
			return err
		}
		room, err := s.resolveRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		services, err := s.resolveServices(ctx, serviceCodes)
		if err != nil {
			return err
		}

		if err := s.checkSpecializations(ctx, doctor, services); err != nil {
			return err
		}
		supported, err := s.master.RoomSupports(ctx, room.ID, serviceIDs(services))
		if err != nil {
			return fmt.Errorf("room compatibility lookup: %w", err)
		}
		if !supported {
			return fmt.Errorf("%w: room %s does not support all requested services", ErrValidation, room.Code)
		}

		// Cancel the source first so its window frees up within this
		// transaction's view.
		src.Status = StatusCancelled
		src.CancelReason = &req.ReasonCode
		if err := s.repo.Update(ctx, src); err != nil {
			return fmt.Errorf("cancel source appointment: %w", err)
		}

		total := totalMinutes(services)
		start := req.NewStartTime
		end := start.Add(time.Duration(total) * time.Minute)

		for _, svc := range services {
			if err := s.spacing.Validate(ctx, patient.ID, svc, start); err != nil {
				return err
			}
		}

		participants, err := s.repo.GetParticipants(ctx, src.ID)
		if err != nil {
			return err
		}
		participantEmployees := make([]*masterdata.Employee, 0, len(participants))
		for _, part := range participants {
			emp, err := s.master.GetEmployeeByID(ctx, part.EmployeeID)
			if err != nil {
				return fmt.Errorf("resolve participant: %w", err)
			}
			participantEmployees = append(participantEmployees, emp)
		}

		if err := s.checkAllConflicts(ctx, doctor, room, patient, participantEmployees, start, end, src.ID); err != nil {
			return err
		}

		newCode, err := s.codegen.Next(ctx, s.startOfDay(start))
		if err != nil {
			return err
		}

		replacement := &Appointment{
			Code:            newCode,
			PatientID:       patient.ID,
			DoctorID:        doctor.ID,
			RoomID:          room.ID,
			StartTime:       start,
			EndTime:         end,
			DurationMinutes: total,
			Status:          StatusScheduled,
			Notes:           strPtr(req.Notes),
			CreatedBy:       s.actorID(ctx, p),
		}
		if err := s.repo.Create(ctx, replacement); err != nil {
			return fmt.Errorf("insert replacement appointment: %w", err)
		}

		lines := make([]ServiceLine, len(services))
		for i, svc := range services {
			lines[i] = ServiceLine{
				AppointmentID:   replacement.ID,
				ServiceID:       svc.ID,
				Position:        i,
				DurationMinutes: svc.DurationMinutes,
				BufferMinutes:   svc.BufferMinutes,
			}
		}
		if err := s.repo.AddServiceLines(ctx, lines); err != nil {
			return fmt.Errorf("insert service lines: %w", err)
		}
		if len(participants) > 0 {
			carried := make([]Participant, len(participants))
			for i, part := range participants {
				carried[i] = Participant{AppointmentID: replacement.ID, EmployeeID: part.EmployeeID, Role: part.Role}
			}
			if err := s.repo.AddParticipants(ctx, carried); err != nil {
				return fmt.Errorf("insert participants: %w", err)
			}
		}

		src.RescheduledTo = &replacement.ID
		if err := s.repo.Update(ctx, src); err != nil {
			return fmt.Errorf("link source to replacement: %w", err)
		}

		if err := s.writeAudit(ctx, src.ID, AuditRescheduleSource, p, "replaced by "+newCode); err != nil {
			return err
		}
		if err := s.writeAudit(ctx, replacement.ID, AuditRescheduleTarget, p, "replaces "+code); err != nil {
			return err
		}

		oldDetail, err := s.buildDetail(ctx, src, false)
		if err != nil {
			return err
		}
		newDetail, err := s.buildDetail(ctx, replacement, false)
		if err != nil {
			return err
		}
		result = &RescheduleResult{Old: oldDetail, New: newDetail}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("source", code).Str("replacement", result.New.Code).Msg("appointment rescheduled")
	return result, nil
}

// -- Reads --

func (s *Service) List(ctx context.Context, p auth.Principal, q ListQuery) ([]*Appointment, int, error) {
	f := ListFilter{
		Search:   q.Search,
		SortBy:   q.SortBy,
		SortDesc: q.SortDesc,
	}

	switch q.Preset {
	case "":
		f.From, f.To = q.From, q.To
	case "today":
		day := s.startOfDay(s.now())
		next := day.AddDate(0, 0, 1)
		f.From, f.To = &day, &next
	case "week":
		day := s.startOfDay(s.now())
		weekEnd := day.AddDate(0, 0, 7)
		f.From, f.To = &day, &weekEnd
	default:
		return nil, 0, fmt.Errorf("%w: unknown preset %q", ErrValidation, q.Preset)
	}

	for _, raw := range q.Statuses {
		st, err := ParseStatus(raw)
		if err != nil {
			return nil, 0, err
		}
		f.Statuses = append(f.Statuses, st)
	}

	if q.PatientCode != "" {
		patient, err := s.master.GetPatientByCode(ctx, q.PatientCode)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: patient %s", ErrNotFound, q.PatientCode)
		}
		f.PatientID = &patient.ID
	}
	if q.DoctorCode != "" {
		doctor, err := s.master.GetEmployeeByCode(ctx, q.DoctorCode)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: employee %s", ErrNotFound, q.DoctorCode)
		}
		f.DoctorID = &doctor.ID
	}
	if q.RoomCode != "" {
		room, err := s.master.GetRoomByCode(ctx, q.RoomCode)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: room %s", ErrNotFound, q.RoomCode)
		}
		f.RoomID = &room.ID
	}
	if q.ServiceCode != "" {
		svc, err := s.master.GetServiceByCode(ctx, q.ServiceCode)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: service %s", ErrNotFound, q.ServiceCode)
		}
		f.ServiceID = &svc.ID
	}

	if err := s.applyScope(ctx, p, &f); err != nil {
		return nil, 0, err
	}

	return s.repo.List(ctx, f, q.Limit, q.Offset)
}

func (s *Service) GetDetail(ctx context.Context, p auth.Principal, code string) (*Detail, error) {
	a, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisibility(ctx, p, a); err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, a, true)
}

// -- Helpers --

func (s *Service) startOfDay(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Service) resolvePatient(ctx context.Context, code string) (*masterdata.Patient, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: patient_code is required", ErrValidation)
	}
	p, err := s.master.GetPatientByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: patient %s", ErrNotFound, code)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: patient %s", ErrInactiveResource, code)
	}
	return p, nil
}

func (s *Service) resolveEmployee(ctx context.Context, code string) (*masterdata.Employee, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: doctor_code is required", ErrValidation)
	}
	e, err := s.master.GetEmployeeByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: employee %s", ErrNotFound, code)
	}
	if !e.Active {
		return nil, fmt.Errorf("%w: employee %s", ErrInactiveResource, code)
	}
	return e, nil
}

func (s *Service) resolveRoom(ctx context.Context, code string) (*masterdata.Room, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: room_code is required", ErrValidation)
	}
	r, err := s.master.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, code)
	}
	if !r.Active {
		return nil, fmt.Errorf("%w: room %s", ErrInactiveResource, code)
	}
	return r, nil
}

func (s *Service) resolveService(ctx context.Context, code string) (*masterdata.Service, error) {
	svc, err := s.master.GetServiceByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: service %s", ErrNotFound, code)
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: service %s", ErrInactiveResource, code)
	}
	return svc, nil
}

func (s *Service) resolveServices(ctx context.Context, codes []string) ([]*masterdata.Service, error) {
	services := make([]*masterdata.Service, 0, len(codes))
	for _, code := range codes {
		svc, err := s.resolveService(ctx, code)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func (s *Service) resolvePlanItemServices(ctx context.Context, patientID uuid.UUID, rawIDs []string) ([]*masterdata.Service, error) {
	ids := make([]uuid.UUID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid plan item id %q", ErrValidation, raw)
		}
		ids = append(ids, id)
	}

	items, err := s.master.GetPlanItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("plan item lookup: %w", err)
	}
	if len(items) != len(ids) {
		return nil, fmt.Errorf("%w: one or more plan items", ErrNotFound)
	}

	services := make([]*masterdata.Service, 0, len(items))
	for _, item := range items {
		if item.PatientID != patientID {
			return nil, fmt.Errorf("%w: plan item %s belongs to another patient", ErrValidation, item.ID)
		}
		svc, err := s.master.GetServiceByID(ctx, item.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("%w: service for plan item %s", ErrNotFound, item.ID)
		}
		if !svc.Active {
			return nil, fmt.Errorf("%w: service %s", ErrInactiveResource, svc.Code)
		}
		services = append(services, svc)
	}
	return services, nil
}

func (s *Service) resolveParticipants(ctx context.Context, codes []string) ([]*masterdata.Employee, error) {
	participants := make([]*masterdata.Employee, 0, len(codes))
	for _, code := range codes {
		emp, err := s.resolveEmployee(ctx, code)
		if err != nil {
			return nil, err
		}
		participants = append(participants, emp)
	}
	return participants, nil
}

func (s *Service) checkSpecializations(ctx context.Context, doctor *masterdata.Employee, services []*masterdata.Service) error {
	var held map[uuid.UUID]bool
	for _, svc := range services {
		if svc.SpecializationID == nil {
			continue
		}
		if held == nil {
			var err error
			held, err = s.master.EmployeeSpecializations(ctx, doctor.ID)
			if err != nil {
				return fmt.Errorf("specialization lookup: %w", err)
			}
		}
		if !held[*svc.SpecializationID] {
			return fmt.Errorf("%w: doctor %s lacks the specialization required by service %s",
				ErrValidation, doctor.Code, svc.Code)
		}
	}
	return nil
}

func (s *Service) checkAllConflicts(ctx context.Context, doctor *masterdata.Employee, room *masterdata.Room,
	patient *masterdata.Patient, participants []*masterdata.Employee, start, end time.Time, excludeID uuid.UUID) error {

	// Serialize against concurrent bookings of the same resources before
	// the overlap reads: a plain snapshot read would let two transactions
	// both pass validation and both commit overlapping windows.
	ids := make([]uuid.UUID, 0, 3+len(participants))
	ids = append(ids, doctor.ID, room.ID, patient.ID)
	for _, part := range participants {
		ids = append(ids, part.ID)
	}
	if err := s.repo.LockResources(ctx, ids); err != nil {
		return err
	}

	if err := s.detector.Check(ctx, ResourceDoctor, doctor.ID, doctor.Code, start, end, excludeID); err != nil {
		return err
	}
	if err := s.detector.Check(ctx, ResourceRoom, room.ID, room.Code, start, end, excludeID); err != nil {
		return err
	}
	if err := s.detector.Check(ctx, ResourcePatient, patient.ID, patient.Code, start, end, excludeID); err != nil {
		return err
	}
	for _, part := range participants {
		if err := s.detector.Check(ctx, ResourceParticipant, part.ID, part.Code, start, end, excludeID); err != nil {
			return err
		}
	}
	return nil
}

// checkConflictsByID re-checks conflicts for an existing appointment using
// its stored references.
func (s *Service) checkConflictsByID(ctx context.Context, a *Appointment, start, end time.Time) error {
	doctor, err := s.master.GetEmployeeByID(ctx, a.DoctorID)
	if err != nil {
		return fmt.Errorf("resolve doctor: %w", err)
	}
	room, err := s.master.GetRoomByID(ctx, a.RoomID)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	patient, err := s.master.GetPatientByID(ctx, a.PatientID)
	if err != nil {
		return fmt.Errorf("resolve patient: %w", err)
	}
	participants, err := s.repo.GetParticipants(ctx, a.ID)
	if err != nil {
		return err
	}
	employees := make([]*masterdata.Employee, 0, len(participants))
	for _, part := range participants {
		emp, err := s.master.GetEmployeeByID(ctx, part.EmployeeID)
		if err != nil {
			return fmt.Errorf("resolve participant: %w", err)
		}
		employees = append(employees, emp)
	}
	return s.checkAllConflicts(ctx, doctor, room, patient, employees, start, end, a.ID)
}

func (s *Service) applyScope(ctx context.Context, p auth.Principal, f *ListFilter) error {
	scope := auth.ScopeFor(p)
	if scope.Unrestricted() {
		return nil
	}
	if scope.PatientCode != "" {
		patient, err := s.master.GetPatientByCode(ctx, scope.PatientCode)
		if err != nil {
			return fmt.Errorf("%w: unknown patient principal", ErrForbidden)
		}
		f.ScopePatientID = &patient.ID
		return nil
	}
	emp, err := s.master.GetEmployeeByCode(ctx, scope.EmployeeCode)
	if err != nil {
		return fmt.Errorf("%w: unknown employee principal", ErrForbidden)
	}
	f.ScopeEmployeeID = &emp.ID
	return nil
}

func (s *Service) checkVisibility(ctx context.Context, p auth.Principal, a *Appointment) error {
	scope := auth.ScopeFor(p)
	if scope.Unrestricted() {
		return nil
	}
	if scope.PatientCode != "" {
		patient, err := s.master.GetPatientByCode(ctx, scope.PatientCode)
		if err != nil || patient.ID != a.PatientID {
			return ErrForbidden
		}
		return nil
	}
	emp, err := s.master.GetEmployeeByCode(ctx, scope.EmployeeCode)
	if err != nil {
		return ErrForbidden
	}
	if emp.ID == a.DoctorID {
		return nil
	}
	participants, err := s.repo.GetParticipants(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, part := range participants {
		if part.EmployeeID == emp.ID {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) buildDetail(ctx context.Context, a *Appointment, withAudit bool) (*Detail, error) {
	patient, err := s.master.GetPatientByID(ctx, a.PatientID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	doctor, err := s.master.GetEmployeeByID(ctx, a.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("resolve doctor: %w", err)
	}
	room, err := s.master.GetRoomByID(ctx, a.RoomID)
	if err != nil {
		return nil, fmt.Errorf("resolve room: %w", err)
	}

	lines, err := s.repo.GetServiceLines(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	services := make([]ServiceSummary, 0, len(lines))
	for _, l := range lines {
		svc, err := s.master.GetServiceByID(ctx, l.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("resolve service: %w", err)
		}
		services = append(services, ServiceSummary{
			Code:            svc.Code,
			Name:            svc.Name,
			DurationMinutes: l.DurationMinutes,
			BufferMinutes:   l.BufferMinutes,
		})
	}

	parts, err := s.repo.GetParticipants(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	participants := make([]ParticipantSummary, 0, len(parts))
	for _, part := range parts {
		emp, err := s.master.GetEmployeeByID(ctx, part.EmployeeID)
		if err != nil {
			return nil, fmt.Errorf("resolve participant: %w", err)
		}
		participants = append(participants, ParticipantSummary{
			EmployeeCode: emp.Code,
			FullName:     emp.FullName,
			Role:         part.Role,
		})
	}

	d := &Detail{
		Appointment:  *a,
		Patient:      patient,
		Doctor:       doctor,
		Room:         room,
		Services:     services,
		Participants: participants,
	}
	if withAudit {
		d.Audit, err = s.audit.ListByAppointment(ctx, a.ID)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *Service) writeAudit(ctx context.Context, appointmentID uuid.UUID, action string, p auth.Principal, detail string) error {
	actor := p.Subject
	if actor == "" {
		actor = "system"
	}
	entry := &AuditEntry{
		AppointmentID: appointmentID,
		Action:        action,
		Actor:         actor,
		Detail:        &detail,
	}
	if err := s.audit.Insert(ctx, entry); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// actorID resolves the principal's employee code to an internal reference
// for the created_by column. Best effort: a missing mapping records null.
func (s *Service) actorID(ctx context.Context, p auth.Principal) *uuid.UUID {
	if p.EmployeeCode == "" {
		return nil
	}
	emp, err := s.master.GetEmployeeByCode(ctx, p.EmployeeCode)
	if err != nil {
		return nil
	}
	return &emp.ID
}

func totalMinutes(services []*masterdata.Service) int {
	total := 0
	for _, svc := range services {
		total += svc.TotalMinutes()
	}
	return total
}

func serviceIDs(services []*masterdata.Service) []uuid.UUID {
	ids := make([]uuid.UUID, len(services))
	for i, svc := range services {
		ids[i] = svc.ID
	}
	return ids
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
