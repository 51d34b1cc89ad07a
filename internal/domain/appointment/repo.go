package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows the appointment listing. Scope fields implement the
// caller's visibility: a patient principal sees only their own rows, staff
// see rows where they are primary doctor or a participant.
type ListFilter struct {
	From     *time.Time
	To       *time.Time
	Statuses []Status

	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	RoomID    *uuid.UUID
	ServiceID *uuid.UUID
	Search    string

	SortBy   string // "start_time" or "created_at"
	SortDesc bool

	ScopePatientID  *uuid.UUID
	ScopeEmployeeID *uuid.UUID
}

// Overlap describes the existing appointment occupying a contested window.
type Overlap struct {
	Code  string
	Start time.Time
	End   time.Time
}

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Update(ctx context.Context, a *Appointment) error
	GetByCode(ctx context.Context, code string) (*Appointment, error)

	// LockByCode loads the appointment under SELECT ... FOR UPDATE, bounded
	// by the lock timeout. A timed-out acquisition returns ErrLockTimeout.
	LockByCode(ctx context.Context, code string, timeout time.Duration) (*Appointment, error)

	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)

	AddServiceLines(ctx context.Context, lines []ServiceLine) error
	GetServiceLines(ctx context.Context, appointmentID uuid.UUID) ([]ServiceLine, error)
	AddParticipants(ctx context.Context, parts []Participant) error
	GetParticipants(ctx context.Context, appointmentID uuid.UUID) ([]Participant, error)

	// LockResources takes transaction-scoped advisory locks on the resource
	// ids, in sorted order, so concurrent bookings touching the same doctor,
	// room, patient, or participant serialize before their conflict checks
	// read. Without it two transactions could both pass FindOverlap and both
	// commit overlapping windows.
	LockResources(ctx context.Context, ids []uuid.UUID) error

	// FindOverlap returns the first active appointment overlapping
	// [start, end) for the resource, or nil. excludeID skips the appointment
	// being modified so delay and reschedule don't conflict with themselves.
	FindOverlap(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Overlap, error)

	// BusyIntervals lists the active-appointment windows for the resource
	// within [dayStart, dayEnd).
	BusyIntervals(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, dayStart, dayEnd time.Time) ([]Interval, error)

	// CountActiveOnDate counts the patient's active appointments within
	// [dayStart, dayEnd), for the daily-limit rule.
	CountActiveOnDate(ctx context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time) (int, error)

	// LastServiceDate returns the start of the patient's most recent
	// completed or in-progress appointment containing the service, or nil.
	LastServiceDate(ctx context.Context, patientID, serviceID uuid.UUID) (*time.Time, error)
}

type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEntry) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*AuditEntry, error)
}

// CodeSequence mints the per-day counter behind appointment codes.
type CodeSequence interface {
	NextValue(ctx context.Context, day time.Time) (int, error)
}
