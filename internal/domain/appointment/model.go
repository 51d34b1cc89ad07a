package appointment

import (
	"time"

	"github.com/google/uuid"
)

// ResourceKind identifies which constrained resource a conflict check runs
// against.
type ResourceKind string

const (
	ResourceDoctor      ResourceKind = "doctor"
	ResourceRoom        ResourceKind = "room"
	ResourcePatient     ResourceKind = "patient"
	ResourceParticipant ResourceKind = "participant"
)

// Participant roles.
const (
	RoleAssistant       = "assistant"
	RoleSecondaryDoctor = "secondary_doctor"
	RoleObserver        = "observer"
)

// Audit actions.
const (
	AuditCreate           = "CREATE"
	AuditStatusChange     = "STATUS_CHANGE"
	AuditDelay            = "DELAY"
	AuditRescheduleSource = "RESCHEDULE_SOURCE"
	AuditRescheduleTarget = "RESCHEDULE_TARGET"
)

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Code            string     `db:"code" json:"code"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	RoomID          uuid.UUID  `db:"room_id" json:"room_id"`
	StartTime       time.Time  `db:"start_time" json:"start_time"`
	EndTime         time.Time  `db:"end_time" json:"end_time"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	Status          Status     `db:"status" json:"status"`
	ActualStart     *time.Time `db:"actual_start" json:"actual_start,omitempty"`
	ActualEnd       *time.Time `db:"actual_end" json:"actual_end,omitempty"`
	RescheduledTo   *uuid.UUID `db:"rescheduled_to" json:"rescheduled_to,omitempty"`
	CancelReason    *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Notes           *string    `db:"notes" json:"notes,omitempty"`
	CreatedBy       *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// ServiceLine is one booked service on an appointment, with the duration and
// buffer snapshotted at booking time so later catalog edits don't rewrite
// history.
type ServiceLine struct {
	AppointmentID   uuid.UUID `db:"appointment_id" json:"appointment_id"`
	ServiceID       uuid.UUID `db:"service_id" json:"service_id"`
	Position        int       `db:"position" json:"position"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	BufferMinutes   int       `db:"buffer_minutes" json:"buffer_minutes"`
}

// Participant maps to the appointment_participants table.
type Participant struct {
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	EmployeeID    uuid.UUID `db:"employee_id" json:"employee_id"`
	Role          string    `db:"role" json:"role"`
}

// AuditEntry maps to the appointment_audit table.
type AuditEntry struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	Action        string    `db:"action" json:"action"`
	Actor         string    `db:"actor" json:"actor"`
	Detail        *string   `db:"detail" json:"detail,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Slot is a bookable window offered by the availability resolver, together
// with the rooms free for its full length.
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	RoomCodes []string  `json:"available_room_codes"`
}
