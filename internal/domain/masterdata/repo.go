package masterdata

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository resolves master-data codes to internal references. All lookups
// are read-only; the master-data subsystem owns the writes.
type Repository interface {
	GetPatientByCode(ctx context.Context, code string) (*Patient, error)
	GetEmployeeByCode(ctx context.Context, code string) (*Employee, error)
	GetRoomByCode(ctx context.Context, code string) (*Room, error)
	GetServiceByCode(ctx context.Context, code string) (*Service, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetEmployeeByID(ctx context.Context, id uuid.UUID) (*Employee, error)
	GetRoomByID(ctx context.Context, id uuid.UUID) (*Room, error)

	// EmployeeSpecializations returns the set of specialization ids the
	// employee holds.
	EmployeeSpecializations(ctx context.Context, employeeID uuid.UUID) (map[uuid.UUID]bool, error)

	// RoomsSupportingAll returns active rooms compatible with every one of
	// the given services.
	RoomsSupportingAll(ctx context.Context, serviceIDs []uuid.UUID) ([]*Room, error)

	// RoomSupports reports whether the room is compatible with every one of
	// the given services.
	RoomSupports(ctx context.Context, roomID uuid.UUID, serviceIDs []uuid.UUID) (bool, error)

	// GetPlanItems resolves treatment-plan line items by id.
	GetPlanItems(ctx context.Context, ids []uuid.UUID) ([]*PlanItem, error)
}

// CalendarProvider answers shift and holiday questions for a clinic-local
// date. The date argument must be truncated to midnight in the clinic
// timezone.
type CalendarProvider interface {
	// WorkingIntervals returns the employee's shifts for the date, ordered
	// by start time. Split shifts yield one entry per roster row; an empty
	// slice means the employee is not rostered.
	WorkingIntervals(ctx context.Context, employeeID uuid.UUID, date time.Time) ([]Shift, error)

	// IsHoliday reports whether the clinic is closed on the date.
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
}
