package masterdata

import (
	"time"

	"github.com/google/uuid"
)

// The booking engine consumes master data read-only. These types mirror the
// tables owned by the master-data subsystem; no mutation path exists here.

// Patient maps to the patients table.
type Patient struct {
	ID       uuid.UUID `db:"id" json:"id"`
	Code     string    `db:"code" json:"code"`
	FullName string    `db:"full_name" json:"full_name"`
	Active   bool      `db:"active" json:"active"`
}

// Employee maps to the employees table.
type Employee struct {
	ID       uuid.UUID `db:"id" json:"id"`
	Code     string    `db:"code" json:"code"`
	FullName string    `db:"full_name" json:"full_name"`
	Active   bool      `db:"active" json:"active"`
}

// Service maps to the services table. The spacing fields are inputs to the
// clinical spacing rules; nil means the rule is not configured.
type Service struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Code               string     `db:"code" json:"code"`
	Name               string     `db:"name" json:"name"`
	DurationMinutes    int        `db:"duration_minutes" json:"duration_minutes"`
	BufferMinutes      int        `db:"buffer_minutes" json:"buffer_minutes"`
	SpecializationID   *uuid.UUID `db:"specialization_id" json:"specialization_id,omitempty"`
	MinPreparationDays *int       `db:"min_preparation_days" json:"min_preparation_days,omitempty"`
	RecoveryDays       *int       `db:"recovery_days" json:"recovery_days,omitempty"`
	SpacingDays        *int       `db:"spacing_days" json:"spacing_days,omitempty"`
	MaxPerDay          *int       `db:"max_per_day" json:"max_per_day,omitempty"`
	Active             bool       `db:"active" json:"active"`
}

// TotalMinutes returns the slot length this service consumes.
func (s *Service) TotalMinutes() int {
	return s.DurationMinutes + s.BufferMinutes
}

// HasSpacingRules reports whether any of the three spacing rules is
// configured. When none is, the daily-limit fallback applies instead.
func (s *Service) HasSpacingRules() bool {
	return s.MinPreparationDays != nil || s.RecoveryDays != nil || s.SpacingDays != nil
}

// Room maps to the rooms table.
type Room struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Code   string    `db:"code" json:"code"`
	Name   string    `db:"name" json:"name"`
	Active bool      `db:"active" json:"active"`
}

// Shift is one working interval of an employee on a given date.
type Shift struct {
	EmployeeID uuid.UUID `db:"employee_id" json:"employee_id"`
	ShiftDate  time.Time `db:"shift_date" json:"shift_date"`
	StartTime  time.Time `db:"start_time" json:"start_time"`
	EndTime    time.Time `db:"end_time" json:"end_time"`
}

// PlanItem is a treatment-plan line a booking may reference instead of a
// raw service code.
type PlanItem struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	ServiceID uuid.UUID `db:"service_id" json:"service_id"`
	Status    string    `db:"status" json:"status"`
}
