package masterdata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/backoffice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) GetPatientByCode(ctx context.Context, code string) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, full_name, active FROM patients WHERE code = $1`, code).
		Scan(&p.ID, &p.Code, &p.FullName, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, full_name, active FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Code, &p.FullName, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetEmployeeByCode(ctx context.Context, code string) (*Employee, error) {
	var e Employee
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, full_name, active FROM employees WHERE code = $1`, code).
		Scan(&e.ID, &e.Code, &e.FullName, &e.Active)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) GetEmployeeByID(ctx context.Context, id uuid.UUID) (*Employee, error) {
	var e Employee
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, full_name, active FROM employees WHERE id = $1`, id).
		Scan(&e.ID, &e.Code, &e.FullName, &e.Active)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) GetRoomByCode(ctx context.Context, code string) (*Room, error) {
	var room Room
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, name, active FROM rooms WHERE code = $1`, code).
		Scan(&room.ID, &room.Code, &room.Name, &room.Active)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *repoPG) GetRoomByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	var room Room
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, code, name, active FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Code, &room.Name, &room.Active)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

const serviceCols = `id, code, name, duration_minutes, buffer_minutes, specialization_id,
	min_preparation_days, recovery_days, spacing_days, max_per_day, active`

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.DurationMinutes, &s.BufferMinutes,
		&s.SpecializationID, &s.MinPreparationDays, &s.RecoveryDays, &s.SpacingDays,
		&s.MaxPerDay, &s.Active)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) GetServiceByCode(ctx context.Context, code string) (*Service, error) {
	return scanService(r.conn(ctx).QueryRow(ctx,
		`SELECT `+serviceCols+` FROM services WHERE code = $1`, code))
}

func (r *repoPG) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	return scanService(r.conn(ctx).QueryRow(ctx,
		`SELECT `+serviceCols+` FROM services WHERE id = $1`, id))
}

func (r *repoPG) EmployeeSpecializations(ctx context.Context, employeeID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT specialization_id FROM employee_specializations WHERE employee_id = $1`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	specs := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		specs[id] = true
	}
	return specs, rows.Err()
}

func (r *repoPG) RoomsSupportingAll(ctx context.Context, serviceIDs []uuid.UUID) ([]*Room, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT rm.id, rm.code, rm.name, rm.active
		FROM rooms rm
		WHERE rm.active
		  AND NOT EXISTS (
			SELECT 1 FROM unnest($1::uuid[]) AS req(service_id)
			WHERE NOT EXISTS (
				SELECT 1 FROM room_services rs
				WHERE rs.room_id = rm.id AND rs.service_id = req.service_id
			)
		  )
		ORDER BY rm.code`, serviceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Code, &room.Name, &room.Active); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

func (r *repoPG) RoomSupports(ctx context.Context, roomID uuid.UUID, serviceIDs []uuid.UUID) (bool, error) {
	var supported int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM room_services
		WHERE room_id = $1 AND service_id = ANY($2::uuid[])`, roomID, serviceIDs).
		Scan(&supported)
	if err != nil {
		return false, err
	}
	return supported == len(serviceIDs), nil
}

func (r *repoPG) GetPlanItems(ctx context.Context, ids []uuid.UUID) ([]*PlanItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, service_id, status
		FROM plan_items WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PlanItem
	for rows.Next() {
		var pi PlanItem
		if err := rows.Scan(&pi.ID, &pi.PatientID, &pi.ServiceID, &pi.Status); err != nil {
			return nil, err
		}
		items = append(items, &pi)
	}
	return items, rows.Err()
}

// calendarPG answers shift and holiday lookups from the rostering tables.
type calendarPG struct{ pool *pgxpool.Pool }

func NewCalendarPG(pool *pgxpool.Pool) CalendarProvider { return &calendarPG{pool: pool} }

func (c *calendarPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return c.pool
}

func (c *calendarPG) WorkingIntervals(ctx context.Context, employeeID uuid.UUID, date time.Time) ([]Shift, error) {
	rows, err := c.conn(ctx).Query(ctx, `
		SELECT employee_id, shift_date, start_time, end_time
		FROM employee_shifts
		WHERE employee_id = $1 AND shift_date = $2
		ORDER BY start_time`, employeeID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []Shift
	for rows.Next() {
		var sh Shift
		if err := rows.Scan(&sh.EmployeeID, &sh.ShiftDate, &sh.StartTime, &sh.EndTime); err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

func (c *calendarPG) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := c.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM clinic_holidays WHERE holiday_date = $1)`, date).
		Scan(&exists)
	return exists, err
}
