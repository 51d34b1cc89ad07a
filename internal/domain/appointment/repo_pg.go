package appointment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/backoffice/internal/platform/db"
)

// SQLSTATE raised when SET LOCAL lock_timeout expires on FOR UPDATE.
const lockNotAvailable = "55P03"

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

const apptCols = `id, code, patient_id, doctor_id, room_id, start_time, end_time,
	duration_minutes, status, actual_start, actual_end, rescheduled_to,
	cancel_reason, notes, created_by, created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.Code, &a.PatientID, &a.DoctorID, &a.RoomID,
		&a.StartTime, &a.EndTime, &a.DurationMinutes, &a.Status,
		&a.ActualStart, &a.ActualEnd, &a.RescheduledTo,
		&a.CancelReason, &a.Notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, code, patient_id, doctor_id, room_id,
			start_time, end_time, duration_minutes, status,
			cancel_reason, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.Code, a.PatientID, a.DoctorID, a.RoomID,
		a.StartTime, a.EndTime, a.DurationMinutes, a.Status,
		a.CancelReason, a.Notes, a.CreatedBy)
	return err
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status=$2, start_time=$3, end_time=$4,
			actual_start=$5, actual_end=$6, rescheduled_to=$7,
			cancel_reason=$8, notes=$9, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Status, a.StartTime, a.EndTime,
		a.ActualStart, a.ActualEnd, a.RescheduledTo,
		a.CancelReason, a.Notes)
	return err
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LockByCode serializes concurrent mutations of one appointment: the row is
// taken FOR UPDATE, bounded by lock_timeout so a contended row surfaces
// ErrLockTimeout instead of blocking the worker indefinitely. Must run
// inside a transaction (SET LOCAL is scoped to it).
func (r *repoPG) LockByCode(ctx context.Context, code string, timeout time.Duration) (*Appointment, error) {
	conn := r.conn(ctx)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	a, err := scanAppt(conn.QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE code = $1 FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return nil, fmt.Errorf("%w: appointment %s", ErrLockTimeout, code)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` FROM appointments a WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, value interface{}) {
		where += fmt.Sprintf(clause, idx)
		args = append(args, value)
		idx++
	}

	if f.From != nil {
		add(` AND a.start_time >= $%d`, *f.From)
	}
	if f.To != nil {
		add(` AND a.start_time < $%d`, *f.To)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add(` AND a.status = ANY($%d)`, statuses)
	}
	if f.PatientID != nil {
		add(` AND a.patient_id = $%d`, *f.PatientID)
	}
	if f.DoctorID != nil {
		add(` AND a.doctor_id = $%d`, *f.DoctorID)
	}
	if f.RoomID != nil {
		add(` AND a.room_id = $%d`, *f.RoomID)
	}
	if f.ServiceID != nil {
		add(` AND EXISTS (SELECT 1 FROM appointment_services s
			WHERE s.appointment_id = a.id AND s.service_id = $%d)`, *f.ServiceID)
	}
	if f.Search != "" {
		where += fmt.Sprintf(` AND (a.code ILIKE $%d
			OR a.notes ILIKE $%d
			OR EXISTS (SELECT 1 FROM patients p WHERE p.id = a.patient_id AND p.full_name ILIKE $%d))`,
			idx, idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	// Visibility scope derived from the caller's principal.
	if f.ScopePatientID != nil {
		add(` AND a.patient_id = $%d`, *f.ScopePatientID)
	}
	if f.ScopeEmployeeID != nil {
		where += fmt.Sprintf(` AND (a.doctor_id = $%d OR EXISTS (
			SELECT 1 FROM appointment_participants ap
			WHERE ap.appointment_id = a.id AND ap.employee_id = $%d))`, idx, idx)
		args = append(args, *f.ScopeEmployeeID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol := "a.start_time"
	if f.SortBy == "created_at" {
		sortCol = "a.created_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	query := `SELECT ` + apptColsPrefixed + where +
		fmt.Sprintf(` ORDER BY %s %s LIMIT $%d OFFSET $%d`, sortCol, dir, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

const apptColsPrefixed = `a.id, a.code, a.patient_id, a.doctor_id, a.room_id, a.start_time, a.end_time,
	a.duration_minutes, a.status, a.actual_start, a.actual_end, a.rescheduled_to,
	a.cancel_reason, a.notes, a.created_by, a.created_at, a.updated_at`

func (r *repoPG) AddServiceLines(ctx context.Context, lines []ServiceLine) error {
	for _, l := range lines {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO appointment_services (appointment_id, service_id, position, duration_minutes, buffer_minutes)
			VALUES ($1,$2,$3,$4,$5)`,
			l.AppointmentID, l.ServiceID, l.Position, l.DurationMinutes, l.BufferMinutes)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetServiceLines(ctx context.Context, appointmentID uuid.UUID) ([]ServiceLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT appointment_id, service_id, position, duration_minutes, buffer_minutes
		FROM appointment_services WHERE appointment_id = $1 ORDER BY position`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []ServiceLine
	for rows.Next() {
		var l ServiceLine
		if err := rows.Scan(&l.AppointmentID, &l.ServiceID, &l.Position, &l.DurationMinutes, &l.BufferMinutes); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repoPG) AddParticipants(ctx context.Context, parts []Participant) error {
	for _, p := range parts {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO appointment_participants (appointment_id, employee_id, role)
			VALUES ($1,$2,$3)`, p.AppointmentID, p.EmployeeID, p.Role)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetParticipants(ctx context.Context, appointmentID uuid.UUID) ([]Participant, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT appointment_id, employee_id, role
		FROM appointment_participants WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.AppointmentID, &p.EmployeeID, &p.Role); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// resourcePredicate yields the SQL matching an active appointment to the
// given resource. Employee kinds match both the primary-doctor column and
// participant rows: a doctor assisting elsewhere is just as occupied.
func resourcePredicate(kind ResourceKind, arg int) (string, error) {
	switch kind {
	case ResourceDoctor, ResourceParticipant:
		return fmt.Sprintf(`(a.doctor_id = $%d OR EXISTS (
			SELECT 1 FROM appointment_participants ap
			WHERE ap.appointment_id = a.id AND ap.employee_id = $%d))`, arg, arg), nil
	case ResourceRoom:
		return fmt.Sprintf(`a.room_id = $%d`, arg), nil
	case ResourcePatient:
		return fmt.Sprintf(`a.patient_id = $%d`, arg), nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}
}

func (r *repoPG) LockResources(ctx context.Context, ids []uuid.UUID) error {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	// Deterministic lock order across concurrent transactions avoids
	// deadlocks between bookings sharing a subset of resources.
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	for _, id := range sorted {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, id.String()); err != nil {
			return fmt.Errorf("acquire resource lock: %w", err)
		}
	}
	return nil
}

func (r *repoPG) FindOverlap(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Overlap, error) {
	pred, err := resourcePredicate(kind, 1)
	if err != nil {
		return nil, err
	}

	var o Overlap
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT a.code, a.start_time, a.end_time
		FROM appointments a
		WHERE `+pred+`
		  AND a.status = ANY($2)
		  AND a.id <> $3
		  AND a.start_time < $4 AND a.end_time > $5
		ORDER BY a.start_time
		LIMIT 1`,
		resourceID, activeStatusStrings(), excludeID, end, start).
		Scan(&o.Code, &o.Start, &o.End)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repoPG) BusyIntervals(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, dayStart, dayEnd time.Time) ([]Interval, error) {
	pred, err := resourcePredicate(kind, 1)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.start_time, a.end_time
		FROM appointments a
		WHERE `+pred+`
		  AND a.status = ANY($2)
		  AND a.start_time < $3 AND a.end_time > $4
		ORDER BY a.start_time`,
		resourceID, activeStatusStrings(), dayEnd, dayStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

func (r *repoPG) CountActiveOnDate(ctx context.Context, patientID uuid.UUID, dayStart, dayEnd time.Time) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE patient_id = $1 AND status = ANY($2)
		  AND start_time >= $3 AND start_time < $4`,
		patientID, activeStatusStrings(), dayStart, dayEnd).
		Scan(&count)
	return count, err
}

func (r *repoPG) LastServiceDate(ctx context.Context, patientID, serviceID uuid.UUID) (*time.Time, error) {
	var last time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT a.start_time
		FROM appointments a
		JOIN appointment_services s ON s.appointment_id = a.id
		WHERE a.patient_id = $1 AND s.service_id = $2
		  AND a.status IN ('completed', 'in_progress')
		ORDER BY a.start_time DESC
		LIMIT 1`, patientID, serviceID).
		Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *auditRepoPG) Insert(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_audit (id, appointment_id, action, actor, detail)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.AppointmentID, e.Action, e.Actor, e.Detail)
	return err
}

func (r *auditRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, action, actor, detail, created_at
		FROM appointment_audit WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Action, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =========== Code Sequence ===========

type codeSeqPG struct{ pool *pgxpool.Pool }

func NewCodeSeqPG(pool *pgxpool.Pool) CodeSequence { return &codeSeqPG{pool: pool} }

func (r *codeSeqPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *codeSeqPG) NextValue(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_code_seq (seq_date, last_value)
		VALUES ($1, 1)
		ON CONFLICT (seq_date)
		DO UPDATE SET last_value = appointment_code_seq.last_value + 1
		RETURNING last_value`, day).
		Scan(&n)
	return n, err
}
