package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/domain/masterdata"
)

// SpacingValidator enforces the per-service clinical rules: minimum
// preparation, post-treatment recovery, inter-treatment spacing, and the
// daily-count fallback when a service configures none of the three.
type SpacingValidator struct {
	repo         Repository
	dailyDefault int
	horizonDays  int
	loc          *time.Location
	now          func() time.Time
}

func NewSpacingValidator(repo Repository, dailyDefault, horizonDays int, loc *time.Location) *SpacingValidator {
	return &SpacingValidator{
		repo:         repo,
		dailyDefault: dailyDefault,
		horizonDays:  horizonDays,
		loc:          loc,
		now:          time.Now,
	}
}

// startOfDay truncates t to clinic-local midnight.
func (v *SpacingValidator) startOfDay(t time.Time) time.Time {
	local := t.In(v.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, v.loc)
}

// Validate checks the (patient, service, proposed start) triple. A failing
// rule returns a *SpacingViolation naming the rule and the earliest
// permissible date; all rules must pass.
func (v *SpacingValidator) Validate(ctx context.Context, patientID uuid.UUID, svc *masterdata.Service, proposed time.Time) error {
	proposedDate := v.startOfDay(proposed)
	today := v.startOfDay(v.now())

	if svc.MinPreparationDays != nil {
		earliest := today.AddDate(0, 0, *svc.MinPreparationDays)
		if proposedDate.Before(earliest) {
			return &SpacingViolation{Rule: RuleMinPreparation, ServiceCode: svc.Code, EarliestDate: earliest}
		}
	}

	if svc.RecoveryDays != nil || svc.SpacingDays != nil {
		last, err := v.repo.LastServiceDate(ctx, patientID, svc.ID)
		if err != nil {
			return fmt.Errorf("look up last %s appointment: %w", svc.Code, err)
		}
		if last != nil {
			anchor := v.startOfDay(*last)
			if svc.RecoveryDays != nil {
				earliest := anchor.AddDate(0, 0, *svc.RecoveryDays)
				if proposedDate.Before(earliest) {
					return &SpacingViolation{Rule: RuleRecovery, ServiceCode: svc.Code, EarliestDate: earliest}
				}
			}
			if svc.SpacingDays != nil {
				earliest := anchor.AddDate(0, 0, *svc.SpacingDays)
				if proposedDate.Before(earliest) {
					return &SpacingViolation{Rule: RuleSpacing, ServiceCode: svc.Code, EarliestDate: earliest}
				}
			}
		}
	}

	// The count fallback only applies when no spacing rule is configured.
	if !svc.HasSpacingRules() {
		limit := v.dailyDefault
		if svc.MaxPerDay != nil {
			limit = *svc.MaxPerDay
		}
		count, err := v.repo.CountActiveOnDate(ctx, patientID, proposedDate, proposedDate.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("count appointments on %s: %w", proposedDate.Format("2006-01-02"), err)
		}
		if count >= limit {
			return &SpacingViolation{Rule: RuleDailyLimit, ServiceCode: svc.Code, EarliestDate: proposedDate.AddDate(0, 0, 1)}
		}
	}

	return nil
}

// EarliestBookableDate computes the earliest date on which Validate would
// pass, as the maximum of all applicable thresholds. When only the daily
// limit applies, days are scanned forward up to the configured horizon.
func (v *SpacingValidator) EarliestBookableDate(ctx context.Context, patientID uuid.UUID, svc *masterdata.Service) (time.Time, error) {
	today := v.startOfDay(v.now())
	earliest := today

	if svc.MinPreparationDays != nil {
		if d := today.AddDate(0, 0, *svc.MinPreparationDays); d.After(earliest) {
			earliest = d
		}
	}

	if svc.RecoveryDays != nil || svc.SpacingDays != nil {
		last, err := v.repo.LastServiceDate(ctx, patientID, svc.ID)
		if err != nil {
			return time.Time{}, fmt.Errorf("look up last %s appointment: %w", svc.Code, err)
		}
		if last != nil {
			anchor := v.startOfDay(*last)
			if svc.RecoveryDays != nil {
				if d := anchor.AddDate(0, 0, *svc.RecoveryDays); d.After(earliest) {
					earliest = d
				}
			}
			if svc.SpacingDays != nil {
				if d := anchor.AddDate(0, 0, *svc.SpacingDays); d.After(earliest) {
					earliest = d
				}
			}
		}
		return earliest, nil
	}

	limit := v.dailyDefault
	if svc.MaxPerDay != nil {
		limit = *svc.MaxPerDay
	}
	for i := 0; i < v.horizonDays; i++ {
		day := earliest.AddDate(0, 0, i)
		count, err := v.repo.CountActiveOnDate(ctx, patientID, day, day.AddDate(0, 0, 1))
		if err != nil {
			return time.Time{}, fmt.Errorf("count appointments on %s: %w", day.Format("2006-01-02"), err)
		}
		if count < limit {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no bookable date within %d days", ErrValidation, v.horizonDays)
}
