package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Detector answers the single parametrized double-booking question every
// write path asks. Create, delay and reschedule all go through Check, so the
// overlap semantics cannot drift between operations.
type Detector struct {
	repo Repository
}

func NewDetector(repo Repository) *Detector {
	return &Detector{repo: repo}
}

// Check returns a *ConflictError when an active appointment overlaps
// [start, end) for the resource, nil otherwise. resourceCode is only used to
// label the error. excludeID skips the appointment being modified; pass
// uuid.Nil on create.
func (d *Detector) Check(ctx context.Context, kind ResourceKind, resourceID uuid.UUID, resourceCode string, start, end time.Time, excludeID uuid.UUID) error {
	overlap, err := d.repo.FindOverlap(ctx, kind, resourceID, start, end, excludeID)
	if err != nil {
		return err
	}
	if overlap == nil {
		return nil
	}
	return &ConflictError{
		Resource:     kind,
		ResourceCode: resourceCode,
		ExistingCode: overlap.Code,
		Start:        overlap.Start,
		End:          overlap.End,
	}
}
