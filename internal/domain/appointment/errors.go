package appointment

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the booking engine. Handlers map these to HTTP
// statuses; services wrap them with fmt.Errorf("%w: ...") for detail.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrInactiveResource = errors.New("resource is inactive")
	ErrValidation       = errors.New("validation failed")
	ErrStateTransition  = errors.New("illegal status transition")
	ErrLockTimeout      = errors.New("could not acquire appointment lock")
	ErrForbidden        = errors.New("caller may not access this appointment")
)

// ConflictError reports a double-booking: which resource is contested and
// which existing appointment occupies the window.
type ConflictError struct {
	Resource     ResourceKind
	ResourceCode string
	ExistingCode string
	Start        time.Time
	End          time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is booked by appointment %s from %s to %s",
		e.Resource, e.ResourceCode, e.ExistingCode,
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// SpacingViolation reports a failed clinical spacing rule together with the
// earliest date the booking would be allowed.
type SpacingViolation struct {
	Rule         string
	ServiceCode  string
	EarliestDate time.Time
}

const (
	RuleMinPreparation = "min_preparation"
	RuleRecovery       = "recovery"
	RuleSpacing        = "spacing"
	RuleDailyLimit     = "daily_limit"
)

func (e *SpacingViolation) Error() string {
	return fmt.Sprintf("spacing rule %s failed for service %s, earliest allowed date is %s",
		e.Rule, e.ServiceCode, e.EarliestDate.Format("2006-01-02"))
}
