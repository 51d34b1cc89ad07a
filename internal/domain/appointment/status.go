package appointment

import "fmt"

// Status is the appointment lifecycle state, stored lowercase.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// transitions is the full lifecycle table. Absence means the transition is
// illegal; terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusCheckedIn:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

// activeStatuses are the states that count toward conflict detection.
var activeStatuses = []Status{StatusScheduled, StatusCheckedIn, StatusInProgress}

// ParseStatus validates a wire-format status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransitionTo reports whether the lifecycle table permits s -> target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether the status counts toward conflict detection.
func (s Status) Active() bool {
	for _, a := range activeStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// RequiresReason reports whether a write entering this status must carry a
// reason code.
func (s Status) RequiresReason() bool {
	return s == StatusCancelled || s == StatusNoShow
}

func activeStatusStrings() []string {
	out := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		out[i] = string(s)
	}
	return out
}
