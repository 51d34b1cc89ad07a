package masterdata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/backoffice/internal/platform/cache"
)

// cachedCalendar wraps a CalendarProvider with a redis read-through layer.
// Shift rosters and holiday lists change rarely relative to how often the
// availability resolver reads them.
type cachedCalendar struct {
	next CalendarProvider
	c    *cache.Cache
}

// NewCachedCalendar decorates next with the cache. A nil cache passes every
// lookup straight through.
func NewCachedCalendar(next CalendarProvider, c *cache.Cache) CalendarProvider {
	if c == nil {
		return next
	}
	return &cachedCalendar{next: next, c: c}
}

type cachedShifts struct {
	Shifts []Shift `json:"shifts"`
}

func (cc *cachedCalendar) WorkingIntervals(ctx context.Context, employeeID uuid.UUID, date time.Time) ([]Shift, error) {
	key := fmt.Sprintf("shift:%s:%s", employeeID, date.Format("2006-01-02"))

	var cached cachedShifts
	if err := cc.c.Get(ctx, key, &cached); err == nil {
		return cached.Shifts, nil
	}

	shifts, err := cc.next.WorkingIntervals(ctx, employeeID, date)
	if err != nil {
		return nil, err
	}

	cc.c.Set(ctx, key, cachedShifts{Shifts: shifts})
	return shifts, nil
}

func (cc *cachedCalendar) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	key := "holiday:" + date.Format("2006-01-02")

	var cached bool
	if err := cc.c.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	holiday, err := cc.next.IsHoliday(ctx, date)
	if err != nil {
		return false, err
	}

	cc.c.Set(ctx, key, holiday)
	return holiday, nil
}
