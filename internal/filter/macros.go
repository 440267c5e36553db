package filter

import (
	"fmt"
	"time"

	"github.com/pocketsync/pocketsync/internal/types"
)

// resolveMacro expands an @-prefixed datetime macro against the given clock.
// Datetime macros produce stored-format timestamp strings; component macros
// (@second, @hour, ...) produce integers.
func resolveMacro(name string, now time.Time) (any, error) {
	switch name {
	case "@now":
		return types.FormatTime(now), nil
	case "@todayStart":
		return types.FormatTime(dayStart(now)), nil
	case "@todayEnd":
		return types.FormatTime(dayEnd(now)), nil
	case "@yesterday":
		return types.FormatTime(now.AddDate(0, 0, -1)), nil
	case "@tomorrow":
		return types.FormatTime(now.AddDate(0, 0, 1)), nil
	case "@monthStart":
		return types.FormatTime(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)), nil
	case "@monthEnd":
		firstNext := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return types.FormatTime(dayEnd(firstNext.AddDate(0, 0, -1))), nil
	case "@yearStart":
		return types.FormatTime(time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)), nil
	case "@yearEnd":
		return types.FormatTime(dayEnd(time.Date(now.Year(), 12, 31, 0, 0, 0, 0, time.UTC))), nil
	case "@second":
		return int64(now.Second()), nil
	case "@minute":
		return int64(now.Minute()), nil
	case "@hour":
		return int64(now.Hour()), nil
	case "@day":
		return int64(now.Day()), nil
	case "@weekday":
		return int64(now.Weekday()), nil
	case "@month":
		return int64(now.Month()), nil
	case "@year":
		return int64(now.Year()), nil
	default:
		return nil, fmt.Errorf("unknown macro %s", name)
	}
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999000000, time.UTC)
}
