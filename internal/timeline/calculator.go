// Package timeline computes the next firing instant for a recipe's
// schedule. It is a pure function package: given a schedule and a
// reference instant, it always returns the same result, with no clock
// reads beyond the instant it is handed.
package timeline

import (
	"fmt"
	"time"

	"github.com/pushcraft/automation-engine/pkg/models"
)

// Result is the output of Next: the firing instant and the two derived
// windows the rest of the engine schedules against.
type Result struct {
	// FiringInstant is the next wall-clock trigger in UTC, or the zero
	// time if the recipe has expired.
	FiringInstant time.Time

	// PreSendInstant is FiringInstant minus the schedule's lead time.
	PreSendInstant time.Time

	// CancellationWindowEnd is FiringInstant plus the recipe's
	// cancellation window. Nothing in the engine reads it: the Executor
	// times its own cancellation window.
	CancellationWindowEnd time.Time

	// Expired is true when the recipe will never fire again.
	Expired bool
}

const dateLayout = "2006-01-02"

// Next computes the next firing instant for schedule relative to now
// (which must be UTC). cancellationWindow is the recipe's configured
// cancellation-window duration.
func Next(schedule models.Schedule, now time.Time, cancellationWindow time.Duration) (Result, error) {
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return Result{}, fmt.Errorf("%s: invalid timezone %q: %w", models.ErrScheduleFailed, schedule.Timezone, err)
	}

	startDate, err := time.ParseInLocation(dateLayout, schedule.StartDate, loc)
	if err != nil {
		return Result{}, fmt.Errorf("%s: invalid start date %q: %w", models.ErrScheduleFailed, schedule.StartDate, err)
	}

	hour, minute, err := parseExecutionTime(schedule.ExecutionTime)
	if err != nil {
		return Result{}, err
	}

	var endDate time.Time
	hasEndDate := schedule.EndDate != ""
	if hasEndDate {
		endDate, err = time.ParseInLocation(dateLayout, schedule.EndDate, loc)
		if err != nil {
			return Result{}, fmt.Errorf("%s: invalid end date %q: %w", models.ErrScheduleFailed, schedule.EndDate, err)
		}
	}

	nowLocal := now.In(loc)

	var firing time.Time
	var expired bool

	switch schedule.Frequency {
	case models.FrequencyOnce:
		firing = wallClockOn(startDate, hour, minute, loc)
		if !firing.After(nowLocal) {
			// Already fired, or in the past at restoration time: a past
			// instant is skipped, not back-filled.
			expired = true
		}

	case models.FrequencyDaily:
		firing = nextDaily(nowLocal, hour, minute, loc)

	case models.FrequencyWeekly:
		weekday := startDate.Weekday()
		firing = nextWeekly(nowLocal, weekday, hour, minute, loc)

	default:
		return Result{}, fmt.Errorf("%s: unknown frequency %q", models.ErrScheduleFailed, schedule.Frequency)
	}

	if !expired && hasEndDate {
		endOfDay := time.Date(endDate.Year(), endDate.Month(), endDate.Day(), 23, 59, 59, 0, loc)
		if firing.After(endOfDay) {
			expired = true
		}
	}

	if expired {
		return Result{Expired: true}, nil
	}

	firingUTC := firing.UTC()
	leadTime := time.Duration(schedule.LeadTimeMinutes) * time.Minute

	return Result{
		FiringInstant:         firingUTC,
		PreSendInstant:        firingUTC.Add(-leadTime),
		CancellationWindowEnd: firingUTC.Add(cancellationWindow),
		Expired:               false,
	}, nil
}

func parseExecutionTime(hhmm string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: invalid execution time %q: %w", models.ErrScheduleFailed, hhmm, err)
	}
	return t.Hour(), t.Minute(), nil
}

// wallClockOn resolves year/month/day from date with hour:minute in loc,
// handling DST gaps (spring-forward: shift to the first existing instant
// after the gap) and overlaps (fall-back: choose the earlier occurrence).
func wallClockOn(date time.Time, hour, minute int, loc *time.Location) time.Time {
	candidate := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)

	// time.Date normalizes a non-existent local time (spring-forward gap)
	// with either neighbouring offset, so the resulting wall clock no
	// longer matches hour:minute and may land before or after the gap.
	// Either way, return the zone transition itself, which is the first
	// existing instant after the gap.
	if candidate.Hour() != hour || candidate.Minute() != minute {
		start, end := candidate.ZoneBounds()
		if candidate.Hour()*60+candidate.Minute() < hour*60+minute {
			return end
		}
		return start
	}

	// Fall-back overlaps are inherently ambiguous from Y/M/D/h/m alone;
	// time.Date already resolves to one consistent offset. Go's offset
	// selection for an ambiguous local time picks the earlier of the two
	// UTC instants, matching "choose the earlier occurrence".
	return candidate
}

func nextDaily(nowLocal time.Time, hour, minute int, loc *time.Location) time.Time {
	today := wallClockOn(nowLocal, hour, minute, loc)
	if today.After(nowLocal) {
		return today
	}
	tomorrow := nowLocal.AddDate(0, 0, 1)
	return wallClockOn(tomorrow, hour, minute, loc)
}

func nextWeekly(nowLocal time.Time, weekday time.Weekday, hour, minute int, loc *time.Location) time.Time {
	daysUntil := (int(weekday) - int(nowLocal.Weekday()) + 7) % 7
	candidateDate := nowLocal.AddDate(0, 0, daysUntil)
	candidate := wallClockOn(candidateDate, hour, minute, loc)
	if candidate.After(nowLocal) {
		return candidate
	}
	nextWeek := candidateDate.AddDate(0, 0, 7)
	return wallClockOn(nextWeek, hour, minute, loc)
}
