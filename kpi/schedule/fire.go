package schedule

import (
	"time"

	"github.com/3FramesLab/kpi-engine/errors"
)

// NextFireTime computes the first fire time strictly after the given instant.
//
// Calendar types (daily/weekly/monthly) fire at the start_date's time of day in
// the schedule's timezone; cron schedules are evaluated against the stored
// expression. The result is never before start_date. Callers still check the
// end_date window separately.
func NextFireTime(s *Schedule, after time.Time) (time.Time, error) {
	loc := s.Location()
	anchor := s.StartDate.In(loc)

	if after.Before(anchor) {
		// First fire is the anchor itself for calendar types; cron evaluates
		// forward from just before the anchor.
		if s.ScheduleType != TypeCron {
			return anchor, nil
		}
		after = anchor.Add(-time.Second)
	}
	after = after.In(loc)

	switch s.ScheduleType {
	case TypeDaily:
		candidate := time.Date(after.Year(), after.Month(), after.Day(),
			anchor.Hour(), anchor.Minute(), anchor.Second(), 0, loc)
		for !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, nil

	case TypeWeekly:
		// Jump close to the target week, then step by whole weeks.
		weeks := int(after.Sub(anchor) / (7 * 24 * time.Hour))
		candidate := anchor.AddDate(0, 0, weeks*7)
		for !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate, nil

	case TypeMonthly:
		// AddDate normalizes overflow (Jan 31 + 1 month = Mar 2/3), which
		// keeps the sequence strictly increasing for any anchor day.
		months := (after.Year()-anchor.Year())*12 + int(after.Month()) - int(anchor.Month())
		if months < 0 {
			months = 0
		}
		candidate := anchor.AddDate(0, months, 0)
		for !candidate.After(after) {
			candidate = candidate.AddDate(0, 1, 0)
		}
		return candidate, nil

	case TypeCron:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			// Validated at save time; reaching this indicates stored data drift
			return time.Time{}, errors.Wrapf(err, "stored cron expression is invalid for schedule %s", s.ID)
		}
		return sched.Next(after), nil

	default:
		return time.Time{}, errors.Newf("unknown schedule_type: %s", s.ScheduleType)
	}
}
