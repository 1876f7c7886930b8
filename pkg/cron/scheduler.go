package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses the expression and resolves the time zone
func ParseSchedule(schedule Schedule) (cron.Schedule, *time.Location, error) {
	if schedule.Expr == "" {
		return nil, nil, fmt.Errorf("schedule requires 'expr' field")
	}

	sched, err := parser.Parse(schedule.Expr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	loc := time.Local
	if schedule.TZ != "" {
		loc, err = time.LoadLocation(schedule.TZ)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}

	// the zone travels with the schedule so Reschedule can change it
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}

	return sched, loc, nil
}

// CalculateNextRun returns the first activation strictly after from
func CalculateNextRun(schedule Schedule, from time.Time) (time.Time, error) {
	sched, loc, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}
