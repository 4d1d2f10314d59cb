package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field form (minute granularity). Seconds
// and descriptors like @hourly are rejected at schedule creation.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron validates a cron expression in its timezone and returns the
// compiled schedule. An empty timezone means UTC.
func ParseCron(expr, timezone string) (cron.Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	sched, err := cronParser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun computes the fire time strictly after the given instant.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
