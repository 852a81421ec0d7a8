package config

import (
	"time"

	cron "github.com/robfig/cron/v3"
)

// cronScheduleParser matches the optional AGENT_UPDATE_SCHEDULE cron
// expression against the standard 5-field syntax plus an optional
// leading seconds field.
func cronScheduleParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// NextUpdateCheckInterval returns the duration after which the update
// engine's periodic timer should next fire. When AGENT_UPDATE_SCHEDULE is
// set, the cron schedule's next occurrence after now takes precedence
// over the fixed AutoUpdateIntervalSec poll; this is read fresh on every
// call (same as AutoUpdateInterval itself) so a runtime change to either
// setting takes effect on the following tick. Falls back to
// AutoUpdateInterval when the schedule is unset or, defensively, fails to
// parse (Validate already rejects an unparseable schedule at startup).
func (c *Config) NextUpdateCheckInterval() time.Duration {
	if schedule := c.UpdateSchedule(); schedule != "" {
		if sched, err := cronScheduleParser().Parse(schedule); err == nil {
			now := time.Now()
			if d := sched.Next(now).Sub(now); d > 0 {
				return d
			}
		}
	}
	return c.AutoUpdateInterval()
}
