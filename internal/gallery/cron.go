package gallery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron reports an unparseable cron expression at construction.
var ErrInvalidCron = errors.New("invalid cron expression")

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronSchedule is a cron expression that has been parsed at construction.
// Any reachable value answers Next successfully.
type CronSchedule struct {
	expr  string
	sched cron.Schedule
}

// ParseCron validates expr and returns the schedule. Fails with
// ErrInvalidCron when the expression cannot be parsed.
func ParseCron(expr string) (CronSchedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return CronSchedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return CronSchedule{expr: expr, sched: sched}, nil
}

// Expr returns the original expression text.
func (c CronSchedule) Expr() string { return c.expr }

// Next returns the first activation time strictly after t.
func (c CronSchedule) Next(t time.Time) time.Time {
	return c.sched.Next(t)
}

// IsZero reports whether c was never parsed.
func (c CronSchedule) IsZero() bool { return c.sched == nil }

// MarshalJSON serializes the schedule as its expression string.
func (c CronSchedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.expr)
}

// UnmarshalJSON re-parses the expression so a decoded schedule is usable.
func (c *CronSchedule) UnmarshalJSON(data []byte) error {
	var expr string
	if err := json.Unmarshal(data, &expr); err != nil {
		return err
	}
	parsed, err := ParseCron(expr)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
