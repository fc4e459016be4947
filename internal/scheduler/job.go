package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrInvalidJob wraps job validation failures.
	ErrInvalidJob = errors.New("scheduler: invalid job")
)

// Defaults applied when a job names no delivery target.
const (
	DefaultChannel = "scheduler"
	DefaultChatID  = "default"
)

// parser accepts standard 5-field expressions plus descriptors (@daily, @every 1h).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a scheduled message. Exactly one of IntervalSeconds and
// CronExpression is set.
type Job struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Message         string     `json:"message"`
	Enabled         bool       `json:"enabled"`
	IntervalSeconds int64      `json:"interval_seconds,omitempty"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	DeliverResponse bool       `json:"deliver_response"`
	DeliverTo       string     `json:"deliver_to,omitempty"`
	DeliverChannel  string     `json:"deliver_channel,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	RunCount        int64      `json:"run_count"`
}

// Validate checks the job can be scheduled.
func (j *Job) Validate() error {
	switch {
	case strings.TrimSpace(j.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidJob)
	case j.IntervalSeconds < 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidJob)
	case j.IntervalSeconds > 0 && j.CronExpression != "":
		return fmt.Errorf("%w: set either interval_seconds or cron_expression, not both", ErrInvalidJob)
	case j.IntervalSeconds == 0 && j.CronExpression == "":
		return fmt.Errorf("%w: interval_seconds or cron_expression is required", ErrInvalidJob)
	}
	if j.CronExpression != "" {
		if _, err := parser.Parse(j.CronExpression); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidJob, j.CronExpression, err)
		}
	}
	return nil
}

// Next returns the first run time strictly after from.
func (j *Job) Next(from time.Time) (time.Time, error) {
	if j.IntervalSeconds > 0 {
		return from.Add(time.Duration(j.IntervalSeconds) * time.Second), nil
	}
	sched, err := parser.Parse(j.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", j.CronExpression, err)
	}
	return sched.Next(from), nil
}

// Schedule describes the job's timing for humans.
func (j *Job) Schedule() string {
	if j.IntervalSeconds > 0 {
		return fmt.Sprintf("every %ds", j.IntervalSeconds)
	}
	return "cron: " + j.CronExpression
}

// Due reports whether an enabled job should run at now.
func (j *Job) Due(now time.Time) bool {
	return j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

func (j *Job) channel() string {
	if j.DeliverChannel != "" {
		return j.DeliverChannel
	}
	return DefaultChannel
}

func (j *Job) chatID() string {
	if j.DeliverTo != "" {
		return j.DeliverTo
	}
	return DefaultChatID
}
