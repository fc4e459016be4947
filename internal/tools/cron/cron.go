// Package cron implements the cron tool: add, list and remove scheduled
// jobs from a conversation. Jobs created here deliver to the conversation
// that created them.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/tools"
)

// Name is the tool name.
const Name = "cron"

// Actions.
const (
	ActionAdd    = "add"
	ActionList   = "list"
	ActionRemove = "remove"
)

// Scheduler is the subset of *scheduler.Scheduler the tool needs.
type Scheduler interface {
	AddJob(ctx context.Context, job *scheduler.Job) error
	Jobs(ctx context.Context) ([]scheduler.Job, error)
	RemoveJob(ctx context.Context, id string) error
}

// Tool manages scheduled jobs.
type Tool struct {
	sched  Scheduler
	logger *slog.Logger
}

// New creates a cron tool.
func New(s Scheduler, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{sched: s, logger: logger}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add, list, remove."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{ActionAdd, ActionList, ActionRemove},
				"description": "Action to perform: add, list, or remove",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Reminder message (for add)",
			},
			"every_seconds": map[string]any{
				"type":        "integer",
				"description": "Interval in seconds for recurring tasks (for add)",
			},
			"cron_expr": map[string]any{
				"type":        "string",
				"description": "Cron expression like '0 9 * * *' (for add)",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job id (for remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	action, err := tools.RequireString(params, "action")
	if err != nil {
		return err
	}
	switch action {
	case ActionAdd:
		if _, err := tools.RequireString(params, "message"); err != nil {
			return err
		}
		every, hasEvery, err := tools.OptionalInt(params, "every_seconds")
		if err != nil {
			return err
		}
		expr, err := tools.OptionalString(params, "cron_expr")
		if err != nil {
			return err
		}
		if hasEvery && every <= 0 {
			return fmt.Errorf("every_seconds must be positive")
		}
		if !hasEvery && expr == "" {
			return fmt.Errorf("either every_seconds or cron_expr is required")
		}
	case ActionList:
	case ActionRemove:
		if _, err := tools.RequireString(params, "job_id"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	action, _ := tools.RequireString(params, "action")
	switch action {
	case ActionAdd:
		return t.add(ctx, params)
	case ActionList:
		return t.list(ctx)
	case ActionRemove:
		id, _ := tools.RequireString(params, "job_id")
		return t.remove(ctx, id)
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

func (t *Tool) add(ctx context.Context, params map[string]any) (*tools.Result, error) {
	target := tools.TargetFromContext(ctx)
	if target.Channel == "" || target.ChatID == "" {
		return nil, fmt.Errorf("no conversation to deliver the job to")
	}

	msg, _ := tools.RequireString(params, "message")
	every, hasEvery, _ := tools.OptionalInt(params, "every_seconds")
	expr, _ := tools.OptionalString(params, "cron_expr")

	job := &scheduler.Job{
		Message:        msg,
		Enabled:        true,
		DeliverTo:      target.ChatID,
		DeliverChannel: target.Channel,
	}
	// every_seconds wins when both are given.
	if hasEvery {
		job.IntervalSeconds = every
	} else {
		job.CronExpression = expr
	}

	if err := t.sched.AddJob(ctx, job); err != nil {
		return nil, err
	}
	t.logger.InfoContext(ctx, "job created by tool",
		slog.String("job_id", job.ID),
		slog.String("schedule", job.Schedule()),
		slog.String("channel", target.Channel),
		slog.String("chat_id", target.ChatID),
	)

	return &tools.Result{
		Output:  fmt.Sprintf("Created job '%s' (id: %s)", job.Name, job.ID),
		Success: true,
		Metadata: map[string]any{
			"job_id":   job.ID,
			"schedule": job.Schedule(),
		},
	}, nil
}

func (t *Tool) list(ctx context.Context) (*tools.Result, error) {
	jobs, err := t.sched.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return &tools.Result{Output: "No scheduled jobs.", Success: true}, nil
	}

	var b strings.Builder
	b.WriteString("Scheduled jobs:")
	for _, j := range jobs {
		enabled := "no"
		if j.Enabled {
			enabled = "yes"
		}
		fmt.Fprintf(&b, "\n- %s (id: %s, enabled: %s, %s)", j.Name, j.ID, enabled, j.Schedule())
	}
	return &tools.Result{
		Output:   b.String(),
		Success:  true,
		Metadata: map[string]any{"count": len(jobs)},
	}, nil
}

func (t *Tool) remove(ctx context.Context, id string) (*tools.Result, error) {
	if err := t.sched.RemoveJob(ctx, id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, id)
		}
		return nil, err
	}
	t.logger.InfoContext(ctx, "job removed by tool", slog.String("job_id", id))
	return &tools.Result{Output: "Removed job " + id, Success: true}, nil
}
