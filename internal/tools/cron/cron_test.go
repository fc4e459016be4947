package cron

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/tools"
)

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduler.Job
}

func (f *fakeScheduler) AddJob(_ context.Context, job *scheduler.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	if job.Name == "" {
		job.Name = job.Message
	}
	f.jobs = append(f.jobs, *job)
	return nil
}

func (f *fakeScheduler) Jobs(context.Context) ([]scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Job(nil), f.jobs...), nil
}

func (f *fakeScheduler) RemoveJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, j := range f.jobs {
		if j.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return scheduler.ErrJobNotFound
}

func TestCronTool_Validate(t *testing.T) {
	tool := New(&fakeScheduler{}, nil)

	tests := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"add interval", map[string]any{"action": "add", "message": "m", "every_seconds": float64(60)}, true},
		{"add cron", map[string]any{"action": "add", "message": "m", "cron_expr": "0 9 * * *"}, true},
		{"add no schedule", map[string]any{"action": "add", "message": "m"}, false},
		{"add no message", map[string]any{"action": "add", "every_seconds": float64(60)}, false},
		{"add zero interval", map[string]any{"action": "add", "message": "m", "every_seconds": float64(0)}, false},
		{"list", map[string]any{"action": "list"}, true},
		{"remove", map[string]any{"action": "remove", "job_id": "x"}, true},
		{"remove no id", map[string]any{"action": "remove"}, false},
		{"unknown", map[string]any{"action": "pause"}, false},
		{"no action", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.params)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCronTool_AddListRemove(t *testing.T) {
	sched := &fakeScheduler{}
	tool := New(sched, nil)
	ctx := tools.WithTarget(t.Context(), "discord", "42")

	res, err := tool.Execute(ctx, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Equal(t, "No scheduled jobs.", res.Output)

	res, err = tool.Execute(ctx, map[string]any{
		"action":        "add",
		"message":       "drink water",
		"every_seconds": float64(3600),
	})
	require.NoError(t, err)
	assert.Equal(t, "Created job 'drink water' (id: job-1)", res.Output)

	require.Len(t, sched.jobs, 1)
	job := sched.jobs[0]
	assert.True(t, job.Enabled)
	assert.Equal(t, int64(3600), job.IntervalSeconds)
	assert.False(t, job.DeliverResponse)
	assert.Equal(t, "discord", job.DeliverChannel)
	assert.Equal(t, "42", job.DeliverTo)

	_, err = tool.Execute(ctx, map[string]any{"action": "add", "message": "standup", "cron_expr": "0 9 * * 1-5"})
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1-5", sched.jobs[1].CronExpression)

	res, err = tool.Execute(ctx, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Equal(t, "Scheduled jobs:\n"+
		"- drink water (id: job-1, enabled: yes, every 3600s)\n"+
		"- standup (id: job-2, enabled: yes, cron: 0 9 * * 1-5)", res.Output)

	res, err = tool.Execute(ctx, map[string]any{"action": "remove", "job_id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "Removed job job-1", res.Output)

	_, err = tool.Execute(ctx, map[string]any{"action": "remove", "job_id": "job-1"})
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestCronTool_AddNeedsConversation(t *testing.T) {
	tool := New(&fakeScheduler{}, nil)
	_, err := tool.Execute(t.Context(), map[string]any{"action": "add", "message": "m", "every_seconds": float64(5)})
	assert.ErrorContains(t, err, "conversation")
}

func TestCronTool_AddRejectsBadCron(t *testing.T) {
	tool := New(&fakeScheduler{}, nil)
	ctx := tools.WithTarget(t.Context(), "qq", "1")
	_, err := tool.Execute(ctx, map[string]any{"action": "add", "message": "m", "cron_expr": "whenever"})
	assert.ErrorIs(t, err, scheduler.ErrInvalidJob)
}
