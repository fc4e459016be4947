package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/storage"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// failingStore fails RecordRun for one job while failing is set.
type failingStore struct {
	scheduler.Store
	jobID   *atomic.Value
	failing *atomic.Bool
}

func (s failingStore) RecordRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, errMsg string) error {
	if s.failing.Load() && id == s.jobID.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.RecordRun(ctx, id, ranAt, next, errMsg)
}

func (s failingStore) InTx(ctx context.Context, fn func(scheduler.Store) error) error {
	return s.Store.InTx(ctx, func(tx scheduler.Store) error {
		return fn(failingStore{Store: tx, jobID: s.jobID, failing: s.failing})
	})
}

type fixture struct {
	sched   *scheduler.Scheduler
	inbound *bus.Subscription[bus.InboundMessage]
	clock   *clock
	metrics *scheduler.Metrics
	store   failingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{
		SQLite: storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "jobs.db")},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)

	store := failingStore{Store: db.Jobs(), jobID: &atomic.Value{}, failing: &atomic.Bool{}}
	store.jobID.Store("")
	clk := &clock{now: t0}
	metrics := scheduler.NewMetrics(prometheus.NewRegistry())
	return &fixture{
		sched:   scheduler.New(store, b, scheduler.Config{}, scheduler.WithClock(clk.Now), scheduler.WithMetrics(metrics)),
		inbound: b.SubscribeInbound(),
		clock:   clk,
		metrics: metrics,
		store:   store,
	}
}

func (f *fixture) recv(t *testing.T) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	msg, err := f.inbound.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func (f *fixture) add(t *testing.T, job *scheduler.Job) *scheduler.Job {
	t.Helper()
	require.NoError(t, f.sched.AddJob(t.Context(), job))
	return job
}

func TestScheduler_AddJob(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	job := f.add(t, &scheduler.Job{
		Message:         "summarize the channel activity for today please",
		Enabled:         true,
		IntervalSeconds: 60,
	})
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "summarize the channel activity", job.Name)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, t0.Add(time.Minute), *job.NextRunAt)

	disabled := f.add(t, &scheduler.Job{Name: "later", Message: "hi", CronExpression: "@hourly"})
	assert.Nil(t, disabled.NextRunAt)

	err := f.sched.AddJob(ctx, &scheduler.Job{Message: "hi"})
	assert.ErrorIs(t, err, scheduler.ErrInvalidJob)

	jobs, err := f.sched.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestScheduler_TickFiresDueJobs(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	job := f.add(t, &scheduler.Job{
		Name:            "standup",
		Message:         "standup reminder",
		Enabled:         true,
		IntervalSeconds: 60,
		DeliverResponse: true,
		DeliverChannel:  "discord",
		DeliverTo:       "42",
	})
	defaults := f.add(t, &scheduler.Job{
		Message:         "internal check",
		Enabled:         true,
		IntervalSeconds: 3600,
	})

	// Nothing is due yet.
	f.sched.Tick(ctx)
	assert.Equal(t, 0, f.inbound.Len())

	f.clock.Set(t0.Add(61 * time.Second))
	f.sched.Tick(ctx)

	msg := f.recv(t)
	assert.Equal(t, "discord", msg.Channel)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, scheduler.SenderID, msg.SenderID)
	assert.Equal(t, "standup reminder", msg.Content)
	assert.Equal(t, job.ID, msg.Metadata["job_id"])
	assert.Equal(t, "standup", msg.Metadata["job_name"])
	assert.Equal(t, "true", msg.Metadata["deliver_response"])
	assert.Equal(t, 0, f.inbound.Len())

	stored, err := f.sched.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RunCount)
	assert.WithinDuration(t, t0.Add(121*time.Second), *stored.NextRunAt, time.Millisecond)

	// Same instant again: already advanced.
	f.sched.Tick(ctx)
	assert.Equal(t, 0, f.inbound.Len())

	f.clock.Set(t0.Add(time.Hour))
	f.sched.Tick(ctx)
	got := map[string]bus.InboundMessage{}
	for range 2 {
		m := f.recv(t)
		got[m.Metadata["job_id"]] = m
	}
	require.Contains(t, got, defaults.ID)
	assert.Equal(t, scheduler.DefaultChannel, got[defaults.ID].Channel)
	assert.Equal(t, scheduler.DefaultChatID, got[defaults.ID].ChatID)
	assert.Equal(t, "false", got[defaults.ID].Metadata["deliver_response"])

	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.JobsFired))
}

func TestScheduler_RecoverSkipsJobsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	stale := f.add(t, &scheduler.Job{Message: "stale", Enabled: true, IntervalSeconds: 60})
	f.clock.Set(t0.Add(90 * time.Minute))
	recent := f.add(t, &scheduler.Job{Message: "recent", Enabled: true, IntervalSeconds: 60})

	// Restart two hours in: stale came due 119m ago, recent 29m ago.
	now := t0.Add(2 * time.Hour)
	f.clock.Set(now)
	f.sched.Recover(ctx)

	msg := f.recv(t)
	assert.Equal(t, recent.ID, msg.Metadata["job_id"])
	assert.Equal(t, 0, f.inbound.Len())

	skipped, err := f.sched.Job(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), skipped.RunCount)
	assert.Nil(t, skipped.LastRunAt)
	assert.Contains(t, skipped.LastError, "skipped")
	assert.WithinDuration(t, now.Add(time.Minute), *skipped.NextRunAt, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsMissed))
}

func TestScheduler_RecoverPublishesOnlyAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	ok := f.add(t, &scheduler.Job{Message: "first", Enabled: true, IntervalSeconds: 60})
	bad := f.add(t, &scheduler.Job{Message: "second", Enabled: true, IntervalSeconds: 60})
	f.store.jobID.Store(bad.ID)
	f.store.failing.Store(true)

	f.clock.Set(t0.Add(5 * time.Minute))
	f.sched.Recover(ctx)
	assert.Equal(t, 0, f.inbound.Len(), "rolled back runs must not be published")

	stored, err := f.sched.Job(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RunCount)

	f.store.failing.Store(false)
	f.sched.Tick(ctx)
	got := map[string]int{}
	for range 2 {
		got[f.recv(t).Metadata["job_id"]]++
	}
	assert.Equal(t, map[string]int{ok.ID: 1, bad.ID: 1}, got)
	assert.Equal(t, 0, f.inbound.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.JobsFired))
}

func TestScheduler_TickSkipsUnrecordedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	bad := f.add(t, &scheduler.Job{Message: "flaky", Enabled: true, IntervalSeconds: 60})
	f.store.jobID.Store(bad.ID)
	f.store.failing.Store(true)

	f.clock.Set(t0.Add(2 * time.Minute))
	f.sched.Tick(ctx)
	assert.Equal(t, 0, f.inbound.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsFailed))
}

func TestScheduler_Trigger(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	job := f.add(t, &scheduler.Job{Message: "manual", CronExpression: "@daily"})
	require.NoError(t, f.sched.Trigger(ctx, job.ID))

	msg := f.recv(t)
	assert.Equal(t, "manual", msg.Content)
	assert.Equal(t, job.ID, msg.Metadata["job_id"])

	assert.ErrorIs(t, f.sched.Trigger(ctx, "missing"), scheduler.ErrJobNotFound)
}

func TestScheduler_SetEnabledAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	job := f.add(t, &scheduler.Job{Message: "toggle", Enabled: true, IntervalSeconds: 300})

	off, err := f.sched.SetEnabled(ctx, job.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Nil(t, off.NextRunAt)

	f.clock.Set(t0.Add(time.Hour))
	f.sched.Tick(ctx)
	assert.Equal(t, 0, f.inbound.Len())

	on, err := f.sched.SetEnabled(ctx, job.ID, true)
	require.NoError(t, err)
	require.NotNil(t, on.NextRunAt)
	assert.Equal(t, t0.Add(time.Hour+5*time.Minute), *on.NextRunAt)

	require.NoError(t, f.sched.RemoveJob(ctx, job.ID))
	_, err = f.sched.Job(ctx, job.ID)
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
	assert.ErrorIs(t, f.sched.RemoveJob(ctx, job.ID), scheduler.ErrJobNotFound)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
