// Package scheduler fires stored jobs on an interval or cron schedule. A
// fired job becomes an inbound bus message from sender "scheduler", so the
// agent handles it like any user message.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/relay/internal/bus"
)

// SenderID is the sender of every scheduler-published message.
const SenderID = "scheduler"

// Config tunes the poll loop. Zero values use the defaults.
type Config struct {
	PollInterval  time.Duration
	MissedWindow  time.Duration // overdue jobs older than this are skipped at startup
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MissedWindow <= 0 {
		c.MissedWindow = time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records job metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due jobs and publishes them.
type Scheduler struct {
	store   Store
	bus     *bus.Bus
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Scheduler.
func New(store Store, b *bus.Bus, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		bus:    b,
		cfg:    cfg.withDefaults(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run recovers missed jobs, then polls until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.String("poll_interval", s.cfg.PollInterval.String()),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	s.Recover(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. Messages are published only after the
// runs are committed.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	now := start.UTC()

	var (
		mu      sync.Mutex
		pending []firing
	)
	err := s.store.InTx(ctx, func(tx Store) error {
		due, err := tx.Due(ctx, now)
		if err != nil {
			return fmt.Errorf("polling due jobs: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		s.logger.InfoContext(ctx, "jobs due", slog.Int("count", len(due)))

		sem := make(chan struct{}, s.cfg.MaxConcurrent)
		var wg sync.WaitGroup
		for i := range due {
			sem <- struct{}{}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				f, err := s.record(ctx, tx, j, now)
				if err != nil {
					s.logger.ErrorContext(ctx, "recording job run failed",
						slog.String("job_id", j.ID),
						slog.String("error", err.Error()),
					)
					return
				}
				mu.Lock()
				pending = append(pending, f)
				mu.Unlock()
			}(&due[i])
		}
		wg.Wait()
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", slog.String("error", err.Error()))
	} else {
		s.publish(ctx, pending...)
	}
	s.metrics.tick(time.Since(start).Seconds())
}

// Recover handles jobs that came due while the process was down: those
// inside the missed window fire once, older ones are skipped and advanced.
// Nothing is published unless the whole recovery commits.
func (s *Scheduler) Recover(ctx context.Context) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.MissedWindow)

	var (
		pending []firing
		skipped int
	)
	err := s.store.InTx(ctx, func(tx Store) error {
		pending, skipped = nil, 0
		due, err := tx.Due(ctx, now)
		if err != nil {
			return err
		}
		for i := range due {
			job := &due[i]
			if job.NextRunAt.Before(cutoff) {
				next := s.next(job, now)
				if err := tx.RecordRun(ctx, job.ID, time.Time{}, next, "skipped: outside missed job window"); err != nil {
					return err
				}
				skipped++
				continue
			}
			f, err := s.record(ctx, tx, job, now)
			if err != nil {
				return err
			}
			pending = append(pending, f)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "recovering missed jobs failed", slog.String("error", err.Error()))
		return
	}
	for range skipped {
		s.metrics.missed()
	}
	s.publish(ctx, pending...)
	if len(pending) > 0 || skipped > 0 {
		s.logger.InfoContext(ctx, "recovered missed jobs", slog.Int("fired", len(pending)), slog.Int("skipped", skipped))
	}
}

// Trigger fires a job immediately, whatever its schedule or enabled flag.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	f, err := s.record(ctx, s.store, job, s.now().UTC())
	if err != nil {
		return err
	}
	s.publish(ctx, f)
	return nil
}

// firing is a recorded run waiting to be published.
type firing struct {
	job Job
	msg bus.InboundMessage
}

// record stores a run of job and builds its message.
func (s *Scheduler) record(ctx context.Context, store Store, job *Job, now time.Time) (firing, error) {
	var next *time.Time
	if job.Enabled {
		next = s.next(job, now)
	}
	if err := store.RecordRun(ctx, job.ID, now, next, ""); err != nil {
		s.metrics.failed()
		return firing{}, fmt.Errorf("recording run of job %s: %w", job.ID, err)
	}

	msg := bus.NewInbound(job.channel(), SenderID, job.chatID(), job.Message)
	msg.Metadata["job_id"] = job.ID
	msg.Metadata["job_name"] = job.Name
	msg.Metadata["deliver_response"] = strconv.FormatBool(job.DeliverResponse)
	return firing{job: *job, msg: msg}, nil
}

func (s *Scheduler) publish(ctx context.Context, fs ...firing) {
	for _, f := range fs {
		s.bus.PublishInbound(f.msg)
		s.metrics.fired()
		s.logger.InfoContext(ctx, "job fired",
			slog.String("job_id", f.job.ID),
			slog.String("name", f.job.Name),
			slog.String("channel", f.msg.Channel),
			slog.String("chat_id", f.msg.ChatID),
		)
	}
}

func (s *Scheduler) next(job *Job, from time.Time) *time.Time {
	next, err := job.Next(from)
	if err != nil {
		s.logger.Error("job has an invalid schedule and will not run again",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &next
}

// AddJob validates job, fills in its id and first run, and stores it.
func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		job.Name = truncate(job.Message, 30)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt, job.UpdatedAt = now, now
	job.NextRunAt = nil
	if job.Enabled {
		job.NextRunAt = s.next(job, now)
	}
	if err := s.store.Create(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// SetEnabled enables or disables a job. Enabling schedules the next run from now.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	job.Enabled = enabled
	job.UpdatedAt = now
	job.NextRunAt = nil
	if enabled {
		job.NextRunAt = s.next(job, now)
	}
	if err := s.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("updating job: %w", err)
	}
	return job, nil
}

// RemoveJob deletes a job.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Jobs lists all jobs.
func (s *Scheduler) Jobs(ctx context.Context) ([]Job, error) {
	return s.store.List(ctx)
}

// Job returns one job.
func (s *Scheduler) Job(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
