package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/relay/internal/scheduler"
)

// jobModel maps to the "jobs" table.
type jobModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	Name            string `gorm:"not null"`
	Message         string `gorm:"type:text;not null"`
	Enabled         bool   `gorm:"not null;index"`
	IntervalSeconds int64  `gorm:"not null"`
	CronExpression  string
	DeliverResponse bool `gorm:"not null"`
	DeliverTo       string
	DeliverChannel  string
	LastRunAt       *time.Time
	NextRunAt       *time.Time `gorm:"index"`
	LastError       string     `gorm:"type:text"`
	RunCount        int64      `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (jobModel) TableName() string { return "jobs" }

// JobStore implements scheduler.Store.
type JobStore struct {
	db     *gorm.DB
	driver string
}

var _ scheduler.Store = (*JobStore)(nil)

// Create persists a new job.
func (s *JobStore) Create(ctx context.Context, job *scheduler.Job) error {
	model := toJobModel(job)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// Get returns a job by id or scheduler.ErrJobNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*scheduler.Job, error) {
	var model jobModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, scheduler.ErrJobNotFound)
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return toJob(&model), nil
}

// List returns every job, oldest first.
func (s *JobStore) List(ctx context.Context) ([]scheduler.Job, error) {
	var models []jobModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return toJobs(models), nil
}

// Update overwrites every field of an existing job.
func (s *JobStore) Update(ctx context.Context, job *scheduler.Job) error {
	model := toJobModel(job)
	result := s.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", job.ID).
		Select("*").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, scheduler.ErrJobNotFound)
	}
	return nil
}

// Delete removes a job.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&jobModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting job %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, scheduler.ErrJobNotFound)
	}
	return nil
}

// Due returns enabled jobs with next_run_at <= now. On PostgreSQL the rows
// are taken with SELECT ... FOR UPDATE SKIP LOCKED so concurrent gateway
// instances sharing the table never fire the same job twice.
func (s *JobStore) Due(ctx context.Context, now time.Time) ([]scheduler.Job, error) {
	q := s.db.WithContext(ctx)
	if s.driver == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var models []jobModel
	if err := q.
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now.UTC()).
		Order("next_run_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due jobs: %w", err)
	}
	return toJobs(models), nil
}

// RecordRun stores a run's outcome and the next run time. A zero ranAt
// records a skipped run: only next and errMsg change.
func (s *JobStore) RecordRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, errMsg string) error {
	updates := map[string]any{
		"next_run_at": utcPtr(next),
		"last_error":  errMsg,
		"updated_at":  time.Now().UTC(),
	}
	if !ranAt.IsZero() {
		updates["last_run_at"] = ranAt.UTC()
		updates["run_count"] = gorm.Expr("run_count + 1")
	}
	result := s.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("recording run for job %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, scheduler.ErrJobNotFound)
	}
	return nil
}

// InTx runs fn inside one transaction. fn's error rolls it back.
func (s *JobStore) InTx(ctx context.Context, fn func(scheduler.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&JobStore{db: tx, driver: s.driver})
	})
}

func toJobModel(j *scheduler.Job) jobModel {
	return jobModel{
		ID:              j.ID,
		Name:            j.Name,
		Message:         j.Message,
		Enabled:         j.Enabled,
		IntervalSeconds: j.IntervalSeconds,
		CronExpression:  j.CronExpression,
		DeliverResponse: j.DeliverResponse,
		DeliverTo:       j.DeliverTo,
		DeliverChannel:  j.DeliverChannel,
		LastRunAt:       utcPtr(j.LastRunAt),
		NextRunAt:       utcPtr(j.NextRunAt),
		LastError:       j.LastError,
		RunCount:        j.RunCount,
		CreatedAt:       j.CreatedAt.UTC(),
		UpdatedAt:       j.UpdatedAt.UTC(),
	}
}

func toJob(m *jobModel) *scheduler.Job {
	return &scheduler.Job{
		ID:              m.ID,
		Name:            m.Name,
		Message:         m.Message,
		Enabled:         m.Enabled,
		IntervalSeconds: m.IntervalSeconds,
		CronExpression:  m.CronExpression,
		DeliverResponse: m.DeliverResponse,
		DeliverTo:       m.DeliverTo,
		DeliverChannel:  m.DeliverChannel,
		LastRunAt:       m.LastRunAt,
		NextRunAt:       m.NextRunAt,
		LastError:       m.LastError,
		RunCount:        m.RunCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toJobs(models []jobModel) []scheduler.Job {
	jobs := make([]scheduler.Job, len(models))
	for i := range models {
		jobs[i] = *toJob(&models[i])
	}
	return jobs
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
