package scheduler

import (
	"context"
	"time"
)

// Store persists jobs. Implementations live in internal/storage.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) ([]Job, error)
	Update(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error

	// Due returns enabled jobs whose next run is at or before now. Inside
	// InTx on databases that support it the rows stay locked until commit, so
	// two schedulers never fire the same job.
	Due(ctx context.Context, now time.Time) ([]Job, error)

	// RecordRun stores the outcome of a run and the next run time. A zero
	// ranAt records a skipped run that does not count toward RunCount.
	RecordRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, errMsg string) error

	// InTx runs fn with a Store bound to one transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
