package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/scheduler"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "relay.db")}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newJob(id string, next *time.Time) *scheduler.Job {
	created := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return &scheduler.Job{
		ID:              id,
		Name:            "job " + id,
		Message:         "ping " + id,
		Enabled:         true,
		IntervalSeconds: 60,
		DeliverResponse: true,
		DeliverTo:       "42",
		DeliverChannel:  "discord",
		CreatedAt:       created,
		UpdatedAt:       created,
		NextRunAt:       next,
	}
}

func at(h, m int) *time.Time {
	t := time.Date(2026, 1, 1, h, m, 0, 0, time.UTC)
	return &t
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestOpen_SQLiteRequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	require.Error(t, err)
}

func TestJobStore_CreateGetList(t *testing.T) {
	db := openTestDB(t)
	store := db.Jobs()
	ctx := t.Context()

	assert.Equal(t, DriverSQLite, db.Driver())
	require.NoError(t, db.Ping(ctx))

	require.NoError(t, store.Create(ctx, newJob("a", at(10, 0))))
	require.NoError(t, store.Create(ctx, newJob("b", nil)))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "job a", got.Name)
	assert.Equal(t, "ping a", got.Message)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(60), got.IntervalSeconds)
	assert.True(t, got.DeliverResponse)
	assert.Equal(t, "42", got.DeliverTo)
	assert.Equal(t, "discord", got.DeliverChannel)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, *at(10, 0), *got.NextRunAt, time.Millisecond)
	assert.Nil(t, got.LastRunAt)

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobStore_NotFound(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
	assert.ErrorIs(t, store.Update(ctx, newJob("missing", nil)), scheduler.ErrJobNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "missing"), scheduler.ErrJobNotFound)
	assert.ErrorIs(t, store.RecordRun(ctx, "missing", time.Now(), nil, ""), scheduler.ErrJobNotFound)
}

func TestJobStore_UpdateWritesZeroValues(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()

	job := newJob("a", at(10, 0))
	require.NoError(t, store.Create(ctx, job))

	job.Enabled = false
	job.DeliverResponse = false
	job.NextRunAt = nil
	require.NoError(t, store.Update(ctx, job))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.False(t, got.DeliverResponse)
	assert.Nil(t, got.NextRunAt)
}

func TestJobStore_Delete(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()

	require.NoError(t, store.Create(ctx, newJob("a", nil)))
	require.NoError(t, store.Delete(ctx, "a"))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestJobStore_Due(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()

	disabled := newJob("disabled", at(9, 0))
	disabled.Enabled = false
	for _, j := range []*scheduler.Job{
		newJob("late", at(9, 30)),
		newJob("early", at(9, 0)),
		newJob("exact", at(10, 0)),
		newJob("future", at(11, 0)),
		newJob("unscheduled", nil),
		disabled,
	} {
		require.NoError(t, store.Create(ctx, j))
	}

	due, err := store.Due(ctx, *at(10, 0))
	require.NoError(t, err)

	var ids []string
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"early", "late", "exact"}, ids)
}

func TestJobStore_RecordRun(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()
	require.NoError(t, store.Create(ctx, newJob("a", at(10, 0))))

	require.NoError(t, store.RecordRun(ctx, "a", *at(10, 0), at(10, 1), ""))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, *at(10, 0), *got.LastRunAt, time.Millisecond)
	assert.WithinDuration(t, *at(10, 1), *got.NextRunAt, time.Millisecond)

	// A skipped run moves the schedule without counting as a run.
	require.NoError(t, store.RecordRun(ctx, "a", time.Time{}, nil, "skipped"))
	got, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.WithinDuration(t, *at(10, 0), *got.LastRunAt, time.Millisecond)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, "skipped", got.LastError)
}

func TestJobStore_InTxRollsBack(t *testing.T) {
	store := openTestDB(t).Jobs()
	ctx := t.Context()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx scheduler.Store) error {
		if err := tx.Create(ctx, newJob("a", nil)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)

	require.NoError(t, store.InTx(ctx, func(tx scheduler.Store) error {
		return tx.Create(ctx, newJob("b", nil))
	}))
	_, err = store.Get(ctx, "b")
	assert.NoError(t, err)
}
