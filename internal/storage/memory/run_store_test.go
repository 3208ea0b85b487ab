package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "run-1", Targets: 2}))
	require.Error(t, store.CreateRun(ctx, crawler.Run{ID: "run-1"}))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatePending, run.State)
	assert.False(t, run.CreatedAt.IsZero())

	require.NoError(t, store.MarkRunning(ctx, "run-1"))
	require.NoError(t, store.RecordJob(ctx, "run-1", crawler.JobSummary{JobID: "a", State: crawler.JobStateRunning}))
	require.NoError(t, store.RecordJob(ctx, "run-1", crawler.JobSummary{JobID: "a", State: crawler.JobStateCompleted}))
	require.NoError(t, store.RecordJob(ctx, "run-1", crawler.JobSummary{JobID: "b", State: crawler.JobStateCompleted}))

	require.Error(t, store.FinishRun(ctx, "run-1", crawler.JobStateRunning, "", nil, nil))
	records := []crawler.JobRecord{{Company: "Acme", Title: "Engineer", URL: "https://acme.example/jobs/1"}}
	require.NoError(t, store.FinishRun(ctx, "run-1", crawler.JobStateCompleted, "", records,
		map[string]string{"csv": "memory://runs/run-1/dataset.csv"}))

	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStateCompleted, run.State)
	require.Len(t, run.Jobs, 2)
	assert.Equal(t, crawler.JobStateCompleted, run.Jobs[0].State)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 1, run.Records)
	assert.Equal(t, "memory://runs/run-1/dataset.csv", run.Exports["csv"])

	got, err := store.Records(ctx, "run-1")
	require.NoError(t, err)
	got[0].Title = "changed"
	again, err := store.Records(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Engineer", again[0].Title)
}

func TestRunStoreUnknownRun(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	_, err := store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, store.MarkRunning(ctx, "missing"), ErrRunNotFound)
	_, err = store.Records(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunStoreListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
