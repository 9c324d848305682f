package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgpastor/bulkimport/ports"
)

func seedJob(t *testing.T, s *Store, jobID string, batches int) {
	t.Helper()
	jb := make([]ports.Batch, batches)
	for i := range jb {
		jb[i] = ports.Batch{ID: batchIDFor(jobID, i), Index: i, Status: ports.BatchPending}
	}
	require.NoError(t, s.SaveJobState(context.Background(), ports.JobState{
		ID:           jobID,
		Status:       ports.JobProcessing,
		Batches:      jb,
		TotalRecords: batches * 10,
	}))
}

func batchIDFor(jobID string, i int) string {
	return jobID + "-batch-" + string(rune('a'+i))
}

func TestSaveAndGetJobState(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 2)

	state, err := s.GetJobState(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, ports.JobProcessing, state.Status)
	assert.Len(t, state.Batches, 2)
}

func TestGetJobState_Unknown(t *testing.T) {
	t.Parallel()

	s := New()
	state, err := s.GetJobState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestClaimBatch_ClaimsOnePendingBatchAtATime(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 2)
	ctx := context.Background()

	first, err := s.ClaimBatch(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, first.Claimed)
	assert.Equal(t, "worker-a", first.Reservation.WorkerID)

	second, err := s.ClaimBatch(ctx, "job-1", "worker-b")
	require.NoError(t, err)
	assert.True(t, second.Claimed)
	assert.NotEqual(t, first.Reservation.BatchID, second.Reservation.BatchID)

	third, err := s.ClaimBatch(ctx, "job-1", "worker-c")
	require.NoError(t, err)
	assert.False(t, third.Claimed)
	assert.Equal(t, ports.ClaimReasonNoPendingBatches, third.Reason)
}

func TestClaimBatch_JobNotFound(t *testing.T) {
	t.Parallel()

	s := New()
	result, err := s.ClaimBatch(context.Background(), "missing", "worker-a")
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, ports.ClaimReasonJobNotFound, result.Reason)
}

func TestClaimBatch_JobNotProcessing(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveJobState(ctx, ports.JobState{
		ID:     "job-1",
		Status: ports.JobPaused,
		Batches: []ports.Batch{
			{ID: "b1", Index: 0, Status: ports.BatchPending},
		},
	}))

	result, err := s.ClaimBatch(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, ports.ClaimReasonJobNotProcessing, result.Reason)
}

func TestReleaseBatch_ReturnsItToPending(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 1)
	ctx := context.Background()

	claim, err := s.ClaimBatch(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	require.NoError(t, s.ReleaseBatch(ctx, "job-1", claim.Reservation.BatchID))

	state, err := s.GetJobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ports.BatchPending, state.Batches[0].Status)

	reclaim, err := s.ClaimBatch(ctx, "job-1", "worker-b")
	require.NoError(t, err)
	assert.True(t, reclaim.Claimed)
}

func TestReclaimStaleBatches(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 1)
	ctx := context.Background()

	claim, err := s.ClaimBatch(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	time.Sleep(5 * time.Millisecond)

	n, err := s.ReclaimStaleBatches(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := s.GetJobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ports.BatchPending, state.Batches[0].Status)
}

func TestReclaimStaleBatches_NothingStale(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 1)
	ctx := context.Background()

	_, err := s.ClaimBatch(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	n, err := s.ReclaimStaleBatches(ctx, "job-1", 60_000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBatchRecordsRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	recs := []ports.ProcessedRecord{
		{Index: 0, Status: ports.RecordPending},
		{Index: 1, Status: ports.RecordPending},
	}
	require.NoError(t, s.SaveBatchRecords(ctx, "job-1", "batch-a", recs))

	got, err := s.GetBatchRecords(ctx, "job-1", "batch-a")
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestUpdateBatchState_UnknownBatch(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 1)

	err := s.UpdateBatchState(context.Background(), "job-1", "no-such-batch", ports.BatchStateUpdate{Status: ports.BatchCompleted})
	require.Error(t, err)
}

func TestTryFinalizeJob_CompletesOnceAllBatchesTerminal(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 2)
	ctx := context.Background()

	finalized, _, err := s.TryFinalizeJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, finalized)

	state, err := s.GetJobState(ctx, "job-1")
	require.NoError(t, err)
	for _, b := range state.Batches {
		require.NoError(t, s.UpdateBatchState(ctx, "job-1", b.ID, ports.BatchStateUpdate{
			Status:         ports.BatchCompleted,
			ProcessedCount: 10,
		}))
	}

	finalized, status, err := s.TryFinalizeJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, ports.JobCompleted, status)

	// A second call observes the job already terminal and reports false.
	finalized, status, err = s.TryFinalizeJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, ports.JobCompleted, status)
}

func TestTryFinalizeJob_FailedWhenAnyBatchFailed(t *testing.T) {
	t.Parallel()

	s := New()
	seedJob(t, s, "job-1", 2)
	ctx := context.Background()

	state, err := s.GetJobState(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateBatchState(ctx, "job-1", state.Batches[0].ID, ports.BatchStateUpdate{Status: ports.BatchCompleted, ProcessedCount: 10}))
	require.NoError(t, s.UpdateBatchState(ctx, "job-1", state.Batches[1].ID, ports.BatchStateUpdate{Status: ports.BatchFailed, FailedCount: 10}))

	finalized, status, err := s.TryFinalizeJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, ports.JobFailed, status)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveJobState(ctx, ports.JobState{
		ID:           "job-1",
		Status:       ports.JobProcessing,
		TotalRecords: 20,
		Batches: []ports.Batch{
			{ID: "b1", ProcessedCount: 8, FailedCount: 2},
		},
	}))

	progress, err := s.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 20, progress.TotalRecords)
	assert.Equal(t, 8, progress.ProcessedRecords)
	assert.Equal(t, 2, progress.FailedRecords)
	assert.Equal(t, 10, progress.PendingRecords)
}

func TestGetFailedAndPendingRecords(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveProcessedRecord(ctx, "job-1", "batch-a", ports.ProcessedRecord{Index: 0, Status: ports.RecordFailed}))
	require.NoError(t, s.SaveProcessedRecord(ctx, "job-1", "batch-a", ports.ProcessedRecord{Index: 1, Status: ports.RecordProcessed}))
	require.NoError(t, s.SaveProcessedRecord(ctx, "job-1", "batch-b", ports.ProcessedRecord{Index: 2, Status: ports.RecordPending}))

	failed, err := s.GetFailedRecords(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	pending, err := s.GetPendingRecords(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	processed, err := s.GetProcessedRecords(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}
