package jobctx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgpastor/bulkimport/ports"
)

func TestContext_TransitionTo_ValidEdges(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	require.NoError(t, c.TransitionTo(ports.JobProcessing))
	require.NoError(t, c.TransitionTo(ports.JobPaused))
	require.NoError(t, c.TransitionTo(ports.JobProcessing))
	require.NoError(t, c.TransitionTo(ports.JobCompleted))
	require.NotNil(t, c.CompletedAt)
}

func TestContext_TransitionTo_InvalidEdge(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	err := c.TransitionTo(ports.JobCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestContext_TransitionTo_CannotResumeAborted(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	require.NoError(t, c.TransitionTo(ports.JobProcessing))
	require.NoError(t, c.TransitionTo(ports.JobAborted))

	err := c.TransitionTo(ports.JobProcessing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotResumeAborted))
}

func TestContext_ChunkExhaustion_ByRecordCount(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	max := 3
	c.BeginChunk(&ChunkLimits{MaxRecords: &max})

	for i := 0; i < 2; i++ {
		c.ChunkRecordCount++
		assert.False(t, c.IsChunkExhausted())
	}
	c.ChunkRecordCount++
	assert.True(t, c.IsChunkExhausted())
}

func TestContext_ChunkExhaustion_ByDuration(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	ms := int64(1)
	c.BeginChunk(&ChunkLimits{MaxDurationMs: &ms})
	time.Sleep(5 * time.Millisecond)

	assert.True(t, c.IsChunkExhausted())
}

func TestContext_PauseLatch_BlocksUntilResume(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	c.ArmPause()

	done := make(chan struct{})
	go func() {
		c.AwaitPause()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitPause returned before release")
	case <-time.After(20 * time.Millisecond):
	}

	c.ReleasePause()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitPause did not unblock after release")
	}
}

func TestContext_PauseLatch_ReleasedOnAbort(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	c.ArmPause()

	done := make(chan struct{})
	go func() {
		c.AwaitPause()
		close(done)
	}()

	c.CancelFunc()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitPause did not unblock after abort")
	}
	assert.True(t, c.Canceled())
}

func TestContext_NextRecordIndex_MonotoneAndCountsTotal(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, c.NextRecordIndex())
	}
	assert.Equal(t, 5, c.TotalRecords)
}

func TestContext_Snapshot_OmitsRecordSlices(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{BatchSize: 10})
	c.AppendBatch(ports.Batch{
		ID:      "b1",
		Index:   0,
		Status:  ports.BatchCompleted,
		Records: []ports.ProcessedRecord{{Index: 0}},
	})

	snap := c.Snapshot()
	require.Len(t, snap.Batches, 1)
	assert.Nil(t, snap.Batches[0].Records)
}

func TestContext_RestoreBatches_MarksTerminalBatchesCompleted(t *testing.T) {
	t.Parallel()

	c := New(ports.JobConfig{})
	c.RestoreBatches([]ports.Batch{
		{ID: "b0", Index: 0, Status: ports.BatchCompleted, ProcessedCount: 3},
		{ID: "b1", Index: 1, Status: ports.BatchFailed, ProcessedCount: 1, FailedCount: 1},
		{ID: "b2", Index: 2, Status: ports.BatchPending},
	})

	assert.True(t, c.IsBatchCompleted(0))
	assert.True(t, c.IsBatchCompleted(1))
	assert.False(t, c.IsBatchCompleted(2))
	assert.False(t, c.IsBatchCompleted(99))

	assert.Equal(t, 4, c.ProcessedCount)
	assert.Equal(t, 1, c.FailedCount)
}
