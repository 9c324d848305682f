package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/jobctx"
	"github.com/vgpastor/bulkimport/ports"
)

// fakeSource emits n rows, one row of raw bytes per chunk, each
// containing its own row number so the fakeParser can recover it.
type fakeSource struct {
	n int
}

func (f *fakeSource) Read(ctx context.Context) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errs := make(chan error)
	go func() {
		defer close(out)
		defer close(errs)
		for i := 0; i < f.n; i++ {
			select {
			case out <- []byte{byte(i)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

func (f *fakeSource) Sample(ctx context.Context, maxBytes int) (string, error) { return "", nil }
func (f *fakeSource) Metadata() ports.SourceMetadata                          { return ports.SourceMetadata{} }

type fakeParser struct{}

func (fakeParser) Parse(ctx context.Context, chunk []byte) (<-chan ports.RawRecord, <-chan error) {
	out := make(chan ports.RawRecord, 1)
	errs := make(chan error, 1)
	out <- ports.RawRecord{"row": int(chunk[0])}
	close(out)
	close(errs)
	return out, errs
}

func waitForStatus(t *testing.T, e *Engine, want ports.JobStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job never reached status %s (at %s)", want, e.Status())
}

func TestEngine_HappyPath(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 3
	b := bus.New(zerolog.Nop())

	var completed []bus.JobCompletedPayload
	var mu sync.Mutex
	b.Subscribe(bus.JobCompleted, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, ev.Payload.(bus.JobCompletedPayload))
	})

	e := New(zerolog.Nop(), b, opts).From(&fakeSource{n: 10}, fakeParser{})

	var processed []int
	var pmu sync.Mutex
	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		pmu.Lock()
		defer pmu.Unlock()
		processed = append(processed, rec.Index)
		return nil
	}

	require.NoError(t, e.Start(context.Background(), processor))
	waitForStatus(t, e, ports.JobCompleted, time.Second)

	status := e.GetStatus()
	assert.Equal(t, 10, status.TotalRecords)
	assert.Equal(t, 10, status.ProcessedRecords)
	assert.Equal(t, 0, status.FailedRecords)

	mu.Lock()
	require.Len(t, completed, 1)
	assert.Equal(t, 10, completed[0].Processed)
	mu.Unlock()

	pmu.Lock()
	assert.Len(t, processed, 10)
	pmu.Unlock()
}

func TestEngine_ContinueOnError_CountsFailures(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.ContinueOnError = true
	opts.MaxRetries = 0

	e := New(zerolog.Nop(), nil, opts).From(&fakeSource{n: 6}, fakeParser{})

	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		if rec.Index%2 == 0 {
			return errors.New("even rows fail")
		}
		return nil
	}

	require.NoError(t, e.Start(context.Background(), processor))
	waitForStatus(t, e, ports.JobCompleted, time.Second)

	status := e.GetStatus()
	assert.Equal(t, 3, status.ProcessedRecords)
	assert.Equal(t, 3, status.FailedRecords)
}

func TestEngine_StopsOnFatalError_WhenContinueOnErrorFalse(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 1
	opts.ContinueOnError = false
	opts.MaxRetries = 0

	e := New(zerolog.Nop(), nil, opts).From(&fakeSource{n: 5}, fakeParser{})

	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		if rec.Index == 1 {
			return errors.New("boom")
		}
		return nil
	}

	require.NoError(t, e.Start(context.Background(), processor))
	waitForStatus(t, e, ports.JobFailed, time.Second)
}

func TestEngine_PauseBlocksProcessingUntilResume(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 1

	e := New(zerolog.Nop(), nil, opts).From(&fakeSource{n: 3}, fakeParser{})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		if rec.Index == 0 {
			started <- struct{}{}
			<-release
		}
		return nil
	}

	require.NoError(t, e.Start(context.Background(), processor))
	<-started

	require.NoError(t, e.Pause())
	assert.Equal(t, ports.JobPaused, e.Status())

	require.NoError(t, e.Resume())
	close(release)

	waitForStatus(t, e, ports.JobCompleted, time.Second)
}

func TestEngine_Abort_StopsJob(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 1

	e := New(zerolog.Nop(), nil, opts).From(&fakeSource{n: 1000}, fakeParser{})

	started := make(chan struct{}, 1)
	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		if rec.Index == 0 {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		time.Sleep(time.Millisecond)
		return nil
	}

	require.NoError(t, e.Start(context.Background(), processor))
	<-started

	require.NoError(t, e.Abort())
	assert.True(t, e.jctx.Canceled())
}

func TestEngine_ProcessChunk_StopsAtRecordLimit(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 1

	e := New(zerolog.Nop(), nil, opts).From(&fakeSource{n: 10}, fakeParser{})
	processor := func(_ context.Context, rec ports.ProcessedRecord) error { return nil }

	limit := 3
	result, err := e.ProcessChunk(context.Background(), processor, &jobctx.ChunkLimits{MaxRecords: &limit})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.ProcessedRecords, 1)
	assert.LessOrEqual(t, result.ProcessedRecords, 10)
	assert.Equal(t, result.ProcessedRecords, result.TotalProcessed)
	assert.Equal(t, e.jctx.ID, result.JobID)
}

func TestEngine_ProcessChunk_EmitsChunkCompletedEvent(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 1
	b := bus.New(zerolog.Nop())

	var events []bus.ChunkCompletedPayload
	var mu sync.Mutex
	b.Subscribe(bus.ChunkCompleted, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Payload.(bus.ChunkCompletedPayload))
	})

	e := New(zerolog.Nop(), b, opts).From(&fakeSource{n: 4}, fakeParser{})
	processor := func(_ context.Context, rec ports.ProcessedRecord) error { return nil }

	limit := 2
	result, err := e.ProcessChunk(context.Background(), processor, &jobctx.ChunkLimits{MaxRecords: &limit})
	require.NoError(t, err)
	assert.False(t, result.Done)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, result.ProcessedRecords, events[0].ProcessedRecords)
	assert.False(t, events[0].Done)
	mu.Unlock()

	result, err = e.ProcessChunk(context.Background(), processor, &jobctx.ChunkLimits{MaxRecords: &limit})
	require.NoError(t, err)
	assert.True(t, result.Done)
	assert.Equal(t, 4, result.TotalProcessed)

	mu.Lock()
	require.Len(t, events, 2)
	assert.True(t, events[1].Done)
	mu.Unlock()
}

func TestEngine_Restore_SkipsAlreadyCompletedBatches(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.BatchSize = 2

	store := newFakeStore(ports.JobState{
		ID:     "job-resume-1",
		Status: ports.JobProcessing,
		Batches: []ports.Batch{
			{ID: "b0", Index: 0, Status: ports.BatchCompleted, ProcessedCount: 2},
			{ID: "b1", Index: 1, Status: ports.BatchPending},
		},
		TotalRecords: 4,
	})

	e, err := Restore(context.Background(), "job-resume-1", store, zerolog.Nop(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, ports.JobCreated, e.jctx.Status, "Restore must reset status to CREATED so Start is callable again")

	var processedIdx []int
	var pmu sync.Mutex
	processor := func(_ context.Context, rec ports.ProcessedRecord) error {
		pmu.Lock()
		defer pmu.Unlock()
		processedIdx = append(processedIdx, rec.Index)
		return nil
	}

	e2 := e.From(&fakeSource{n: 4}, fakeParser{})
	require.NoError(t, e2.Start(context.Background(), processor))
	waitForStatus(t, e2, ports.JobCompleted, time.Second)

	pmu.Lock()
	defer pmu.Unlock()
	for _, idx := range processedIdx {
		assert.GreaterOrEqual(t, idx, 2, "batch 0's records were already completed before Restore and must not be reprocessed")
	}
}

// fakeStore is a minimal ports.StateStore double that only needs to answer
// GetJobState, the sole method Restore calls.
type fakeStore struct {
	state ports.JobState
}

func newFakeStore(state ports.JobState) *fakeStore {
	return &fakeStore{state: state}
}

func (s *fakeStore) SaveJobState(ctx context.Context, state ports.JobState) error {
	s.state = state
	return nil
}

func (s *fakeStore) GetJobState(ctx context.Context, jobID string) (*ports.JobState, error) {
	if jobID != s.state.ID {
		return nil, nil
	}
	st := s.state
	return &st, nil
}

func (s *fakeStore) UpdateBatchState(ctx context.Context, jobID, batchID string, update ports.BatchStateUpdate) error {
	return nil
}

func (s *fakeStore) SaveProcessedRecord(ctx context.Context, jobID, batchID string, rec ports.ProcessedRecord) error {
	return nil
}

func (s *fakeStore) GetFailedRecords(ctx context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetPendingRecords(ctx context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetProcessedRecords(ctx context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetProgress(ctx context.Context, jobID string) (ports.JobProgress, error) {
	return ports.JobProgress{}, nil
}
