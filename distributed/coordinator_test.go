package distributed

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/store/memstore"
)

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

func passthroughValidate(ports.RawRecord) ports.ValidateResult {
	return ports.ValidateResult{}
}

func TestCoordinator_PrepareSplitsAndPersistsBatches(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{BatchSize: 4, Validate: passthroughValidate})

	result, err := c.Prepare(context.Background(), &fakeSource{n: 10}, fakeParser{})
	require.NoError(t, err)
	assert.Equal(t, 10, result.TotalRecords)
	assert.Equal(t, 3, result.TotalBatches) // 4 + 4 + 2

	state, err := st.GetJobState(context.Background(), result.JobID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, ports.JobProcessing, state.Status)
	assert.True(t, state.Distributed)
	assert.Len(t, state.Batches, 3)
}

func TestCoordinator_ProcessWorkerBatch_DrainsAllWork(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{BatchSize: 3, Validate: passthroughValidate})

	prep, err := c.Prepare(context.Background(), &fakeSource{n: 7}, fakeParser{})
	require.NoError(t, err)

	processor := func(ctx context.Context, rec ports.ProcessedRecord) error { return nil }

	var results []WorkerBatchResult
	for {
		res, err := c.ProcessWorkerBatch(context.Background(), prep.JobID, processor, "worker-1")
		require.NoError(t, err)
		if res.Outcome == ClaimOutcomeNoWork {
			break
		}
		results = append(results, res)
	}

	require.Len(t, results, prep.TotalBatches)
	totalProcessed := 0
	for _, r := range results {
		assert.Equal(t, ClaimOutcomeProcessed, r.Outcome)
		totalProcessed += r.ProcessedCount
	}
	assert.Equal(t, prep.TotalRecords, totalProcessed)
	assert.True(t, results[len(results)-1].JobFinalized)
	assert.Equal(t, ports.JobCompleted, results[len(results)-1].FinalStatus)
}

func TestCoordinator_ProcessWorkerBatch_UnknownJob(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{Validate: passthroughValidate})

	res, err := c.ProcessWorkerBatch(context.Background(), "missing-job", func(ctx context.Context, rec ports.ProcessedRecord) error { return nil }, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimOutcomeJobNotFound, res.Outcome)
}

func TestCoordinator_ProcessWorkerBatch_ConcurrentWorkersClaimDisjointBatches(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{BatchSize: 2, Validate: passthroughValidate})

	prep, err := c.Prepare(context.Background(), &fakeSource{n: 20}, fakeParser{})
	require.NoError(t, err)

	processor := func(ctx context.Context, rec ports.ProcessedRecord) error { return nil }

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		workerID := string(rune('A' + w))
		go func() {
			defer wg.Done()
			for {
				res, err := c.ProcessWorkerBatch(context.Background(), prep.JobID, processor, workerID)
				require.NoError(t, err)
				if res.Outcome == ClaimOutcomeNoWork {
					return
				}
				mu.Lock()
				seen[res.BatchID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, prep.TotalBatches)
	for _, count := range seen {
		assert.Equal(t, 1, count, "every batch must be claimed exactly once")
	}

	state, err := st.GetJobState(context.Background(), prep.JobID)
	require.NoError(t, err)
	assert.Equal(t, ports.JobCompleted, state.Status)
}

func TestCoordinator_ReclaimStale(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{BatchSize: 5, Validate: passthroughValidate})

	prep, err := c.Prepare(context.Background(), &fakeSource{n: 5}, fakeParser{})
	require.NoError(t, err)

	_, err = st.ClaimBatch(context.Background(), prep.JobID, "worker-stuck")
	require.NoError(t, err)

	n, err := c.ReclaimStale(context.Background(), prep.JobID, -1) // use configured default
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a fresh claim is not yet stale under the configured timeout")

	n, err = c.ReclaimStale(context.Background(), prep.JobID, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)
}

func TestCoordinator_GetStats(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	c := New(zerolog.Nop(), st, bus.New(zerolog.Nop()), Options{BatchSize: 3, Validate: passthroughValidate})

	prep, err := c.Prepare(context.Background(), &fakeSource{n: 6}, fakeParser{})
	require.NoError(t, err)

	stats, err := c.GetStats(context.Background(), prep.JobID)
	require.NoError(t, err)
	assert.Equal(t, prep.JobID, stats["job_id"])
	assert.Equal(t, 6, stats["total_records"])
	assert.Equal(t, 2, stats["total_batches"])
}
