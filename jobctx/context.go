// Package jobctx holds the Context: the one mutable aggregate shared
// between the scheduler, the record pipeline, and the distributed
// coordinator.
package jobctx

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vgpastor/bulkimport/ports"
)

// transitions is the state-machine edge table governing valid job-status moves.
var transitions = map[ports.JobStatus][]ports.JobStatus{
	ports.JobCreated:    {ports.JobPreviewing, ports.JobProcessing},
	ports.JobPreviewing: {ports.JobPreviewed, ports.JobFailed},
	ports.JobPreviewed:  {ports.JobProcessing},
	ports.JobProcessing: {ports.JobPaused, ports.JobCompleted, ports.JobAborted, ports.JobFailed},
	ports.JobPaused:     {ports.JobProcessing, ports.JobAborted},
}

// ChunkLimits bounds a single processChunk invocation.
type ChunkLimits struct {
	MaxRecords    *int
	MaxDurationMs *int64
}

// Context is the mutable job aggregate. The scheduler serializes every
// write to it under its own mutex; concurrent batch workers report
// results back over a channel rather than mutating Context directly.
type Context struct {
	ID     string
	Config ports.JobConfig
	Status ports.JobStatus

	Batches        []ports.Batch
	batchIndexByID map[string]int

	TotalRecords     int
	ProcessedCount   int
	FailedCount      int
	ChunkRecordCount int

	CompletedBatchIndices map[int]struct{}

	StartedAt   time.Time
	CompletedAt *time.Time

	// Chunk mode state.
	Limits         *ChunkLimits
	ChunkStartTime time.Time
	ChunkExhausted bool

	Distributed bool

	cancel    context.CancelFunc
	cancelCtx context.Context
	latch     *pauseLatch
}

// New creates a fresh job Context with a generated UUID.
func New(cfg ports.JobConfig) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		ID:                    uuid.NewString(),
		Config:                cfg,
		Status:                ports.JobCreated,
		batchIndexByID:        make(map[string]int),
		CompletedBatchIndices: make(map[int]struct{}),
		cancel:                cancel,
		cancelCtx:             ctx,
		latch:                 newPauseLatch(),
	}
}

// TransitionTo validates and applies a state-machine edge.
func (c *Context) TransitionTo(to ports.JobStatus) error {
	for _, allowed := range transitions[c.Status] {
		if allowed == to {
			c.Status = to
			if to == ports.JobCompleted || to == ports.JobAborted || to == ports.JobFailed {
				now := time.Now()
				c.CompletedAt = &now
			}
			return nil
		}
	}
	err := newTransitionError(c.Status, to)
	if to == ports.JobProcessing && c.Status == ports.JobAborted {
		err.Cause = ErrCannotResumeAborted
	}
	return err
}

// Done returns the channel closed when Abort fires, for select-based
// cancellation checks in the scheduler/pipeline.
func (c *Context) Done() <-chan struct{} {
	return c.cancelCtx.Done()
}

// Canceled reports whether Abort has fired.
func (c *Context) Canceled() bool {
	select {
	case <-c.cancelCtx.Done():
		return true
	default:
		return false
	}
}

// CancelFunc fires the abort signal and releases the pause latch so a
// paused job can be aborted.
func (c *Context) CancelFunc() {
	c.cancel()
	c.latch.Release()
}

// ArmPause puts the pause latch in the blocking state.
func (c *Context) ArmPause() {
	c.latch.Arm()
}

// ReleasePause resolves the pause latch.
func (c *Context) ReleasePause() {
	c.latch.Release()
}

// AwaitPause blocks at a suspension point until the pause latch resolves
// or the job is aborted.
func (c *Context) AwaitPause() {
	c.latch.Wait(c.cancelCtx.Done())
}

// IsChunkExhausted reports whether the configured chunk limits have
// tripped.
func (c *Context) IsChunkExhausted() bool {
	if c.Limits == nil {
		return false
	}
	if c.Limits.MaxRecords != nil && c.ChunkRecordCount >= *c.Limits.MaxRecords {
		return true
	}
	if c.Limits.MaxDurationMs != nil {
		elapsed := time.Since(c.ChunkStartTime).Milliseconds()
		if elapsed >= *c.Limits.MaxDurationMs {
			return true
		}
	}
	return false
}

// BeginChunk resets chunk-scoped counters ahead of a processChunk call.
func (c *Context) BeginChunk(limits *ChunkLimits) {
	c.Limits = limits
	c.ChunkStartTime = time.Now()
	c.ChunkRecordCount = 0
	c.ChunkExhausted = false
}

// RestoreBatches repopulates Batches, the ID index, the completed-batch set,
// and the processed/failed counters from a persisted batch list, for use by
// a caller resuming a job from a StateStore snapshot.
func (c *Context) RestoreBatches(batches []ports.Batch) {
	c.Batches = batches
	c.batchIndexByID = make(map[string]int, len(batches))
	c.CompletedBatchIndices = make(map[int]struct{}, len(batches))
	c.ProcessedCount = 0
	c.FailedCount = 0
	for i, b := range batches {
		c.batchIndexByID[b.ID] = i
		c.ProcessedCount += b.ProcessedCount
		c.FailedCount += b.FailedCount
		if b.Status == ports.BatchCompleted || b.Status == ports.BatchFailed {
			c.CompletedBatchIndices[b.Index] = struct{}{}
		}
	}
}

// IsBatchCompleted reports whether the batch at index was already terminal
// in a persisted snapshot this Context was restored from, so a resumed
// job's splitter can skip re-invoking the processor on it.
func (c *Context) IsBatchCompleted(index int) bool {
	_, ok := c.CompletedBatchIndices[index]
	return ok
}

// AppendBatch registers a freshly started batch and returns its position.
func (c *Context) AppendBatch(b ports.Batch) int {
	pos := len(c.Batches)
	c.Batches = append(c.Batches, b)
	c.batchIndexByID[b.ID] = pos
	return pos
}

// BatchPosition looks up a batch's slice position by ID.
func (c *Context) BatchPosition(batchID string) (int, bool) {
	pos, ok := c.batchIndexByID[batchID]
	return pos, ok
}

// NextRecordIndex returns the next index to assign and increments
// TotalRecords; the total is known exactly only once the source stream ends.
func (c *Context) NextRecordIndex() int {
	idx := c.TotalRecords
	c.TotalRecords++
	return idx
}

// Elapsed returns the wall-clock duration since the job started.
func (c *Context) Elapsed() time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return time.Since(c.StartedAt)
}

// Progress computes the point-in-time progress snapshot.
func (c *Context) Progress() ports.JobProgress {
	pct := 0.0
	if c.TotalRecords > 0 {
		pct = float64(c.ProcessedCount+c.FailedCount) / float64(c.TotalRecords) * 100
	}
	pending := c.TotalRecords - c.ProcessedCount - c.FailedCount
	if pending < 0 {
		pending = 0
	}
	return ports.JobProgress{
		TotalRecords:     c.TotalRecords,
		ProcessedRecords: c.ProcessedCount,
		FailedRecords:    c.FailedCount,
		PendingRecords:   pending,
		Percentage:       pct,
		CurrentBatch:     len(c.Batches),
		TotalBatches:     len(c.Batches),
		ElapsedMs:        c.Elapsed().Milliseconds(),
	}
}

// Snapshot builds the persisted JobState: batches are copied without
// their in-flight record slices.
func (c *Context) Snapshot() ports.JobState {
	batches := make([]ports.Batch, len(c.Batches))
	for i, b := range c.Batches {
		batches[i] = ports.Batch{
			ID:             b.ID,
			Index:          b.Index,
			Status:         b.Status,
			ProcessedCount: b.ProcessedCount,
			FailedCount:    b.FailedCount,
		}
	}
	return ports.JobState{
		ID:           c.ID,
		Config:       c.Config,
		Status:       c.Status,
		Batches:      batches,
		TotalRecords: c.TotalRecords,
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
		Distributed:  c.Distributed,
	}
}
