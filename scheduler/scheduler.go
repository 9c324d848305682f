// Package scheduler drives a single import job from a raw DataSource
// through the splitter and record pipeline to completion: it owns the
// job's Context, runs one or more batch workers, and exposes the
// lifecycle controls (Pause/Resume/Abort) and read surface (GetStatus,
// GetFailedRecords, ...) a caller uses to drive and observe a job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/jobctx"
	"github.com/vgpastor/bulkimport/pipeline"
	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/splitter"
)

// Options configures a job end to end: splitting, concurrency, retry
// policy, and the pipeline's optional collaborators.
type Options struct {
	BatchSize            int
	MaxConcurrentBatches int
	ContinueOnError      bool
	MaxRetries           int
	RetryDelayMs         int
	SkipEmptyRows        bool
	Validate             ports.ValidateFunc
	Hooks                ports.Hooks
	Store                ports.StateStore
}

// DefaultOptions returns sane defaults for a modest one-off import.
func DefaultOptions() Options {
	return Options{
		BatchSize:            100,
		MaxConcurrentBatches: 1,
		MaxRetries:           3,
		RetryDelayMs:         1000,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelayMs < 0 {
		o.RetryDelayMs = 0
	}
	return o
}

func (o Options) jobConfig() ports.JobConfig {
	return ports.JobConfig{
		BatchSize:            o.BatchSize,
		MaxConcurrentBatches: o.MaxConcurrentBatches,
		ContinueOnError:      o.ContinueOnError,
		MaxRetries:           o.MaxRetries,
		RetryDelayMs:         o.RetryDelayMs,
		SkipEmptyRows:        o.SkipEmptyRows,
	}
}

type batchResult struct {
	batch ports.Batch
	err   error
}

// Engine runs one job. It is constructed with New, pointed at a source
// with From, and driven with Start or ProcessChunk.
type Engine struct {
	log  zerolog.Logger
	opts Options
	bus  *bus.Bus
	jctx *jobctx.Context

	source    ports.DataSource
	parser    ports.Parser
	processor ports.Processor

	mu sync.RWMutex

	streamOnce sync.Once
	results    chan batchResult
	streamErr  chan error
	fatal      error
}

// New constructs an Engine for a fresh job.
func New(log zerolog.Logger, b *bus.Bus, opts Options) *Engine {
	opts = opts.withDefaults()
	if b == nil {
		b = bus.New(log)
	}
	return &Engine{
		log:  log.With().Str("component", "scheduler").Logger(),
		opts: opts,
		bus:  b,
		jctx: jobctx.New(opts.jobConfig()),
	}
}

// From attaches the record source and parser this job will read from.
// It returns the Engine so callers can chain New(...).From(...).
func (e *Engine) From(source ports.DataSource, parser ports.Parser) *Engine {
	e.source = source
	e.parser = parser
	return e
}

// On subscribes to one event kind.
func (e *Engine) On(kind bus.Kind, h bus.Handler) bus.Subscription {
	return e.bus.Subscribe(kind, h)
}

// OnAny subscribes to every event kind.
func (e *Engine) OnAny(h bus.Handler) bus.Subscription {
	return e.bus.SubscribeAny(h)
}

// OffAny cancels a subscription made with OnAny.
func (e *Engine) OffAny(sub bus.Subscription) {
	e.bus.UnsubscribeAny(sub)
}

// Count returns the number of records observed from the source so far.
// The figure is exact only once the source has been fully drained.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jctx.TotalRecords
}

// GetJobID returns the job's generated identifier.
func (e *Engine) GetJobID() string {
	return e.jctx.ID
}

// GetStatus returns a point-in-time progress snapshot.
func (e *Engine) GetStatus() ports.JobProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jctx.Progress()
}

// Status returns the job's current lifecycle status.
func (e *Engine) Status() ports.JobStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jctx.Status
}

// GetStats returns a non-authoritative introspection snapshot derived
// from GetStatus, mirroring batch.Manager.GetStats's map[string]any
// shape for ad-hoc logging/debugging rather than programmatic use.
func (e *Engine) GetStats() map[string]any {
	progress := e.GetStatus()
	return map[string]any{
		"job_id":            e.GetJobID(),
		"status":            string(e.Status()),
		"total_records":     progress.TotalRecords,
		"processed_records": progress.ProcessedRecords,
		"failed_records":    progress.FailedRecords,
		"pending_records":   progress.PendingRecords,
		"percentage":        progress.Percentage,
		"total_batches":     progress.TotalBatches,
		"elapsed_ms":        progress.ElapsedMs,
	}
}

// GetFailedRecords returns every record marked failed for this job, via
// the configured StateStore.
func (e *Engine) GetFailedRecords(ctx context.Context) ([]ports.ProcessedRecord, error) {
	if e.opts.Store == nil {
		return nil, fmt.Errorf("scheduler: no state store configured")
	}
	return e.opts.Store.GetFailedRecords(ctx, e.jctx.ID)
}

// GetPendingRecords returns every record not yet terminal for this job,
// via the configured StateStore.
func (e *Engine) GetPendingRecords(ctx context.Context) ([]ports.ProcessedRecord, error) {
	if e.opts.Store == nil {
		return nil, fmt.Errorf("scheduler: no state store configured")
	}
	return e.opts.Store.GetPendingRecords(ctx, e.jctx.ID)
}

// Pause arms the pause latch: every worker currently inside the pipeline
// blocks at its next suspension point until Resume or Abort.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.jctx.TransitionTo(ports.JobPaused); err != nil {
		return err
	}
	e.jctx.ArmPause()
	e.emitJobEvent(bus.JobPaused)
	return nil
}

// Resume releases the pause latch and puts the job back in Processing.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.jctx.TransitionTo(ports.JobProcessing); err != nil {
		return err
	}
	e.jctx.ReleasePause()
	return nil
}

// Abort fires the cancellation signal; workers stop at their next
// checkpoint and the job settles into JobAborted once drained.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.jctx.TransitionTo(ports.JobAborted); err != nil {
		return err
	}
	e.jctx.CancelFunc()
	e.emitJobEvent(bus.JobAborted)
	return nil
}

// Start transitions the job to Processing and runs it to completion in
// the background, returning once the transition succeeds. Progress and
// completion are observed via GetStatus or the event bus.
func (e *Engine) Start(ctx context.Context, processor ports.Processor) error {
	e.mu.Lock()
	if err := e.jctx.TransitionTo(ports.JobProcessing); err != nil {
		e.mu.Unlock()
		return err
	}
	e.jctx.StartedAt = time.Now()
	e.processor = processor
	e.mu.Unlock()

	e.emitJobEvent(bus.JobStarted)
	e.ensureStream(ctx)

	go e.drainToCompletion(ctx)
	return nil
}

// ChunkResult is returned by ProcessChunk: the delta of records this call
// processed, plus the job's running totals and completion state.
type ChunkResult struct {
	JobID            string
	Done             bool
	ProcessedRecords int
	FailedRecords    int
	TotalProcessed   int
	TotalFailed      int
}

// ProcessChunk runs batches from the already-opened source stream until
// either the chunk's limits are reached or the source is exhausted, then
// returns, for serverless/step-function-style invocation across repeated
// calls: each call supplies its own processor since no call before it is
// guaranteed to have run Start. Start and ProcessChunk are mutually
// exclusive drivers of the same Engine. A chunk:completed event is
// emitted on every call regardless of Done.
func (e *Engine) ProcessChunk(ctx context.Context, processor ports.Processor, limits *jobctx.ChunkLimits) (ChunkResult, error) {
	e.mu.Lock()
	if e.jctx.Status == ports.JobCreated || e.jctx.Status == ports.JobPreviewed {
		if err := e.jctx.TransitionTo(ports.JobProcessing); err != nil {
			e.mu.Unlock()
			return ChunkResult{JobID: e.jctx.ID}, err
		}
		e.jctx.StartedAt = time.Now()
		e.emitJobEvent(bus.JobStarted)
	}
	e.processor = processor
	startProcessed := e.jctx.ProcessedCount
	startFailed := e.jctx.FailedCount
	e.jctx.BeginChunk(limits)
	e.mu.Unlock()

	e.ensureStream(ctx)

	done, chunkErr := e.drainChunk(ctx)

	result := e.chunkResult(startProcessed, startFailed, done)
	e.emitChunkEvent(result)
	return result, chunkErr
}

// drainChunk reads batch results until the chunk's limits trip, the
// source is exhausted, the job is canceled, or ctx is done.
func (e *Engine) drainChunk(ctx context.Context) (bool, error) {
	for {
		if e.jctx.Canceled() {
			return true, nil
		}
		select {
		case res, ok := <-e.results:
			if !ok {
				e.finalizeJob(ctx)
				return true, nil
			}
			e.applyBatchResult(res)
			if res.err != nil && !e.opts.ContinueOnError {
				e.mu.Lock()
				e.fatal = res.err
				e.jctx.CancelFunc()
				e.mu.Unlock()
				e.finalizeJob(ctx)
				return true, res.err
			}
			if e.chunkExhausted() {
				return false, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (e *Engine) chunkResult(startProcessed, startFailed int, done bool) ChunkResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ChunkResult{
		JobID:            e.jctx.ID,
		Done:             done,
		ProcessedRecords: e.jctx.ProcessedCount - startProcessed,
		FailedRecords:    e.jctx.FailedCount - startFailed,
		TotalProcessed:   e.jctx.ProcessedCount,
		TotalFailed:      e.jctx.FailedCount,
	}
}

func (e *Engine) emitChunkEvent(result ChunkResult) {
	e.bus.Emit(bus.Event{
		Kind:      bus.ChunkCompleted,
		JobID:     result.JobID,
		Timestamp: time.Now(),
		Payload: bus.ChunkCompletedPayload{
			Done:             result.Done,
			ProcessedRecords: result.ProcessedRecords,
			FailedRecords:    result.FailedRecords,
			TotalProcessed:   result.TotalProcessed,
			TotalFailed:      result.TotalFailed,
		},
	})
}

func (e *Engine) chunkExhausted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jctx.IsChunkExhausted()
}

func (e *Engine) drainToCompletion(ctx context.Context) {
	for res := range e.results {
		e.applyBatchResult(res)
		if res.err != nil && !e.opts.ContinueOnError {
			e.mu.Lock()
			e.fatal = res.err
			e.jctx.CancelFunc()
			e.mu.Unlock()
			break
		}
	}
	e.finalizeJob(ctx)
}

// ensureStream lazily opens the source, starts the splitter, and launches
// the batch workers exactly once per Engine, regardless of how many times
// Start/ProcessChunk are called.
func (e *Engine) ensureStream(ctx context.Context) {
	e.streamOnce.Do(func() {
		records, streamErr := e.streamRecords(ctx)
		groups := splitter.Split(records, e.opts.BatchSize)

		results := make(chan batchResult)
		workers := e.opts.MaxConcurrentBatches

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for g := range groups {
					if e.jctx.IsBatchCompleted(g.Index) {
						continue
					}
					results <- e.processBatch(ctx, g)
				}
			}()
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		e.results = results
		e.streamErr = streamErr

		go func() {
			if err, ok := <-streamErr; ok && err != nil {
				e.mu.Lock()
				e.fatal = err
				e.mu.Unlock()
				e.jctx.CancelFunc()
			}
		}()
	})
}

// streamRecords pulls raw bytes from the source, parses them, and assigns
// each record its stream-order index.
func (e *Engine) streamRecords(ctx context.Context) (<-chan ports.ProcessedRecord, <-chan error) {
	out := make(chan ports.ProcessedRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)

		chunks, srcErrs := e.source.Read(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-srcErrs:
				if ok && err != nil {
					errCh <- fmt.Errorf("read source: %w", err)
					return
				}
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				if !e.forwardParsed(ctx, chunk, out, errCh) {
					return
				}
			}
		}
	}()

	return out, errCh
}

func (e *Engine) forwardParsed(ctx context.Context, chunk []byte, out chan<- ports.ProcessedRecord, errCh chan<- error) bool {
	recs, perrs := e.parser.Parse(ctx, chunk)
	for {
		select {
		case <-ctx.Done():
			return false
		case err, ok := <-perrs:
			if ok && err != nil {
				errCh <- fmt.Errorf("parse chunk: %w", err)
				return false
			}
		case raw, ok := <-recs:
			if !ok {
				return true
			}
			idx := e.nextIndex()
			select {
			case out <- ports.ProcessedRecord{Index: idx, Raw: raw, Status: ports.RecordPending}:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func (e *Engine) nextIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jctx.NextRecordIndex()
}

// processBatch runs one splitter group through the record pipeline. It is
// called concurrently from each worker goroutine but touches only its own
// local batch/records state, reporting the result back to the owner
// goroutine over the results channel rather than mutating Context itself.
func (e *Engine) processBatch(ctx context.Context, group splitter.Group) batchResult {
	batchID := uuid.NewString()
	e.emitBatchEvent(bus.BatchStarted, batchID, group.Index)

	deps := e.pipelineDeps()
	recs := make([]ports.ProcessedRecord, 0, len(group.Records))

	var fatal error
	for _, rec := range group.Records {
		if e.jctx.Canceled() {
			break
		}
		e.jctx.AwaitPause()
		if e.jctx.Canceled() {
			break
		}

		hc := ports.HookContext{
			JobID:       e.jctx.ID,
			BatchID:     batchID,
			BatchIndex:  group.Index,
			RecordIndex: rec.Index,
		}
		outcome := pipeline.ProcessRecord(ctx, e.jctx, e.jctx.ID, batchID, hc, rec, e.processor, deps)
		if !outcome.Skipped {
			recs = append(recs, outcome.Record)
		}
		if outcome.FatalErr != nil {
			fatal = outcome.FatalErr
			break
		}
	}

	batch := finalizeBatch(ports.Batch{ID: batchID, Index: group.Index, Status: ports.BatchProcessing}, recs)
	return batchResult{batch: batch, err: fatal}
}

// finalizeBatch tallies one locally-run batch's outcome. A local batch is
// always COMPLETED once its records have run: batch:failed/BatchFailed is
// a distributed-only concept (conditioned there on ContinueOnError), since
// a local batch containing a record failure under ContinueOnError=true is
// still a successfully completed unit of work.
func finalizeBatch(batch ports.Batch, recs []ports.ProcessedRecord) ports.Batch {
	batch.Records = recs
	batch.Status = ports.BatchCompleted
	for _, r := range recs {
		switch r.Status {
		case ports.RecordProcessed:
			batch.ProcessedCount++
		case ports.RecordFailed:
			batch.FailedCount++
		}
	}
	return batch
}

func (e *Engine) applyBatchResult(res batchResult) {
	e.mu.Lock()
	stored := res.batch
	stored.Records = nil
	e.jctx.AppendBatch(stored)
	for range res.batch.Records {
		e.jctx.ChunkRecordCount++
	}
	e.jctx.ProcessedCount += res.batch.ProcessedCount
	e.jctx.FailedCount += res.batch.FailedCount
	e.mu.Unlock()

	e.bus.Emit(bus.Event{
		Kind:      bus.BatchCompleted,
		JobID:     e.jctx.ID,
		Timestamp: time.Now(),
		Payload: bus.BatchPayload{
			BatchID:        res.batch.ID,
			BatchIndex:     res.batch.Index,
			ProcessedCount: res.batch.ProcessedCount,
			FailedCount:    res.batch.FailedCount,
		},
	})

	if e.opts.Store != nil {
		_ = e.opts.Store.UpdateBatchState(context.Background(), e.jctx.ID, res.batch.ID, ports.BatchStateUpdate{
			Status:         res.batch.Status,
			ProcessedCount: res.batch.ProcessedCount,
			FailedCount:    res.batch.FailedCount,
		})
	}

	progress := e.GetStatus()
	e.bus.Emit(bus.Event{
		Kind:      bus.JobProgress,
		JobID:     e.jctx.ID,
		Timestamp: time.Now(),
		Payload: bus.JobProgressPayload{
			TotalRecords:     progress.TotalRecords,
			ProcessedRecords: progress.ProcessedRecords,
			FailedRecords:    progress.FailedRecords,
			PendingRecords:   progress.PendingRecords,
			Percentage:       progress.Percentage,
			CurrentBatch:     progress.CurrentBatch,
			TotalBatches:     progress.TotalBatches,
			ElapsedMs:        progress.ElapsedMs,
		},
	})
}

func (e *Engine) finalizeJob(ctx context.Context) {
	e.mu.Lock()
	if e.jctx.Status == ports.JobCompleted || e.jctx.Status == ports.JobAborted || e.jctx.Status == ports.JobFailed {
		e.mu.Unlock()
		return
	}

	target := ports.JobCompleted
	if e.fatal != nil || (e.jctx.FailedCount > 0 && !e.opts.ContinueOnError) {
		target = ports.JobFailed
	}
	if err := e.jctx.TransitionTo(target); err != nil {
		e.log.Error().Err(err).Msg("failed to transition job to terminal status")
	}
	fatal := e.fatal
	e.mu.Unlock()

	if e.opts.Store != nil {
		_ = e.opts.Store.SaveJobState(ctx, e.jctx.Snapshot())
	}

	if target == ports.JobFailed {
		e.bus.Emit(bus.Event{
			Kind:      bus.JobFailed,
			JobID:     e.jctx.ID,
			Timestamp: time.Now(),
			Payload:   bus.JobFailedPayload{Error: errString(fatal)},
		})
		return
	}
	progress := e.GetStatus()
	e.bus.Emit(bus.Event{
		Kind:      bus.JobCompleted,
		JobID:     e.jctx.ID,
		Timestamp: time.Now(),
		Payload: bus.JobCompletedPayload{
			Total:     progress.TotalRecords,
			Processed: progress.ProcessedRecords,
			Failed:    progress.FailedRecords,
			ElapsedMs: progress.ElapsedMs,
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Engine) pipelineDeps() pipeline.Deps {
	return pipeline.Deps{
		Validate:        e.opts.Validate,
		Hooks:           e.opts.Hooks,
		MaxRetries:      e.opts.MaxRetries,
		RetryDelayMs:    e.opts.RetryDelayMs,
		ContinueOnError: e.opts.ContinueOnError,
		SkipEmptyRows:   e.opts.SkipEmptyRows,
		Store:           e.opts.Store,
		Bus:             e.bus,
	}
}

func (e *Engine) emitJobEvent(kind bus.Kind) {
	e.bus.Emit(bus.Event{Kind: kind, JobID: e.jctx.ID, Timestamp: time.Now()})
}

func (e *Engine) emitBatchEvent(kind bus.Kind, batchID string, index int) {
	e.bus.Emit(bus.Event{
		Kind:      kind,
		JobID:     e.jctx.ID,
		Timestamp: time.Now(),
		Payload:   bus.BatchPayload{BatchID: batchID, BatchIndex: index},
	})
}

// Restore reconstructs an Engine for an in-flight job from its last saved
// JobState, ready to keep processing via ProcessChunk once From attaches a
// freshly reopened source that replays from the beginning (the source
// itself is not persisted). Status resets to CREATED regardless of the
// saved status so Start/ProcessChunk's own Created->Processing transition
// is callable again; the job's prior progress survives via the restored
// batch list instead. Every batch the snapshot recorded as terminal is
// skipped by the splitter loop rather than re-run, so already-processed
// records are never re-invoked on the processor; TotalRecords is left at
// zero so the replayed stream recomputes it rather than double-counting
// records the restored batches already account for in ProcessedCount/
// FailedCount.
func Restore(ctx context.Context, jobID string, store ports.StateStore, log zerolog.Logger, b *bus.Bus, opts Options) (*Engine, error) {
	state, err := store.GetJobState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("restore job %s: %w", jobID, err)
	}
	if state == nil {
		return nil, fmt.Errorf("restore job %s: not found", jobID)
	}

	opts = opts.withDefaults()
	opts.Store = store
	if b == nil {
		b = bus.New(log)
	}

	jctx := jobctx.New(state.Config)
	jctx.ID = state.ID
	jctx.StartedAt = state.StartedAt
	jctx.CompletedAt = state.CompletedAt
	jctx.Distributed = state.Distributed
	jctx.RestoreBatches(state.Batches)

	return &Engine{
		log:  log.With().Str("component", "scheduler").Logger(),
		opts: opts,
		bus:  b,
		jctx: jctx,
	}, nil
}
