// Package bulkimport is the top-level facade wiring the event bus, job
// context, splitter, pipeline, and scheduler into the single Engine type
// an application constructs, configures with From, and drives with
// Start/ProcessChunk. It re-exports the scheduler's package-level
// Restore for resuming a persisted job.
package bulkimport

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/jobctx"
	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/scheduler"
)

// Options configures a job end to end; an alias of scheduler.Options so
// callers of this package never need to import scheduler directly.
type Options = scheduler.Options

// DefaultOptions returns sane defaults for a modest one-off import.
func DefaultOptions() Options {
	return scheduler.DefaultOptions()
}

// Engine is a single import job: construction, source attachment, event
// subscription, lifecycle control, and progress observation.
type Engine = scheduler.Engine

// ChunkLimits bounds a single ProcessChunk invocation.
type ChunkLimits = jobctx.ChunkLimits

// ChunkResult is the delta/total progress returned by one ProcessChunk call.
type ChunkResult = scheduler.ChunkResult

// New constructs a fresh Engine. Pass a nil Bus to get a private one.
func New(log zerolog.Logger, b *bus.Bus, opts Options) *Engine {
	return scheduler.New(log, b, opts)
}

// Restore reconstructs an Engine for an in-flight job from its last saved
// JobState, ready to resume via ProcessChunk against a freshly opened
// source.
func Restore(ctx context.Context, jobID string, store ports.StateStore, log zerolog.Logger, b *bus.Bus, opts Options) (*Engine, error) {
	return scheduler.Restore(ctx, jobID, store, log, b, opts)
}
