package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/cmd/bulkimportd/httpapi"
	apimw "github.com/vgpastor/bulkimport/cmd/bulkimportd/httpapi/middleware"
	"github.com/vgpastor/bulkimport/cmd/bulkimportd/source"
	"github.com/vgpastor/bulkimport/distributed"
	"github.com/vgpastor/bulkimport/internal/config"
	"github.com/vgpastor/bulkimport/internal/metrics"
	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/scheduler"
	"github.com/vgpastor/bulkimport/store/memstore"
)

// runOptions are the flag-derived inputs a single "run" invocation needs,
// layered on top of the on-disk Config.
type runOptions struct {
	sourcePath  string
	distributed bool
	workerCount int
}

// App wires one bulkimportd invocation: config, logging, metrics, the
// engine (local or distributed), and the status/control HTTP server —
// mirroring shared-publisher-leader-app's App, with the batch/proof/consensus
// subsystems replaced by the bulk-import engine.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	bus       *bus.Bus
	jobMetrics *metrics.JobMetrics

	engine      *scheduler.Engine
	coordinator *distributed.Coordinator

	apiServer *httpapi.Server
}

// NewApp constructs and wires an App; it does not start anything yet.
func NewApp(cfg *config.Config, log zerolog.Logger) *App {
	b := bus.New(log)
	jm := metrics.NewJobMetrics()
	jm.Subscribe(b)

	return &App{
		cfg:        cfg,
		log:        log.With().Str("component", "app").Logger(),
		bus:        b,
		jobMetrics: jm,
	}
}

// Run drives one local (non-distributed) job to completion while serving
// the status/control API concurrently, blocking until the job finishes
// or a shutdown signal arrives.
func (a *App) Run(ctx context.Context, opts runOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, parser, err := a.buildSource(opts.sourcePath)
	if err != nil {
		return err
	}

	schedOpts := scheduler.Options{
		BatchSize:            a.cfg.Job.BatchSize,
		MaxConcurrentBatches: a.cfg.Job.MaxConcurrentBatches,
		ContinueOnError:      a.cfg.Job.ContinueOnError,
		MaxRetries:           a.cfg.Job.MaxRetries,
		RetryDelayMs:         a.cfg.Job.RetryDelayMs,
		SkipEmptyRows:        a.cfg.Job.SkipEmptyRows,
		Validate:             passthroughValidate,
	}
	a.engine = scheduler.New(a.log, a.bus, schedOpts).From(src, parser)

	a.startAPIServer(runCtx, a.engine)
	a.reportJobEvents()

	a.log.Info().Str("job_id", a.engine.GetJobID()).Str("source", opts.sourcePath).Msg("starting import job")

	finished := make(chan struct{}, 1)
	for _, kind := range []bus.Kind{bus.JobCompleted, bus.JobFailed, bus.JobAborted} {
		a.bus.Subscribe(kind, func(bus.Event) {
			select {
			case finished <- struct{}{}:
			default:
			}
		})
	}
	jobErr := a.engine.Start(runCtx, demoProcessor)
	if jobErr == nil {
		select {
		case <-finished:
		case <-runCtx.Done():
		}
	}
	cancel() // stop the status/control API now that the job is done

	if jobErr != nil {
		return fmt.Errorf("job failed: %w", jobErr)
	}
	progress := a.engine.GetStatus()
	a.log.Info().
		Int("processed", progress.ProcessedRecords).
		Int("failed", progress.FailedRecords).
		Msg("import job finished")
	return nil
}

// RunDistributed prepares a job and drains it with opts.workerCount
// concurrent in-process workers against a shared memstore, demonstrating
// the claim/process/finalize protocol without needing separate OS
// processes to share storage.
func (a *App) RunDistributed(ctx context.Context, opts runOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, parser, err := a.buildSource(opts.sourcePath)
	if err != nil {
		return err
	}

	st := memstore.New()
	a.coordinator = distributed.New(a.log, st, a.bus, distributed.Options{
		BatchSize:       a.cfg.Job.BatchSize,
		ContinueOnError: a.cfg.Job.ContinueOnError,
		MaxRetries:      a.cfg.Job.MaxRetries,
		RetryDelayMs:    a.cfg.Job.RetryDelayMs,
		SkipEmptyRows:   a.cfg.Job.SkipEmptyRows,
		StaleTimeoutMs:  a.cfg.Distributed.StaleTimeoutMs,
		Validate:        passthroughValidate,
	})

	prep, err := a.coordinator.Prepare(runCtx, src, parser)
	if err != nil {
		return fmt.Errorf("prepare distributed job: %w", err)
	}
	a.log.Info().
		Str("job_id", prep.JobID).
		Int("total_records", prep.TotalRecords).
		Int("total_batches", prep.TotalBatches).
		Int("workers", opts.workerCount).
		Msg("prepared distributed job")

	a.startAPIServer(runCtx, &distributedController{
		store:       st,
		coordinator: a.coordinator,
		jobID:       prep.JobID,
		staleMs:     a.cfg.Distributed.StaleTimeoutMs,
	})

	workers := opts.workerCount
	if workers <= 0 {
		workers = 1
	}

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			for {
				res, err := a.coordinator.ProcessWorkerBatch(runCtx, prep.JobID, demoProcessor, workerID)
				if err != nil {
					a.log.Error().Err(err).Str("worker_id", workerID).Msg("worker batch failed")
					return
				}
				if res.Outcome == distributed.ClaimOutcomeNoWork {
					return
				}
				if res.JobFinalized {
					close(done)
					return
				}
			}
		}()
	}

	select {
	case <-done:
	case <-runCtx.Done():
	}

	stats, err := a.coordinator.GetStats(context.Background(), prep.JobID)
	if err != nil {
		return fmt.Errorf("get final stats: %w", err)
	}
	a.log.Info().Interface("stats", stats).Msg("distributed import job finished")
	return nil
}

// distributedController adapts a Coordinator plus its backing store into an
// httpapi.JobController for a single prepared job. Coordinator itself is
// stateless across jobs, so pause/resume/abort are implemented as direct
// status transitions on the store, the same way a second coordinator
// instance (e.g. another worker process) would observe them.
type distributedController struct {
	store       ports.DistributedStateStore
	coordinator *distributed.Coordinator
	jobID       string
	staleMs     int64
}

func (d *distributedController) GetStats() map[string]any {
	stats, err := d.coordinator.GetStats(context.Background(), d.jobID)
	if err != nil {
		return map[string]any{"job_id": d.jobID, "error": err.Error()}
	}
	return stats
}

func (d *distributedController) Pause() error {
	return d.transition(ports.JobProcessing, ports.JobPaused)
}

func (d *distributedController) Resume() error {
	return d.transition(ports.JobPaused, ports.JobProcessing)
}

func (d *distributedController) Abort() error {
	state, err := d.store.GetJobState(context.Background(), d.jobID)
	if err != nil {
		return err
	}
	state.Status = ports.JobAborted
	return d.store.SaveJobState(context.Background(), *state)
}

func (d *distributedController) ReclaimStale() (int, error) {
	return d.coordinator.ReclaimStale(context.Background(), d.jobID, d.staleMs)
}

func (d *distributedController) transition(from, to ports.JobStatus) error {
	ctx := context.Background()
	state, err := d.store.GetJobState(ctx, d.jobID)
	if err != nil {
		return err
	}
	if state.Status != from {
		return fmt.Errorf("job %s is %s, not %s", d.jobID, state.Status, from)
	}
	state.Status = to
	return d.store.SaveJobState(ctx, *state)
}

func (a *App) buildSource(path string) (ports.DataSource, ports.Parser, error) {
	header, err := source.HeaderLine(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	return source.NewFileSource(path, true), source.NewCSVParser(header), nil
}

func (a *App) startAPIServer(ctx context.Context, job httpapi.JobController) {
	s := httpapi.NewServer(httpapi.Config{
		ListenAddr:        a.cfg.API.ListenAddr,
		ReadHeaderTimeout: a.cfg.API.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.API.ReadTimeout,
		WriteTimeout:      a.cfg.API.WriteTimeout,
		IdleTimeout:       a.cfg.API.IdleTimeout,
	}, a.log)
	s.Use(apimw.Recover(a.log))
	s.Use(apimw.RequestID())
	s.Use(apimw.Logger(a.log))
	s.Use(apimw.CORS())

	httpapi.NewHandlers(job).RegisterRoutes(s)

	if a.cfg.Metrics.Enabled {
		s.Router.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.jobMetrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	a.apiServer = s
	go func() {
		if err := s.Start(ctx); err != nil {
			a.log.Error().Err(err).Msg("status/control API error")
		}
	}()
}

func (a *App) reportJobEvents() {
	a.bus.Subscribe(bus.JobFailed, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.JobFailedPayload); ok {
			a.log.Error().Str("job_id", ev.JobID).Str("error", p.Error).Msg("job failed")
		}
	})
}

// WaitForSignal blocks until ctx is canceled or SIGINT/SIGTERM arrives,
// returning a context already canceled on return.
func WaitForSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func demoProcessor(ctx context.Context, rec ports.ProcessedRecord) error {
	// The demo daemon has no business logic of its own: a concrete
	// Processor is always a caller collaborator. This one only proves
	// records flow through the pipeline end to end.
	return nil
}

func passthroughValidate(ports.RawRecord) ports.ValidateResult {
	return ports.ValidateResult{}
}
