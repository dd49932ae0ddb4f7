package quartermaster

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgard/quartermaster/eventbus"
	"github.com/ledgard/quartermaster/queue"
	"github.com/ledgard/quartermaster/schedule"
)

// Patch is one fix the pipeline produced during a run.
type Patch struct {
	File        string `json:"file"`
	Description string `json:"description,omitempty"`
}

// PipelineResult is what a RunProcessor reports back for one run.
type PipelineResult struct {
	RunID       string  `json:"runId"`
	Success     bool    `json:"success"`
	Iterations  int     `json:"iterations"`
	Patches     []Patch `json:"patches,omitempty"`
	TestOutcome string  `json:"testOutcome,omitempty"`
}

// RunProcessor executes the test/fix pipeline for one dequeued run. The
// coordination backend never implements this itself; it is supplied by
// the embedding process.
type RunProcessor interface {
	Process(ctx context.Context, run *queue.Run, specs []schedule.TestSpec) (*PipelineResult, error)
}

// Worker is the poll loop that drains the queue into a RunProcessor. The
// queue itself never blocks on a full concurrency cap, so the worker
// simply polls again on the next tick.
type Worker struct {
	queue     *queue.Store
	engine    *schedule.Engine
	bus       *eventbus.Bus
	processor RunProcessor
	logger    *slog.Logger

	pollInterval time.Duration
	runTimeout   time.Duration
}

func NewWorker(srv *Server, processor RunProcessor) *Worker {
	return &Worker{
		queue:        srv.queue,
		engine:       srv.engine,
		bus:          srv.bus,
		processor:    processor,
		logger:       srv.logger,
		pollInterval: srv.cfg.Worker.PollInterval.Duration,
		runTimeout:   srv.cfg.Worker.RunTimeout.Duration,
	}
}

// Run polls until ctx is cancelled. Each dequeued run is processed in its
// own goroutine; the concurrency cap lives in the queue, not here.
func (worker *Worker) Run(ctx context.Context) {
	logger := worker.logger.With("Fn", "Worker.Run")

	ticker := time.NewTicker(worker.pollInterval)
	defer ticker.Stop()

	logger.Info("worker started", "pollInterval", worker.pollInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return

		case <-ticker.C:
			for {
				run := worker.queue.Dequeue(ctx)
				if run == nil {
					break
				}

				go worker.process(ctx, run)
			}
		}
	}
}

func (worker *Worker) process(ctx context.Context, run *queue.Run) {
	logger := worker.logger.With(
		"Fn", "Worker.process",
		"id", run.ID,
		"repo", run.RepoFullName,
	)

	// completion bookkeeping deliberately uses the parent ctx: a timed-out
	// pipeline must still release its processing slot and dedup lock
	runCtx, cancel := context.WithTimeout(ctx, worker.runTimeout)
	defer cancel()

	worker.bus.EmitStatus(run.ID, string(queue.StatusProcessing), "pipeline starting")

	var specs []schedule.TestSpec

	if cfg, err := worker.engine.Get(ctx, run.RepoID); err == nil {
		specs = cfg.TestSpecs
	} else {
		logger.Warn("no monitoring config for run, proceeding without test specs", "error", err)
	}

	result, err := worker.processor.Process(runCtx, run, specs)
	if err != nil {
		logger.Error("pipeline failed", "error", err)

		worker.bus.EmitError(run.ID, err)
		worker.queue.Complete(ctx, run.ID, "", false)
		worker.engine.RecordRun(ctx, run.RepoID)

		return
	}

	logger.Info("pipeline finished",
		"success", result.Success,
		"iterations", result.Iterations,
	)

	worker.queue.Complete(ctx, run.ID, result.RunID, result.Success)
	worker.engine.RecordRun(ctx, run.RepoID)
	worker.bus.EmitComplete(run.ID, result.Success, result.Iterations)
}
