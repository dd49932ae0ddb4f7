package quartermaster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgard/quartermaster/eventbus"
	"github.com/ledgard/quartermaster/queue"
	"github.com/ledgard/quartermaster/schedule"
)

type fakeProcessor struct {
	mu     sync.Mutex
	seen   []string
	result *PipelineResult
	err    error
	done   chan struct{}
}

func (p *fakeProcessor) Process(_ context.Context, run *queue.Run, _ []schedule.TestSpec) (*PipelineResult, error) {
	p.mu.Lock()
	p.seen = append(p.seen, run.ID)
	p.mu.Unlock()

	defer func() { p.done <- struct{}{} }()

	return p.result, p.err
}

func newWorkerFixture(t *testing.T, processor *fakeProcessor) (*Server, *Worker) {
	t.Helper()

	srv := newTestServer(t)
	srv.cfg.Worker.PollInterval = Duration{10 * time.Millisecond}

	return srv, NewWorker(srv, processor)
}

func waitFor(t *testing.T, done chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the processor")
	}
}

func TestWorkerProcessesRun(t *testing.T) {
	processor := &fakeProcessor{
		result: &PipelineResult{RunID: "pipeline-1", Success: true, Iterations: 2},
		done:   make(chan struct{}, 1),
	}

	srv, worker := newWorkerFixture(t, processor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := srv.Engine().Create(ctx, schedule.Config{
		RepoID:    "42",
		Enabled:   true,
		Schedule:  schedule.Hourly,
		TestSpecs: []schedule.TestSpec{{Name: "smoke"}},
	})
	require.NoError(t, err)

	run := srv.Queue().Enqueue(ctx, queue.EnqueueRequest{RepoID: "42", Trigger: queue.TriggerCron})
	require.NotNil(t, run)

	var events []eventbus.Event
	var mu sync.Mutex

	defer srv.Bus().Subscribe(run.ID, func(event eventbus.Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})()

	go worker.Run(ctx)

	waitFor(t, processor.done)

	require.Eventually(t, func() bool {
		record := srv.Queue().Get(ctx, run.ID)
		return record != nil && record.Status == queue.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	record := srv.Queue().Get(ctx, run.ID)
	require.Equal(t, "pipeline-1", record.PipelineRunID)

	cfg, err := srv.Engine().Get(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, cfg.LastRunAt, "completion must be recorded with the schedule engine")

	mu.Lock()
	defer mu.Unlock()

	require.GreaterOrEqual(t, len(events), 2)
	require.Equal(t, eventbus.EventStatus, events[0].Type)
	require.Equal(t, eventbus.EventComplete, events[len(events)-1].Type)
}

func TestWorkerHandlesProcessorError(t *testing.T) {
	processor := &fakeProcessor{
		err:  errors.New("pipeline exploded"),
		done: make(chan struct{}, 1),
	}

	srv, worker := newWorkerFixture(t, processor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := srv.Queue().Enqueue(ctx, queue.EnqueueRequest{RepoID: "42", Trigger: queue.TriggerManual})
	require.NotNil(t, run)

	go worker.Run(ctx)

	waitFor(t, processor.done)

	require.Eventually(t, func() bool {
		record := srv.Queue().Get(ctx, run.ID)
		return record != nil && record.Status == queue.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, srv.Queue().Enqueue(ctx, queue.EnqueueRequest{RepoID: "42", Trigger: queue.TriggerManual}),
		"a failed run must still release the dedup lock")
}
