// Package queue owns run admission: priority ordering, per-branch dedup
// locks, and the processing-set concurrency gate.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgard/quartermaster/kvstore"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerCron    Trigger = "cron"
	TriggerManual  Trigger = "manual"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Metadata carries trigger-specific details. The queue treats it as
// opaque except for Branch, which feeds the dedup key.
type Metadata struct {
	CommitSHA string `json:"commitSha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Pusher    string `json:"pusher,omitempty"`
	PRNumber  int    `json:"prNumber,omitempty"`
}

// Run is one queued test/fix cycle for a repository. At most one
// non-terminal Run exists per (RepoID, Branch) at any time.
type Run struct {
	ID            string     `json:"id"`
	RepoID        string     `json:"repoId"`
	RepoFullName  string     `json:"repoFullName"`
	Priority      Priority   `json:"priority"`
	Trigger       Trigger    `json:"trigger"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	PipelineRunID string     `json:"pipelineRunId,omitempty"`
	Metadata      Metadata   `json:"metadata"`
}

// Branch is the dedup branch, defaulting to "main" when the trigger
// carried none.
func (run *Run) Branch() string {
	if run.Metadata.Branch == "" {
		return defaultBranch
	}

	return run.Metadata.Branch
}

const (
	defaultBranch = "main"

	queuedKey     = "runs:queued"
	processingKey = "runs:processing"

	runTTL  = 24 * time.Hour
	lockTTL = time.Hour

	// Tier bands must dominate any epoch-millisecond timestamp, which
	// stays below 1e13 until the year 2286.
	tierBand = int64(1e13)
)

func runKey(id string) string {
	return "run:" + id
}

func lockKey(repoID, branch string) string {
	return "dedup:" + repoID + ":" + branch
}

func priorityBase(priority Priority) int64 {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return tierBand
	case PriorityLow:
		return 2 * tierBand
	default:
		return tierBand
	}
}

func defaultPriority(trigger Trigger) Priority {
	if trigger == TriggerWebhook {
		return PriorityHigh
	}

	return PriorityNormal
}

// Store coordinates run admission against the durable store. All
// mutation of the queue, the processing set and the dedup locks goes
// through its methods.
type Store struct {
	kv     *kvstore.Store
	logger *slog.Logger

	maxConcurrent int

	now func() time.Time
}

func NewStore(kv *kvstore.Store, logger *slog.Logger, maxConcurrent int) *Store {
	return &Store{
		kv:            kv,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// EnqueueRequest describes a run admission attempt. Priority may be left
// empty, in which case it is derived from the trigger (webhook runs jump
// the queue).
type EnqueueRequest struct {
	RepoID       string
	RepoFullName string
	Trigger      Trigger
	Priority     Priority
	Metadata     Metadata
}

// Enqueue admits a run unless one is already pending or in flight for the
// same (repo, branch). A nil result with no warning logged means the
// dedup lock was held; callers must treat that as "already queued", not
// as a failure.
func (store *Store) Enqueue(ctx context.Context, req EnqueueRequest) *Run {
	logger := store.logger.With("Fn", "Store.Enqueue", "repoId", req.RepoID)

	run := &Run{
		ID:           uuid.New().String(),
		RepoID:       req.RepoID,
		RepoFullName: req.RepoFullName,
		Priority:     req.Priority,
		Trigger:      req.Trigger,
		Status:       StatusQueued,
		CreatedAt:    store.now(),
		Metadata:     req.Metadata,
	}

	if run.Priority == "" {
		run.Priority = defaultPriority(req.Trigger)
	}

	// The lock is claimed atomically before anything else is written, so
	// two near-simultaneous calls can never both pass the dedup gate.
	claimed, err := store.kv.SetNX(ctx, lockKey(run.RepoID, run.Branch()), []byte(run.ID), lockTTL)
	if err != nil {
		logger.Warn("could not claim dedup lock", "error", err)
		return nil
	}

	if !claimed {
		logger.Debug("dedup lock held, skipping", "branch", run.Branch())
		return nil
	}

	if !store.persist(ctx, logger, run) {
		return nil
	}

	score := priorityBase(run.Priority) + run.CreatedAt.UnixMilli()

	if err := store.kv.ZAdd(ctx, queuedKey, run.ID, score); err != nil {
		logger.Warn("could not insert into queue", "error", err)

		_ = store.kv.Delete(ctx, runKey(run.ID))
		_ = store.kv.Delete(ctx, lockKey(run.RepoID, run.Branch()))

		return nil
	}

	logger.Info("run enqueued", "id", run.ID, "priority", run.Priority, "branch", run.Branch())

	return run
}

// Dequeue pops the highest-ranked queued run, or nil when the queue is
// empty, the concurrency cap is reached, or this caller lost the pop race
// to a concurrent dequeuer. It never blocks; retry is the caller's job.
func (store *Store) Dequeue(ctx context.Context) *Run {
	logger := store.logger.With("Fn", "Store.Dequeue")

	processing, err := store.kv.SCard(ctx, processingKey)
	if err != nil {
		logger.Warn("could not read processing set size", "error", err)
		return nil
	}

	if processing >= store.maxConcurrent {
		return nil
	}

	id, _, ok, err := store.kv.ZLowest(ctx, queuedKey)
	if err != nil {
		logger.Warn("could not read queue head", "error", err)
		return nil
	}

	if !ok {
		return nil
	}

	removed, err := store.kv.ZRem(ctx, queuedKey, id)
	if err != nil {
		logger.Warn("could not remove queue head", "error", err)
		return nil
	}

	// Lost the race to another dequeuer; that caller owns the run now.
	if !removed {
		return nil
	}

	run := store.load(ctx, logger, id)
	if run == nil {
		return nil
	}

	startedAt := store.now()
	run.Status = StatusProcessing
	run.StartedAt = &startedAt

	if !store.persist(ctx, logger, run) {
		return nil
	}

	if err := store.kv.SAdd(ctx, processingKey, run.ID); err != nil {
		logger.Warn("could not add to processing set", "error", err)
		return nil
	}

	logger.Info("run dequeued", "id", run.ID, "repoId", run.RepoID)

	return run
}

// Get loads a run record by id, or nil when unknown or already expired.
func (store *Store) Get(ctx context.Context, id string) *Run {
	return store.load(ctx, store.logger.With("Fn", "Store.Get"), id)
}

// Complete marks the run terminal and releases its dedup lock. This is
// the only path that releases a lock short of the stale sweep or the
// lock's own TTL.
func (store *Store) Complete(ctx context.Context, id, pipelineRunID string, success bool) bool {
	logger := store.logger.With("Fn", "Store.Complete", "id", id)

	run := store.load(ctx, logger, id)
	if run == nil {
		return false
	}

	completedAt := store.now()
	run.CompletedAt = &completedAt
	run.PipelineRunID = pipelineRunID
	run.Status = StatusCompleted

	if !success {
		run.Status = StatusFailed
	}

	if !store.persist(ctx, logger, run) {
		return false
	}

	if _, err := store.kv.SRem(ctx, processingKey, id); err != nil {
		logger.Warn("could not remove from processing set", "error", err)
	}

	if err := store.kv.Delete(ctx, lockKey(run.RepoID, run.Branch())); err != nil {
		logger.Warn("could not release dedup lock", "error", err)
	}

	logger.Info("run completed", "status", run.Status, "pipelineRunId", pipelineRunID)

	return true
}

// Cancel forgets a run entirely: queue entry, processing membership,
// dedup lock, and record.
func (store *Store) Cancel(ctx context.Context, id string) bool {
	logger := store.logger.With("Fn", "Store.Cancel", "id", id)

	run := store.load(ctx, logger, id)

	if _, err := store.kv.ZRem(ctx, queuedKey, id); err != nil {
		logger.Warn("could not remove from queue", "error", err)
		return false
	}

	if _, err := store.kv.SRem(ctx, processingKey, id); err != nil {
		logger.Warn("could not remove from processing set", "error", err)
		return false
	}

	if run != nil {
		if err := store.kv.Delete(ctx, lockKey(run.RepoID, run.Branch())); err != nil {
			logger.Warn("could not release dedup lock", "error", err)
			return false
		}
	}

	if err := store.kv.Delete(ctx, runKey(id)); err != nil {
		logger.Warn("could not delete run record", "error", err)
		return false
	}

	logger.Info("run cancelled")

	return true
}

// CleanupStaleProcessing cancels processing entries whose StartedAt is
// older than maxAge, presuming their worker crashed. It must be driven by
// an external periodic caller; the store owns no timer. Returns the
// number of entries cancelled.
func (store *Store) CleanupStaleProcessing(ctx context.Context, maxAge time.Duration) int {
	logger := store.logger.With("Fn", "Store.CleanupStaleProcessing")

	members, err := store.kv.SMembers(ctx, processingKey)
	if err != nil {
		logger.Warn("could not read processing set", "error", err)
		return 0
	}

	cutoff := store.now().Add(-maxAge)
	cancelled := 0

	for _, id := range members {
		run := store.load(ctx, logger, id)

		// A missing record means the 24h TTL already reaped it; drop the
		// orphaned processing entry either way.
		stale := run == nil || run.StartedAt == nil || run.StartedAt.Before(cutoff)
		if !stale {
			continue
		}

		logger.Info("cancelling stale processing entry", "id", id)

		if store.Cancel(ctx, id) {
			cancelled++
		}
	}

	return cancelled
}

// QueueStatus is a point-in-time view for observability.
type QueueStatus struct {
	Pending    int   `json:"pending"`
	Processing int   `json:"processing"`
	Runs       []Run `json:"runs"`
}

// Status materializes the pending and processing runs, queue order first.
func (store *Store) Status(ctx context.Context) QueueStatus {
	logger := store.logger.With("Fn", "Store.Status")

	status := QueueStatus{Runs: []Run{}}

	entries, err := store.kv.ZMembers(ctx, queuedKey)
	if err != nil {
		logger.Warn("could not read queue", "error", err)
		return status
	}

	for _, entry := range entries {
		if run := store.load(ctx, logger, entry.Member); run != nil {
			status.Runs = append(status.Runs, *run)
		}
	}

	status.Pending = len(status.Runs)

	members, err := store.kv.SMembers(ctx, processingKey)
	if err != nil {
		logger.Warn("could not read processing set", "error", err)
		return status
	}

	for _, id := range members {
		if run := store.load(ctx, logger, id); run != nil {
			status.Runs = append(status.Runs, *run)
			status.Processing++
		}
	}

	return status
}

func (store *Store) load(ctx context.Context, logger *slog.Logger, id string) *Run {
	data, ok, err := store.kv.Get(ctx, runKey(id))
	if err != nil {
		logger.Warn("could not load run record", "id", id, "error", err)
		return nil
	}

	if !ok {
		return nil
	}

	run := &Run{}
	if err := json.Unmarshal(data, run); err != nil {
		logger.Warn("could not decode run record", "id", id, "error", err)
		return nil
	}

	return run
}

func (store *Store) persist(ctx context.Context, logger *slog.Logger, run *Run) bool {
	data, err := json.Marshal(run)
	if err != nil {
		logger.Warn("could not encode run record", "id", run.ID, "error", err)
		return false
	}

	if err := store.kv.Set(ctx, runKey(run.ID), data, runTTL); err != nil {
		logger.Warn("could not persist run record", "id", run.ID, "error", err)
		return false
	}

	return true
}
