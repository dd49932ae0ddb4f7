// Package schedule owns per-repository monitoring configuration and
// decides when a periodically-monitored repository is next due for a run.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgard/quartermaster/kvstore"
)

type Schedule string

const (
	Hourly Schedule = "hourly"
	Daily  Schedule = "daily"
	Weekly Schedule = "weekly"
	OnPush Schedule = "on_push"
)

func (schedule Schedule) Valid() bool {
	switch schedule {
	case Hourly, Daily, Weekly, OnPush:
		return true
	default:
		return false
	}
}

// TestSpec describes one scripted check the pipeline should run against
// the repository. The engine stores these verbatim for the processor.
type TestSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// Config is the monitoring configuration for one repository.
type Config struct {
	RepoID        string     `json:"repoId"`
	RepoFullName  string     `json:"repoFullName"`
	Enabled       bool       `json:"enabled"`
	Schedule      Schedule   `json:"schedule"`
	TestSpecs     []TestSpec `json:"testSpecs,omitempty"`
	WebhookSecret string     `json:"webhookSecret,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

var (
	ErrNotFound      = errors.New("monitoring config not found")
	ErrAlreadyExists = errors.New("monitoring config already exists")
)

type InvalidScheduleError struct {
	Schedule Schedule
}

func (e InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule '%s'", e.Schedule)
}

const indexKey = "monitors:index"

func configKey(repoID string) string {
	return "monitor:" + repoID
}

// Engine persists monitoring configs and computes due times.
type Engine struct {
	kv     *kvstore.Store
	logger *slog.Logger

	now func() time.Time
}

func NewEngine(kv *kvstore.Store, logger *slog.Logger) *Engine {
	return &Engine{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// NextRunTime computes the next due time for a schedule, relative to
// from. OnPush never produces a due time.
//
// Note: weekly is "7 days from now at midnight", not aligned to a fixed
// weekday the way hourly/daily align to hour/day boundaries.
func NextRunTime(schedule Schedule, from time.Time) *time.Time {
	var next time.Time

	switch schedule {
	case Hourly:
		year, month, day := from.Date()
		next = time.Date(year, month, day, from.Hour(), 0, 0, 0, from.Location()).Add(time.Hour)

	case Daily:
		year, month, day := from.Date()
		next = time.Date(year, month, day, 0, 0, 0, 0, from.Location()).AddDate(0, 0, 1)

	case Weekly:
		year, month, day := from.Date()
		next = time.Date(year, month, day, 0, 0, 0, 0, from.Location()).AddDate(0, 0, 7)

	default:
		return nil
	}

	return &next
}

// Create registers a new monitoring config, stamping audit timestamps and
// the initial NextRunAt.
func (engine *Engine) Create(ctx context.Context, cfg Config) (*Config, error) {
	if cfg.RepoID == "" {
		return nil, errors.New("repoId must be set")
	}

	if !cfg.Schedule.Valid() {
		return nil, InvalidScheduleError{cfg.Schedule}
	}

	if _, err := engine.Get(ctx, cfg.RepoID); err == nil {
		return nil, ErrAlreadyExists
	}

	now := engine.now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.NextRunAt = NextRunTime(cfg.Schedule, now)

	if err := engine.persist(ctx, &cfg); err != nil {
		return nil, err
	}

	if err := engine.kv.SAdd(ctx, indexKey, cfg.RepoID); err != nil {
		return nil, fmt.Errorf("failed to index config: %w", err)
	}

	engine.logger.Info("monitoring config created",
		"repoId", cfg.RepoID, "schedule", cfg.Schedule)

	return &cfg, nil
}

func (engine *Engine) Get(ctx context.Context, repoID string) (*Config, error) {
	data, ok, err := engine.kv.Get(ctx, configKey(repoID))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if !ok {
		return nil, ErrNotFound
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// Update replaces a config. A schedule change recomputes NextRunAt;
// LastRunAt is preserved from the stored config.
func (engine *Engine) Update(ctx context.Context, cfg Config) (*Config, error) {
	if !cfg.Schedule.Valid() {
		return nil, InvalidScheduleError{cfg.Schedule}
	}

	existing, err := engine.Get(ctx, cfg.RepoID)
	if err != nil {
		return nil, err
	}

	cfg.CreatedAt = existing.CreatedAt
	cfg.LastRunAt = existing.LastRunAt
	cfg.UpdatedAt = engine.now()

	cfg.NextRunAt = existing.NextRunAt
	if cfg.Schedule != existing.Schedule {
		cfg.NextRunAt = NextRunTime(cfg.Schedule, engine.now())
	}

	if err := engine.persist(ctx, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (engine *Engine) Delete(ctx context.Context, repoID string) error {
	if _, err := engine.Get(ctx, repoID); err != nil {
		return err
	}

	if err := engine.kv.Delete(ctx, configKey(repoID)); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}

	if _, err := engine.kv.SRem(ctx, indexKey, repoID); err != nil {
		return fmt.Errorf("failed to unindex config: %w", err)
	}

	return nil
}

// List returns every stored config. Unreadable entries are skipped with a
// warning so one corrupt record cannot take down the listing.
func (engine *Engine) List(ctx context.Context) []Config {
	logger := engine.logger.With("Fn", "Engine.List")

	repoIDs, err := engine.kv.SMembers(ctx, indexKey)
	if err != nil {
		logger.Warn("could not read config index", "error", err)
		return nil
	}

	configs := make([]Config, 0, len(repoIDs))

	for _, repoID := range repoIDs {
		cfg, err := engine.Get(ctx, repoID)
		if err != nil {
			logger.Warn("skipping unreadable config", "repoId", repoID, "error", err)
			continue
		}

		configs = append(configs, *cfg)
	}

	return configs
}

// DueForRun returns the configs a periodic sweep should trigger now:
// enabled, not on_push, with a NextRunAt at or before now.
func (engine *Engine) DueForRun(ctx context.Context) []Config {
	now := engine.now()

	var due []Config

	for _, cfg := range engine.List(ctx) {
		if !cfg.Enabled || cfg.Schedule == OnPush {
			continue
		}

		if cfg.NextRunAt == nil || cfg.NextRunAt.After(now) {
			continue
		}

		due = append(due, cfg)
	}

	return due
}

// RecordRun stamps LastRunAt and advances NextRunAt. Called after every
// completed run regardless of outcome; scheduling never stalls on
// failures.
func (engine *Engine) RecordRun(ctx context.Context, repoID string) {
	logger := engine.logger.With("Fn", "Engine.RecordRun", "repoId", repoID)

	cfg, err := engine.Get(ctx, repoID)
	if err != nil {
		logger.Warn("could not load config", "error", err)
		return
	}

	now := engine.now()
	cfg.LastRunAt = &now
	cfg.UpdatedAt = now

	if cfg.Schedule != OnPush {
		cfg.NextRunAt = NextRunTime(cfg.Schedule, now)
	}

	if err := engine.persist(ctx, cfg); err != nil {
		logger.Warn("could not persist config", "error", err)
	}
}

func (engine *Engine) persist(ctx context.Context, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := engine.kv.Set(ctx, configKey(cfg.RepoID), data, 0); err != nil {
		return fmt.Errorf("failed to persist config: %w", err)
	}

	return nil
}
