// Package ingest validates inbound triggers and decides whether they are
// eligible to enqueue a run. Webhook deliveries are authenticated before
// any eligibility logic runs; periodic sweeps walk the due schedules.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ledgard/quartermaster/queue"
	"github.com/ledgard/quartermaster/schedule"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Result is the structured outcome of a trigger attempt. Queued=false
// with a message is a normal outcome (ineligible or already pending), not
// an error.
type Result struct {
	Queued  bool   `json:"queued"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message"`
}

const signaturePrefix = "sha256="

// VerifySignature checks a GitHub-style HMAC-SHA256 signature header
// ("sha256=<hex>") against the raw request body. The comparison is
// constant-time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the signature header value for a payload. Used by tests
// and by outbound delivery tooling.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

var prActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

type webhookPayload struct {
	Ref        string `json:"ref"`
	Action     string `json:"action"`
	Number     int    `json:"number"`
	Repository struct {
		ID            int64  `json:"id"`
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	PullRequest *struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

// Ingestor gates triggers into the queue.
type Ingestor struct {
	queue  *queue.Store
	engine *schedule.Engine
	secret string
	logger *slog.Logger
}

func NewIngestor(q *queue.Store, engine *schedule.Engine, secret string, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		queue:  q,
		engine: engine,
		secret: secret,
		logger: logger,
	}
}

// SecretConfigured reports whether a global signing secret is set.
func (ing *Ingestor) SecretConfigured() bool {
	return ing.secret != ""
}

// HandleWebhook authenticates and routes one webhook delivery. A per-repo
// WebhookSecret, when configured, takes precedence over the global one.
// ErrInvalidSignature means the delivery never reached eligibility logic.
func (ing *Ingestor) HandleWebhook(ctx context.Context, eventType, deliveryID, signature string, payload []byte) (Result, error) {
	logger := ing.logger.With(
		"Fn", "Ingestor.HandleWebhook",
		"event", eventType,
		"delivery", deliveryID,
	)

	parsed := webhookPayload{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}

	repoID := strconv.FormatInt(parsed.Repository.ID, 10)

	cfg, cfgErr := ing.engine.Get(ctx, repoID)

	secret := ing.secret
	if cfg != nil && cfg.WebhookSecret != "" {
		secret = cfg.WebhookSecret
	}

	if !VerifySignature(secret, payload, signature) {
		logger.Debug("signature verification failed")
		return Result{}, ErrInvalidSignature
	}

	if cfgErr != nil {
		logger.Debug("repository not monitored", "repoId", repoID)
		return Result{Message: "repository is not monitored"}, nil
	}

	switch eventType {
	case "ping":
		return Result{Message: "pong"}, nil

	case "push":
		return ing.handlePush(ctx, logger, cfg, &parsed), nil

	case "pull_request":
		return ing.handlePullRequest(ctx, logger, cfg, &parsed), nil

	default:
		logger.Debug("ignoring event type")
		return Result{Message: "ignored event type: " + eventType}, nil
	}
}

func (ing *Ingestor) handlePush(ctx context.Context, logger *slog.Logger, cfg *schedule.Config, payload *webhookPayload) Result {
	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")

	if !cfg.Enabled {
		return Result{Message: "monitoring is disabled"}
	}

	if cfg.Schedule != schedule.OnPush {
		return Result{Message: "repository is not monitored on push"}
	}

	if branch != payload.Repository.DefaultBranch {
		logger.Debug("ignoring push to non-default branch", "branch", branch)
		return Result{Message: "ignored push to non-default branch"}
	}

	meta := queue.Metadata{
		Branch: branch,
		Pusher: payload.Pusher.Name,
	}

	if payload.HeadCommit != nil {
		meta.CommitSHA = payload.HeadCommit.ID
	}

	return ing.enqueue(ctx, cfg, meta)
}

func (ing *Ingestor) handlePullRequest(ctx context.Context, logger *slog.Logger, cfg *schedule.Config, payload *webhookPayload) Result {
	if !prActions[payload.Action] {
		logger.Debug("ignoring pull_request action", "action", payload.Action)
		return Result{Message: "ignored pull_request action: " + payload.Action}
	}

	if !cfg.Enabled {
		return Result{Message: "monitoring is disabled"}
	}

	meta := queue.Metadata{PRNumber: payload.Number}

	if payload.PullRequest != nil {
		meta.Branch = payload.PullRequest.Head.Ref
		meta.CommitSHA = payload.PullRequest.Head.SHA
	}

	return ing.enqueue(ctx, cfg, meta)
}

func (ing *Ingestor) enqueue(ctx context.Context, cfg *schedule.Config, meta queue.Metadata) Result {
	run := ing.queue.Enqueue(ctx, queue.EnqueueRequest{
		RepoID:       cfg.RepoID,
		RepoFullName: cfg.RepoFullName,
		Trigger:      queue.TriggerWebhook,
		Metadata:     meta,
	})

	// Webhooks arrive in bursts; a suppressed duplicate is routine.
	if run == nil {
		return Result{Message: "already queued"}
	}

	return Result{Queued: true, RunID: run.ID, Message: "run queued"}
}

// Sweep enqueues a cron-triggered run for every due schedule. It is the
// entry point for the periodic sweep process. Returns the number of runs
// actually queued (duplicates suppressed by the dedup lock don't count).
func (ing *Ingestor) Sweep(ctx context.Context) int {
	logger := ing.logger.With("Fn", "Ingestor.Sweep")

	queued := 0

	for _, cfg := range ing.engine.DueForRun(ctx) {
		run := ing.queue.Enqueue(ctx, queue.EnqueueRequest{
			RepoID:       cfg.RepoID,
			RepoFullName: cfg.RepoFullName,
			Trigger:      queue.TriggerCron,
		})

		if run == nil {
			logger.Debug("sweep trigger suppressed", "repoId", cfg.RepoID)
			continue
		}

		logger.Info("sweep trigger queued", "repoId", cfg.RepoID, "id", run.ID)
		queued++
	}

	return queued
}
