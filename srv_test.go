package quartermaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgard/quartermaster/ingest"
	"github.com/ledgard/quartermaster/kvstore"
	"github.com/ledgard/quartermaster/queue"
	"github.com/ledgard/quartermaster/schedule"
)

const testSecret = "test-signing-secret"

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := Config{}
	cfg.Server.Port = 8490
	cfg.Store.Path = filepath.Join(t.TempDir(), "srv.db")
	cfg.Webhook.Secret = testSecret
	cfg.Queue.MaxConcurrent = 5

	applyDefaults(&cfg)

	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := testConfig(t)

	kv, err := kvstore.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	srv, err := NewServer(cfg, kv)
	require.NoError(t, err)

	return srv
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func TestServerInit(t *testing.T) {
	srv := newTestServer(t)

	t.Run("logger should be set", func(tt *testing.T) {
		if srv.logger == nil {
			tt.Fatalf("logger is nil")
		}
	})

	t.Run("components should be wired", func(tt *testing.T) {
		if srv.queue == nil || srv.engine == nil || srv.ingestor == nil || srv.bus == nil {
			tt.Fatalf("server is missing components")
		}
	})
}

func TestWebhookHealth(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Routes(), http.MethodGet, "/hooks/github", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body["secretConfigured"])
}

func pushDelivery(repoID int64, branch string) []byte {
	return []byte(fmt.Sprintf(`{
		"ref": "refs/heads/%s",
		"repository": {"id": %d, "full_name": "acme/shop", "default_branch": "main"},
		"head_commit": {"id": "deadbeef"},
		"pusher": {"name": "alice"}
	}`, branch, repoID))
}

func postWebhook(t *testing.T, router http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", signature)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func TestWebhookEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects an invalid signature", func(t *testing.T) {
		srv := newTestServer(t)
		payload := pushDelivery(42, "main")

		rec := postWebhook(t, srv.Routes(), payload, "sha256=0000")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Nil(t, srv.Queue().Dequeue(ctx))
	})

	t.Run("queues an eligible push", func(t *testing.T) {
		srv := newTestServer(t)

		_, err := srv.Engine().Create(ctx, schedule.Config{
			RepoID:       "42",
			RepoFullName: "acme/shop",
			Enabled:      true,
			Schedule:     schedule.OnPush,
		})
		require.NoError(t, err)

		payload := pushDelivery(42, "main")

		rec := postWebhook(t, srv.Routes(), payload, ingest.Sign(testSecret, payload))
		require.Equal(t, http.StatusOK, rec.Code)

		var result ingest.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.True(t, result.Queued)
		require.NotEmpty(t, result.RunID)

		status := doJSON(t, srv.Routes(), http.MethodGet, "/api/queue", nil)
		require.Equal(t, http.StatusOK, status.Code)

		var queueStatus queue.QueueStatus
		require.NoError(t, json.Unmarshal(status.Body.Bytes(), &queueStatus))
		require.Equal(t, 1, queueStatus.Pending)
	})

	t.Run("reports duplicate deliveries as already queued", func(t *testing.T) {
		srv := newTestServer(t)

		_, err := srv.Engine().Create(ctx, schedule.Config{
			RepoID:   "42",
			Enabled:  true,
			Schedule: schedule.OnPush,
		})
		require.NoError(t, err)

		payload := pushDelivery(42, "main")
		signature := ingest.Sign(testSecret, payload)

		first := postWebhook(t, srv.Routes(), payload, signature)
		require.Equal(t, http.StatusOK, first.Code)

		second := postWebhook(t, srv.Routes(), payload, signature)
		require.Equal(t, http.StatusOK, second.Code)

		var result ingest.Result
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
		require.False(t, result.Queued)
		require.Equal(t, "already queued", result.Message)
	})
}

func TestMonitorCRUD(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Routes()

	body := map[string]any{
		"repoId":       "42",
		"repoFullName": "acme/shop",
		"enabled":      true,
		"schedule":     "hourly",
	}

	t.Run("create", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/monitors", body)
		require.Equal(t, http.StatusCreated, rec.Code)

		var created schedule.Config
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		require.NotNil(t, created.NextRunAt)
	})

	t.Run("create duplicate conflicts", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/monitors", body)
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("create with bad schedule fails", func(t *testing.T) {
		bad := map[string]any{"repoId": "43", "schedule": "fortnightly"}

		rec := doJSON(t, router, http.MethodPost, "/api/monitors", bad)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/monitors/42", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/monitors", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var configs []schedule.Config
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
		require.Len(t, configs, 1)
	})

	t.Run("update schedule recomputes nextRunAt", func(t *testing.T) {
		update := map[string]any{
			"repoFullName": "acme/shop",
			"enabled":      true,
			"schedule":     "daily",
		}

		rec := doJSON(t, router, http.MethodPut, "/api/monitors/42", update)
		require.Equal(t, http.StatusOK, rec.Code)

		var updated schedule.Config
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		require.Equal(t, schedule.Daily, updated.Schedule)
		require.NotNil(t, updated.NextRunAt)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/api/monitors/42", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, router, http.MethodGet, "/api/monitors/42", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestManualTrigger(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Routes()
	ctx := context.Background()

	t.Run("unknown repository", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/monitors/42/trigger", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	_, err := srv.Engine().Create(ctx, schedule.Config{
		RepoID:   "42",
		Enabled:  true,
		Schedule: schedule.Hourly,
	})
	require.NoError(t, err)

	t.Run("queues a manual run", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/monitors/42/trigger", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		run := srv.Queue().Dequeue(ctx)
		require.NotNil(t, run)
		require.Equal(t, queue.TriggerManual, run.Trigger)
		require.Equal(t, queue.PriorityNormal, run.Priority)

		require.True(t, srv.Queue().Complete(ctx, run.ID, "", true))
	})

	t.Run("duplicate reports already queued", func(t *testing.T) {
		first := doJSON(t, router, http.MethodPost, "/api/monitors/42/trigger", nil)
		require.Equal(t, http.StatusAccepted, first.Code)

		second := doJSON(t, router, http.MethodPost, "/api/monitors/42/trigger", nil)
		require.Equal(t, http.StatusOK, second.Code)

		var result ingest.Result
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
		require.False(t, result.Queued)
	})
}

func TestCompleteRunEndpoint(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Routes()
	ctx := context.Background()

	_, err := srv.Engine().Create(ctx, schedule.Config{
		RepoID:   "42",
		Enabled:  true,
		Schedule: schedule.Hourly,
	})
	require.NoError(t, err)

	run := srv.Queue().Enqueue(ctx, queue.EnqueueRequest{
		RepoID:  "42",
		Trigger: queue.TriggerCron,
	})
	require.NotNil(t, run)
	require.NotNil(t, srv.Queue().Dequeue(ctx))

	t.Run("unknown run", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/runs/nope/complete",
			map[string]any{"runId": "p-1", "success": true})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("marks terminal and records the run", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/runs/"+run.ID+"/complete",
			map[string]any{"runId": "p-1", "success": true})
		require.Equal(t, http.StatusNoContent, rec.Code)

		record := srv.Queue().Get(ctx, run.ID)
		require.NotNil(t, record)
		require.Equal(t, queue.StatusCompleted, record.Status)

		cfg, err := srv.Engine().Get(ctx, "42")
		require.NoError(t, err)
		require.NotNil(t, cfg.LastRunAt)
	})
}

func TestRunEventsStream(t *testing.T) {
	srv := newTestServer(t)

	go func() {
		deadline := time.Now().Add(2 * time.Second)

		for srv.Bus().SubscriberCount("r1") == 0 {
			if time.Now().After(deadline) {
				return
			}

			time.Sleep(5 * time.Millisecond)
		}

		srv.Bus().EmitActivity("r1", "patching")
		srv.Bus().EmitComplete("r1", true, 1)
	}()

	rec := doJSON(t, srv.Routes(), http.MethodGet, "/api/runs/r1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Contains(t, body, `"activity"`)
	require.Contains(t, body, `"complete"`)
}
