package quartermaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/ledgard/quartermaster/eventbus"
	"github.com/ledgard/quartermaster/ingest"
	"github.com/ledgard/quartermaster/kvstore"
	"github.com/ledgard/quartermaster/queue"
	"github.com/ledgard/quartermaster/schedule"
)

// Server wires the queue, schedule engine, trigger ingestor, and event
// bus behind the HTTP surface.
type Server struct {
	// Should be READ only after initialization.
	cfg Config

	logger *slog.Logger

	queue    *queue.Store
	engine   *schedule.Engine
	ingestor *ingest.Ingestor
	bus      *eventbus.Bus
}

func NewServer(cfg Config, kv *kvstore.Store) (*Server, error) {
	logger := slog.New(slog.NewJSONHandler(
		os.Stdout,
		&slog.HandlerOptions{Level: slog.LevelDebug.Level()},
	))

	q := queue.NewStore(kv, logger, cfg.Queue.MaxConcurrent)
	engine := schedule.NewEngine(kv, logger)

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		queue:    q,
		engine:   engine,
		ingestor: ingest.NewIngestor(q, engine, cfg.Webhook.Secret, logger),
		bus:      eventbus.New(),
	}

	return srv, nil
}

func (srv *Server) Queue() *queue.Store        { return srv.queue }
func (srv *Server) Engine() *schedule.Engine   { return srv.engine }
func (srv *Server) Ingestor() *ingest.Ingestor { return srv.ingestor }
func (srv *Server) Bus() *eventbus.Bus         { return srv.bus }

func (srv *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/hooks/github", srv.handleWebhook)
	r.Get("/hooks/github", srv.handleWebhookHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", srv.handleQueueStatus)

		r.Post("/monitors", srv.handleCreateMonitor)
		r.Get("/monitors", srv.handleListMonitors)
		r.Get("/monitors/{repoID}", srv.handleGetMonitor)
		r.Put("/monitors/{repoID}", srv.handleUpdateMonitor)
		r.Delete("/monitors/{repoID}", srv.handleDeleteMonitor)

		r.Post("/monitors/{repoID}/trigger", srv.handleTriggerRun)

		r.Post("/runs/{id}/complete", srv.handleCompleteRun)
		r.Post("/runs/{id}/cancel", srv.handleCancelRun)
		r.Get("/runs/{id}/events", srv.handleRunEvents)
	})

	return r
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Error("could not encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (srv *Server) handleWebhook(w http.ResponseWriter, req *http.Request) {
	logger := srv.logger.With("Fn", "Server.handleWebhook")

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		logger.Error("error reading the request body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	result, err := srv.ingestor.HandleWebhook(
		req.Context(),
		req.Header.Get("X-GitHub-Event"),
		req.Header.Get("X-GitHub-Delivery"),
		req.Header.Get("X-Hub-Signature-256"),
		payload,
	)

	if errors.Is(err, ingest.ErrInvalidSignature) {
		srv.writeJSON(w, http.StatusUnauthorized, errorResponse{"invalid signature"})
		return
	}

	if errors.Is(err, ingest.ErrMalformedPayload) {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{"malformed payload"})
		return
	}

	if err != nil {
		logger.Error("webhook handling failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	srv.writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleWebhookHealth(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, map[string]bool{
		"secretConfigured": srv.ingestor.SecretConfigured(),
	})
}

func (srv *Server) handleQueueStatus(w http.ResponseWriter, req *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.queue.Status(req.Context()))
}

func (srv *Server) handleCreateMonitor(w http.ResponseWriter, req *http.Request) {
	var cfg schedule.Config

	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	created, err := srv.engine.Create(req.Context(), cfg)
	if errors.Is(err, schedule.ErrAlreadyExists) {
		srv.writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
		return
	}

	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	srv.writeJSON(w, http.StatusCreated, created)
}

func (srv *Server) handleListMonitors(w http.ResponseWriter, req *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.engine.List(req.Context()))
}

func (srv *Server) handleGetMonitor(w http.ResponseWriter, req *http.Request) {
	cfg, err := srv.engine.Get(req.Context(), chi.URLParam(req, "repoID"))
	if errors.Is(err, schedule.ErrNotFound) {
		srv.writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		return
	}

	if err != nil {
		srv.logger.Error("could not load monitor", "error", err)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	srv.writeJSON(w, http.StatusOK, cfg)
}

func (srv *Server) handleUpdateMonitor(w http.ResponseWriter, req *http.Request) {
	var cfg schedule.Config

	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	cfg.RepoID = chi.URLParam(req, "repoID")

	updated, err := srv.engine.Update(req.Context(), cfg)
	if errors.Is(err, schedule.ErrNotFound) {
		srv.writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		return
	}

	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	srv.writeJSON(w, http.StatusOK, updated)
}

func (srv *Server) handleDeleteMonitor(w http.ResponseWriter, req *http.Request) {
	err := srv.engine.Delete(req.Context(), chi.URLParam(req, "repoID"))
	if errors.Is(err, schedule.ErrNotFound) {
		srv.writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		return
	}

	if err != nil {
		srv.logger.Error("could not delete monitor", "error", err)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerRun enqueues a manually-requested run for a monitored
// repository, dedup rules unchanged.
func (srv *Server) handleTriggerRun(w http.ResponseWriter, req *http.Request) {
	repoID := chi.URLParam(req, "repoID")

	cfg, err := srv.engine.Get(req.Context(), repoID)
	if errors.Is(err, schedule.ErrNotFound) {
		srv.writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
		return
	}

	if err != nil {
		srv.logger.Error("could not load monitor", "error", err)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	run := srv.queue.Enqueue(req.Context(), queue.EnqueueRequest{
		RepoID:       cfg.RepoID,
		RepoFullName: cfg.RepoFullName,
		Trigger:      queue.TriggerManual,
	})

	if run == nil {
		srv.writeJSON(w, http.StatusOK, ingest.Result{Message: "already queued"})
		return
	}

	srv.writeJSON(w, http.StatusAccepted, ingest.Result{
		Queued:  true,
		RunID:   run.ID,
		Message: "run queued",
	})
}

type completeRequest struct {
	PipelineRunID string `json:"runId"`
	Success       bool   `json:"success"`
}

// handleCompleteRun is the Run Processor's callback: it marks the queued
// run terminal, releases the dedup lock, and records the completion with
// the schedule engine so the next due time advances.
func (srv *Server) handleCompleteRun(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")

	var body completeRequest

	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	run := srv.queue.Get(req.Context(), id)
	if run == nil {
		srv.writeJSON(w, http.StatusNotFound, errorResponse{"unknown run"})
		return
	}

	if !srv.queue.Complete(req.Context(), id, body.PipelineRunID, body.Success) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	srv.engine.RecordRun(req.Context(), run.RepoID)
	srv.bus.EmitComplete(id, body.Success, 0)

	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleCancelRun(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")

	if !srv.queue.Cancel(req.Context(), id) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRunEvents bridges the event bus onto a server-sent-event stream.
// The bus itself never buffers; the bounded channel here is this
// consumer's own replay window, and events overflowing it are dropped
// rather than blocking emitters.
func (srv *Server) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(req, "id")
	events := make(chan eventbus.Event, 64)

	unsubscribe := srv.bus.Subscribe(id, func(event eventbus.Event) {
		select {
		case events <- event:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return

		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				srv.logger.Error("could not encode event", "error", err)
				continue
			}

			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

			if event.Type == eventbus.EventComplete {
				return
			}
		}
	}
}
