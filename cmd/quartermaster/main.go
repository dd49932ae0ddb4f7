package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgard/quartermaster"
	"github.com/ledgard/quartermaster/kvstore"
)

func main() {
	cfgPath := ""

	flag.StringVar(&cfgPath, "config", cfgPath, "Specify a configuration file")

	flag.Parse()

	cfg, src, err := quartermaster.Load(cfgPath)
	if err != nil {
		fmt.Println("src: ", src)
		fmt.Println("error: ", err)
		return
	}

	kv, err := kvstore.Open(cfg.Store.Path)
	if err != nil {
		log.Println("error:", err)
		return
	}
	defer func() { _ = kv.Close() }()

	srv, err := quartermaster.NewServer(cfg, kv)
	if err != nil {
		log.Println("error:", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The queue owns no timers; the binary is the periodic caller driving
	// the schedule sweep and the stale-processing cleanup.
	go runMaintenance(ctx, srv, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.Server.RequestTimeout.Duration,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Println("listening on", addr)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Println("error ListenAndServe: ", err)
	}
}

func runMaintenance(ctx context.Context, srv *quartermaster.Server, cfg quartermaster.Config) {
	ticker := time.NewTicker(cfg.Sweep.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			srv.Ingestor().Sweep(ctx)
			srv.Queue().CleanupStaleProcessing(ctx, cfg.Queue.StaleAge.Duration)
		}
	}
}
