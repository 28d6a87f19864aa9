package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/WayBill/config"
	"github.com/BearBump/WayBill/internal/services/maintenance"
	"github.com/go-chi/chi/v5"
)

type notifierHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	driver *maintenance.Driver
	cfg    *config.Config
}

func runNotifierHTTPServer(ctx context.Context, opts notifierHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.driver == nil {
			_, _ = w.Write([]byte(`{"error":"driver not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.driver.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Секреты не отдаём, только операционные настройки.
		out := map[string]any{
			"maintenanceIntervalSeconds": opts.cfg.WayBill.MaintenanceIntervalSeconds,
			"intakeWindowSeconds":        opts.cfg.WayBill.IntakeWindowSeconds,
			"retentionDays":              opts.cfg.WayBill.RetentionDays,
			"retryBackoffSeconds":        opts.cfg.WayBill.RetryBackoffSeconds,
			"retryMax":                   opts.cfg.WayBill.RetryMax,
			"selfHealBatchSize":          opts.cfg.WayBill.SelfHealBatchSize,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.driver == nil {
			_, _ = w.Write([]byte(`{"error":"driver not wired"}`))
			return
		}
		opts.driver.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
