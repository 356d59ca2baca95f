// Command upstand-relay is the push relay for the realtime core: WebSocket
// sessions, the polling fallback and cross-instance fan-out through Redis.
//
//	upstand-relay serve --config relay.yaml
//
// Settings come from the YAML file named by --config or UPSTAND_CONFIG,
// overridden by PORT, REDIS_URL, KINDE_ISSUER_URL and LOG_LEVEL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"upstand-realtime/internal/auth"
	"upstand-realtime/internal/config"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/redis"
	"upstand-realtime/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "upstand-relay",
		Short:        "Realtime relay for standup updates",
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

Routes:
  /ws       WebSocket sessions
  /poll     long-poll for the polling fallback
  /emit     client frames from polling sessions
  /health   liveness
  /metrics  Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	validator, err := auth.NewValidator(ctx, cfg.KindeIssuerURL)
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := ws.Options{
		Validator:   validator,
		Backlog:     cfg.PollBacklog,
		MaxPollWait: cfg.Timing.PollWait + 5*time.Second,
		Metrics:     m,
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts.Publisher = redisClient
		if cfg.Store == "redis" {
			opts.Activity = redis.NewDocumentStore(redisClient)
		}
	} else {
		slog.Warn("[SERVER] No Redis configured, running as a single instance")
	}

	hub := ws.NewHub(opts)
	go hub.Run(ctx)
	if redisClient != nil {
		go redis.SubscribeToEvents(ctx, redisClient, hub)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		ws.ServePoll(hub, w, r)
	})
	mux.HandleFunc("/emit", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeEmit(hub, w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[SERVER] Relay starting", "port", cfg.Port, "redis", redisClient != nil, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("[SERVER] Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("[SERVER] Relay stopped")
	return nil
}
