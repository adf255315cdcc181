package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-orchestrator/internal/api"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/hub"
	"agent-orchestrator/internal/ratelimit"
	"agent-orchestrator/internal/scheduler"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
	"agent-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	// Crash recovery runs before any worker can lease.
	executions, tasks, err := st.RecoverInFlight(ctx)
	if err != nil {
		log.Fatalf("startup recovery: %v", err)
	}
	if executions > 0 || tasks > 0 {
		log.Printf("startup recovery: %d executions, %d inference tasks returned to pending", executions, tasks)
	}

	eventHub := hub.New()
	execCancels := worker.NewCancelRegistry()
	infCancels := worker.NewCancelRegistry()
	limiter := ratelimit.NewTokenBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(cfg, st, eventHub, limiter, execCancels, infCancels)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.AgentWorkers; i++ {
		w := worker.NewAgentWorker(st, eventHub, execCancels, nil, newLoopbackExecutor, nil, cfg.AgentLeaseTTL, cfg.PollInterval)
		g.Go(func() error { return w.Run(ctx) })
	}
	for i := 0; i < cfg.InferenceWorkers; i++ {
		w := worker.NewInferenceWorker(st, eventHub, infCancels, loopbackRunner{}, cfg.InferenceLeaseTTL, cfg.PollInterval)
		g.Go(func() error { return w.Run(ctx) })
	}

	aging := scheduler.NewAgingLoop(st, cfg.AgingInterval, cfg.AgingThreshold, cfg.AgingBoost, cfg.AgingCap)
	g.Go(func() error { return aging.Run(ctx) })

	g.Go(func() error { return refreshQueueDepth(ctx, st) })

	g.Go(func() error {
		log.Printf("orchestrator listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("orchestrator stopped: %v", err)
	}
}

// refreshQueueDepth keeps the per-queue depth gauges current.
func refreshQueueDepth(ctx context.Context, st *store.Store) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			executions, tasks, err := st.PendingCounts(ctx)
			if err != nil {
				continue
			}
			telemetry.QueueDepth.WithLabelValues(telemetry.QueueExecutions).Set(float64(executions))
			telemetry.QueueDepth.WithLabelValues(telemetry.QueueInference).Set(float64(tasks))
		}
	}
}
