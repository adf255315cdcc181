package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"agent-orchestrator/internal/hub"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// AgentWorker repeatedly leases one PENDING execution, runs it through the
// external executor, and finalizes it. Multiple workers may run in the same
// process; the store's atomic lease is the only coordination between them.
type AgentWorker struct {
	store      *store.Store
	hub        *hub.Hub
	cancels    *CancelRegistry
	nodes      NodeRegistry
	factory    ExecutorFactory
	loadConfig ConfigLoader

	leaseID  string
	leaseTTL time.Duration
	poll     time.Duration
}

// NewAgentWorker wires an agent worker. loader may be nil, in which case the
// stub loader is used.
func NewAgentWorker(st *store.Store, h *hub.Hub, cancels *CancelRegistry, nodes NodeRegistry, factory ExecutorFactory, loader ConfigLoader, leaseTTL, poll time.Duration) *AgentWorker {
	if loader == nil {
		loader = NopConfigLoader
	}
	return &AgentWorker{
		store:      st,
		hub:        h,
		cancels:    cancels,
		nodes:      nodes,
		factory:    factory,
		loadConfig: loader,
		leaseID:    uuid.New().String(),
		leaseTTL:   leaseTTL,
		poll:       poll,
	}
}

// Run drives the lease loop until context cancellation.
func (w *AgentWorker) Run(ctx context.Context) error {
	log.Printf("agent worker started lease_id=%s", w.leaseID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Executions cancelled before any worker leased them finalize here.
		if ids, err := w.store.ReapCancelledExecutions(ctx); err == nil {
			for range ids {
				telemetry.JobsCanceled.WithLabelValues(telemetry.QueueExecutions).Inc()
			}
		}

		exec, err := w.store.LeaseExecution(ctx, w.leaseID, w.leaseTTL)
		if err != nil {
			log.Printf("agent worker lease: %v", err)
			sleep(ctx, w.poll)
			continue
		}
		if exec == nil {
			sleep(ctx, w.poll)
			continue
		}
		w.runOne(ctx, *exec)
	}
}

func (w *AgentWorker) runOne(ctx context.Context, exec models.Execution) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	handle := w.cancels.Register(exec.ExecutionID)
	defer w.cancels.Unregister(exec.ExecutionID)

	agentConfig, err := w.loadConfig(ctx, exec.AgentID)
	if err != nil {
		w.finalize(ctx, exec.ExecutionID, models.StatusFailed, nil, fmt.Sprintf("load agent config %s: %v", exec.AgentID, err))
		return
	}

	executor := w.factory(ExecutorEnv{
		Execution:   exec,
		AgentConfig: agentConfig,
		Store:       w.store,
		Registry:    w.nodes,
		Emit:        w.emitterFor(exec.ExecutionID),
		Cancel:      handle,
	})

	result, err := executor.RunGraph(ctx)
	switch {
	case err == nil:
		w.finalize(ctx, exec.ExecutionID, models.StatusCompleted, result, "")
		telemetry.JobsCompleted.WithLabelValues(telemetry.QueueExecutions).Inc()
	case isCanceled(err):
		w.finalize(ctx, exec.ExecutionID, models.StatusCanceled, nil, "")
		telemetry.JobsCanceled.WithLabelValues(telemetry.QueueExecutions).Inc()
	default:
		w.finalize(ctx, exec.ExecutionID, models.StatusFailed, nil, fmt.Sprintf("%+v", err))
		telemetry.JobsFailed.WithLabelValues(telemetry.QueueExecutions).Inc()
	}
}

func (w *AgentWorker) finalize(ctx context.Context, id, status string, result []byte, errorLog string) {
	ok, err := w.store.FinalizeExecution(ctx, id, status, result, errorLog)
	if err != nil {
		log.Printf("agent worker finalize %s: %v", id, err)
		return
	}
	if !ok {
		log.Printf("agent worker: %s already finalized", id)
		return
	}
	log.Printf("agent worker: %s -> %s", id, status)
}

// emitterFor persists a node event and fans it out on the execution channel.
func (w *AgentWorker) emitterFor(executionID string) EmitFunc {
	return func(ctx context.Context, ev models.NodeEvent) error {
		ev.ExecutionID = executionID
		if _, err := w.store.AppendNodeEvent(ctx, ev); err != nil {
			return err
		}
		data := map[string]any{}
		if len(ev.IntermediateOutput) > 0 {
			data["intermediate_output"] = ev.IntermediateOutput
		}
		if ev.ErrorLog != nil {
			data["error_log"] = *ev.ErrorLog
		}
		w.hub.Publish(hub.ExecutionChannel(executionID), hub.Event{
			Type:        ev.Status,
			ExecutionID: executionID,
			NodeID:      ev.NodeID,
			Data:        data,
			TS:          hub.Now(),
		})
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
