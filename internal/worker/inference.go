package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"agent-orchestrator/internal/hub"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// InferenceWorker leases inference tasks and drives the external model
// runner, streaming tokens through the hub. Every task that reaches a
// terminal state gets exactly one DONE, ERROR, or CANCELED event on its
// channel.
type InferenceWorker struct {
	store   *store.Store
	hub     *hub.Hub
	cancels *CancelRegistry
	runner  ModelRunner

	leaseID  string
	leaseTTL time.Duration
	poll     time.Duration
}

// NewInferenceWorker wires an inference worker.
func NewInferenceWorker(st *store.Store, h *hub.Hub, cancels *CancelRegistry, runner ModelRunner, leaseTTL, poll time.Duration) *InferenceWorker {
	return &InferenceWorker{
		store:    st,
		hub:      h,
		cancels:  cancels,
		runner:   runner,
		leaseID:  uuid.New().String(),
		leaseTTL: leaseTTL,
		poll:     poll,
	}
}

// Run drives the lease loop until context cancellation.
func (w *InferenceWorker) Run(ctx context.Context) error {
	log.Printf("inference worker started lease_id=%s", w.leaseID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Tasks cancelled while still PENDING finalize here, with their
		// terminal event, so stream subscribers are not left hanging.
		if ids, err := w.store.ReapCancelledInference(ctx); err == nil {
			for _, id := range ids {
				telemetry.JobsCanceled.WithLabelValues(telemetry.QueueInference).Inc()
				w.hub.Publish(hub.InferenceChannel(id), hub.Event{
					Type:   hub.TypeCanceled,
					TaskID: id,
					TS:     hub.Now(),
				})
			}
		}

		task, err := w.store.LeaseInferenceTask(ctx, w.leaseID, w.leaseTTL)
		if err != nil {
			log.Printf("inference worker lease: %v", err)
			sleep(ctx, w.poll)
			continue
		}
		if task == nil {
			sleep(ctx, w.poll)
			continue
		}
		w.runOne(ctx, *task)
	}
}

func (w *InferenceWorker) runOne(ctx context.Context, task models.InferenceTask) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := validJSON(task.Prompt); err != nil {
		w.fail(ctx, task.TaskID, fmt.Sprintf("parse prompt: %v", err))
		return
	}
	if err := validJSON(task.Parameters); err != nil {
		w.fail(ctx, task.TaskID, fmt.Sprintf("parse parameters: %v", err))
		return
	}

	handle := w.cancels.Register(task.TaskID)
	defer w.cancels.Unregister(task.TaskID)

	if err := w.runner.EnsureLoaded(ctx, task.ModelID); err != nil {
		w.fail(ctx, task.TaskID, fmt.Sprintf("load model %s: %v", task.ModelID, err))
		return
	}

	onToken := func(text string) {
		telemetry.TokensStreamed.Inc()
		w.hub.Publish(hub.InferenceChannel(task.TaskID), hub.Event{
			Type:   hub.TypeToken,
			TaskID: task.TaskID,
			Data:   map[string]any{"text": text},
			TS:     hub.Now(),
		})
	}

	result, tokensPerSecond, err := w.runner.RunChat(ctx, task.Prompt, task.Parameters, onToken, handle)
	switch {
	case err == nil:
		if _, ferr := w.store.FinalizeInference(ctx, task.TaskID, models.StatusCompleted, result, tokensPerSecond, ""); ferr != nil {
			log.Printf("inference worker finalize %s: %v", task.TaskID, ferr)
			return
		}
		telemetry.JobsCompleted.WithLabelValues(telemetry.QueueInference).Inc()
		w.hub.Publish(hub.InferenceChannel(task.TaskID), hub.Event{
			Type:   hub.TypeDone,
			TaskID: task.TaskID,
			Data: map[string]any{
				"result":            json.RawMessage(result),
				"tokens_per_second": tokensPerSecond,
			},
			TS: hub.Now(),
		})
		log.Printf("inference worker: %s -> %s", task.TaskID, models.StatusCompleted)
	case isCanceled(err):
		if _, ferr := w.store.FinalizeInference(ctx, task.TaskID, models.StatusCanceled, nil, 0, ""); ferr != nil {
			log.Printf("inference worker finalize %s: %v", task.TaskID, ferr)
			return
		}
		telemetry.JobsCanceled.WithLabelValues(telemetry.QueueInference).Inc()
		w.hub.Publish(hub.InferenceChannel(task.TaskID), hub.Event{
			Type:   hub.TypeCanceled,
			TaskID: task.TaskID,
			TS:     hub.Now(),
		})
		log.Printf("inference worker: %s -> %s", task.TaskID, models.StatusCanceled)
	default:
		w.fail(ctx, task.TaskID, fmt.Sprintf("%+v", err))
	}
}

// fail finalizes FAILED and publishes the ERROR event.
func (w *InferenceWorker) fail(ctx context.Context, taskID, errorLog string) {
	if _, err := w.store.FinalizeInference(ctx, taskID, models.StatusFailed, nil, 0, errorLog); err != nil {
		log.Printf("inference worker finalize %s: %v", taskID, err)
		return
	}
	telemetry.JobsFailed.WithLabelValues(telemetry.QueueInference).Inc()
	w.hub.Publish(hub.InferenceChannel(taskID), hub.Event{
		Type:   hub.TypeError,
		TaskID: taskID,
		Data:   map[string]any{"message": firstLine(errorLog), "trace": errorLog},
		TS:     hub.Now(),
	})
	log.Printf("inference worker: %s -> %s", taskID, models.StatusFailed)
}

func validJSON(raw json.RawMessage) error {
	var v any
	return json.Unmarshal(raw, &v)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
