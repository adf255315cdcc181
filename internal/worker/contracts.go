package worker

import (
	"context"
	"encoding/json"
	"errors"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
)

// ErrCanceled is the error executors and runners return (or wrap) when they
// observe their cancellation handle. The worker finalizes the job CANCELED
// instead of FAILED.
var ErrCanceled = errors.New("canceled")

func isCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// NodeRegistry resolves node implementations for the executor. The engine
// never calls into it; it is handed to the executor as-is.
type NodeRegistry any

// EmitFunc records a node transition: the worker persists it to the
// node-event log and publishes it on the execution's channel.
type EmitFunc func(ctx context.Context, ev models.NodeEvent) error

// ExecutorEnv is everything an agent executor is constructed with.
type ExecutorEnv struct {
	Execution   models.Execution
	AgentConfig json.RawMessage
	Store       *store.Store
	Registry    NodeRegistry
	Emit        EmitFunc
	Cancel      *Handle
}

// AgentExecutor runs one agent graph to completion. It may emit node events
// at any point. A crash between the executor returning and finalization
// means the job is re-run after recovery, so executors must be idempotent or
// tolerate duplicate node events.
type AgentExecutor interface {
	RunGraph(ctx context.Context) (json.RawMessage, error)
}

// ExecutorFactory builds an executor for one leased execution.
type ExecutorFactory func(env ExecutorEnv) AgentExecutor

// ModelRunner is the external inference collaborator. RunChat calls onToken
// for every streamed token and returns the final result plus the measured
// tokens-per-second rate.
type ModelRunner interface {
	EnsureLoaded(ctx context.Context, modelID string) error
	RunChat(ctx context.Context, prompt, parameters json.RawMessage, onToken func(text string), cancel *Handle) (json.RawMessage, float64, error)
}

// ConfigLoader fetches an agent's configuration. Config storage is outside
// the engine; the default loader returns an empty object.
type ConfigLoader func(ctx context.Context, agentID string) (json.RawMessage, error)

// NopConfigLoader is the default agent-config loader.
func NopConfigLoader(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
