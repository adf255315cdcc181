package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/worker"
)

// The loopback executor and runner stand in for the real agent runtime and
// model backend when the orchestrator runs on its own. They honor the full
// collaborator contracts (node events, token streaming, cooperative
// cancellation), which keeps the engine exercisable end to end without model
// weights on disk.

type loopbackExecutor struct {
	env worker.ExecutorEnv
}

func newLoopbackExecutor(env worker.ExecutorEnv) worker.AgentExecutor {
	return &loopbackExecutor{env: env}
}

// RunGraph reads the input_start payload back out of the node-event log,
// reports a single node transition, and returns the payload as the result.
// A payload containing {"should_fail": true} fails the run, mirroring how
// simulated jobs are driven in tests.
func (e *loopbackExecutor) RunGraph(ctx context.Context) (json.RawMessage, error) {
	if e.env.Cancel.Cancelled() {
		return nil, worker.ErrCanceled
	}

	events, err := e.env.Store.NodeEvents(ctx, e.env.Execution.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	payload := json.RawMessage(`{}`)
	for _, ev := range events {
		if ev.NodeID == "input_start" && len(ev.IntermediateOutput) > 0 {
			payload = ev.IntermediateOutput
			break
		}
	}

	var input struct {
		ShouldFail bool `json:"should_fail"`
		DurationMS int  `json:"duration_ms"`
	}
	_ = json.Unmarshal(payload, &input)

	now := time.Now().Unix()
	if err := e.env.Emit(ctx, models.NodeEvent{
		NodeID:    "loopback",
		Status:    models.NodeStarted,
		StartedAt: &now,
	}); err != nil {
		return nil, err
	}

	if input.DurationMS > 0 {
		select {
		case <-time.After(time.Duration(input.DurationMS) * time.Millisecond):
		case <-e.env.Cancel.Done():
			return nil, worker.ErrCanceled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if input.ShouldFail {
		return nil, fmt.Errorf("simulated failure requested by payload.should_fail")
	}
	if e.env.Cancel.Cancelled() {
		return nil, worker.ErrCanceled
	}

	done := time.Now().Unix()
	if err := e.env.Emit(ctx, models.NodeEvent{
		NodeID:             "loopback",
		Status:             models.NodeCompleted,
		IntermediateOutput: payload,
		StartedAt:          &now,
		CompletedAt:        &done,
	}); err != nil {
		return nil, err
	}
	return payload, nil
}

type loopbackRunner struct{}

func (loopbackRunner) EnsureLoaded(context.Context, string) error { return nil }

// RunChat echoes the last user message back token by token.
func (loopbackRunner) RunChat(ctx context.Context, prompt, _ json.RawMessage, onToken func(string), cancel *worker.Handle) (json.RawMessage, float64, error) {
	var p struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(prompt, &p); err != nil {
		return nil, 0, fmt.Errorf("parse prompt: %w", err)
	}
	text := "ok"
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == "user" {
			text = p.Messages[i].Content
			break
		}
	}

	start := time.Now()
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for i, tok := range tokens {
		if cancel.Cancelled() {
			return nil, 0, worker.ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if i > 0 {
			onToken(" ")
		}
		onToken(tok)
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	result, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, 0, err
	}
	return result, float64(len(tokens)) / elapsed, nil
}
