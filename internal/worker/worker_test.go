package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agent-orchestrator/internal/hub"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

type fakeExecutor struct {
	env ExecutorEnv
	run func(ctx context.Context, env ExecutorEnv) (json.RawMessage, error)
}

func (f *fakeExecutor) RunGraph(ctx context.Context) (json.RawMessage, error) {
	return f.run(ctx, f.env)
}

func factoryOf(run func(ctx context.Context, env ExecutorEnv) (json.RawMessage, error)) ExecutorFactory {
	return func(env ExecutorEnv) AgentExecutor {
		return &fakeExecutor{env: env, run: run}
	}
}

type fakeRunner struct {
	ensureErr error
	run       func(ctx context.Context, prompt, params json.RawMessage, onToken func(string), cancel *Handle) (json.RawMessage, float64, error)
}

func (r fakeRunner) EnsureLoaded(context.Context, string) error { return r.ensureErr }

func (r fakeRunner) RunChat(ctx context.Context, prompt, params json.RawMessage, onToken func(string), cancel *Handle) (json.RawMessage, float64, error) {
	return r.run(ctx, prompt, params, onToken, cancel)
}

func enqueueExecution(t *testing.T, st *store.Store) models.Execution {
	t.Helper()
	exec, err := st.EnqueueExecution(context.Background(), store.EnqueueExecutionParams{
		AgentID:      "agent-x",
		Payload:      json.RawMessage(`{}`),
		BasePriority: 70,
		Priority:     70,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return exec
}

func enqueueTask(t *testing.T, st *store.Store) models.InferenceTask {
	t.Helper()
	task, err := st.EnqueueInference(context.Background(), store.EnqueueInferenceParams{
		ModelID:      "m",
		Prompt:       json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
		Parameters:   json.RawMessage(`{}`),
		BasePriority: 90,
		Priority:     90,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func waitForExecutionStatus(t *testing.T, st *store.Store, id, want string) models.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := st.GetExecution(context.Background(), id)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := st.GetExecution(context.Background(), id)
	t.Fatalf("execution %s stuck at %s, want %s", id, exec.Status, want)
	return models.Execution{}
}

func waitForTaskStatus(t *testing.T, st *store.Store, id, want string) models.InferenceTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetInferenceTask(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetInferenceTask(context.Background(), id)
	t.Fatalf("task %s stuck at %s, want %s", id, task.Status, want)
	return models.InferenceTask{}
}

func TestAgentWorkerCompletesExecution(t *testing.T) {
	st := newTestStore(t)
	h := hub.New()
	cancels := NewCancelRegistry()

	factory := factoryOf(func(ctx context.Context, env ExecutorEnv) (json.RawMessage, error) {
		now := time.Now().Unix()
		if err := env.Emit(ctx, models.NodeEvent{NodeID: "n1", Status: models.NodeCompleted, StartedAt: &now, CompletedAt: &now}); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"answer":42}`), nil
	})

	w := NewAgentWorker(st, h, cancels, nil, factory, nil, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	exec := enqueueExecution(t, st)
	got := waitForExecutionStatus(t, st, exec.ExecutionID, models.StatusCompleted)

	if string(got.FinalResult) != `{"answer":42}` {
		t.Fatalf("final_result = %s", got.FinalResult)
	}
	events, err := st.NodeEvents(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatalf("node events: %v", err)
	}
	if len(events) != 2 || events[1].NodeID != "n1" {
		t.Fatalf("expected input_start + n1, got %+v", events)
	}
}

func TestAgentWorkerFinalizesFailure(t *testing.T) {
	st := newTestStore(t)
	cancels := NewCancelRegistry()

	factory := factoryOf(func(context.Context, ExecutorEnv) (json.RawMessage, error) {
		return nil, errors.New("graph exploded")
	})

	w := NewAgentWorker(st, hub.New(), cancels, nil, factory, nil, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	exec := enqueueExecution(t, st)
	got := waitForExecutionStatus(t, st, exec.ExecutionID, models.StatusFailed)

	if got.ErrorLog == nil || *got.ErrorLog == "" {
		t.Fatalf("error_log not recorded")
	}
	if got.FinalResult != nil {
		t.Fatalf("failed run should have no final_result")
	}
}

func TestAgentWorkerCooperativeCancel(t *testing.T) {
	st := newTestStore(t)
	cancels := NewCancelRegistry()

	started := make(chan string, 1)
	factory := factoryOf(func(ctx context.Context, env ExecutorEnv) (json.RawMessage, error) {
		started <- env.Execution.ExecutionID
		select {
		case <-env.Cancel.Done():
			return nil, ErrCanceled
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})

	w := NewAgentWorker(st, hub.New(), cancels, nil, factory, nil, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	exec := enqueueExecution(t, st)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("executor never started")
	}

	// The API layer's cancel path: flip the row, signal the local handle.
	if err := st.RequestCancelExecution(context.Background(), exec.ExecutionID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !cancels.Cancel(exec.ExecutionID) {
		t.Fatalf("no registered handle for running execution")
	}

	got := waitForExecutionStatus(t, st, exec.ExecutionID, models.StatusCanceled)
	if got.LeaseID != nil {
		t.Fatalf("lease not cleared on cancel finalization")
	}
}

func TestAgentWorkerFailsWhenConfigLoaderFails(t *testing.T) {
	st := newTestStore(t)
	loader := func(context.Context, string) (json.RawMessage, error) {
		return nil, errors.New("config backend down")
	}
	factory := factoryOf(func(context.Context, ExecutorEnv) (json.RawMessage, error) {
		t.Errorf("executor must not run without config")
		return nil, nil
	})

	w := NewAgentWorker(st, hub.New(), NewCancelRegistry(), nil, factory, loader, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	exec := enqueueExecution(t, st)
	got := waitForExecutionStatus(t, st, exec.ExecutionID, models.StatusFailed)
	if got.ErrorLog == nil {
		t.Fatalf("error_log missing")
	}
}

func TestInferenceWorkerStreamsTokensThenDone(t *testing.T) {
	st := newTestStore(t)
	h := hub.New()

	runner := fakeRunner{run: func(_ context.Context, _, _ json.RawMessage, onToken func(string), _ *Handle) (json.RawMessage, float64, error) {
		for _, tok := range []string{"Hello", " ", "world"} {
			onToken(tok)
		}
		return json.RawMessage(`{"content":"Hello world"}`), 42.5, nil
	}}

	w := NewInferenceWorker(st, h, NewCancelRegistry(), runner, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := enqueueTask(t, st)
	sub := h.Subscribe(hub.InferenceChannel(task.TaskID))
	defer h.Unsubscribe(sub)

	go w.Run(ctx)

	wantTokens := []string{"Hello", " ", "world"}
	for i, want := range wantTokens {
		select {
		case ev := <-sub.C:
			if ev.Type != hub.TypeToken {
				t.Fatalf("event %d type = %s, want TOKEN", i, ev.Type)
			}
			if ev.Data["text"] != want {
				t.Fatalf("token %d = %v, want %q", i, ev.Data["text"], want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for token %d", i)
		}
	}

	select {
	case ev := <-sub.C:
		if ev.Type != hub.TypeDone {
			t.Fatalf("terminal event = %s, want DONE", ev.Type)
		}
		if tps, ok := ev.Data["tokens_per_second"].(float64); !ok || tps <= 0 {
			t.Fatalf("tokens_per_second = %v", ev.Data["tokens_per_second"])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event")
	}

	got := waitForTaskStatus(t, st, task.TaskID, models.StatusCompleted)
	if got.TokensPerSecond == nil || *got.TokensPerSecond != 42.5 {
		t.Fatalf("tokens_per_second = %v", got.TokensPerSecond)
	}
	if string(got.Result) != `{"content":"Hello world"}` {
		t.Fatalf("result = %s", got.Result)
	}
}

func TestInferenceWorkerPublishesErrorOnFailure(t *testing.T) {
	st := newTestStore(t)
	h := hub.New()

	runner := fakeRunner{run: func(context.Context, json.RawMessage, json.RawMessage, func(string), *Handle) (json.RawMessage, float64, error) {
		return nil, 0, errors.New("backend OOM")
	}}

	w := NewInferenceWorker(st, h, NewCancelRegistry(), runner, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := enqueueTask(t, st)
	sub := h.Subscribe(hub.InferenceChannel(task.TaskID))
	defer h.Unsubscribe(sub)

	go w.Run(ctx)

	select {
	case ev := <-sub.C:
		if ev.Type != hub.TypeError {
			t.Fatalf("terminal event = %s, want ERROR", ev.Type)
		}
		if ev.Data["message"] == "" {
			t.Fatalf("error event missing message")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event")
	}

	got := waitForTaskStatus(t, st, task.TaskID, models.StatusFailed)
	if got.ErrorLog == nil {
		t.Fatalf("error_log missing")
	}
}

func TestInferenceWorkerCancelDuringRun(t *testing.T) {
	st := newTestStore(t)
	h := hub.New()
	cancels := NewCancelRegistry()

	started := make(chan struct{}, 1)
	runner := fakeRunner{run: func(ctx context.Context, _, _ json.RawMessage, _ func(string), cancel *Handle) (json.RawMessage, float64, error) {
		started <- struct{}{}
		select {
		case <-cancel.Done():
			return nil, 0, ErrCanceled
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), 1, nil
		}
	}}

	w := NewInferenceWorker(st, h, cancels, runner, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := enqueueTask(t, st)
	sub := h.Subscribe(hub.InferenceChannel(task.TaskID))
	defer h.Unsubscribe(sub)

	go w.Run(ctx)
	<-started

	if err := st.RequestCancelInference(context.Background(), task.TaskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	cancels.Cancel(task.TaskID)

	select {
	case ev := <-sub.C:
		if ev.Type != hub.TypeCanceled {
			t.Fatalf("terminal event = %s, want CANCELED", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event")
	}
	waitForTaskStatus(t, st, task.TaskID, models.StatusCanceled)
}

func TestInferenceWorkerReapsCancelledPendingTask(t *testing.T) {
	st := newTestStore(t)
	h := hub.New()

	// The runner must never be invoked for a task cancelled while PENDING:
	// the task is cancelled before the worker starts, so the worker's reap
	// sweep finalizes it before any lease.
	runner := fakeRunner{run: func(context.Context, json.RawMessage, json.RawMessage, func(string), *Handle) (json.RawMessage, float64, error) {
		t.Errorf("runner invoked for cancelled task")
		return nil, 0, nil
	}}

	task := enqueueTask(t, st)
	if err := st.RequestCancelInference(context.Background(), task.TaskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	sub := h.Subscribe(hub.InferenceChannel(task.TaskID))
	defer h.Unsubscribe(sub)

	w := NewInferenceWorker(st, h, NewCancelRegistry(), runner, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case ev := <-sub.C:
		if ev.Type != hub.TypeCanceled {
			t.Fatalf("terminal event = %s, want CANCELED", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event")
	}
	waitForTaskStatus(t, st, task.TaskID, models.StatusCanceled)
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	h := r.Register("job-1")
	if h.Cancelled() {
		t.Fatalf("fresh handle already cancelled")
	}
	if !r.Cancel("job-1") {
		t.Fatalf("expected registered handle")
	}
	if !h.Cancelled() {
		t.Fatalf("handle not signalled")
	}
	// Cancel is idempotent.
	h.Cancel()

	r.Unregister("job-1")
	if r.Cancel("job-1") {
		t.Fatalf("cancel after unregister found a handle")
	}
	if r.Cancel("unknown") {
		t.Fatalf("cancel of unknown id found a handle")
	}
}
