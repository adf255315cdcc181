package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"agent-orchestrator/internal/models"
)

// ErrNotFound is returned when a job id matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database holding both queues and the node-event log.
// All coordination between workers goes through single-statement updates here;
// the busy_timeout pragma makes contended writers retry inside the driver.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file and applies the pragma set the
// engine depends on: WAL journaling, a 5s busy timeout, relaxed fsync, and
// periodic WAL checkpointing. Recovery repairs in-flight state after a crash,
// so NORMAL synchronous is a safe trade for write throughput.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA wal_autocheckpoint = 1000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal_autocheckpoint: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the two queue tables, the node-event log, and their
// scheduling indexes.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		execution_id        TEXT PRIMARY KEY,
		agent_id            TEXT NOT NULL,
		status              TEXT NOT NULL,
		parent_execution_id TEXT,
		final_result        TEXT,
		base_priority       INTEGER NOT NULL,
		priority            INTEGER NOT NULL,
		enqueue_ts          INTEGER NOT NULL,
		lease_id            TEXT,
		lease_expires_at    INTEGER,
		created_at          INTEGER NOT NULL,
		started_at          INTEGER,
		completed_at        INTEGER,
		error_log           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_queue
		ON executions (status, priority DESC, enqueue_ts ASC);

	CREATE TABLE IF NOT EXISTS inference_queue (
		task_id            TEXT PRIMARY KEY,
		model_id           TEXT NOT NULL,
		status             TEXT NOT NULL,
		prompt             TEXT NOT NULL,
		parameters         TEXT NOT NULL,
		result             TEXT,
		base_priority      INTEGER NOT NULL,
		priority           INTEGER NOT NULL,
		enqueue_ts         INTEGER NOT NULL,
		lease_id           TEXT,
		lease_expires_at   INTEGER,
		created_at         INTEGER NOT NULL,
		started_at         INTEGER,
		completed_at       INTEGER,
		tokens_per_second  REAL,
		error_log          TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_inference_queue
		ON inference_queue (status, priority DESC, enqueue_ts ASC);

	CREATE TABLE IF NOT EXISTS node_events (
		event_id            INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id        TEXT NOT NULL,
		node_id             TEXT NOT NULL,
		status              TEXT NOT NULL,
		intermediate_output TEXT,
		started_at          INTEGER,
		completed_at        INTEGER,
		error_log           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_node_events_exec
		ON node_events (execution_id, event_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// NewJobID returns a time-ordered unique id. UUIDv7 sorts by creation time,
// which keeps dispatch FIFO among rows enqueued within the same second.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// EnqueueExecutionParams collects inputs for inserting an execution row.
// BasePriority and Priority are assigned by the priority policy before the
// transaction begins.
type EnqueueExecutionParams struct {
	AgentID           string
	Payload           json.RawMessage
	ParentExecutionID string
	BasePriority      int
	Priority          int
}

// EnqueueExecution inserts a PENDING execution and its input_start node event
// in one transaction. If the transaction fails, no row exists.
func (s *Store) EnqueueExecution(ctx context.Context, p EnqueueExecutionParams) (models.Execution, error) {
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	id := NewJobID()
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Execution{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (execution_id, agent_id, status, parent_execution_id, base_priority, priority, enqueue_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.AgentID, models.StatusPending, emptyToNil(p.ParentExecutionID), p.BasePriority, p.Priority, now, now)
	if err != nil {
		return models.Execution{}, fmt.Errorf("insert execution: %w", err)
	}

	// The input_start event carries the payload so the graph can read it.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_events (execution_id, node_id, status, intermediate_output, started_at, completed_at)
		VALUES (?, 'input_start', ?, ?, ?, ?)
	`, id, models.NodeCompleted, string(p.Payload), now, now)
	if err != nil {
		return models.Execution{}, fmt.Errorf("insert input_start event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Execution{}, fmt.Errorf("commit: %w", err)
	}

	return models.Execution{
		ExecutionID:       id,
		AgentID:           p.AgentID,
		Status:            models.StatusPending,
		ParentExecutionID: emptyToNil(p.ParentExecutionID),
		BasePriority:      p.BasePriority,
		Priority:          p.Priority,
		EnqueueTS:         now,
		CreatedAt:         now,
	}, nil
}

// EnqueueInferenceParams collects inputs for inserting an inference task.
type EnqueueInferenceParams struct {
	ModelID      string
	Prompt       json.RawMessage
	Parameters   json.RawMessage
	BasePriority int
	Priority     int
}

// EnqueueInference inserts a PENDING inference task.
func (s *Store) EnqueueInference(ctx context.Context, p EnqueueInferenceParams) (models.InferenceTask, error) {
	if len(p.Prompt) == 0 {
		p.Prompt = json.RawMessage(`{}`)
	}
	if len(p.Parameters) == 0 {
		p.Parameters = json.RawMessage(`{}`)
	}
	id := NewJobID()
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inference_queue (task_id, model_id, status, prompt, parameters, base_priority, priority, enqueue_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.ModelID, models.StatusPending, string(p.Prompt), string(p.Parameters), p.BasePriority, p.Priority, now, now)
	if err != nil {
		return models.InferenceTask{}, fmt.Errorf("insert inference task: %w", err)
	}

	return models.InferenceTask{
		TaskID:       id,
		ModelID:      p.ModelID,
		Status:       models.StatusPending,
		Prompt:       p.Prompt,
		Parameters:   p.Parameters,
		BasePriority: p.BasePriority,
		Priority:     p.Priority,
		EnqueueTS:    now,
		CreatedAt:    now,
	}, nil
}

const executionColumns = `execution_id, agent_id, status, parent_execution_id, final_result, base_priority, priority, enqueue_ts, lease_id, lease_expires_at, created_at, started_at, completed_at, error_log`

const inferenceColumns = `task_id, model_id, status, prompt, parameters, result, base_priority, priority, enqueue_ts, lease_id, lease_expires_at, created_at, started_at, completed_at, tokens_per_second, error_log`

// LeaseExecution atomically claims the highest-priority PENDING execution.
// The whole claim is one conditional UPDATE ... RETURNING, so two racing
// workers can never receive the same row: one gets it, the other gets nil.
func (s *Store) LeaseExecution(ctx context.Context, leaseID string, ttl time.Duration) (*models.Execution, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		UPDATE executions
		SET status = ?,
		    lease_id = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE execution_id = (
			SELECT execution_id FROM executions
			WHERE status = ?
			ORDER BY priority DESC, enqueue_ts ASC, execution_id ASC
			LIMIT 1
		)
		RETURNING `+executionColumns,
		models.StatusRunning, leaseID, now+int64(ttl.Seconds()), now, models.StatusPending)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease execution: %w", err)
	}
	return &exec, nil
}

// LeaseInferenceTask is the inference-queue twin of LeaseExecution.
func (s *Store) LeaseInferenceTask(ctx context.Context, leaseID string, ttl time.Duration) (*models.InferenceTask, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		UPDATE inference_queue
		SET status = ?,
		    lease_id = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE task_id = (
			SELECT task_id FROM inference_queue
			WHERE status = ?
			ORDER BY priority DESC, enqueue_ts ASC, task_id ASC
			LIMIT 1
		)
		RETURNING `+inferenceColumns,
		models.StatusRunning, leaseID, now+int64(ttl.Seconds()), now, models.StatusPending)

	task, err := scanInferenceTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease inference task: %w", err)
	}
	return &task, nil
}

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Execution{}, ErrNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// GetInferenceTask fetches an inference task by id.
func (s *Store) GetInferenceTask(ctx context.Context, id string) (models.InferenceTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inferenceColumns+` FROM inference_queue WHERE task_id = ?`, id)
	task, err := scanInferenceTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InferenceTask{}, ErrNotFound
	}
	if err != nil {
		return models.InferenceTask{}, fmt.Errorf("get inference task: %w", err)
	}
	return task, nil
}

// FinalizeExecution writes the terminal status for a leased execution and
// clears its lease. The status guard makes finalization single-shot: a row
// already terminal is left untouched and false is returned.
func (s *Store) FinalizeExecution(ctx context.Context, id, status string, finalResult json.RawMessage, errorLog string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?, final_result = ?, error_log = ?, lease_id = NULL, lease_expires_at = NULL
		WHERE execution_id = ? AND status IN (?, ?)
	`, status, time.Now().Unix(), rawToNil(finalResult), emptyToNil(errorLog), id, models.StatusRunning, models.StatusCancelRequested)
	if err != nil {
		return false, fmt.Errorf("finalize execution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinalizeInference writes the terminal status for a leased inference task.
func (s *Store) FinalizeInference(ctx context.Context, id, status string, result json.RawMessage, tokensPerSecond float64, errorLog string) (bool, error) {
	var tps any
	if tokensPerSecond > 0 {
		tps = tokensPerSecond
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_queue
		SET status = ?, completed_at = ?, result = ?, tokens_per_second = ?, error_log = ?, lease_id = NULL, lease_expires_at = NULL
		WHERE task_id = ? AND status IN (?, ?)
	`, status, time.Now().Unix(), rawToNil(result), tps, emptyToNil(errorLog), id, models.StatusRunning, models.StatusCancelRequested)
	if err != nil {
		return false, fmt.Errorf("finalize inference: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestCancelExecution flips a live execution to CANCEL_REQUESTED.
// Cancelling a terminal row is a no-op that still succeeds; an unknown id
// returns ErrNotFound.
func (s *Store) RequestCancelExecution(ctx context.Context, id string) error {
	return s.requestCancel(ctx, "executions", "execution_id", id)
}

// RequestCancelInference flips a live inference task to CANCEL_REQUESTED.
func (s *Store) RequestCancelInference(ctx context.Context, id string) error {
	return s.requestCancel(ctx, "inference_queue", "task_id", id)
}

func (s *Store) requestCancel(ctx context.Context, table, idCol, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET status = ?
		WHERE `+idCol+` = ? AND status IN (?, ?)
	`, models.StatusCancelRequested, id, models.StatusPending, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE `+idCol+` = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	// Already CANCEL_REQUESTED or terminal; both are no-op successes.
	return nil
}

// ReapCancelledExecutions finalizes CANCEL_REQUESTED executions that no
// worker holds a lease on (i.e. they were cancelled while still PENDING).
// Returns the ids moved to CANCELED.
func (s *Store) ReapCancelledExecutions(ctx context.Context) ([]string, error) {
	return s.reapCancelled(ctx, "executions", "execution_id")
}

// ReapCancelledInference is the inference-queue twin of ReapCancelledExecutions.
func (s *Store) ReapCancelledInference(ctx context.Context) ([]string, error) {
	return s.reapCancelled(ctx, "inference_queue", "task_id")
}

func (s *Store) reapCancelled(ctx context.Context, table, idCol string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE `+table+`
		SET status = ?, completed_at = ?
		WHERE status = ? AND lease_id IS NULL
		RETURNING `+idCol,
		models.StatusCanceled, time.Now().Unix(), models.StatusCancelRequested)
	if err != nil {
		return nil, fmt.Errorf("reap cancelled: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverInFlight returns every RUNNING or CANCEL_REQUESTED row in both
// queues to PENDING and clears lease fields. It runs exactly once at boot,
// before any worker leases, and is idempotent: a second call touches nothing.
func (s *Store) RecoverInFlight(ctx context.Context) (executions, tasks int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, lease_id = NULL, lease_expires_at = NULL
		WHERE status IN (?, ?)
	`, models.StatusPending, models.StatusRunning, models.StatusCancelRequested)
	if err != nil {
		return 0, 0, fmt.Errorf("recover executions: %w", err)
	}
	executions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE inference_queue
		SET status = ?, lease_id = NULL, lease_expires_at = NULL
		WHERE status IN (?, ?)
	`, models.StatusPending, models.StatusRunning, models.StatusCancelRequested)
	if err != nil {
		return executions, 0, fmt.Errorf("recover inference queue: %w", err)
	}
	tasks, _ = res.RowsAffected()
	return executions, tasks, nil
}

// AgeQueues raises the priority of PENDING rows enqueued before olderThan by
// boost, capped at cap. One UPDATE per queue; rows already at or above the
// cap are untouched, so aging never lowers a priority. RUNNING rows are
// filtered out by the status clause, which is what makes the concurrent race
// with leasing harmless.
func (s *Store) AgeQueues(ctx context.Context, olderThan int64, boost, cap int) (executions, tasks int64, err error) {
	for _, table := range []string{"executions", "inference_queue"} {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE `+table+`
			SET priority = MIN(priority + ?, ?)
			WHERE status = ? AND enqueue_ts < ? AND priority < ?
		`, boost, cap, models.StatusPending, olderThan, cap)
		if execErr != nil {
			return executions, tasks, fmt.Errorf("age %s: %w", table, execErr)
		}
		n, _ := res.RowsAffected()
		if table == "executions" {
			executions = n
		} else {
			tasks = n
		}
	}
	return executions, tasks, nil
}

// AppendNodeEvent appends one row to the per-execution event log and returns
// its event_id.
func (s *Store) AppendNodeEvent(ctx context.Context, ev models.NodeEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO node_events (execution_id, node_id, status, intermediate_output, started_at, completed_at, error_log)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ExecutionID, ev.NodeID, ev.Status, rawToNil(ev.IntermediateOutput), ev.StartedAt, ev.CompletedAt, ev.ErrorLog)
	if err != nil {
		return 0, fmt.Errorf("append node event: %w", err)
	}
	return res.LastInsertId()
}

// NodeEvents returns the event log for an execution ordered by event_id.
func (s *Store) NodeEvents(ctx context.Context, executionID string) ([]models.NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, execution_id, node_id, status, intermediate_output, started_at, completed_at, error_log
		FROM node_events WHERE execution_id = ? ORDER BY event_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list node events: %w", err)
	}
	defer rows.Close()

	var events []models.NodeEvent
	for rows.Next() {
		var ev models.NodeEvent
		var output sql.NullString
		var started, completed sql.NullInt64
		var errLog sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.ExecutionID, &ev.NodeID, &ev.Status, &output, &started, &completed, &errLog); err != nil {
			return events, err
		}
		if output.Valid {
			ev.IntermediateOutput = json.RawMessage(output.String)
		}
		ev.StartedAt = int64Ptr(started)
		ev.CompletedAt = int64Ptr(completed)
		ev.ErrorLog = textPtr(errLog)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PendingCounts reports queue depth for telemetry.
func (s *Store) PendingCounts(ctx context.Context) (executions, tasks int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE status = ?`, models.StatusPending).Scan(&executions); err != nil {
		return 0, 0, fmt.Errorf("count pending executions: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inference_queue WHERE status = ?`, models.StatusPending).Scan(&tasks); err != nil {
		return executions, 0, fmt.Errorf("count pending inference: %w", err)
	}
	return executions, tasks, nil
}

// SQLiteVersion reports the linked SQLite library version for the health
// endpoint.
func (s *Store) SQLiteVersion(ctx context.Context) (string, error) {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&v); err != nil {
		return "", fmt.Errorf("sqlite version: %w", err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (models.Execution, error) {
	var e models.Execution
	var parent, finalResult, leaseID, errLog sql.NullString
	var leaseExpires, started, completed sql.NullInt64
	err := row.Scan(&e.ExecutionID, &e.AgentID, &e.Status, &parent, &finalResult,
		&e.BasePriority, &e.Priority, &e.EnqueueTS, &leaseID, &leaseExpires,
		&e.CreatedAt, &started, &completed, &errLog)
	if err != nil {
		return models.Execution{}, err
	}
	e.ParentExecutionID = textPtr(parent)
	if finalResult.Valid {
		e.FinalResult = json.RawMessage(finalResult.String)
	}
	e.LeaseID = textPtr(leaseID)
	e.LeaseExpiresAt = int64Ptr(leaseExpires)
	e.StartedAt = int64Ptr(started)
	e.CompletedAt = int64Ptr(completed)
	e.ErrorLog = textPtr(errLog)
	return e, nil
}

func scanInferenceTask(row rowScanner) (models.InferenceTask, error) {
	var t models.InferenceTask
	var prompt, params string
	var result, leaseID, errLog sql.NullString
	var leaseExpires, started, completed sql.NullInt64
	var tps sql.NullFloat64
	err := row.Scan(&t.TaskID, &t.ModelID, &t.Status, &prompt, &params, &result,
		&t.BasePriority, &t.Priority, &t.EnqueueTS, &leaseID, &leaseExpires,
		&t.CreatedAt, &started, &completed, &tps, &errLog)
	if err != nil {
		return models.InferenceTask{}, err
	}
	t.Prompt = json.RawMessage(prompt)
	t.Parameters = json.RawMessage(params)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.LeaseID = textPtr(leaseID)
	t.LeaseExpiresAt = int64Ptr(leaseExpires)
	t.StartedAt = int64Ptr(started)
	t.CompletedAt = int64Ptr(completed)
	if tps.Valid {
		t.TokensPerSecond = &tps.Float64
	}
	t.ErrorLog = textPtr(errLog)
	return t, nil
}

func textPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func rawToNil(v json.RawMessage) *string {
	if len(v) == 0 {
		return nil
	}
	s := string(v)
	return &s
}
