package models

import "encoding/json"

// Status enumerates lifecycle states persisted in SQLite. The same set is
// used for both queues.
const (
	StatusPending         = "PENDING"
	StatusRunning         = "RUNNING"
	StatusCancelRequested = "CANCEL_REQUESTED"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCanceled        = "CANCELED"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job sources, in descending base-priority order.
const (
	SourceChat         = "CHAT"
	SourceManualRun    = "MANUAL_RUN"
	SourceInternalNode = "INTERNAL_NODE"
	SourceTrigger      = "TRIGGER"
)

// ValidSource reports whether source names a known enqueue source.
func ValidSource(source string) bool {
	switch source {
	case SourceChat, SourceManualRun, SourceInternalNode, SourceTrigger:
		return true
	}
	return false
}

// Execution is one agent run persisted in the executions table.
type Execution struct {
	ExecutionID       string          `json:"execution_id"`
	AgentID           string          `json:"agent_id"`
	Status            string          `json:"status"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	FinalResult       json.RawMessage `json:"final_result,omitempty"`
	BasePriority      int             `json:"base_priority"`
	Priority          int             `json:"priority"`
	EnqueueTS         int64           `json:"enqueue_ts"`
	LeaseID           *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt    *int64          `json:"lease_expires_at,omitempty"`
	CreatedAt         int64           `json:"created_at"`
	StartedAt         *int64          `json:"started_at,omitempty"`
	CompletedAt       *int64          `json:"completed_at,omitempty"`
	ErrorLog          *string         `json:"error_log,omitempty"`
}

// InferenceTask is one model request persisted in the inference_queue table.
// Prompt and Parameters are opaque JSON blobs owned by the model runner.
type InferenceTask struct {
	TaskID          string          `json:"task_id"`
	ModelID         string          `json:"model_id"`
	Status          string          `json:"status"`
	Prompt          json.RawMessage `json:"prompt"`
	Parameters      json.RawMessage `json:"parameters"`
	Result          json.RawMessage `json:"result,omitempty"`
	BasePriority    int             `json:"base_priority"`
	Priority        int             `json:"priority"`
	EnqueueTS       int64           `json:"enqueue_ts"`
	LeaseID         *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt  *int64          `json:"lease_expires_at,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	StartedAt       *int64          `json:"started_at,omitempty"`
	CompletedAt     *int64          `json:"completed_at,omitempty"`
	TokensPerSecond *float64        `json:"tokens_per_second,omitempty"`
	ErrorLog        *string         `json:"error_log,omitempty"`
}

// Node event statuses recorded in the node_events log.
const (
	NodeStarted   = "STARTED"
	NodeCompleted = "COMPLETED"
	NodeFailed    = "FAILED"
)

// NodeEvent is one append-only row of the per-execution event log.
type NodeEvent struct {
	EventID            int64           `json:"event_id"`
	ExecutionID        string          `json:"execution_id"`
	NodeID             string          `json:"node_id"`
	Status             string          `json:"status"`
	IntermediateOutput json.RawMessage `json:"intermediate_output,omitempty"`
	StartedAt          *int64          `json:"started_at,omitempty"`
	CompletedAt        *int64          `json:"completed_at,omitempty"`
	ErrorLog           *string         `json:"error_log,omitempty"`
}
