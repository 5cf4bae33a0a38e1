package v1

import (
	"encoding/json"
	"time"
)

type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRetry      Status = "retry"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Selectable reports whether the engine may pick up work in this status.
func (s Status) Selectable() bool {
	return s == StatusPending || s == StatusRetry
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Envelope is the schema-tagged payload carried by an operation.
type Envelope struct {
	Schema    string          `json:"schema"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// RemoteCall is everything the remote adapter needs to apply one operation.
type RemoteCall struct {
	OperationID string
	Type        OperationType
	Collection  string
	DocumentID  string
	OwnerID     string
	Envelope    Envelope
}

// EnqueueRequest describes a new operation produced by business code.
type EnqueueRequest struct {
	Type              OperationType `json:"operation_type"`
	Collection        string        `json:"target_collection"`
	DocumentID        string        `json:"document_id"`
	Payload           Envelope      `json:"payload"`
	Priority          int           `json:"priority"`
	ParentOperationID string        `json:"parent_operation_id,omitempty"`
	StepNumber        int           `json:"step_number,omitempty"`
	TotalSteps        int           `json:"total_steps,omitempty"`
	DependencyGroup   string        `json:"dependency_group,omitempty"`
	UserID            string        `json:"user_id,omitempty"`
	DeviceID          string        `json:"device_id,omitempty"`
	OwnerID           string        `json:"owner_id,omitempty"`
}

type EnqueueResult struct {
	OperationID string `json:"operation_id"`
	Duplicate   bool   `json:"duplicate"`
}

// Stats is an aggregate snapshot of the queue and breaker.
type Stats struct {
	Pending    int64        `json:"pending"`
	InProgress int64        `json:"in_progress"`
	Retry      int64        `json:"retry"`
	Failed     int64        `json:"failed"`
	DeadLetter int64        `json:"dead_letter"`
	Synced     int64        `json:"synced"`
	Breaker    BreakerState `json:"breaker"`
	At         time.Time    `json:"at"`
}

// ResultEvent reports the outcome of one processed operation.
type ResultEvent struct {
	OperationID string        `json:"operation_id"`
	Collection  string        `json:"target_collection"`
	DocumentID  string        `json:"document_id"`
	Success     bool          `json:"success"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration_ns"`
	At          time.Time     `json:"at"`
}

// Message is one frame on the stream hub.
type Message struct {
	Seq    int64        `json:"seq"`
	Kind   string       `json:"kind"`
	Stats  *Stats       `json:"stats,omitempty"`
	Result *ResultEvent `json:"result,omitempty"`
}
