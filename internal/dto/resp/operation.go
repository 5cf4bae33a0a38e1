package resp

import (
	"encoding/json"
	"time"

	"ledgersync/internal/model"
	v1 "ledgersync/pkg/api/v1"
)

type OperationItem struct {
	OperationID       string           `json:"operation_id"`
	OperationType     v1.OperationType `json:"operation_type"`
	TargetCollection  string           `json:"target_collection"`
	DocumentID        string           `json:"document_id"`
	Payload           json.RawMessage  `json:"payload"`
	Status            v1.Status        `json:"status"`
	RetryCount        int              `json:"retry_count"`
	LastError         string           `json:"last_error,omitempty"`
	Priority          int              `json:"priority"`
	CreatedAt         time.Time        `json:"created_at"`
	LastAttemptAt     *time.Time       `json:"last_attempt_at,omitempty"`
	SyncedAt          *time.Time       `json:"synced_at,omitempty"`
	DependencyGroup   string           `json:"dependency_group,omitempty"`
	StepNumber        int              `json:"step_number,omitempty"`
	TotalSteps        int              `json:"total_steps,omitempty"`
	ParentOperationID string           `json:"parent_operation_id,omitempty"`
	RescueGeneration  int              `json:"rescue_generation"`
}

func NewOperationItem(op *model.Operation) OperationItem {
	return OperationItem{
		OperationID:       op.OperationID,
		OperationType:     op.OperationType,
		TargetCollection:  op.TargetCollection,
		DocumentID:        op.DocumentID,
		Payload:           json.RawMessage(op.Payload),
		Status:            op.Status,
		RetryCount:        op.RetryCount,
		LastError:         op.LastError,
		Priority:          op.Priority,
		CreatedAt:         op.CreatedAt,
		LastAttemptAt:     op.LastAttemptAt,
		SyncedAt:          op.SyncedAt,
		DependencyGroup:   op.DependencyGroup,
		StepNumber:        op.StepNumber,
		TotalSteps:        op.TotalSteps,
		ParentOperationID: op.ParentOperationID,
		RescueGeneration:  op.RescueGeneration,
	}
}

type OperationList struct {
	Items []OperationItem `json:"items"`
}

type DeadLetterList struct {
	Items []model.DeadLetterEntry `json:"items"`
}

type ReinstateResp struct {
	OperationID string `json:"operation_id"`
}

type HealthResp struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Remote  string `json:"remote"`
	Breaker string `json:"breaker"`
}
