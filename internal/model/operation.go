package model

import (
	"time"

	v1 "ledgersync/pkg/api/v1"

	"gorm.io/datatypes"
)

// Operation is one durable intended mutation against the remote store.
type Operation struct {
	OperationID       string           `json:"operation_id" gorm:"primaryKey;size:36"`
	OperationType     v1.OperationType `json:"operation_type" gorm:"size:16;not null"`
	TargetCollection  string           `json:"target_collection" gorm:"size:64;not null;index:idx_op_target"`
	DocumentID        string           `json:"document_id" gorm:"size:64;not null;index:idx_op_target"`
	Payload           datatypes.JSON   `json:"payload" gorm:"not null"`
	PayloadHash       string           `json:"payload_hash" gorm:"size:64;not null;index"`
	Status            v1.Status        `json:"status" gorm:"size:16;not null;index:idx_op_eligible,priority:1"`
	RetryCount        int              `json:"retry_count" gorm:"default:0"`
	LastError         string           `json:"last_error" gorm:"type:text"`
	Priority          int              `json:"priority" gorm:"default:0;index:idx_op_eligible,priority:2"`
	CreatedAt         time.Time        `json:"created_at" gorm:"index:idx_op_eligible,priority:3"`
	FirstAttemptAt    *time.Time       `json:"first_attempt_at"`
	LastAttemptAt     *time.Time       `json:"last_attempt_at"`
	SyncedAt          *time.Time       `json:"synced_at"`
	ParentOperationID string           `json:"parent_operation_id,omitempty" gorm:"size:36"`
	StepNumber        int              `json:"step_number,omitempty"`
	TotalSteps        int              `json:"total_steps,omitempty"`
	DependencyGroup   string           `json:"dependency_group,omitempty" gorm:"size:64;index"`
	UserID            string           `json:"user_id,omitempty" gorm:"size:64"`
	DeviceID          string           `json:"device_id,omitempty" gorm:"size:64"`
	OwnerID           string           `json:"owner_id,omitempty" gorm:"size:64;index"`
	RescueGeneration  int              `json:"rescue_generation" gorm:"default:0"`
}

func (Operation) TableName() string {
	return "sync_operations"
}
