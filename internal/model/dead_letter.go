package model

import (
	"time"

	v1 "ledgersync/pkg/api/v1"

	"gorm.io/datatypes"
)

// Dead-letter resolutions.
const (
	ResolutionRescued    = "rescued"
	ResolutionReinstated = "reinstated"
	ResolutionDiscarded  = "discarded"
)

// DeadLetterEntry is the terminal record of an operation that will not be retried automatically.
// Operation fields are copied because the queue row is removed when the entry is written.
type DeadLetterEntry struct {
	ID                  uint64           `json:"id" gorm:"primaryKey"`
	OperationID         string           `json:"operation_id" gorm:"size:36;not null;uniqueIndex"`
	OperationType       v1.OperationType `json:"operation_type" gorm:"size:16;not null"`
	TargetCollection    string           `json:"target_collection" gorm:"size:64;not null"`
	DocumentID          string           `json:"document_id" gorm:"size:64;not null"`
	Payload             datatypes.JSON   `json:"payload" gorm:"not null"`
	PayloadHash         string           `json:"payload_hash" gorm:"size:64"`
	Priority            int              `json:"priority"`
	ParentOperationID   string           `json:"parent_operation_id,omitempty" gorm:"size:36"`
	StepNumber          int              `json:"step_number,omitempty"`
	TotalSteps          int              `json:"total_steps,omitempty"`
	DependencyGroup     string           `json:"dependency_group,omitempty" gorm:"size:64"`
	UserID              string           `json:"user_id,omitempty" gorm:"size:64"`
	DeviceID            string           `json:"device_id,omitempty" gorm:"size:64"`
	OwnerID             string           `json:"owner_id,omitempty" gorm:"size:64"`
	RescueGeneration    int              `json:"rescue_generation"`
	OperationCreatedAt  time.Time        `json:"operation_created_at"`
	FailureReason       string           `json:"failure_reason" gorm:"type:text"`
	FailureKind         string           `json:"failure_kind" gorm:"size:16"`
	TotalAttempts       int              `json:"total_attempts"`
	FirstAttemptAt      *time.Time       `json:"first_attempt_at"`
	MovedToDeadLetterAt time.Time        `json:"moved_to_dead_letter_at" gorm:"index"`
	Resolution          *string          `json:"resolution" gorm:"size:16;index"`
	ResolvedAt          *time.Time       `json:"resolved_at"`
	ResolvedBy          string           `json:"resolved_by,omitempty" gorm:"size:64"`
	RescuedOperationID  string           `json:"rescued_operation_id,omitempty" gorm:"size:36"`
}

func (DeadLetterEntry) TableName() string {
	return "sync_dead_letters"
}

// Resolved reports whether the entry has been rescued, reinstated or discarded.
func (e *DeadLetterEntry) Resolved() bool {
	return e.Resolution != nil
}
