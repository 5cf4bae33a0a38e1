package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/model"
	v1 "ledgersync/pkg/api/v1"

	"gorm.io/gorm"
)

var (
	ErrOperationNotFound  = errors.New("operation not found")
	ErrDeadLetterNotFound = errors.New("dead-letter entry not found")
	ErrDeadLetterResolved = errors.New("dead-letter entry already resolved")
)

// DeadLetterFailure describes why an operation left the queue.
type DeadLetterFailure struct {
	Reason   string
	Kind     string
	Attempts int
	At       time.Time
}

// QueueInterface is the durable queue surface the sync engine and rescue service depend on.
type QueueInterface interface {
	Enqueue(ctx context.Context, op *model.Operation) error
	Watch(ctx context.Context) <-chan struct{}
	FetchEligible(ctx context.Context, limit int) ([]model.Operation, error)
	Get(ctx context.Context, id string) (*model.Operation, error)
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, lastErr string, at time.Time) error
	MoveToDeadLetter(ctx context.Context, op *model.Operation, f DeadLetterFailure) (*model.DeadLetterEntry, error)
	CountByStatus(ctx context.Context) (map[v1.Status]int64, error)
	ListFailed(ctx context.Context, limit int) ([]model.Operation, error)
	FindActiveByHash(ctx context.Context, hash, collection, documentID string) (*model.Operation, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	PruneSynced(ctx context.Context, olderThan time.Time) (int64, error)

	ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]model.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id uint64) (*model.DeadLetterEntry, error)
	Reinstate(ctx context.Context, entryID uint64, op *model.Operation, resolution, by string, at time.Time) error
	ResolveDeadLetter(ctx context.Context, id uint64, resolution, by string, at time.Time) error
}

// QueueRepository keeps operations in sync_operations and dead letters in sync_dead_letters.
type QueueRepository struct {
	db       *gorm.DB
	notifier Notifier
}

func NewQueueRepository(db *gorm.DB, notifier Notifier) *QueueRepository {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &QueueRepository{db: db, notifier: notifier}
}

// Enqueue inserts op and signals watchers once the row is committed.
func (r *QueueRepository) Enqueue(ctx context.Context, op *model.Operation) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		return fmt.Errorf("enqueue %s: %w", op.OperationID, err)
	}
	r.notifier.Notify(ctx)
	return nil
}

// Watch returns a channel that receives a value whenever new pending work may exist.
// The channel closes when ctx is done.
func (r *QueueRepository) Watch(ctx context.Context) <-chan struct{} {
	return r.notifier.Subscribe(ctx)
}

// FetchEligible returns pending and retry operations in execution order.
// Backoff windows are not applied here.
func (r *QueueRepository) FetchEligible(ctx context.Context, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("status IN ?", []v1.Status{v1.StatusPending, v1.StatusRetry}).
		Order("priority ASC").Order("created_at ASC").Order("operation_id ASC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

func (r *QueueRepository) Get(ctx context.Context, id string) (*model.Operation, error) {
	var op model.Operation
	if err := r.db.WithContext(ctx).Where("operation_id = ?", id).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

// Claim moves a pending or retry operation to in_progress. It reports false when
// the row is no longer selectable, meaning another writer claimed it first.
func (r *QueueRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Operation{}).
		Where("operation_id = ? AND status IN ?", id, []v1.Status{v1.StatusPending, v1.StatusRetry}).
		Updates(map[string]any{
			"status":           v1.StatusInProgress,
			"last_attempt_at":  at,
			"first_attempt_at": gorm.Expr("COALESCE(first_attempt_at, ?)", at),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *QueueRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":     v1.StatusSynced,
		"last_error": "",
		"synced_at":  at,
	})
}

func (r *QueueRepository) ScheduleRetry(ctx context.Context, id string, retryCount int, lastErr string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":          v1.StatusRetry,
		"retry_count":     retryCount,
		"last_error":      lastErr,
		"last_attempt_at": at,
	})
}

func (r *QueueRepository) update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Operation{}).Where("operation_id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// MoveToDeadLetter writes the dead-letter entry and removes the queue row in one transaction.
func (r *QueueRepository) MoveToDeadLetter(ctx context.Context, op *model.Operation, f DeadLetterFailure) (*model.DeadLetterEntry, error) {
	entry := &model.DeadLetterEntry{
		OperationID:         op.OperationID,
		OperationType:       op.OperationType,
		TargetCollection:    op.TargetCollection,
		DocumentID:          op.DocumentID,
		Payload:             op.Payload,
		PayloadHash:         op.PayloadHash,
		Priority:            op.Priority,
		ParentOperationID:   op.ParentOperationID,
		StepNumber:          op.StepNumber,
		TotalSteps:          op.TotalSteps,
		DependencyGroup:     op.DependencyGroup,
		UserID:              op.UserID,
		DeviceID:            op.DeviceID,
		OwnerID:             op.OwnerID,
		RescueGeneration:    op.RescueGeneration,
		OperationCreatedAt:  op.CreatedAt,
		FailureReason:       f.Reason,
		FailureKind:         f.Kind,
		TotalAttempts:       f.Attempts,
		FirstAttemptAt:      op.FirstAttemptAt,
		MovedToDeadLetterAt: f.At,
	}
	if entry.FirstAttemptAt == nil {
		entry.FirstAttemptAt = op.LastAttemptAt
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		res := tx.Where("operation_id = ?", op.OperationID).Delete(&model.Operation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOperationNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dead-letter %s: %w", op.OperationID, err)
	}
	return entry, nil
}

// CountByStatus counts queue rows per status plus unresolved dead letters under StatusDeadLetter.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[v1.Status]int64, error) {
	var rows []struct {
		Status v1.Status
		N      int64
	}
	if err := r.db.WithContext(ctx).Model(&model.Operation{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := map[v1.Status]int64{
		v1.StatusPending:    0,
		v1.StatusInProgress: 0,
		v1.StatusRetry:      0,
		v1.StatusSynced:     0,
		v1.StatusFailed:     0,
		v1.StatusDeadLetter: 0,
	}
	for _, row := range rows {
		counts[row.Status] += row.N
	}

	var dead int64
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{}).
		Where("resolution IS NULL").Count(&dead).Error; err != nil {
		return nil, err
	}
	counts[v1.StatusDeadLetter] += dead
	return counts, nil
}

// ListFailed returns operations whose last attempt failed and which are still in the queue.
func (r *QueueRepository) ListFailed(ctx context.Context, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("status IN ?", []v1.Status{v1.StatusRetry, v1.StatusFailed}).
		Order("last_attempt_at DESC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// FindActiveByHash returns the queued operation carrying the same payload for the same document, if any.
// Dead-lettered operations are no longer in the queue and never match.
func (r *QueueRepository) FindActiveByHash(ctx context.Context, hash, collection, documentID string) (*model.Operation, error) {
	var op model.Operation
	err := r.db.WithContext(ctx).
		Where("payload_hash = ? AND target_collection = ? AND document_id = ?", hash, collection, documentID).
		Order("created_at DESC").
		First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &op, nil
}

// RecoverStale returns operations left in_progress by a crashed worker to retry.
// The interrupted attempt counts against the retry budget.
func (r *QueueRepository) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Operation{}).
		Where("status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)", v1.StatusInProgress, olderThan).
		Updates(map[string]any{
			"status":      v1.StatusRetry,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  "claim abandoned before completion",
		})
	return res.RowsAffected, res.Error
}

func (r *QueueRepository) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND synced_at < ?", v1.StatusSynced, olderThan).
		Delete(&model.Operation{})
	return res.RowsAffected, res.Error
}

func (r *QueueRepository) ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]model.DeadLetterEntry, error) {
	var entries []model.DeadLetterEntry
	query := r.db.WithContext(ctx)
	if unresolvedOnly {
		query = query.Where("resolution IS NULL")
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Order("moved_to_dead_letter_at ASC").Order("id ASC").Find(&entries).Error
	return entries, err
}

func (r *QueueRepository) GetDeadLetter(ctx context.Context, id uint64) (*model.DeadLetterEntry, error) {
	var entry model.DeadLetterEntry
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// Reinstate resolves an unresolved entry and inserts its replacement operation in one transaction.
func (r *QueueRepository) Reinstate(ctx context.Context, entryID uint64, op *model.Operation, resolution, by string, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolve(tx, entryID, map[string]any{
			"resolution":           resolution,
			"resolved_at":          at,
			"resolved_by":          by,
			"rescued_operation_id": op.OperationID,
		}); err != nil {
			return err
		}
		return tx.Create(op).Error
	})
	if err != nil {
		return fmt.Errorf("reinstate dead letter %d: %w", entryID, err)
	}
	r.notifier.Notify(ctx)
	return nil
}

func (r *QueueRepository) ResolveDeadLetter(ctx context.Context, id uint64, resolution, by string, at time.Time) error {
	return resolve(r.db.WithContext(ctx), id, map[string]any{
		"resolution":  resolution,
		"resolved_at": at,
		"resolved_by": by,
	})
}

func resolve(db *gorm.DB, id uint64, fields map[string]any) error {
	res := db.Model(&model.DeadLetterEntry{}).Where("id = ? AND resolution IS NULL", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.Model(&model.DeadLetterEntry{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrDeadLetterNotFound
	}
	return ErrDeadLetterResolved
}

func (r *QueueRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
