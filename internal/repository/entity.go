package repository

import (
	"context"
	"fmt"
	"time"

	"ledgersync/pkg/constraints"

	"gorm.io/gorm"
)

// EntityMarker clears the business table's pending-sync flag once an operation lands remotely.
type EntityMarker interface {
	MarkEntitySynced(ctx context.Context, collection, documentID string, at time.Time) error
}

// EntityRepository updates pending_sync/synced_at on the business tables that share the
// collection's name. Collections outside the known set are refused.
type EntityRepository struct {
	db *gorm.DB
}

func NewEntityRepository(db *gorm.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (r *EntityRepository) MarkEntitySynced(ctx context.Context, collection, documentID string, at time.Time) error {
	if !constraints.IsKnownCollection(collection) {
		return fmt.Errorf("mark synced: unknown collection %q", collection)
	}
	// A missing row is fine: the business table may have pruned or never stored it locally.
	return r.db.WithContext(ctx).Table(collection).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"pending_sync": false,
			"synced_at":    at,
		}).Error
}
