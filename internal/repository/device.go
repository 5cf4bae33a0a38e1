package repository

import (
	"context"
	"errors"

	"ledgersync/internal/model"

	"gorm.io/gorm"
)

// DeviceInterface resolves a terminal's API key to its registration.
type DeviceInterface interface {
	FindByAPIKey(ctx context.Context, apiKey string) (*model.Device, error)
}

type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// FindByAPIKey returns nil, nil when no active device carries the key.
func (r *DeviceRepository) FindByAPIKey(ctx context.Context, apiKey string) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).
		Where("api_key = ? AND status = 1", apiKey).
		First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

func (r *DeviceRepository) Register(ctx context.Context, device *model.Device) error {
	return r.db.WithContext(ctx).Create(device).Error
}
