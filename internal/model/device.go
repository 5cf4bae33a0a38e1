package model

// Device is a registered point-of-sale terminal allowed to watch sync progress.
type Device struct {
	ID       uint64 `gorm:"primaryKey"`
	DeviceID string `gorm:"size:64;not null;uniqueIndex"`
	OwnerID  string `gorm:"size:64;not null"`
	APIKey   string `gorm:"size:64;not null;index"`
	Status   int    `gorm:"default:1"`
}
