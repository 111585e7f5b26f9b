package database

import (
	"time"

	"gorm.io/gorm"
)

// ConversionRepository handles conversion history operations
type ConversionRepository struct {
	db *gorm.DB
}

// NewConversionRepository creates a new conversion repository
func NewConversionRepository(db *gorm.DB) *ConversionRepository {
	return &ConversionRepository{db: db}
}

// Create adds a new conversion record
func (r *ConversionRepository) Create(c *Conversion) error {
	return r.db.Create(c).Error
}

// GetRecent retrieves the most recent N conversions
func (r *ConversionRepository) GetRecent(limit int) ([]Conversion, error) {
	var conversions []Conversion
	err := r.db.Order("start_time DESC").Limit(limit).Find(&conversions).Error
	return conversions, err
}

// GetByMode retrieves conversions for one vocoder mode
func (r *ConversionRepository) GetByMode(mode string, limit int) ([]Conversion, error) {
	var conversions []Conversion
	err := r.db.Where("mode = ?", mode).
		Order("start_time DESC").
		Limit(limit).
		Find(&conversions).Error
	return conversions, err
}

// GetFailed retrieves the most recent unsuccessful conversions
func (r *ConversionRepository) GetFailed(limit int) ([]Conversion, error) {
	var conversions []Conversion
	err := r.db.Where("success = ?", false).
		Order("start_time DESC").
		Limit(limit).
		Find(&conversions).Error
	return conversions, err
}

// CountFrames returns the total number of frames converted in one direction
func (r *ConversionRepository) CountFrames(direction string) (int64, error) {
	var total int64
	err := r.db.Model(&Conversion{}).
		Where("direction = ? AND success = ?", direction, true).
		Select("COALESCE(SUM(frames), 0)").
		Scan(&total).Error
	return total, err
}

// DeleteOlderThan deletes conversions started before the given time
func (r *ConversionRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("start_time < ?", before).Delete(&Conversion{})
	return result.RowsAffected, result.Error
}
