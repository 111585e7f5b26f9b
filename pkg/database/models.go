package database

import (
	"time"

	"gorm.io/gorm"
)

// Conversion records one wav2ambe or ambe2wav run
type Conversion struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Direction string    `gorm:"index;size:8;not null" json:"direction"` // encode or decode
	Mode      string    `gorm:"index;size:8;not null" json:"mode"`
	FEC       bool      `gorm:"not null" json:"fec"`
	Input     string    `gorm:"not null" json:"input"`
	Output    string    `gorm:"not null" json:"output"`
	Frames    int       `gorm:"default:0" json:"frames"`
	ProductID string    `gorm:"size:64" json:"product_id"`
	Version   string    `gorm:"size:128" json:"version"`
	Duration  float64   `gorm:"not null" json:"duration"` // wall time in seconds
	Success   bool      `gorm:"index" json:"success"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `gorm:"index;not null" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Conversion
func (Conversion) TableName() string {
	return "conversions"
}

// BeforeCreate fills in missing timestamps
func (c *Conversion) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	if c.EndTime.IsZero() {
		c.EndTime = c.StartTime.Add(time.Duration(c.Duration * float64(time.Second)))
	}
	return nil
}

// AudioSeconds returns the length of the converted audio: 20 ms per frame.
func (c *Conversion) AudioSeconds() float64 {
	return float64(c.Frames) * 0.02
}
