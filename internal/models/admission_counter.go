package models

import "time"

// AdmissionCounter is a shared hit counter for one (endpoint, window) key.
// Several switchboard processes pointed at the same database increment the
// same row.
type AdmissionCounter struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Hits      int64     `gorm:"not null;default:0"`
	ExpiresAt time.Time `gorm:"index"`
}
