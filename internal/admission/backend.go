package admission

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/switchboard/internal/models"
)

// Backend is a counter shared between processes. Increment atomically adds
// one to key and returns the new count; the key expires after window.
type Backend interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// SQLBackend keeps counters in the admission_counters table.
type SQLBackend struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLBackend creates a backend on db. The table must already be migrated.
func NewSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("admission: db is required")
	}
	return &SQLBackend{db: db, now: time.Now}, nil
}

// Increment upserts the counter row for key and returns its hit count.
func (s *SQLBackend) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	var hits int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.AdmissionCounter{Key: key, Hits: 1, ExpiresAt: s.now().Add(window)}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"hits": gorm.Expr("hits + 1")}),
		}).Create(&row).Error; err != nil {
			return err
		}
		var got models.AdmissionCounter
		if err := tx.Where("`key` = ?", key).First(&got).Error; err != nil {
			return err
		}
		hits = got.Hits
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("admission: increment %s: %w", key, err)
	}
	return hits, nil
}

// Prune deletes counters whose window has passed.
func (s *SQLBackend) Prune(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&models.AdmissionCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("admission: prune counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
