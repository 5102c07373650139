// Package archive persists conversation traffic and run summaries.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/session"
)

// RunSummary is the final accounting for one run.
type RunSummary struct {
	FinalState   string
	MessagesRead int64
	MessagesSent int64
	Errors       int64
	Runtime      time.Duration
}

// Recorder writes one run's messages and summary.
type Recorder struct {
	db       *gorm.DB
	runID    string
	platform string
	now      func() time.Time
}

// NewRecorder creates a Recorder with a fresh run ID.
func NewRecorder(db *gorm.DB, platform string) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("archive: db is required")
	}
	return &Recorder{
		db:       db,
		runID:    uuid.NewString(),
		platform: platform,
		now:      time.Now,
	}, nil
}

// RunID returns the identifier stamped on every row this recorder writes.
func (r *Recorder) RunID() string {
	return r.runID
}

// StartRun inserts the run record.
func (r *Recorder) StartRun(ctx context.Context, startedAt time.Time) error {
	rec := models.RunRecord{
		RunID:      r.runID,
		Platform:   r.platform,
		FinalState: "active",
		StartedAt:  startedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive: start run %s: %w", r.runID, err)
	}
	return nil
}

// RecordMessage appends one message to the archive.
func (r *Recorder) RecordMessage(ctx context.Context, sessionID, peerName string, dir session.Direction, content string, sentAt time.Time) error {
	msg := models.ArchivedMessage{
		RunID:     r.runID,
		SessionID: sessionID,
		PeerName:  peerName,
		Direction: string(dir),
		Content:   content,
		SentAt:    sentAt,
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("archive: record message for %s: %w", sessionID, err)
	}
	return nil
}

// FinishRun writes the final statistics onto the run record.
func (r *Recorder) FinishRun(ctx context.Context, sum RunSummary) error {
	stopped := r.now()
	result := r.db.WithContext(ctx).Model(&models.RunRecord{}).
		Where("run_id = ?", r.runID).
		Updates(map[string]interface{}{
			"final_state":     sum.FinalState,
			"messages_read":   sum.MessagesRead,
			"messages_sent":   sum.MessagesSent,
			"errors":          sum.Errors,
			"runtime_seconds": sum.Runtime.Seconds(),
			"stopped_at":      &stopped,
		})
	if result.Error != nil {
		return fmt.Errorf("archive: finish run %s: %w", r.runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("archive: run not found: %s", r.runID)
	}
	return nil
}

// History returns up to limit archived messages for a session, oldest first.
func History(db *gorm.DB, sessionID string, limit int) ([]models.ArchivedMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("archive: sessionID is required")
	}
	var msgs []models.ArchivedMessage
	q := db.Where("session_id = ?", sessionID).Order("sent_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("archive: history %s: %w", sessionID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Runs returns the most recent run records, newest first.
func Runs(db *gorm.DB, limit int) ([]models.RunRecord, error) {
	var runs []models.RunRecord
	q := db.Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("archive: runs: %w", err)
	}
	return runs, nil
}
