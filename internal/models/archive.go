package models

import "time"

// ArchivedMessage stores one inbound or outbound message of a conversation.
// Rows are written as the bot handles traffic and never updated.
type ArchivedMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RunID     string    `gorm:"size:36;not null;index"`
	SessionID string    `gorm:"size:128;not null;index:idx_session_time"`
	PeerName  string    `gorm:"size:128"`
	Direction string    `gorm:"size:16;not null"` // "inbound" or "outbound"
	Content   string    `gorm:"type:text;not null"`
	SentAt    time.Time `gorm:"index:idx_session_time"`
	CreatedAt time.Time
}

// RunRecord summarizes one bot run from Start to Stop.
type RunRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	RunID          string `gorm:"size:36;uniqueIndex;not null"`
	Platform       string `gorm:"size:32"`
	FinalState     string `gorm:"size:16"`
	MessagesRead   int64
	MessagesSent   int64
	Errors         int64
	RuntimeSeconds float64
	StartedAt      time.Time
	StoppedAt      *time.Time
}
