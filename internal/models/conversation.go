// Package models defines the GORM models persisted by switchboard.
package models

import "time"

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Conversation links one chat source (a private chat or a group) to one
// opencode session. At most one conversation is active per SourceKey; a
// conversation moves from active to archived exactly once and is never
// deleted. ExternalSessionID is filled in after the first successful
// opencode call and never changes afterwards.
type Conversation struct {
	ID                string    `gorm:"primaryKey;size:36"`
	SourceKey         string    `gorm:"size:128;not null;index:idx_source_status"`
	ExternalSessionID string    `gorm:"size:64"`
	Status            string    `gorm:"size:16;not null;default:active;index:idx_source_status"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Turns []TurnRecord `gorm:"foreignKey:ConversationID"`
}

// TurnRecord captures one request/response cycle with opencode for
// debugging and audit. Records are kept even after the conversation is
// archived.
type TurnRecord struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID    string `gorm:"size:36;not null;index"`
	SourceKey         string `gorm:"size:128;index"`
	Prompt            string `gorm:"type:text"`
	Reply             string `gorm:"type:text"`
	ExternalSessionID string `gorm:"size:64"`
	Status            string `gorm:"size:16"` // "ok" or "failed"
	FailureKind       string `gorm:"size:16"`
	FailureReason     string `gorm:"size:512"`
	LatencyMs         int
	CreatedAt         time.Time
}

// All returns every model for migration.
func All() []interface{} {
	return []interface{}{
		&Conversation{},
		&TurnRecord{},
	}
}
