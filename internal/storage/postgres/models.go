package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID        string `gorm:"primaryKey"`
	TurnCount int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }

// TurnModel maps to the "session_turns" table.
// No UpdatedAt: turns are append-only.
type TurnModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID     string    `gorm:"not null;uniqueIndex:idx_turn_seq"`
	SeqNum        int       `gorm:"not null;uniqueIndex:idx_turn_seq"`
	Role          string    `gorm:"not null"`
	Content       string    `gorm:"type:text"`
	TokenEstimate int       `gorm:"not null;default:0"`
	CreatedAt     time.Time
}

func (TurnModel) TableName() string { return "session_turns" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{&SessionModel{}, &TurnModel{}}
}
