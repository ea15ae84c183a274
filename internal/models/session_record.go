package models

import "time"

// SessionRecord accumulates usage for one protocol session across process
// restarts.
type SessionRecord struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	ProtocolSessionID string  `gorm:"size:128;not null;uniqueIndex"`
	UserID            int64   `gorm:"not null;index"`
	ThreadID          *int64
	ProjectPath       string  `gorm:"size:1024"`
	TotalCost         float64 `gorm:"not null;default:0"`
	TotalTurns        int     `gorm:"not null;default:0"`
	MessageCount      int     `gorm:"not null;default:0"`
	IsActive          bool    `gorm:"not null;default:true;index"`
	CreatedAt         time.Time
	LastUsed          time.Time `gorm:"index"`
}
