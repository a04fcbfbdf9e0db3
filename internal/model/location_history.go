package model

import "time"

// LocationHistory is one meaningful movement point of a participant.
// Rows are append-only and written by the reconciler only.
type LocationHistory struct {
	ID            int64     `gorm:"primaryKey"`
	ParticipantID int64     `gorm:"not null;index:idx_history_participant_moved_at"`
	Lat           float64   `gorm:"not null"`
	Lng           float64   `gorm:"not null"`
	MovedAt       time.Time `gorm:"not null;index:idx_history_participant_moved_at"`
	CreatedAt     time.Time `gorm:"not null"`
}
