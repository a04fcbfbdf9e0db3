package model

import "time"

// EntityStatus marks whether a row is live or soft-deleted.
type EntityStatus string

const (
	EntityActive  EntityStatus = "ACTIVE"
	EntityDeleted EntityStatus = "DELETED"
)

// AuditInfo carries the bookkeeping columns shared by every entity.
type AuditInfo struct {
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
	Status    EntityStatus `gorm:"size:16;not null;default:ACTIVE"`
}
