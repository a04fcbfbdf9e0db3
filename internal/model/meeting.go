package model

import (
	"time"

	"meetup-location-backend/internal/geo"
)

// Meeting is a scheduled meetup with a destination.
type Meeting struct {
	ID             int64  `gorm:"primaryKey"`
	Title          string `gorm:"size:256;not null"`
	MeetAt         time.Time
	DestinationLat *float64
	DestinationLng *float64
	AuditInfo

	// Associations
	Participants []Participant `gorm:"foreignKey:MeetingID"`
}

// Destination returns the meeting's goal coordinate, or nil when unset.
func (m Meeting) Destination() *geo.Point {
	if m.DestinationLat == nil || m.DestinationLng == nil {
		return nil
	}
	return geo.Ptr(*m.DestinationLat, *m.DestinationLng)
}
