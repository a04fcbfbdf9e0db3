package model

import (
	"time"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/movement"
)

// Participant is a user's membership in one meeting together with its
// movement state. Version guards concurrent writers of the same row.
type Participant struct {
	ID             int64           `gorm:"primaryKey"`
	MeetingID      int64           `gorm:"not null;uniqueIndex:idx_participant_meeting_user"`
	UserID         int64           `gorm:"not null;uniqueIndex:idx_participant_meeting_user"`
	MovementStatus movement.Status `gorm:"size:16;not null;default:PENDING"`
	IsCreator      bool            `gorm:"not null;default:false"`

	DepartureLat *float64
	DepartureLng *float64
	LastLat      *float64
	LastLng      *float64
	DepartedAt   *time.Time
	ArrivedAt    *time.Time
	LastMovingAt *time.Time

	Version int64 `gorm:"not null;default:0"`
	AuditInfo

	// Associations
	User User `gorm:"constraint:OnDelete:CASCADE"`
}

// State extracts the movement state.
func (p *Participant) State() movement.State {
	return movement.State{
		Status:            p.MovementStatus,
		DepartureLocation: pointOf(p.DepartureLat, p.DepartureLng),
		LastLocation:      pointOf(p.LastLat, p.LastLng),
		DepartedAt:        p.DepartedAt,
		ArrivedAt:         p.ArrivedAt,
		LastMovingAt:      p.LastMovingAt,
	}
}

// ApplyState copies s onto the participant's columns.
func (p *Participant) ApplyState(s movement.State) {
	p.MovementStatus = s.Status
	p.DepartureLat, p.DepartureLng = coordsOf(s.DepartureLocation)
	p.LastLat, p.LastLng = coordsOf(s.LastLocation)
	p.DepartedAt = s.DepartedAt
	p.ArrivedAt = s.ArrivedAt
	p.LastMovingAt = s.LastMovingAt
}

func pointOf(lat, lng *float64) *geo.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return geo.Ptr(*lat, *lng)
}

func coordsOf(p *geo.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	lat, lng := p.Lat(), p.Lon()
	return &lat, &lng
}
