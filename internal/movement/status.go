package movement

import (
	"errors"
	"time"

	"meetup-location-backend/internal/geo"
)

// ErrIllegalState is returned when a transition is not allowed from the current status.
var ErrIllegalState = errors.New("illegal movement state transition")

// Status is a participant's movement status within one meeting.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusMoving  Status = "MOVING"
	StatusPaused  Status = "PAUSED"
	StatusArrived Status = "ARRIVED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusMoving, StatusPaused, StatusArrived:
		return true
	}
	return false
}

// Config holds the thresholds the state machine decides with.
type Config struct {
	MinMoveDistanceMeters float64
	ArrivalRadiusMeters   float64
	PauseThreshold        time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinMoveDistanceMeters: 20,
		ArrivalRadiusMeters:   60,
		PauseThreshold:        10 * time.Minute,
	}
}

// State is the movement-related part of a participant.
// Pointer fields are never mutated in place; transitions assign fresh values.
type State struct {
	Status            Status
	DepartureLocation *geo.Point
	LastLocation      *geo.Point
	DepartedAt        *time.Time
	ArrivedAt         *time.Time
	LastMovingAt      *time.Time
}

// Event records a status change produced by a transition.
type Event struct {
	From Status
	To   Status
	At   time.Time
}
