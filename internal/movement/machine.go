package movement

import (
	"fmt"
	"time"

	"meetup-location-backend/internal/geo"
)

// Machine applies movement transitions. It performs no I/O: every operation
// returns the next State plus the events the caller must persist and deliver.
type Machine struct {
	cfg Config
	now func() time.Time
}

// NewMachine creates a Machine using the wall clock.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, now: time.Now}
}

// WithClock returns a copy of the machine reading time from now.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	return &Machine{cfg: m.cfg, now: now}
}

// Config returns the thresholds in use.
func (m *Machine) Config() Config {
	return m.cfg
}

// Depart moves a PENDING or PAUSED participant to MOVING. The departure
// location and time are recorded on the first departure only.
func (m *Machine) Depart(s State, at *geo.Point) (State, []Event, error) {
	if s.Status != StatusPending && s.Status != StatusPaused {
		return s, nil, fmt.Errorf("%w: cannot depart while %s", ErrIllegalState, s.Status)
	}

	now := m.now()
	next := s
	if next.DepartureLocation == nil && at != nil {
		p := *at
		next.DepartureLocation = &p
	}
	if next.DepartedAt == nil {
		next.DepartedAt = &now
	}
	next.LastMovingAt = &now
	next.Status = StatusMoving

	return next, []Event{{From: s.Status, To: StatusMoving, At: now}}, nil
}

// Arrive marks the participant ARRIVED at p. Only MOVING participants may
// arrive unless force is set, which admits PENDING and PAUSED as well
// (arrival proven by the geofence rather than by tracked movement).
func (m *Machine) Arrive(s State, p geo.Point, force bool) (State, []Event, error) {
	switch s.Status {
	case StatusMoving:
	case StatusPending, StatusPaused:
		if !force {
			return s, nil, fmt.Errorf("%w: cannot arrive while %s", ErrIllegalState, s.Status)
		}
	default:
		return s, nil, fmt.Errorf("%w: cannot arrive while %s", ErrIllegalState, s.Status)
	}

	now := m.now()
	next := s
	next.LastLocation = &p
	next.ArrivedAt = &now
	next.Status = StatusArrived

	return next, []Event{{From: s.Status, To: StatusArrived, At: now}}, nil
}

// Pause moves a MOVING participant to PAUSED.
func (m *Machine) Pause(s State) (State, []Event, error) {
	if s.Status != StatusMoving {
		return s, nil, fmt.Errorf("%w: cannot pause while %s", ErrIllegalState, s.Status)
	}

	now := m.now()
	next := s
	next.Status = StatusPaused

	return next, []Event{{From: StatusMoving, To: StatusPaused, At: now}}, nil
}

// UpdateLocationIfMoved records p as the last location when the participant
// is MOVING and p is at least MinMoveDistanceMeters away from the previous
// location. The first location of a moving participant is always recorded.
func (m *Machine) UpdateLocationIfMoved(s State, p geo.Point) (State, bool) {
	if s.Status != StatusMoving {
		return s, false
	}

	if s.LastLocation != nil && geo.DistanceMeters(s.LastLocation, &p) < m.cfg.MinMoveDistanceMeters {
		return s, false
	}

	now := m.now()
	next := s
	next.LastLocation = &p
	next.LastMovingAt = &now
	return next, true
}

// DetermineStatusOnDisconnect infers the status of a participant whose
// connection dropped at last. ARRIVED participants are left alone; inside
// the arrival radius the participant arrives, otherwise a MOVING participant
// is paused. PENDING and PAUSED participants outside the radius are unchanged.
func (m *Machine) DetermineStatusOnDisconnect(s State, last geo.Point, goal *geo.Point) (State, []Event) {
	if s.Status == StatusArrived {
		return s, nil
	}

	if geo.Within(&last, goal, m.cfg.ArrivalRadiusMeters) {
		next, events, _ := m.Arrive(s, last, true)
		return next, events
	}

	if s.Status == StatusMoving {
		next, events, _ := m.Pause(s)
		return next, events
	}
	return s, nil
}

// CheckAndUpdateMovement is the bulk variant used by the reconciler. Only
// MOVING participants are evaluated; arrival takes priority over the idle
// timeout that pauses a participant without significant movement.
func (m *Machine) CheckAndUpdateMovement(s State, goal *geo.Point, current geo.Point) (State, []Event) {
	if s.Status != StatusMoving {
		return s, nil
	}

	if geo.Within(&current, goal, m.cfg.ArrivalRadiusMeters) {
		next, events, _ := m.Arrive(s, current, false)
		return next, events
	}

	if s.LastMovingAt != nil && m.now().Sub(*s.LastMovingAt) >= m.cfg.PauseThreshold {
		next, events, _ := m.Pause(s)
		return next, events
	}
	return s, nil
}
