package notification

import (
	"fmt"
	"time"

	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
)

// StatusChanged is emitted whenever a participant's movement status changes.
type StatusChanged struct {
	MeetingID     int64           `json:"meetingId"`
	ParticipantID int64           `json:"participantId"`
	UserID        int64           `json:"-"`
	Identity      string          `json:"identity"`
	DisplayName   string          `json:"displayName"`
	From          movement.Status `json:"from"`
	Status        movement.Status `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Message returns the text shown to the other members, or "" for statuses
// that are not announced.
func (e StatusChanged) Message() string {
	switch e.Status {
	case movement.StatusMoving:
		return fmt.Sprintf("%s departed!", e.DisplayName)
	case movement.StatusArrived:
		return fmt.Sprintf("%s arrived!", e.DisplayName)
	default:
		return ""
	}
}

// Dispatcher accepts status changes for delivery. Dispatch must not block
// the caller on slow receivers.
type Dispatcher interface {
	Dispatch(ev StatusChanged)
}

// Fanout delivers every event to each of its dispatchers.
type Fanout []Dispatcher

// Dispatch forwards ev to all dispatchers in order.
func (f Fanout) Dispatch(ev StatusChanged) {
	for _, d := range f {
		if d != nil {
			d.Dispatch(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Dispatch implements Dispatcher.
func (Discard) Dispatch(StatusChanged) {}

// NewStatusChanged describes transition e of participant p. The participant's
// User must be loaded for the display name.
func NewStatusChanged(p *model.Participant, e movement.Event) StatusChanged {
	return StatusChanged{
		MeetingID:     p.MeetingID,
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Identity:      p.User.Username,
		DisplayName:   p.User.DisplayName(),
		From:          e.From,
		Status:        e.To,
		Timestamp:     e.At,
	}
}
