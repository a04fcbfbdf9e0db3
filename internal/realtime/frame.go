package realtime

import (
	"errors"
	"time"

	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/notification"
	"meetup-location-backend/internal/store"
)

// Frame types exchanged over the socket.
const (
	FrameLocation = "location"
	FrameInit     = "init"
	FrameResult   = "result"
	FrameStatus   = "status"
	FrameKick     = "kick"
	FrameError    = "error"
)

// Frame is the envelope of every message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inboundFrame struct {
	Type          string     `json:"type" validate:"required,oneof=location init"`
	ParticipantID int64      `json:"participantId" validate:"gte=0"`
	Lat           *float64   `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lng           *float64   `json:"lng" validate:"omitempty,gte=-180,lte=180"`
	MovedAt       *time.Time `json:"movedAt"`
}

type locationPayload struct {
	ParticipantID int64     `json:"participantId"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	MovedAt       time.Time `json:"movedAt"`
}

type initPayload struct {
	Locations []locationPayload `json:"locations"`
}

type resultPayload struct {
	Status  movement.Status `json:"status,omitempty"`
	Arrived bool            `json:"arrived"`
	Message string          `json:"message,omitempty"`
}

type statusPayload struct {
	notification.StatusChanged
	Message string `json:"message,omitempty"`
}

type kickPayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func toLocation(s store.Sample) locationPayload {
	return locationPayload{
		ParticipantID: s.ParticipantID,
		Lat:           s.Lat,
		Lng:           s.Lng,
		MovedAt:       s.MovedAt,
	}
}

func errorFrame(err error) Frame {
	msg := "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		msg = "not found"
	case errors.Is(err, movement.ErrIllegalState):
		msg = err.Error()
	}
	return Frame{Type: FrameError, Payload: errorPayload{Error: msg}}
}
