package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/mw"
	"meetup-location-backend/internal/store"
)

type locationResponse struct {
	ParticipantID int64     `json:"participantId"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	MovedAt       time.Time `json:"movedAt"`
}

type historyResponse struct {
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	MovedAt time.Time `json:"movedAt"`
}

// member resolves the caller as a participant of the meeting in the path.
func (h *Handler) member(c *gin.Context) (int64, *model.Participant, bool) {
	meetingID, ok := idParam(c, "meeting_id")
	if !ok {
		return 0, nil, false
	}
	p, err := h.tracker.Participant(c.Request.Context(), meetingID, mw.IdentityFrom(c))
	if err != nil {
		h.respondError(c, err)
		return 0, nil, false
	}
	return meetingID, p, true
}

// GetLocations handles GET /api/meetings/{meeting_id}/locations.
func (h *Handler) GetLocations(c *gin.Context) {
	meetingID, _, ok := h.member(c)
	if !ok {
		return
	}

	samples, err := h.tracker.Locations(c.Request.Context(), meetingID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := make([]locationResponse, len(samples))
	for i, s := range samples {
		response[i] = locationResponse{ParticipantID: s.ParticipantID, Lat: s.Lat, Lng: s.Lng, MovedAt: s.MovedAt}
	}
	c.JSON(http.StatusOK, response)
}

// GetHistory handles GET /api/meetings/{meeting_id}/participants/{participant_id}/history.
func (h *Handler) GetHistory(c *gin.Context) {
	meetingID, _, ok := h.member(c)
	if !ok {
		return
	}
	participantID, ok := idParam(c, "participant_id")
	if !ok {
		return
	}

	p, err := h.store.GetParticipant(c.Request.Context(), participantID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if p.MeetingID != meetingID {
		h.respondError(c, fmt.Errorf("participant %d in meeting %d: %w", participantID, meetingID, store.ErrNotFound))
		return
	}

	points, err := h.store.ListHistory(c.Request.Context(), participantID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := make([]historyResponse, len(points))
	for i, pt := range points {
		response[i] = historyResponse{Lat: pt.Lat, Lng: pt.Lng, MovedAt: pt.MovedAt}
	}
	c.JSON(http.StatusOK, response)
}

type putMovementRequest struct {
	Status movement.Status `json:"status" binding:"required,oneof=MOVING PAUSED"`
	Lat    *float64        `json:"lat" binding:"omitempty,gte=-90,lte=90"`
	Lng    *float64        `json:"lng" binding:"omitempty,gte=-180,lte=180"`
}

// PutMovement handles PUT /api/meetings/{meeting_id}/movement, the caller's
// depart and pause commands.
func (h *Handler) PutMovement(c *gin.Context) {
	meetingID, p, ok := h.member(c)
	if !ok {
		return
	}

	var req putMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		status movement.Status
		err    error
	)
	switch req.Status {
	case movement.StatusMoving:
		var at *geo.Point
		if req.Lat != nil && req.Lng != nil {
			pt := geo.NewPoint(*req.Lat, *req.Lng)
			at = &pt
		}
		status, err = h.tracker.Depart(c.Request.Context(), meetingID, p.ID, at)
	case movement.StatusPaused:
		status, err = h.tracker.Pause(c.Request.Context(), meetingID, p.ID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"participantId": p.ID, "status": status})
}

// DeleteGoal handles DELETE /api/meetings/{meeting_id}/goal. The meeting
// service calls it on behalf of a participant after the destination changes.
func (h *Handler) DeleteGoal(c *gin.Context) {
	meetingID, _, ok := h.member(c)
	if !ok {
		return
	}
	if err := h.goals.Evict(c.Request.Context(), meetingID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
