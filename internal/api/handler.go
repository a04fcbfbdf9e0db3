package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/store"
)

// Tracker is the subset of the tracking service the REST handlers use.
type Tracker interface {
	Participant(ctx context.Context, meetingID int64, identity string) (*model.Participant, error)
	Depart(ctx context.Context, meetingID, participantID int64, at *geo.Point) (movement.Status, error)
	Pause(ctx context.Context, meetingID, participantID int64) (movement.Status, error)
	Locations(ctx context.Context, meetingID int64) ([]store.Sample, error)
}

// GoalEvictor drops a cached meeting destination.
type GoalEvictor interface {
	Evict(ctx context.Context, meetingID int64) error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	tracker Tracker
	goals   GoalEvictor
	webpush *webpush.Options
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, tracker Tracker, goals GoalEvictor, webpushOptions *webpush.Options, logger *zap.Logger) *Handler {
	return &Handler{
		store:   s,
		tracker: tracker,
		goals:   goals,
		webpush: webpushOptions,
		logger:  logger.Named("api"),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, movement.ErrIllegalState), errors.Is(err, store.ErrSubscriptionTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}
