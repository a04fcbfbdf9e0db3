package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/parse"
)

// MeetingLoader reads meetings from durable storage.
type MeetingLoader interface {
	GetMeeting(ctx context.Context, meetingID int64) (*model.Meeting, error)
}

type cachedGoal struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GoalCache caches meeting destinations in Redis.
type GoalCache struct {
	client rueidis.Client
	loader MeetingLoader
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewGoalCache creates a goal cache that loads misses through loader.
func NewGoalCache(client rueidis.Client, loader MeetingLoader, ttl time.Duration, logger *zap.Logger) *GoalCache {
	return &GoalCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		logger: logger.Named("goal_cache"),
	}
}

// GetOrLoad returns the destination of the meeting. A meeting that does not
// exist or has no destination yields ErrNotFound.
func (g *GoalCache) GetOrLoad(ctx context.Context, meetingID int64) (geo.Point, error) {
	key := parse.GoalKey(meetingID)

	data, err := g.client.Do(ctx, g.client.B().Get().Key(key).Build()).AsBytes()
	switch {
	case err == nil:
		var goal cachedGoal
		if err := sonic.Unmarshal(data, &goal); err == nil {
			return geo.NewPoint(goal.Lat, goal.Lng), nil
		}
		g.logger.Warn("Discarding undecodable goal", zap.Int64("meeting_id", meetingID))
	case !rueidis.IsRedisNil(err):
		g.logger.Warn("Goal cache read failed, loading from database",
			zap.Int64("meeting_id", meetingID),
			zap.Error(err))
	}

	v, err, _ := g.group.Do(strconv.FormatInt(meetingID, 10), func() (any, error) {
		return g.load(ctx, meetingID)
	})
	if err != nil {
		return geo.Point{}, err
	}
	return v.(geo.Point), nil
}

func (g *GoalCache) load(ctx context.Context, meetingID int64) (geo.Point, error) {
	meeting, err := g.loader.GetMeeting(ctx, meetingID)
	if err != nil {
		return geo.Point{}, err
	}
	goal := meeting.Destination()
	if goal == nil {
		return geo.Point{}, fmt.Errorf("destination of meeting %d: %w", meetingID, ErrNotFound)
	}

	data, err := sonic.Marshal(cachedGoal{Lat: goal.Lat(), Lng: goal.Lon()})
	if err == nil {
		err = g.client.Do(ctx, g.client.B().Set().Key(parse.GoalKey(meetingID)).Value(string(data)).Ex(g.ttl).Build()).Error()
	}
	if err != nil {
		g.logger.Warn("Failed to cache goal", zap.Int64("meeting_id", meetingID), zap.Error(err))
	}
	return *goal, nil
}

// Evict drops the cached destination so the next lookup reloads it.
func (g *GoalCache) Evict(ctx context.Context, meetingID int64) error {
	if err := g.client.Do(ctx, g.client.B().Del().Key(parse.GoalKey(meetingID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to evict goal of meeting %d: %w", meetingID, err)
	}
	return nil
}
