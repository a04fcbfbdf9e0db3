package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meetup-location-backend/internal/model"
)

var (
	// ErrNotFound is returned when a meeting, participant or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleParticipant is returned when a participant row changed since it was loaded.
	ErrStaleParticipant = errors.New("participant was modified concurrently")
	// ErrSubscriptionTaken is returned when a push endpoint is registered to another user.
	ErrSubscriptionTaken = errors.New("push endpoint belongs to another user")
)

// Store defines the interface for all durable database operations.
type Store interface {
	GetMeeting(ctx context.Context, meetingID int64) (*model.Meeting, error)
	GetParticipant(ctx context.Context, participantID int64) (*model.Participant, error)
	GetParticipantByUser(ctx context.Context, meetingID int64, username string) (*model.Participant, error)
	FindParticipants(ctx context.Context, ids []int64) (map[int64]*model.Participant, error)
	SaveParticipant(ctx context.Context, p *model.Participant) error
	SaveMovement(ctx context.Context, p *model.Participant, point *model.LocationHistory) error
	ListHistory(ctx context.Context, participantID int64) ([]model.LocationHistory, error)

	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	MeetingSubscriptions(ctx context.Context, meetingID, excludeUserID int64) ([]model.PushSubscription, error)
	UserSubscriptions(ctx context.Context, userID int64) ([]model.PushSubscription, error)
	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetMeeting(ctx context.Context, meetingID int64) (*model.Meeting, error) {
	var meeting model.Meeting
	if err := s.db.WithContext(ctx).First(&meeting, meetingID).Error; err != nil {
		return nil, notFound(err, "meeting %d", meetingID)
	}
	return &meeting, nil
}

func (s *gormStore) GetParticipant(ctx context.Context, participantID int64) (*model.Participant, error) {
	var p model.Participant
	if err := s.db.WithContext(ctx).Preload("User").First(&p, participantID).Error; err != nil {
		return nil, notFound(err, "participant %d", participantID)
	}
	return &p, nil
}

func (s *gormStore) GetParticipantByUser(ctx context.Context, meetingID int64, username string) (*model.Participant, error) {
	var p model.Participant
	err := s.db.WithContext(ctx).
		Preload("User").
		Joins("JOIN users ON users.id = participants.user_id").
		Where("participants.meeting_id = ? AND users.username = ?", meetingID, username).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "participant %q in meeting %d", username, meetingID)
	}
	return &p, nil
}

// FindParticipants loads every participant in ids with one query. Missing
// ids are absent from the result.
func (s *gormStore) FindParticipants(ctx context.Context, ids []int64) (map[int64]*model.Participant, error) {
	result := make(map[int64]*model.Participant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var participants []model.Participant
	if err := s.db.WithContext(ctx).Preload("User").Where("id IN ?", ids).Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	for i := range participants {
		result[participants[i].ID] = &participants[i]
	}
	return result, nil
}

// SaveParticipant writes the movement columns of p if nobody else changed
// the row since it was loaded, and bumps its version.
func (s *gormStore) SaveParticipant(ctx context.Context, p *model.Participant) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateVersioned(tx, p)
	})
}

// SaveMovement persists the participant state and, when point is not nil,
// appends it to the location history in the same transaction.
func (s *gormStore) SaveMovement(ctx context.Context, p *model.Participant, point *model.LocationHistory) error {
	version := p.Version
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateVersioned(tx, p); err != nil {
			return err
		}
		if point == nil {
			return nil
		}
		point.ParticipantID = p.ID
		if err := tx.Create(point).Error; err != nil {
			return fmt.Errorf("failed to append history for participant %d: %w", p.ID, err)
		}
		return nil
	})
	if err != nil {
		p.Version = version
	}
	return err
}

func updateVersioned(tx *gorm.DB, p *model.Participant) error {
	res := tx.Model(&model.Participant{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"movement_status": p.MovementStatus,
			"departure_lat":   p.DepartureLat,
			"departure_lng":   p.DepartureLng,
			"last_lat":        p.LastLat,
			"last_lng":        p.LastLng,
			"departed_at":     p.DepartedAt,
			"arrived_at":      p.ArrivedAt,
			"last_moving_at":  p.LastMovingAt,
			"version":         p.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update participant %d: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("participant %d at version %d: %w", p.ID, p.Version, ErrStaleParticipant)
	}
	p.Version++
	return nil
}

func (s *gormStore) ListHistory(ctx context.Context, participantID int64) ([]model.LocationHistory, error) {
	var points []model.LocationHistory
	err := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("moved_at ASC, id ASC").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history of participant %d: %w", participantID, err)
	}
	return points, nil
}

func (s *gormStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err, "user %q", username)
	}
	return &user, nil
}

// MeetingSubscriptions returns the push subscriptions of every active member
// of the meeting except excludeUserID.
func (s *gormStore) MeetingSubscriptions(ctx context.Context, meetingID, excludeUserID int64) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN participants ON participants.user_id = push_subscriptions.user_id").
		Where("participants.meeting_id = ? AND participants.user_id <> ? AND participants.status = ?",
			meetingID, excludeUserID, model.EntityActive).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for meeting %d: %w", meetingID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) UserSubscriptions(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for user %d: %w", userID, err)
	}
	return subscriptions, nil
}

// UpsertSubscription creates sub or refreshes its keys. An endpoint already
// registered to another user is left untouched.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "push_subscriptions", Name: "user_id"}, Value: sub.UserID},
		}},
	}).Create(sub)
	if result.Error != nil {
		return fmt.Errorf("failed to save subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionTaken
	}
	return nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
