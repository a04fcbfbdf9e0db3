package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/notification"
	"meetup-location-backend/internal/store"
)

// GoalSource resolves meeting destinations.
type GoalSource interface {
	GetOrLoad(ctx context.Context, meetingID int64) (geo.Point, error)
}

// LocationSource is the ephemeral store of latest samples.
type LocationSource interface {
	Get(ctx context.Context, meetingID, participantID int64) (*store.Sample, error)
	Save(ctx context.Context, meetingID int64, sample store.Sample) error
	Remove(ctx context.Context, meetingID, participantID int64) error
	ListByMeeting(ctx context.Context, meetingID int64) ([]store.Sample, error)
}

// IngestResult is returned to the sender of a location sample.
type IngestResult struct {
	Status  movement.Status `json:"status,omitempty"`
	Arrived bool            `json:"arrived"`
	Message string          `json:"message,omitempty"`
}

type transitionFunc func(movement.State) (movement.State, []movement.Event, error)

// Service runs the live tracking path: sample ingestion with arrival
// detection, user movement commands and disconnect inference.
type Service struct {
	store      store.Store
	goals      GoalSource
	locations  LocationSource
	machine    *movement.Machine
	dispatcher notification.Dispatcher
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a tracking service.
func NewService(s store.Store, goals GoalSource, locations LocationSource, machine *movement.Machine, dispatcher notification.Dispatcher, logger *zap.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notification.Discard{}
	}
	return &Service{
		store:      s,
		goals:      goals,
		locations:  locations,
		machine:    machine,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger.Named("tracking"),
	}
}

// Participant resolves identity to its participant row in the meeting.
func (s *Service) Participant(ctx context.Context, meetingID int64, identity string) (*model.Participant, error) {
	return s.store.GetParticipantByUser(ctx, meetingID, identity)
}

// Ingest handles one live sample. Only a sample inside the arrival radius
// loads the participant row; one that is not yet ARRIVED is marked ARRIVED
// once. The sample is then stored, keeping the reconciliation watermark of
// the sample it replaces. Outside the radius the caller is trusted to have
// resolved the participant, and the result carries no status.
func (s *Service) Ingest(ctx context.Context, meetingID int64, sample store.Sample) (IngestResult, error) {
	goal, err := s.goals.GetOrLoad(ctx, meetingID)
	if err != nil {
		return IngestResult{}, err
	}

	var result IngestResult
	point := sample.Point()
	if geo.Within(&point, &goal, s.machine.Config().ArrivalRadiusMeters) {
		p, err := s.loadParticipant(ctx, meetingID, sample.ParticipantID)
		if err != nil {
			return IngestResult{}, err
		}

		var events []movement.Event
		p, events, err = s.apply(ctx, meetingID, p, func(st movement.State) (movement.State, []movement.Event, error) {
			if st.Status == movement.StatusArrived {
				return st, nil, nil
			}
			return s.machine.Arrive(st, point, true)
		})
		if err != nil {
			return IngestResult{}, err
		}
		sample.UserID = p.UserID
		result.Status = p.MovementStatus
		for _, e := range events {
			if e.To == movement.StatusArrived {
				result.Arrived = true
				result.Message = notification.NewStatusChanged(p, e).Message()
			}
		}
	}

	existing, err := s.locations.Get(ctx, meetingID, sample.ParticipantID)
	if err != nil {
		return IngestResult{}, err
	}
	sample.LastBatchInsertAt = nil
	if existing != nil {
		sample.LastBatchInsertAt = existing.LastBatchInsertAt
		if sample.UserID == 0 {
			sample.UserID = existing.UserID
		}
	}
	if sample.MovedAt.IsZero() {
		sample.MovedAt = s.now()
	}
	if err := s.locations.Save(ctx, meetingID, sample); err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

// Depart starts or resumes the participant's trip.
func (s *Service) Depart(ctx context.Context, meetingID, participantID int64, at *geo.Point) (movement.Status, error) {
	p, err := s.loadParticipant(ctx, meetingID, participantID)
	if err != nil {
		return "", err
	}
	p, _, err = s.apply(ctx, meetingID, p, func(st movement.State) (movement.State, []movement.Event, error) {
		return s.machine.Depart(st, at)
	})
	if err != nil {
		return "", err
	}
	return p.MovementStatus, nil
}

// Pause stops a moving participant on request.
func (s *Service) Pause(ctx context.Context, meetingID, participantID int64) (movement.Status, error) {
	p, err := s.loadParticipant(ctx, meetingID, participantID)
	if err != nil {
		return "", err
	}
	p, _, err = s.apply(ctx, meetingID, p, s.machine.Pause)
	if err != nil {
		return "", err
	}
	return p.MovementStatus, nil
}

// Disconnect infers the status of a participant whose connection dropped
// from its last live sample, then clears that sample. Without a live sample
// the status is left unchanged.
func (s *Service) Disconnect(ctx context.Context, meetingID, participantID int64) (movement.Status, error) {
	p, err := s.loadParticipant(ctx, meetingID, participantID)
	if err != nil {
		return "", err
	}

	last, err := s.locations.Get(ctx, meetingID, participantID)
	if err != nil {
		return "", err
	}
	if last == nil {
		s.logger.Debug("No live sample at disconnect",
			zap.Int64("meeting_id", meetingID),
			zap.Int64("participant_id", participantID))
		return p.MovementStatus, nil
	}

	goal, err := s.goals.GetOrLoad(ctx, meetingID)
	if err != nil {
		return "", err
	}

	point := last.Point()
	p, _, err = s.apply(ctx, meetingID, p, func(st movement.State) (movement.State, []movement.Event, error) {
		next, events := s.machine.DetermineStatusOnDisconnect(st, point, &goal)
		return next, events, nil
	})
	if err != nil {
		return "", err
	}

	if err := s.locations.Remove(ctx, meetingID, participantID); err != nil {
		return "", err
	}
	return p.MovementStatus, nil
}

// Locations returns the live samples of a meeting.
func (s *Service) Locations(ctx context.Context, meetingID int64) ([]store.Sample, error) {
	return s.locations.ListByMeeting(ctx, meetingID)
}

func (s *Service) loadParticipant(ctx context.Context, meetingID, participantID int64) (*model.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.MeetingID != meetingID {
		return nil, fmt.Errorf("participant %d in meeting %d: %w", participantID, meetingID, store.ErrNotFound)
	}
	return p, nil
}

// apply runs fn against the participant and persists the result. A
// concurrent update of the row is retried once against a fresh copy.
func (s *Service) apply(ctx context.Context, meetingID int64, p *model.Participant, fn transitionFunc) (*model.Participant, []movement.Event, error) {
	for attempt := 0; ; attempt++ {
		next, events, err := fn(p.State())
		if err != nil {
			return p, nil, err
		}
		if len(events) == 0 {
			return p, nil, nil
		}

		p.ApplyState(next)
		err = s.store.SaveParticipant(ctx, p)
		if err == nil {
			s.dispatch(p, events)
			return p, events, nil
		}
		if !errors.Is(err, store.ErrStaleParticipant) || attempt > 0 {
			return p, nil, err
		}

		s.logger.Debug("Participant changed concurrently, retrying",
			zap.Int64("participant_id", p.ID))
		if p, err = s.loadParticipant(ctx, meetingID, p.ID); err != nil {
			return nil, nil, err
		}
	}
}

func (s *Service) dispatch(p *model.Participant, events []movement.Event) {
	for _, e := range events {
		s.logger.Info("Movement status changed",
			zap.Int64("meeting_id", p.MeetingID),
			zap.Int64("participant_id", p.ID),
			zap.String("from", string(e.From)),
			zap.String("to", string(e.To)))
		s.dispatcher.Dispatch(notification.NewStatusChanged(p, e))
	}
}
