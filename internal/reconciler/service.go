package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"meetup-location-backend/config"
	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/notification"
	"meetup-location-backend/internal/store"
)

const (
	maxConcurrentMeetings = 4

	markInitialInterval = 100 * time.Millisecond
	markMaxInterval     = time.Second
	markMaxElapsedTime  = 5 * time.Second
	markMaxRetries      = uint64(3)
)

// SampleSource is the ephemeral store the reconciler drains.
type SampleSource interface {
	ScanGroupedByMeeting(ctx context.Context) (map[int64][]store.Sample, error)
	MarkReconciled(ctx context.Context, meetingID int64, sample store.Sample, cutoff time.Time) (bool, error)
}

// GoalSource resolves meeting destinations.
type GoalSource interface {
	GetOrLoad(ctx context.Context, meetingID int64) (geo.Point, error)
}

// Summary counts what one reconciliation run did.
type Summary struct {
	Meetings  int
	Samples   int
	Skipped   int
	Persisted int
	Recorded  int
	Failed    int
	Marked    int
}

// Service periodically moves live samples into the participants' durable
// state and location history.
type Service struct {
	store       store.Store
	samples     SampleSource
	goals       GoalSource
	machine     *movement.Machine
	dispatcher  notification.Dispatcher
	interval    time.Duration
	margin      time.Duration
	statusCheck bool
	now         func() time.Time
	group       singleflight.Group
	logger      *zap.Logger
}

// NewService creates a reconciler.
func NewService(cfg *config.TrackingConfig, s store.Store, samples SampleSource, goals GoalSource, machine *movement.Machine, dispatcher notification.Dispatcher, logger *zap.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notification.Discard{}
	}
	return &Service{
		store:       s,
		samples:     samples,
		goals:       goals,
		machine:     machine,
		dispatcher:  dispatcher,
		interval:    cfg.ReconcileInterval,
		margin:      cfg.ReconcileSafetyMargin,
		statusCheck: cfg.BatchStatusCheckEnabled(),
		now:         time.Now,
		logger:      logger.Named("reconciler"),
	}
}

// Run reconciles immediately and then on every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("Starting reconciler", zap.Duration("interval", s.interval))
	s.runOnce(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciler shutting down")
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	summary, err := s.ReconcileOnce(ctx)
	if err != nil {
		s.logger.Error("Reconciliation failed, watermarks untouched", zap.Error(err))
		return
	}
	if summary.Samples > 0 {
		s.logger.Info("Reconciliation finished",
			zap.Int("meetings", summary.Meetings),
			zap.Int("samples", summary.Samples),
			zap.Int("skipped", summary.Skipped),
			zap.Int("persisted", summary.Persisted),
			zap.Int("recorded", summary.Recorded),
			zap.Int("failed", summary.Failed),
			zap.Int("marked", summary.Marked))
	}
}

// ReconcileOnce performs one run. Calls made while a run is in progress
// wait for it and share its result.
func (s *Service) ReconcileOnce(ctx context.Context) (Summary, error) {
	v, err, _ := s.group.Do("reconcile", func() (any, error) {
		return s.reconcile(ctx)
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

func (s *Service) reconcile(ctx context.Context) (Summary, error) {
	cutoff := s.now().Add(-s.margin)

	grouped, err := s.samples.ScanGroupedByMeeting(ctx)
	if err != nil {
		return Summary{}, err
	}

	var ids []int64
	for _, samples := range grouped {
		for _, sample := range samples {
			ids = append(ids, sample.ParticipantID)
		}
	}
	participants, err := s.store.FindParticipants(ctx, ids)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Meetings: len(grouped), Samples: len(ids)}
		p       = pool.New().WithMaxGoroutines(maxConcurrentMeetings)
	)
	for meetingID, samples := range grouped {
		p.Go(func() {
			result := s.reconcileMeeting(ctx, meetingID, samples, participants, cutoff)

			mu.Lock()
			defer mu.Unlock()
			summary.Skipped += result.Skipped
			summary.Persisted += result.Persisted
			summary.Recorded += result.Recorded
			summary.Failed += result.Failed
			summary.Marked += result.Marked
		})
	}
	p.Wait()

	return summary, nil
}

func (s *Service) reconcileMeeting(ctx context.Context, meetingID int64, samples []store.Sample, participants map[int64]*model.Participant, cutoff time.Time) Summary {
	var result Summary
	logger := s.logger.With(zap.Int64("meeting_id", meetingID))

	var goal *geo.Point
	if s.statusCheck {
		g, err := s.goals.GetOrLoad(ctx, meetingID)
		if err != nil {
			logger.Warn("Goal unavailable, skipping status checks", zap.Error(err))
		} else {
			goal = &g
		}
	}

	for _, sample := range samples {
		if sample.AlreadyProcessed() {
			result.Skipped++
			continue
		}

		participant, ok := participants[sample.ParticipantID]
		if !ok || participant.MeetingID != meetingID {
			logger.Warn("Participant not found, skipping sample", zap.Int64("participant_id", sample.ParticipantID))
			result.Failed++
			continue
		}

		recorded, err := s.reconcileSample(ctx, participant, sample, goal)
		if err != nil {
			logger.Warn("Failed to reconcile sample",
				zap.Int64("participant_id", sample.ParticipantID),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Persisted++
		if recorded {
			result.Recorded++
		}

		marked, err := s.markReconciled(ctx, meetingID, sample, cutoff)
		if err != nil {
			logger.Warn("Failed to advance watermark",
				zap.Int64("participant_id", sample.ParticipantID),
				zap.Error(err))
			continue
		}
		if marked {
			result.Marked++
		}
	}
	return result
}

// reconcileSample applies the sample to the participant and persists the
// outcome, reporting whether a history point was appended.
func (s *Service) reconcileSample(ctx context.Context, p *model.Participant, sample store.Sample, goal *geo.Point) (bool, error) {
	point := sample.Point()
	next, moved := s.machine.UpdateLocationIfMoved(p.State(), point)

	var events []movement.Event
	if goal != nil {
		next, events = s.machine.CheckAndUpdateMovement(next, goal, point)
	}
	if !moved && len(events) == 0 {
		return false, nil
	}

	var history *model.LocationHistory
	if moved {
		history = &model.LocationHistory{Lat: sample.Lat, Lng: sample.Lng, MovedAt: sample.MovedAt}
	}

	updated := *p
	updated.ApplyState(next)
	if err := s.store.SaveMovement(ctx, &updated, history); err != nil {
		return false, err
	}
	*p = updated

	for _, e := range events {
		s.dispatcher.Dispatch(notification.NewStatusChanged(p, e))
	}
	return moved, nil
}

// markReconciled advances the watermark of a persisted sample, retrying
// transient failures. The watermark never falls behind the sample itself.
func (s *Service) markReconciled(ctx context.Context, meetingID int64, sample store.Sample, cutoff time.Time) (bool, error) {
	if sample.MovedAt.After(cutoff) {
		cutoff = sample.MovedAt
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(markMaxElapsedTime),
		backoff.WithInitialInterval(markInitialInterval),
		backoff.WithMaxInterval(markMaxInterval),
	), markMaxRetries)

	var marked bool
	err := backoff.Retry(func() error {
		var err error
		marked, err = s.samples.MarkReconciled(ctx, meetingID, sample, cutoff)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return false, fmt.Errorf("watermark not advanced after retries: %w", err)
	}
	return marked, nil
}
