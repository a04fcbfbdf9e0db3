package notification

import (
	"context"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/bytedance/sonic"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"meetup-location-backend/internal/model"
)

const maxConcurrentSends = 4

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the durable store the pool needs.
type SubscriptionStore interface {
	MeetingSubscriptions(ctx context.Context, meetingID, excludeUserID int64) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

type pushPayload struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	MeetingID     int64  `json:"meetingId"`
	ParticipantID int64  `json:"participantId"`
	Status        string `json:"status"`
}

// WorkerPool sends web push notifications for status changes to the other
// members of the meeting.
type WorkerPool struct {
	size    int
	jobs    chan StatusChanged
	store   SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, store SubscriptionStore, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan StatusChanged, queueSize),
		store:   store,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.Named("push"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("Worker started", zap.Int("worker", id))
	for {
		select {
		case ev := <-wp.jobs:
			wp.sendNotificationsForEvent(ctx, ev)
		case <-ctx.Done():
			wp.logger.Debug("Worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues ev. Events without a push message are ignored, and events
// arriving while the queue is full are dropped.
func (wp *WorkerPool) Dispatch(ev StatusChanged) {
	if ev.Message() == "" {
		return
	}
	select {
	case wp.jobs <- ev:
	default:
		wp.logger.Warn("Push queue full, dropping notification",
			zap.Int64("meeting_id", ev.MeetingID),
			zap.Int64("participant_id", ev.ParticipantID),
			zap.String("status", string(ev.Status)))
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan StatusChanged {
	return wp.jobs
}

func (wp *WorkerPool) sendNotificationsForEvent(ctx context.Context, ev StatusChanged) {
	subscriptions, err := wp.store.MeetingSubscriptions(ctx, ev.MeetingID, ev.UserID)
	if err != nil {
		wp.logger.Error("Failed to fetch subscriptions",
			zap.Int64("meeting_id", ev.MeetingID),
			zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := sonic.Marshal(pushPayload{
		Title:         "Meetup",
		Body:          ev.Message(),
		MeetingID:     ev.MeetingID,
		ParticipantID: ev.ParticipantID,
		Status:        string(ev.Status),
	})
	if err != nil {
		wp.logger.Error("Failed to encode push payload", zap.Error(err))
		return
	}

	wp.logger.Info("Sending notifications",
		zap.Int("count", len(subscriptions)),
		zap.Int64("meeting_id", ev.MeetingID),
		zap.String("status", string(ev.Status)))

	p := pool.New().WithMaxGoroutines(maxConcurrentSends)
	for _, sub := range subscriptions {
		p.Go(func() {
			wp.sendNotification(ctx, sub, payload)
		})
	}
	p.Wait()
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("Failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("Subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("Failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
