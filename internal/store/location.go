package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"meetup-location-backend/internal/geo"
	"meetup-location-backend/internal/parse"
)

const scanBatchSize = 200

// markReconciledScript swaps the stored sample for its watermarked copy only
// while the field still holds the payload the reconciler processed.
const markReconciledScript = `
	local current = redis.call('HGET', KEYS[1], ARGV[1])
	if current ~= ARGV[2] then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	return 1
`

// Sample is the latest known position of one participant in one meeting.
type Sample struct {
	ParticipantID     int64      `json:"participantId"`
	UserID            int64      `json:"userId"`
	Lat               float64    `json:"lat"`
	Lng               float64    `json:"lng"`
	MovedAt           time.Time  `json:"movedAt"`
	LastBatchInsertAt *time.Time `json:"lastBatchInsertAt,omitempty"`

	raw string
}

// Point returns the sample coordinate.
func (s Sample) Point() geo.Point {
	return geo.NewPoint(s.Lat, s.Lng)
}

// AlreadyProcessed reports whether the reconciler has handled this sample.
func (s Sample) AlreadyProcessed() bool {
	return s.LastBatchInsertAt != nil && !s.MovedAt.After(*s.LastBatchInsertAt)
}

// LocationStore keeps the latest sample per participant in a Redis hash per
// meeting. Writes refresh the hash TTL.
type LocationStore struct {
	client rueidis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewLocationStore creates a location store whose entries expire after ttl.
func NewLocationStore(client rueidis.Client, ttl time.Duration, logger *zap.Logger) *LocationStore {
	return &LocationStore{
		client: client,
		ttl:    ttl,
		logger: logger.Named("location_store"),
	}
}

// Save overwrites the participant's sample and refreshes the meeting TTL.
func (l *LocationStore) Save(ctx context.Context, meetingID int64, sample Sample) error {
	data, err := sonic.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	key := parse.LocationKey(meetingID)
	for _, resp := range l.client.DoMulti(ctx,
		l.client.B().Hset().Key(key).FieldValue().FieldValue(parse.LocationField(sample.ParticipantID), string(data)).Build(),
		l.client.B().Expire().Key(key).Seconds(int64(l.ttl.Seconds())).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save sample for participant %d: %w", sample.ParticipantID, err)
		}
	}
	return nil
}

// Get returns the participant's sample, or nil when there is none.
func (l *LocationStore) Get(ctx context.Context, meetingID, participantID int64) (*Sample, error) {
	data, err := l.client.Do(ctx, l.client.B().Hget().
		Key(parse.LocationKey(meetingID)).
		Field(parse.LocationField(participantID)).
		Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sample for participant %d: %w", participantID, err)
	}
	return decodeSample(data)
}

// ListByMeeting returns every live sample of a meeting.
func (l *LocationStore) ListByMeeting(ctx context.Context, meetingID int64) ([]Sample, error) {
	entries, err := l.client.Do(ctx, l.client.B().Hgetall().Key(parse.LocationKey(meetingID)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to list samples for meeting %d: %w", meetingID, err)
	}
	return l.decodeEntries(meetingID, entries), nil
}

// Remove deletes the participant's sample.
func (l *LocationStore) Remove(ctx context.Context, meetingID, participantID int64) error {
	err := l.client.Do(ctx, l.client.B().Hdel().
		Key(parse.LocationKey(meetingID)).
		Field(parse.LocationField(participantID)).
		Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to remove sample for participant %d: %w", participantID, err)
	}
	return nil
}

// ScanGroupedByMeeting walks every location hash and returns its samples
// keyed by meeting id.
func (l *LocationStore) ScanGroupedByMeeting(ctx context.Context) (map[int64][]Sample, error) {
	grouped := make(map[int64][]Sample)
	var cursor uint64
	for {
		result := l.client.Do(ctx, l.client.B().Scan().Cursor(cursor).Match(parse.LocationKeyPattern).Count(scanBatchSize).Build())
		entry, err := result.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan location keys: %w", err)
		}

		for _, key := range entry.Elements {
			meetingID, err := parse.MeetingIDFromLocationKey(key)
			if err != nil {
				l.logger.Warn("Skipping unexpected location key", zap.String("key", key))
				continue
			}
			entries, err := l.client.Do(ctx, l.client.B().Hgetall().Key(key).Build()).AsStrMap()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", key, err)
			}
			if samples := l.decodeEntries(meetingID, entries); len(samples) > 0 {
				grouped[meetingID] = append(grouped[meetingID], samples...)
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return grouped, nil
}

// MarkReconciled sets the watermark of sample to cutoff. It reports false
// when the stored sample was replaced or expired since it was read, leaving
// the newer sample untouched for the next run.
func (l *LocationStore) MarkReconciled(ctx context.Context, meetingID int64, sample Sample, cutoff time.Time) (bool, error) {
	processed := sample.raw
	if processed == "" {
		data, err := sonic.Marshal(sample)
		if err != nil {
			return false, fmt.Errorf("failed to encode sample: %w", err)
		}
		processed = string(data)
	}

	sample.LastBatchInsertAt = &cutoff
	marked, err := sonic.Marshal(sample)
	if err != nil {
		return false, fmt.Errorf("failed to encode sample: %w", err)
	}

	n, err := l.client.Do(ctx, l.client.B().Eval().
		Script(markReconciledScript).
		Numkeys(1).
		Key(parse.LocationKey(meetingID)).
		Arg(parse.LocationField(sample.ParticipantID)).
		Arg(processed).
		Arg(string(marked)).
		Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to mark participant %d reconciled: %w", sample.ParticipantID, err)
	}
	return n == 1, nil
}

func (l *LocationStore) decodeEntries(meetingID int64, entries map[string]string) []Sample {
	samples := make([]Sample, 0, len(entries))
	for field, data := range entries {
		if _, err := parse.ParticipantIDFromField(field); err != nil {
			l.logger.Warn("Skipping unexpected location field",
				zap.Int64("meeting_id", meetingID),
				zap.String("field", field))
			continue
		}
		sample, err := decodeSample(data)
		if err != nil {
			l.logger.Warn("Skipping undecodable sample",
				zap.Int64("meeting_id", meetingID),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		samples = append(samples, *sample)
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].ParticipantID < samples[j].ParticipantID
	})
	return samples
}

func decodeSample(data string) (*Sample, error) {
	var sample Sample
	if err := sonic.UnmarshalString(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to decode sample: %w", err)
	}
	sample.raw = data
	return &sample, nil
}
