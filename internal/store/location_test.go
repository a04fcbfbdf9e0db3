package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetup-location-backend/internal/parse"
)

func TestSample_AlreadyProcessed(t *testing.T) {
	movedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	before, after := movedAt.Add(-time.Second), movedAt.Add(time.Second)

	assert.False(t, Sample{MovedAt: movedAt}.AlreadyProcessed())
	assert.False(t, Sample{MovedAt: movedAt, LastBatchInsertAt: &before}.AlreadyProcessed())
	assert.True(t, Sample{MovedAt: movedAt, LastBatchInsertAt: &movedAt}.AlreadyProcessed())
	assert.True(t, Sample{MovedAt: movedAt, LastBatchInsertAt: &after}.AlreadyProcessed())
}

func TestLocationStore_SaveGetRemove(t *testing.T) {
	client, mr := setupRedis(t)
	ls := NewLocationStore(client, 3*time.Minute, zap.NewNop())
	ctx := context.Background()
	movedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	missing, err := ls.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 10, UserID: 100, Lat: 37.5, Lng: 127.0, MovedAt: movedAt}))
	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 10, UserID: 100, Lat: 37.6, Lng: 127.1, MovedAt: movedAt.Add(time.Second)}))

	got, err := ls.Get(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 37.6, got.Lat)
	assert.True(t, got.MovedAt.Equal(movedAt.Add(time.Second)))
	assert.Nil(t, got.LastBatchInsertAt)
	assert.Equal(t, 3*time.Minute, mr.TTL(parse.LocationKey(1)))

	require.NoError(t, ls.Remove(ctx, 1, 10))
	got, err = ls.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLocationStore_Expires(t *testing.T) {
	client, mr := setupRedis(t)
	ls := NewLocationStore(client, 3*time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 10, MovedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 11, MovedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)

	samples, err := ls.ListByMeeting(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, samples, 2, "a write refreshes the meeting TTL")

	mr.FastForward(2 * time.Minute)
	samples, err = ls.ListByMeeting(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestLocationStore_ScanGroupedByMeeting(t *testing.T) {
	client, mr := setupRedis(t)
	ls := NewLocationStore(client, time.Minute, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 12, MovedAt: now}))
	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 11, MovedAt: now}))
	require.NoError(t, ls.Save(ctx, 2, Sample{ParticipantID: 21, MovedAt: now}))
	mr.HSet(parse.LocationKey(2), "garbage", "x")
	mr.HSet(parse.LocationKey(3), parse.LocationField(31), "{not json")
	mr.Set(parse.GoalKey(1), "unrelated")

	grouped, err := ls.ScanGroupedByMeeting(ctx)
	require.NoError(t, err)
	require.Len(t, grouped, 2)
	require.Len(t, grouped[1], 2)
	assert.Equal(t, int64(11), grouped[1][0].ParticipantID)
	assert.Equal(t, int64(12), grouped[1][1].ParticipantID)
	assert.Len(t, grouped[2], 1)
}

func TestLocationStore_MarkReconciled(t *testing.T) {
	client, _ := setupRedis(t)
	ls := NewLocationStore(client, time.Minute, zap.NewNop())
	ctx := context.Background()
	movedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cutoff := movedAt.Add(10 * time.Second)

	require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 10, Lat: 1, Lng: 2, MovedAt: movedAt}))
	read, err := ls.Get(ctx, 1, 10)
	require.NoError(t, err)

	t.Run("unchanged sample gets the watermark", func(t *testing.T) {
		ok, err := ls.MarkReconciled(ctx, 1, *read, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := ls.Get(ctx, 1, 10)
		require.NoError(t, err)
		require.NotNil(t, got.LastBatchInsertAt)
		assert.True(t, got.LastBatchInsertAt.Equal(cutoff))
		assert.True(t, got.AlreadyProcessed())
		assert.Equal(t, 1.0, got.Lat)
	})

	t.Run("replaced sample is left alone", func(t *testing.T) {
		require.NoError(t, ls.Save(ctx, 1, Sample{ParticipantID: 10, Lat: 3, Lng: 4, MovedAt: movedAt.Add(time.Second)}))

		ok, err := ls.MarkReconciled(ctx, 1, *read, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := ls.Get(ctx, 1, 10)
		require.NoError(t, err)
		assert.Nil(t, got.LastBatchInsertAt)
		assert.Equal(t, 3.0, got.Lat)
	})

	t.Run("expired sample is not recreated", func(t *testing.T) {
		require.NoError(t, ls.Remove(ctx, 1, 10))
		ok, err := ls.MarkReconciled(ctx, 1, *read, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := ls.Get(ctx, 1, 10)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
