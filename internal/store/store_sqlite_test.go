package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
)

type fixture struct {
	db           *gorm.DB
	store        Store
	meeting      model.Meeting
	alice, bob   model.User
	pAlice, pBob model.Participant
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	testDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, testDB.AutoMigrate(
		&model.User{}, &model.Meeting{}, &model.Participant{},
		&model.LocationHistory{}, &model.PushSubscription{},
	))

	lat, lng := 37.4979, 127.0276
	f := &fixture{
		db:      testDB,
		store:   NewGormStore(testDB),
		meeting: model.Meeting{Title: "dinner", MeetAt: time.Now().Add(time.Hour), DestinationLat: &lat, DestinationLng: &lng},
		alice:   model.User{Username: "alice", Nickname: "Alice"},
		bob:     model.User{Username: "bob", Nickname: "Bob"},
	}
	require.NoError(t, testDB.Create(&f.meeting).Error)
	require.NoError(t, testDB.Create(&f.alice).Error)
	require.NoError(t, testDB.Create(&f.bob).Error)

	f.pAlice = model.Participant{MeetingID: f.meeting.ID, UserID: f.alice.ID, MovementStatus: movement.StatusPending, IsCreator: true}
	f.pBob = model.Participant{MeetingID: f.meeting.ID, UserID: f.bob.ID, MovementStatus: movement.StatusPending}
	require.NoError(t, testDB.Omit(clause.Associations).Create(&f.pAlice).Error)
	require.NoError(t, testDB.Omit(clause.Associations).Create(&f.pBob).Error)
	return f
}

func TestGormStore_SQLiteLookups(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx := context.Background()

	meeting, err := f.store.GetMeeting(ctx, f.meeting.ID)
	require.NoError(t, err)
	assert.NotNil(t, meeting.Destination())
	assert.Equal(t, model.EntityActive, meeting.Status)

	p, err := f.store.GetParticipantByUser(ctx, f.meeting.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, f.pBob.ID, p.ID)
	assert.Equal(t, "Bob", p.User.DisplayName())

	_, err = f.store.GetParticipantByUser(ctx, f.meeting.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := f.store.FindParticipants(ctx, []int64{f.pAlice.ID, f.pBob.ID, 9999})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "alice", found[f.pAlice.ID].User.Username)

	user, err := f.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, user.ID)
}

func TestGormStore_SQLiteOptimisticVersioning(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx := context.Background()

	first, err := f.store.GetParticipant(ctx, f.pAlice.ID)
	require.NoError(t, err)
	second, err := f.store.GetParticipant(ctx, f.pAlice.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	first.MovementStatus = movement.StatusMoving
	first.DepartedAt = &now
	require.NoError(t, f.store.SaveParticipant(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	second.MovementStatus = movement.StatusArrived
	err = f.store.SaveParticipant(ctx, second)
	assert.ErrorIs(t, err, ErrStaleParticipant)

	reloaded, err := f.store.GetParticipant(ctx, f.pAlice.ID)
	require.NoError(t, err)
	assert.Equal(t, movement.StatusMoving, reloaded.MovementStatus)
	assert.Equal(t, int64(1), reloaded.Version)
}

func TestGormStore_SQLiteMovementAndHistory(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	p, err := f.store.GetParticipant(ctx, f.pBob.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		lat, lng := 37.50-float64(i)*0.001, 127.0
		p.LastLat, p.LastLng = &lat, &lng
		require.NoError(t, f.store.SaveMovement(ctx, p, &model.LocationHistory{
			Lat: lat, Lng: 127.0, MovedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.store.SaveMovement(ctx, p, nil))
	assert.Equal(t, int64(4), p.Version)

	points, err := f.store.ListHistory(ctx, f.pBob.ID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, points[0].MovedAt.Before(points[2].MovedAt))
	assert.Equal(t, f.pBob.ID, points[1].ParticipantID)

	stale := *p
	stale.Version = 0
	err = f.store.SaveMovement(ctx, &stale, &model.LocationHistory{Lat: 1, Lng: 1, MovedAt: base})
	assert.ErrorIs(t, err, ErrStaleParticipant)

	points, err = f.store.ListHistory(ctx, f.pBob.ID)
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestGormStore_SQLiteSubscriptions(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertSubscription(ctx, &model.PushSubscription{Endpoint: "https://push/a", UserID: f.alice.ID, P256DH: "k", Auth: "a"}))
	require.NoError(t, f.store.UpsertSubscription(ctx, &model.PushSubscription{Endpoint: "https://push/b", UserID: f.bob.ID, P256DH: "k", Auth: "a"}))
	require.NoError(t, f.store.UpsertSubscription(ctx, &model.PushSubscription{Endpoint: "https://push/b", UserID: f.bob.ID, P256DH: "k2", Auth: "a2"}))

	others, err := f.store.MeetingSubscriptions(ctx, f.meeting.ID, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "https://push/b", others[0].Endpoint)
	assert.Equal(t, "k2", others[0].P256DH)

	err = f.store.UpsertSubscription(ctx, &model.PushSubscription{Endpoint: "https://push/b", UserID: f.alice.ID, P256DH: "stolen", Auth: "stolen"})
	assert.ErrorIs(t, err, ErrSubscriptionTaken)
	mine, err := f.store.UserSubscriptions(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "k2", mine[0].P256DH, "another user cannot take over an endpoint")

	require.NoError(t, f.store.DeleteSubscription(ctx, "https://push/b"))
	mine, err = f.store.UserSubscriptions(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, mine)
}
