package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetup-location-backend/internal/parse"
)

type recordingEvictor struct {
	mu      sync.Mutex
	evicted map[string]string
	next    []Session
}

func (e *recordingEvictor) Evict(_ context.Context, connectionID, reason string, next Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted == nil {
		e.evicted = make(map[string]string)
	}
	e.evicted[connectionID] = reason
	e.next = append(e.next, next)
}

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	client, mr := setupRedis(t)
	reg := NewSessionRegistry(client, time.Hour, zap.NewNop())
	ctx := context.Background()

	id, err := reg.ActiveConnectionID(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, id)
	_, ok, err := reg.CurrentMeetingID(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Register(ctx, "alice", "conn-1", 42))

	id, err = reg.ActiveConnectionID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", id)
	meetingID, ok, err := reg.CurrentMeetingID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), meetingID)
	assert.Equal(t, time.Hour, mr.TTL(parse.SessionKey("alice")))

	mr.FastForward(time.Hour)
	session, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSessionRegistry_EvictsPreviousConnection(t *testing.T) {
	client, _ := setupRedis(t)
	reg := NewSessionRegistry(client, time.Hour, zap.NewNop())
	evictor := &recordingEvictor{}
	reg.SetEvictor(evictor)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "alice", "conn-1", 42))
	require.NoError(t, reg.Register(ctx, "alice", "conn-1", 42))
	assert.Empty(t, evictor.evicted, "re-registering the same connection is not an eviction")

	require.NoError(t, reg.Register(ctx, "alice", "conn-2", 43))
	assert.Equal(t, map[string]string{"conn-1": ReasonConnectedElsewhere}, evictor.evicted)
	assert.Equal(t, []Session{{ConnectionID: "conn-2", MeetingID: 43}}, evictor.next)

	session, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &Session{ConnectionID: "conn-2", MeetingID: 43}, session)
}

func TestSessionRegistry_Unregister(t *testing.T) {
	client, _ := setupRedis(t)
	reg := NewSessionRegistry(client, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, reg.Unregister(ctx, "nobody"))

	require.NoError(t, reg.Register(ctx, "alice", "conn-1", 42))
	require.NoError(t, reg.Register(ctx, "alice", "conn-2", 42))

	removed, err := reg.UnregisterIfCurrent(ctx, "alice", "conn-1")
	require.NoError(t, err)
	assert.False(t, removed, "a replaced connection must not remove the new session")
	id, err := reg.ActiveConnectionID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", id)

	removed, err = reg.UnregisterIfCurrent(ctx, "alice", "conn-2")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, reg.Register(ctx, "alice", "conn-3", 42))
	require.NoError(t, reg.Unregister(ctx, "alice"))
	session, err := reg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, session)
}
