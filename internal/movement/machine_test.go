package movement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-location-backend/internal/geo"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine() (*Machine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	return NewMachine(DefaultConfig()).WithClock(clock.Now), clock
}

// offsetNorth returns p moved meters due north.
func offsetNorth(p geo.Point, meters float64) geo.Point {
	return geo.NewPoint(p.Lat()+meters/111195.0, p.Lon())
}

var start = geo.NewPoint(37.50, 127.00)

func TestMachine_Depart(t *testing.T) {
	testCases := []struct {
		name    string
		from    Status
		wantErr bool
	}{
		{name: "from pending", from: StatusPending},
		{name: "from paused", from: StatusPaused},
		{name: "from moving fails", from: StatusMoving, wantErr: true},
		{name: "from arrived fails", from: StatusArrived, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMachine()
			s := State{Status: tc.from}

			next, events, err := m.Depart(s, &start)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrIllegalState)
				assert.Equal(t, s, next)
				assert.Empty(t, events)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusMoving, next.Status)
			require.Len(t, events, 1)
			assert.Equal(t, Event{From: tc.from, To: StatusMoving, At: *next.LastMovingAt}, events[0])
		})
	}
}

func TestMachine_DepartRecordsFirstDepartureOnly(t *testing.T) {
	m, clock := newTestMachine()

	s, _, err := m.Depart(State{Status: StatusPending}, &start)
	require.NoError(t, err)
	firstDeparture := *s.DepartedAt

	s, _, err = m.Pause(s)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	elsewhere := offsetNorth(start, 500)
	s, _, err = m.Depart(s, &elsewhere)
	require.NoError(t, err)

	assert.Equal(t, start, *s.DepartureLocation)
	assert.Equal(t, firstDeparture, *s.DepartedAt)
	assert.Equal(t, clock.Now(), *s.LastMovingAt)
}

func TestMachine_Arrive(t *testing.T) {
	m, _ := newTestMachine()

	s, events, err := m.Arrive(State{Status: StatusMoving}, start, false)
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, s.Status)
	assert.Equal(t, start, *s.LastLocation)
	assert.NotNil(t, s.ArrivedAt)
	assert.Len(t, events, 1)

	_, _, err = m.Arrive(State{Status: StatusPaused}, start, false)
	assert.ErrorIs(t, err, ErrIllegalState)

	s, _, err = m.Arrive(State{Status: StatusPaused}, start, true)
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, s.Status)

	_, _, err = m.Arrive(s, start, true)
	assert.ErrorIs(t, err, ErrIllegalState, "ARRIVED is terminal")
}

func TestMachine_Pause(t *testing.T) {
	m, _ := newTestMachine()

	s, events, err := m.Pause(State{Status: StatusMoving})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, []Event{{From: StatusMoving, To: StatusPaused, At: events[0].At}}, events)

	for _, from := range []Status{StatusPending, StatusPaused, StatusArrived} {
		_, _, err := m.Pause(State{Status: from})
		assert.ErrorIs(t, err, ErrIllegalState, "pause from %s", from)
	}
}

func TestMachine_UpdateLocationIfMoved(t *testing.T) {
	m, clock := newTestMachine()

	t.Run("ignored unless moving", func(t *testing.T) {
		for _, st := range []Status{StatusPending, StatusPaused, StatusArrived} {
			s := State{Status: st}
			next, moved := m.UpdateLocationIfMoved(s, start)
			assert.False(t, moved)
			assert.Equal(t, s, next)
		}
	})

	s := State{Status: StatusMoving}

	t.Run("first location always counts", func(t *testing.T) {
		var moved bool
		s, moved = m.UpdateLocationIfMoved(s, start)
		assert.True(t, moved)
		assert.Equal(t, start, *s.LastLocation)
	})

	t.Run("jitter under threshold is dropped", func(t *testing.T) {
		clock.Advance(5 * time.Second)
		before := s
		next, moved := m.UpdateLocationIfMoved(s, offsetNorth(start, 5))
		assert.False(t, moved)
		assert.Equal(t, before, next)
	})

	t.Run("displacement at or above threshold counts", func(t *testing.T) {
		clock.Advance(5 * time.Second)
		target := offsetNorth(start, 25)
		next, moved := m.UpdateLocationIfMoved(s, target)
		assert.True(t, moved)
		assert.Equal(t, target, *next.LastLocation)
		assert.Equal(t, clock.Now(), *next.LastMovingAt)
	})
}

func TestMachine_DetermineStatusOnDisconnect(t *testing.T) {
	m, _ := newTestMachine()
	goal := geo.NewPoint(37.4979, 127.0276)
	nearGoal := geo.NewPoint(37.4977, 127.0277)

	testCases := []struct {
		name       string
		from       Status
		last       geo.Point
		wantStatus Status
		wantEvents int
	}{
		{name: "arrived is idempotent", from: StatusArrived, last: start, wantStatus: StatusArrived},
		{name: "arrived stays arrived near goal", from: StatusArrived, last: nearGoal, wantStatus: StatusArrived},
		{name: "moving near goal arrives", from: StatusMoving, last: nearGoal, wantStatus: StatusArrived, wantEvents: 1},
		{name: "paused near goal arrives", from: StatusPaused, last: nearGoal, wantStatus: StatusArrived, wantEvents: 1},
		{name: "moving far away pauses", from: StatusMoving, last: start, wantStatus: StatusPaused, wantEvents: 1},
		{name: "pending far away is untouched", from: StatusPending, last: start, wantStatus: StatusPending},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			next, events := m.DetermineStatusOnDisconnect(State{Status: tc.from}, tc.last, &goal)
			assert.Equal(t, tc.wantStatus, next.Status)
			assert.Len(t, events, tc.wantEvents)
		})
	}
}

func TestMachine_CheckAndUpdateMovement(t *testing.T) {
	goal := geo.NewPoint(37.4979, 127.0276)
	nearGoal := geo.NewPoint(37.4977, 127.0277)

	t.Run("arrival wins over idle timeout", func(t *testing.T) {
		m, clock := newTestMachine()
		s, _, err := m.Depart(State{Status: StatusPending}, &start)
		require.NoError(t, err)
		clock.Advance(30 * time.Minute)

		next, events := m.CheckAndUpdateMovement(s, &goal, nearGoal)
		assert.Equal(t, StatusArrived, next.Status)
		require.Len(t, events, 1)
		assert.Equal(t, StatusArrived, events[0].To)
	})

	t.Run("idle past threshold pauses", func(t *testing.T) {
		m, clock := newTestMachine()
		s, _, err := m.Depart(State{Status: StatusPending}, &start)
		require.NoError(t, err)

		clock.Advance(9 * time.Minute)
		next, events := m.CheckAndUpdateMovement(s, &goal, start)
		assert.Equal(t, StatusMoving, next.Status)
		assert.Empty(t, events)

		clock.Advance(time.Minute)
		next, events = m.CheckAndUpdateMovement(s, &goal, start)
		assert.Equal(t, StatusPaused, next.Status)
		assert.Len(t, events, 1)
	})

	t.Run("not moving is a no-op", func(t *testing.T) {
		m, _ := newTestMachine()
		s := State{Status: StatusPaused}
		next, events := m.CheckAndUpdateMovement(s, &goal, nearGoal)
		assert.Equal(t, s, next)
		assert.Empty(t, events)
	})
}

func TestMachine_Scenario(t *testing.T) {
	m, clock := newTestMachine()
	goal := geo.NewPoint(37.4979, 127.0276)

	s, _, err := m.Depart(State{Status: StatusPending}, &start)
	require.NoError(t, err)
	assert.Equal(t, StatusMoving, s.Status)

	s, moved := m.UpdateLocationIfMoved(s, start)
	require.True(t, moved)

	clock.Advance(5 * time.Second)
	s, moved = m.UpdateLocationIfMoved(s, offsetNorth(start, 5))
	assert.False(t, moved)

	// 200 m along the line towards the goal.
	frac := 200 / geo.DistanceMeters(&start, &goal)
	towards := geo.NewPoint(
		start.Lat()+(goal.Lat()-start.Lat())*frac,
		start.Lon()+(goal.Lon()-start.Lon())*frac,
	)
	assert.False(t, geo.Within(&towards, &goal, 60))
	s, moved = m.UpdateLocationIfMoved(s, towards)
	assert.True(t, moved)
	assert.Equal(t, StatusMoving, s.Status)

	nearGoal := geo.NewPoint(37.4977, 127.0277)
	assert.True(t, geo.Within(&nearGoal, &goal, 60))
	s, events, err := m.Arrive(s, nearGoal, false)
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, s.Status)
	assert.Len(t, events, 1)
}
