package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"meetup-location-backend/internal/parse"
)

// ReasonConnectedElsewhere is sent to a connection replaced by a newer one.
const ReasonConnectedElsewhere = "connected elsewhere"

const (
	fieldConnectionID = "connectionId"
	fieldMeetingID    = "meetingId"
)

const unregisterIfCurrentScript = `
	if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// Session is the active connection of one identity.
type Session struct {
	ConnectionID string
	MeetingID    int64
}

// Evictor delivers an eviction notice to a live connection. next is the
// session replacing it.
type Evictor interface {
	Evict(ctx context.Context, connectionID, reason string, next Session)
}

// SessionRegistry keeps at most one active connection per identity.
type SessionRegistry struct {
	client  rueidis.Client
	ttl     time.Duration
	evictor Evictor
	logger  *zap.Logger
}

// NewSessionRegistry creates a registry whose records expire after ttl.
func NewSessionRegistry(client rueidis.Client, ttl time.Duration, logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		client: client,
		ttl:    ttl,
		logger: logger.Named("session_registry"),
	}
}

// SetEvictor sets who receives eviction notices for replaced connections.
func (r *SessionRegistry) SetEvictor(e Evictor) {
	r.evictor = e
}

// Register records connectionID as the identity's active connection. An
// existing record for a different connection is evicted first.
func (r *SessionRegistry) Register(ctx context.Context, identity, connectionID string, meetingID int64) error {
	existing, err := r.Get(ctx, identity)
	if err != nil {
		return err
	}
	if existing != nil && existing.ConnectionID != connectionID {
		r.logger.Info("Evicting previous connection",
			zap.String("identity", identity),
			zap.String("old_connection_id", existing.ConnectionID),
			zap.String("connection_id", connectionID))
		if r.evictor != nil {
			r.evictor.Evict(ctx, existing.ConnectionID, ReasonConnectedElsewhere, Session{ConnectionID: connectionID, MeetingID: meetingID})
		}
	}

	key := parse.SessionKey(identity)
	for _, resp := range r.client.DoMulti(ctx,
		r.client.B().Hset().Key(key).FieldValue().
			FieldValue(fieldConnectionID, connectionID).
			FieldValue(fieldMeetingID, strconv.FormatInt(meetingID, 10)).
			Build(),
		r.client.B().Expire().Key(key).Seconds(int64(r.ttl.Seconds())).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to register session for %q: %w", identity, err)
		}
	}
	return nil
}

// Unregister removes the identity's record. It is safe to call when none exists.
func (r *SessionRegistry) Unregister(ctx context.Context, identity string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(parse.SessionKey(identity)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to unregister session for %q: %w", identity, err)
	}
	return nil
}

// UnregisterIfCurrent removes the record only while connectionID still owns
// it, and reports whether it did.
func (r *SessionRegistry) UnregisterIfCurrent(ctx context.Context, identity, connectionID string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Eval().
		Script(unregisterIfCurrentScript).
		Numkeys(1).
		Key(parse.SessionKey(identity)).
		Arg(fieldConnectionID).
		Arg(connectionID).
		Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to unregister session for %q: %w", identity, err)
	}
	return n == 1, nil
}

// Get returns the identity's session, or nil when there is none.
func (r *SessionRegistry) Get(ctx context.Context, identity string) (*Session, error) {
	fields, err := r.client.Do(ctx, r.client.B().Hgetall().Key(parse.SessionKey(identity)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read session for %q: %w", identity, err)
	}
	connectionID, ok := fields[fieldConnectionID]
	if !ok {
		return nil, nil
	}

	session := &Session{ConnectionID: connectionID}
	if raw, ok := fields[fieldMeetingID]; ok {
		session.MeetingID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt meeting id in session for %q: %w", identity, err)
		}
	}
	return session, nil
}

// ActiveConnectionID returns the identity's connection id, or "" when absent.
func (r *SessionRegistry) ActiveConnectionID(ctx context.Context, identity string) (string, error) {
	session, err := r.Get(ctx, identity)
	if err != nil || session == nil {
		return "", err
	}
	return session.ConnectionID, nil
}

// CurrentMeetingID returns the meeting the identity is connected to.
func (r *SessionRegistry) CurrentMeetingID(ctx context.Context, identity string) (int64, bool, error) {
	session, err := r.Get(ctx, identity)
	if err != nil || session == nil {
		return 0, false, err
	}
	return session.MeetingID, true, nil
}
