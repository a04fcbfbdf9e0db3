package realtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/mw"
	"meetup-location-backend/internal/notification"
	"meetup-location-backend/internal/store"
	"meetup-location-backend/internal/tracking"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 30 * time.Second
	maxMessageSize    = 4096
	sendBuffer        = 32
	disconnectTimeout = 10 * time.Second
)

// Tracker is the live tracking path behind the socket.
type Tracker interface {
	Participant(ctx context.Context, meetingID int64, identity string) (*model.Participant, error)
	Ingest(ctx context.Context, meetingID int64, sample store.Sample) (tracking.IngestResult, error)
	Disconnect(ctx context.Context, meetingID, participantID int64) (movement.Status, error)
	Locations(ctx context.Context, meetingID int64) ([]store.Sample, error)
}

// Sessions tracks the single active connection of each identity.
type Sessions interface {
	Register(ctx context.Context, identity, connectionID string, meetingID int64) error
	UnregisterIfCurrent(ctx context.Context, identity, connectionID string) (bool, error)
	Get(ctx context.Context, identity string) (*store.Session, error)
}

type connection struct {
	id            string
	identity      string
	meetingID     int64
	participantID int64
	userID        int64

	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	evicted      atomic.Bool
	supersededBy atomic.Int64
	closeOnce    sync.Once
}

// Hub owns the WebSocket connections of this instance.
type Hub struct {
	tracker  Tracker
	sessions Sessions
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.RWMutex
	conns    map[string]*connection
	meetings map[int64]map[string]*connection
	closing  atomic.Bool
}

// NewHub creates a hub.
func NewHub(tracker Tracker, sessions Sessions, logger *zap.Logger) *Hub {
	return &Hub{
		tracker:  tracker,
		sessions: sessions,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:   logger.Named("realtime"),
		conns:    make(map[string]*connection),
		meetings: make(map[int64]map[string]*connection),
	}
}

// Handle upgrades GET /ws/meetings/:meeting_id for a member of the meeting.
func (h *Hub) Handle(c *gin.Context) {
	meetingID, err := strconv.ParseInt(c.Param("meeting_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid meeting ID"})
		return
	}
	identity := mw.IdentityFrom(c)
	if identity == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	participant, err := h.tracker.Participant(c.Request.Context(), meetingID, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not a participant of this meeting"})
			return
		}
		h.logger.Error("Failed to resolve participant", zap.Int64("meeting_id", meetingID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to websocket", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:            uuid.NewString(),
		identity:      identity,
		meetingID:     meetingID,
		participantID: participant.ID,
		userID:        participant.UserID,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
	h.add(conn)
	go h.writePump(conn)

	if err := h.sessions.Register(ctx, identity, conn.id, meetingID); err != nil {
		h.logger.Error("Failed to register session", zap.String("identity", identity), zap.Error(err))
		h.enqueue(conn, errorFrame(err))
		h.remove(conn)
		conn.cancel()
		return
	}

	h.logger.Info("Connection opened",
		zap.String("connection_id", conn.id),
		zap.String("identity", identity),
		zap.Int64("meeting_id", meetingID))
	h.readPump(conn)
}

// Evict sends a kick notice to the connection and closes it. When next is
// in the same meeting the evicted connection's close does not infer a
// status change.
func (h *Hub) Evict(_ context.Context, connectionID, reason string, next store.Session) {
	h.mu.RLock()
	conn := h.conns[connectionID]
	h.mu.RUnlock()
	if conn == nil {
		h.logger.Debug("Evicted connection is not on this instance", zap.String("connection_id", connectionID))
		return
	}

	conn.supersededBy.Store(next.MeetingID)
	conn.evicted.Store(true)
	h.enqueue(conn, Frame{Type: FrameKick, Payload: kickPayload{Reason: reason}})
	conn.cancel()
}

// Dispatch broadcasts a status change to the meeting's connections.
func (h *Hub) Dispatch(ev notification.StatusChanged) {
	h.broadcast(ev.MeetingID, "", Frame{
		Type:    FrameStatus,
		Payload: statusPayload{StatusChanged: ev, Message: ev.Message()},
	})
}

// Shutdown closes every connection without inferring disconnect status.
func (h *Hub) Shutdown() {
	h.closing.Store(true)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		conn.cancel()
	}
}

func (h *Hub) readPump(conn *connection) {
	defer h.closeConnection(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.String("connection_id", conn.id), zap.Error(err))
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(conn, data)
	}
}

func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case msg := <-conn.send:
			if err := h.write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed", zap.String("connection_id", conn.id), zap.Error(err))
				return
			}
		case <-conn.ctx.Done():
			for {
				select {
				case msg := <-conn.send:
					if err := h.write(conn, websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					h.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (h *Hub) write(conn *connection, messageType int, data []byte) error {
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.ws.WriteMessage(messageType, data)
}

func (h *Hub) handleFrame(conn *connection, data []byte) {
	var in inboundFrame
	if err := sonic.Unmarshal(data, &in); err != nil {
		h.enqueue(conn, Frame{Type: FrameError, Payload: errorPayload{Error: "malformed frame"}})
		return
	}
	if err := h.validate.Struct(&in); err != nil {
		h.enqueue(conn, Frame{Type: FrameError, Payload: errorPayload{Error: err.Error()}})
		return
	}

	switch in.Type {
	case FrameInit:
		samples, err := h.tracker.Locations(conn.ctx, conn.meetingID)
		if err != nil {
			h.logger.Warn("Failed to list locations", zap.Int64("meeting_id", conn.meetingID), zap.Error(err))
			h.enqueue(conn, errorFrame(err))
			return
		}
		locations := make([]locationPayload, len(samples))
		for i, s := range samples {
			locations[i] = toLocation(s)
		}
		h.enqueue(conn, Frame{Type: FrameInit, Payload: initPayload{Locations: locations}})

	case FrameLocation:
		if in.Lat == nil || in.Lng == nil {
			h.enqueue(conn, Frame{Type: FrameError, Payload: errorPayload{Error: "lat and lng are required"}})
			return
		}
		if in.ParticipantID != 0 && in.ParticipantID != conn.participantID {
			h.enqueue(conn, Frame{Type: FrameError, Payload: errorPayload{Error: "participant mismatch"}})
			return
		}

		sample := store.Sample{
			ParticipantID: conn.participantID,
			UserID:        conn.userID,
			Lat:           *in.Lat,
			Lng:           *in.Lng,
			MovedAt:       time.Now(),
		}
		if in.MovedAt != nil {
			sample.MovedAt = *in.MovedAt
		}
		result, err := h.tracker.Ingest(conn.ctx, conn.meetingID, sample)
		if err != nil {
			h.logger.Warn("Failed to ingest sample",
				zap.Int64("meeting_id", conn.meetingID),
				zap.Int64("participant_id", conn.participantID),
				zap.Error(err))
			h.enqueue(conn, errorFrame(err))
			return
		}

		h.enqueue(conn, Frame{Type: FrameResult, Payload: resultPayload{
			Status:  result.Status,
			Arrived: result.Arrived,
			Message: result.Message,
		}})
		h.broadcast(conn.meetingID, conn.id, Frame{Type: FrameLocation, Payload: toLocation(sample)})
	}
}

// closeConnection runs once per connection when its read loop ends.
func (h *Hub) closeConnection(conn *connection) {
	conn.closeOnce.Do(func() {
		conn.cancel()
		h.remove(conn)

		logger := h.logger.With(
			zap.String("connection_id", conn.id),
			zap.String("identity", conn.identity),
			zap.Int64("meeting_id", conn.meetingID))

		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()

		if conn.evicted.Load() {
			// the session record already belongs to the new connection
			if conn.supersededBy.Load() == conn.meetingID {
				logger.Info("Evicted connection closed, meeting continues elsewhere")
				return
			}
		} else {
			removed, err := h.sessions.UnregisterIfCurrent(ctx, conn.identity, conn.id)
			if err != nil {
				logger.Error("Failed to unregister session", zap.Error(err))
				return
			}
			if !removed {
				next, err := h.sessions.Get(ctx, conn.identity)
				if err != nil {
					logger.Error("Failed to read session", zap.Error(err))
					return
				}
				if next != nil && next.MeetingID == conn.meetingID {
					logger.Info("Connection superseded, skipping disconnect handling")
					return
				}
			}
		}
		if h.closing.Load() {
			return
		}

		status, err := h.tracker.Disconnect(ctx, conn.meetingID, conn.participantID)
		if err != nil {
			logger.Error("Failed to handle disconnect", zap.Error(err))
			return
		}
		logger.Info("Connection closed", zap.String("status", string(status)))
	})
}

func (h *Hub) add(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
	if h.meetings[conn.meetingID] == nil {
		h.meetings[conn.meetingID] = make(map[string]*connection)
	}
	h.meetings[conn.meetingID][conn.id] = conn
}

func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.id)
	if members := h.meetings[conn.meetingID]; members != nil {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(h.meetings, conn.meetingID)
		}
	}
}

func (h *Hub) broadcast(meetingID int64, exclude string, f Frame) {
	msg, err := sonic.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conn := range h.meetings[meetingID] {
		if id != exclude {
			h.push(conn, msg)
		}
	}
}

func (h *Hub) enqueue(conn *connection, f Frame) {
	msg, err := sonic.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	h.push(conn, msg)
}

func (h *Hub) push(conn *connection, msg []byte) {
	select {
	case conn.send <- msg:
	default:
		h.logger.Warn("Send buffer full, dropping frame", zap.String("connection_id", conn.id))
	}
}
