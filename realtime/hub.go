package realtime

import (
	"context"
	"sync"

	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/models"

	"go.uber.org/zap"
)

// Member is a connection that can sit in rooms.
type Member interface {
	UserID() string
	// Send queues a frame without blocking; false means it was dropped.
	Send(frame []byte) bool
}

// RemotePublisher forwards room messages to the other instances.
type RemotePublisher interface {
	PublishRoomMessage(ctx context.Context, msg models.RoomMessage)
}

// room maps each member to the highest persisted-state seq it has been sent.
type room struct {
	members map[Member]int64
}

// Hub routes room messages to the local members of each process room.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	origin string
	remote RemotePublisher
	logger *zap.Logger
}

func NewHub(origin string, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]*room),
		origin: origin,
		logger: logger,
	}
}

// SetRemote installs the cross-instance publisher. Call before serving.
func (h *Hub) SetRemote(remote RemotePublisher) {
	h.remote = remote
}

func (h *Hub) Origin() string {
	return h.origin
}

// Join adds m to the room of processID. snapshot shows m the state at
// version seq and is sent under the room lock, so no echo can slip in front
// of it. It is skipped when m is already a member that has seen seq; echoes
// at or below seq are not delivered to m afterwards. Join reports whether
// the snapshot was sent.
func (h *Hub) Join(processID string, m Member, seq int64, snapshot []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[processID]
	if !ok {
		r = &room{members: make(map[Member]int64)}
		h.rooms[processID] = r
	}
	seen, member := r.members[m]
	if member && seq <= seen {
		return false
	}
	if seq > seen {
		seen = seq
	}
	r.members[m] = seen
	if snapshot != nil {
		m.Send(snapshot)
	}
	return true
}

// Leave removes m from the room and reports whether it was a member.
func (h *Hub) Leave(processID string, m Member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(processID, m)
}

func (h *Hub) leaveLocked(processID string, m Member) bool {
	r, ok := h.rooms[processID]
	if !ok {
		return false
	}
	if _, ok := r.members[m]; !ok {
		return false
	}
	delete(r.members, m)
	if len(r.members) == 0 {
		delete(h.rooms, processID)
	}
	return true
}

// LeaveAll removes m from every room and returns the rooms it left.
func (h *Hub) LeaveAll(m Member) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for id, r := range h.rooms {
		if _, ok := r.members[m]; ok {
			left = append(left, id)
		}
	}
	for _, id := range left {
		h.leaveLocked(id, m)
	}
	return left
}

func (h *Hub) IsMember(processID string, m Member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[processID]
	if !ok {
		return false
	}
	_, ok = r.members[m]
	return ok
}

// Size returns the number of local members of the room.
func (h *Hub) Size(processID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[processID]; ok {
		return len(r.members)
	}
	return 0
}

// Emit delivers a message originating on this instance and forwards it to
// the other instances.
func (h *Hub) Emit(ctx context.Context, msg models.RoomMessage) {
	msg.Origin = h.origin
	h.Deliver(msg)
	if h.remote != nil {
		h.remote.PublishRoomMessage(ctx, msg)
	}
}

// Deliver sends msg to the local members of its room. A persisted-state
// message (Seq > 0) only goes to members that have not seen that seq, so no
// member ever sees a status older than one it already saw. Ephemeral
// messages skip the connections of the sending user. It reports whether the
// message reached at least one member.
func (h *Hub) Deliver(msg models.RoomMessage) bool {
	frame, err := Encode(msg.Event, msg.Data)
	if err != nil {
		h.logger.Error("Failed to encode room message", zap.String("process_id", msg.ProcessID), zap.Error(err))
		return false
	}

	// Send never blocks, so frames go out under the lock and concurrent
	// deliveries to one room keep their order.
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[msg.ProcessID]
	if !ok {
		return false
	}

	delivered := false
	for m, seen := range r.members {
		if msg.Seq > 0 {
			if msg.Seq <= seen {
				h.logger.Debug("Dropping stale room message",
					zap.String("process_id", msg.ProcessID),
					zap.String("user_id", m.UserID()),
					zap.Int64("seq", msg.Seq),
					zap.Int64("last_seq", seen),
				)
				continue
			}
			r.members[m] = msg.Seq
		} else if msg.SenderID != "" && m.UserID() == msg.SenderID {
			continue
		}
		if !m.Send(frame) {
			h.logger.Warn("Dropping message for slow client",
				zap.String("process_id", msg.ProcessID),
				zap.String("user_id", m.UserID()),
			)
			continue
		}
		delivered = true
		middleware.RecordRealtimeMessage(string(msg.Event), "out")
	}
	return delivered
}
