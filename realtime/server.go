package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/middleware"
	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// ErrServerClosed is returned by Serve once Shutdown has been called.
var ErrServerClosed = errors.New("realtime server closed")

// Processes is what the realtime surface needs from the state machine.
type Processes interface {
	Get(ctx context.Context, processID string) (*models.Process, *models.Payment, error)
	ApplyTransition(ctx context.Context, processID string, to models.ProcessStatus, actorID, note string) (*process.Result, error)
}

// Server upgrades HTTP requests to WebSocket sessions and dispatches their
// messages.
type Server struct {
	hub       *Hub
	presence  Presence
	processes Processes
	upgrader  websocket.Upgrader
	logger    *zap.Logger

	mu       sync.Mutex
	closing  bool
	sessions map[*Session]struct{}
	active   sync.WaitGroup
}

// NewServer builds a realtime server. An empty origins list accepts any
// browser origin.
func NewServer(hub *Hub, presence Presence, processes Processes, origins []string, logger *zap.Logger) *Server {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Server{
		hub:       hub,
		presence:  presence,
		processes: processes,
		logger:    logger,
		sessions:  make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// Serve upgrades the request and runs the session until the client goes
// away. userID is the already authenticated user.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return ErrServerClosed
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sess := &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.track(sess, true)
	defer s.track(sess, false)

	ctx := context.Background()
	if err := s.presence.Add(ctx, userID, sess.id); err != nil {
		s.logger.Warn("Failed to record presence", zap.String("user_id", userID), zap.Error(err))
	}
	middleware.RealtimeConnectionOpened()
	s.logger.Info("Realtime client connected", zap.String("user_id", userID), zap.String("conn_id", sess.id))

	go sess.writePump()
	s.readPump(ctx, sess)

	sess.close()
	s.disconnect(ctx, sess)
	middleware.RealtimeConnectionClosed()
	return nil
}

func (s *Server) track(sess *Session, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess] = struct{}{}
		return
	}
	delete(s.sessions, sess)
}

// Shutdown refuses new sessions, closes the open ones and waits until their
// disconnect handling has run or ctx is done. http.Server.Shutdown does not
// wait for hijacked connections, so call this before closing what the
// sessions publish to.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) readPump(ctx context.Context, sess *Session) {
	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		// heartbeat keeps the shared presence entry alive
		if err := s.presence.Add(ctx, sess.userID, sess.id); err != nil {
			s.logger.Debug("Failed to refresh presence", zap.String("user_id", sess.userID), zap.Error(err))
		}
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Realtime connection closed unexpectedly", zap.String("user_id", sess.userID), zap.Error(err))
			}
			return
		}
		s.Dispatch(ctx, sess, frame)
	}
}

func (s *Server) disconnect(ctx context.Context, sess *Session) {
	rooms := s.hub.LeaveAll(sess)
	if err := s.presence.Remove(ctx, sess.userID, sess.id); err != nil {
		s.logger.Warn("Failed to clear presence", zap.String("user_id", sess.userID), zap.Error(err))
	}
	online, err := s.presence.Online(ctx, sess.userID)
	if err != nil {
		online = false
	}
	for _, id := range rooms {
		s.emitPresence(ctx, id, sess.userID, online)
	}
	s.logger.Info("Realtime client disconnected", zap.String("user_id", sess.userID), zap.String("conn_id", sess.id))
}

// Dispatch handles one client frame from sess.
func (s *Server) Dispatch(ctx context.Context, sess Member, frame []byte) {
	ev, err := Decode(frame)
	if err != nil {
		middleware.RecordRealtimeMessage("invalid", "in")
		sendError(sess, "", "invalid_input", err.Error(), "")
		return
	}
	middleware.RecordRealtimeMessage(string(ev.Name()), "in")

	switch e := ev.(type) {
	case JoinRoom:
		s.join(ctx, sess, e.ProcessID)
	case LeaveRoom:
		if s.hub.Leave(e.ProcessID, sess) {
			s.emitPresence(ctx, e.ProcessID, sess.UserID(), false)
		}
	case StatusUpdate:
		s.updateStatus(ctx, sess, e)
	case OfferMade:
		s.relay(ctx, sess, e.Name(), e.ProcessID, e.OfferMadePayload)
	case Signal:
		payload := e.SignalPayload
		payload.UserID = sess.UserID()
		s.relay(ctx, sess, e.Name(), e.ProcessID, payload)
	}
}

func (s *Server) join(ctx context.Context, sess Member, processID string) {
	p, _, err := s.processes.Get(ctx, processID)
	if err != nil {
		s.logger.Debug("Room join rejected", zap.String("process_id", processID), zap.Error(err))
		sendError(sess, processID, process.Code(err), "cannot load process", "")
		return
	}
	if _, ok := process.RoleOf(p, sess.UserID()); !ok {
		sendError(sess, processID, "unauthorized", "not a party to this process", "")
		return
	}

	s.hub.Join(processID, sess, p.Version, joinedFrame(p))
	// a transition that committed after the read may have been broadcast
	// before sess was in the room
	if fresh, _, err := s.processes.Get(ctx, processID); err == nil && fresh.Version > p.Version {
		s.hub.Join(processID, sess, fresh.Version, joinedFrame(fresh))
	}
	s.emitPresence(ctx, processID, sess.UserID(), true)
}

func joinedFrame(p *models.Process) []byte {
	frame, err := Encode(models.EventRoomJoined, models.StatusChangedPayload{
		ProcessID: p.ID,
		Status:    p.Status,
		Phase:     process.Phase(p.Kind, p.Status),
		Seq:       p.Version,
		Timestamp: p.UpdatedAt,
	})
	if err != nil {
		return nil
	}
	return frame
}

func (s *Server) updateStatus(ctx context.Context, sess Member, e StatusUpdate) {
	p, _, err := s.processes.Get(ctx, e.ProcessID)
	if err != nil {
		sendError(sess, e.ProcessID, process.Code(err), err.Error(), "")
		return
	}
	to, err := process.ParseStatus(p.Kind, e.Status)
	if err != nil {
		sendError(sess, e.ProcessID, process.Code(err), err.Error(), p.Status)
		return
	}
	// success is announced to the room by the broadcaster
	if _, err := s.processes.ApplyTransition(ctx, e.ProcessID, to, sess.UserID(), e.Note); err != nil {
		current := process.CurrentStatus(err)
		if current == "" {
			current = p.Status
		}
		sendError(sess, e.ProcessID, process.Code(err), err.Error(), current)
	}
}

func (s *Server) relay(ctx context.Context, sess Member, event models.EventName, processID string, payload any) {
	if !s.hub.IsMember(processID, sess) {
		sendError(sess, processID, "not_in_room", "join the process room first", "")
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		sendError(sess, processID, "internal", "failed to encode signal", "")
		return
	}
	s.hub.Emit(ctx, models.RoomMessage{
		ProcessID: processID,
		Event:     event,
		Data:      data,
		SenderID:  sess.UserID(),
	})
}

func (s *Server) emitPresence(ctx context.Context, processID, userID string, online bool) {
	data, err := json.Marshal(models.PresencePayload{ProcessID: processID, UserID: userID, Online: online})
	if err != nil {
		return
	}
	s.hub.Emit(ctx, models.RoomMessage{
		ProcessID: processID,
		Event:     models.EventPartyPresence,
		Data:      data,
		SenderID:  userID,
	})
}

func sendError(sess Member, processID, code, message string, current models.ProcessStatus) {
	frame, err := Encode(models.EventError, models.ErrorPayload{
		ProcessID:     processID,
		Code:          code,
		Message:       message,
		CurrentStatus: current,
	})
	if err != nil {
		return
	}
	sess.Send(frame)
}

// Session is one WebSocket connection.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
