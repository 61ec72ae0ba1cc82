// Package transport implements the Client Session (spec §4.1): the
// WebSocket connection handling that backs every types.ClientSession, plus
// the Hub that upgrades incoming HTTP requests and hands connections off to
// the Room Manager. Grounded on the teacher's transport.Client/Hub pair:
// the wsConnection seam, the reader/writer goroutine split, and the
// ServeWs -> HandleConnection flow, adapted from a pre-authenticated
// conference join to the broker's anonymous-until-joined model and from a
// protobuf binary wire format to JSON text frames.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB
	sendQueueSize  = 32
)

// wsConnection is the seam the teacher's transport.Client abstracted the
// websocket library behind, letting tests substitute a fake socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Router is the behavior a Session hands inbound frames to. *room.Manager
// satisfies this.
type Router interface {
	Route(ctx context.Context, sess types.ClientSession, frame types.Frame)
	Leave(sess types.ClientSession)
}

// Session is the per-connection Client Session: anonymous until it
// successfully joins a room, at which point the Room Manager tags it with a
// role, pairing code, and (for displays) device identity. One Session
// implements types.ClientSession.
type Session struct {
	id     types.SessionID
	conn   wsConnection
	router Router

	mu           sync.RWMutex
	role         types.ClientRole
	roomCode     types.PairingCode
	deviceID     string
	serial       string
	debugEnabled bool
	closed       bool
	closeOnce    sync.Once

	send         chan []byte
	onDisconnect func()
}

// NewSession wraps an established WebSocket connection. Call Run to start
// its reader and writer goroutines. onDisconnect, if non-nil, runs once
// after the reader pump exits and the Router has been notified of the
// departure; the Hub uses it to decrement the live-connection count.
func NewSession(id types.SessionID, conn wsConnection, router Router, onDisconnect func()) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		router:       router,
		role:         types.RoleUnset,
		send:         make(chan []byte, sendQueueSize),
		onDisconnect: onDisconnect,
	}
}

func (s *Session) ID() types.SessionID { return s.id }

func (s *Session) Role() types.ClientRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) SetRole(r types.ClientRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

func (s *Session) RoomCode() types.PairingCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomCode
}

func (s *Session) SetRoomCode(code types.PairingCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomCode = code
}

func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) SetDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}

func (s *Session) Serial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial
}

func (s *Session) SetSerial(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial = serial
}

func (s *Session) DebugEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debugEnabled
}

func (s *Session) SetDebugEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugEnabled = v
}

// IsOpen reports whether sends are still accepted, per spec §4.1.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Send JSON-encodes frame and enqueues it for the writer goroutine. Dropped
// silently if the session is closed. If the queue is full the frame is
// dropped, a warning is logged and the session is closed (backpressure
// policy: the slow consumer is removed, not the producer, so Send never
// blocks here beyond the non-blocking channel attempt).
func (s *Session) Send(frame types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.Error(err), zap.String("type", string(frame.Type)))
		return
	}
	s.SendRaw(data)
}

func (s *Session) SendRaw(data []byte) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}

	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "session send queue full, closing slow consumer", zap.String("session_id", string(s.id)))
		s.Close()
	}
}

// Close tears down the connection exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
		_ = s.conn.Close()
	})
}

// Run starts the reader and writer pumps and blocks until both exit. Call
// it in its own goroutine per connection.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.readPump(ctx)
	}()
	wg.Wait()
}

// readPump parses inbound frames and hands them to the Router, spec §4.1.
// Malformed JSON and binary frames are dropped silently; unknown types are
// logged at debug by the Router.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.router.Leave(s)
		s.Close()
		metrics.DecConnection()
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			// Binary frames are rejected per spec §6; dropped, not fatal.
			logging.Debug(ctx, "dropping non-text frame", zap.String("session_id", string(s.id)))
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Debug(ctx, "dropping malformed frame", zap.String("session_id", string(s.id)), zap.Error(err))
			continue
		}

		s.router.Route(ctx, s, frame)
	}
}

// writePump drains the send queue onto the socket and maintains the
// liveness ping, spec §4.1 and §5.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
