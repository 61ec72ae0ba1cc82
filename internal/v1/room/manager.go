package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// Authenticator is the narrow view of the Auth Verifier the Room Manager
// needs at join time. *auth.Verifier satisfies this.
type Authenticator interface {
	VerifyDisplay(ctx context.Context, serial string, payload *types.AuthPayload) (types.AuthResult, error)
	VerifyApp(ctx context.Context, payload *types.AppAuthPayload) (types.AuthResult, error)
}

// DeviceRegistry is the narrow view of the Device Registry the Room Manager
// needs: a best-effort async last_seen touch on successful display join.
// *registry.Registry satisfies this.
type DeviceRegistry interface {
	TouchLastSeen(ctx context.Context, deviceID types.DeviceID, at time.Time)
}

// DebugLogSink is the narrow view of the Debug Log Sink the Message Router
// needs to hand off debug_log frames. *logsink.Sink satisfies this.
type DebugLogSink interface {
	Submit(entry types.DebugLogEntry)
}

// DeviceJoinLimiter is the narrow view of the join-attempt rate limiter the
// Room Manager needs to throttle a single device's join attempts.
// *ratelimit.RateLimiter satisfies this.
type DeviceJoinLimiter interface {
	CheckWebSocketJoinDevice(ctx context.Context, serial string) error
}

// Manager is the Room Manager plus Message Router (spec §4.3-§4.4): it owns
// the pairing-code -> Room table and dispatches every inbound frame for a
// joined (or not-yet-joined) session.
type Manager struct {
	mu    sync.Mutex
	rooms map[types.PairingCode]*Room

	auth     Authenticator
	registry DeviceRegistry
	logSink  DebugLogSink
	limiter  DeviceJoinLimiter

	requireDeviceAuth    bool
	bridgeDebugSubscribe bool
}

// NewManager builds a Manager. registry, logSink, and limiter may be nil, in
// which case last_seen touches, log forwarding, and per-device join
// throttling are skipped respectively.
func NewManager(authv Authenticator, registry DeviceRegistry, logSink DebugLogSink, limiter DeviceJoinLimiter, requireDeviceAuth, bridgeDebugSubscribe bool) *Manager {
	return &Manager{
		rooms:                make(map[types.PairingCode]*Room),
		auth:                 authv,
		registry:             registry,
		logSink:              logSink,
		limiter:              limiter,
		requireDeviceAuth:    requireDeviceAuth,
		bridgeDebugSubscribe: bridgeDebugSubscribe,
	}
}

// RoomCount reports the number of live rooms, for metrics/diagnostics.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func normalizeCode(code types.PairingCode) types.PairingCode {
	return types.PairingCode(strings.ToUpper(strings.TrimSpace(string(code))))
}

func errorFrame(message string) types.Frame {
	return types.Frame{Type: types.FrameError, Message: message}
}

// Route dispatches one inbound frame per spec §4.4. join is handled here
// directly; every other type delegates to a handler below.
func (m *Manager) Route(ctx context.Context, sess types.ClientSession, frame types.Frame) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(frame.Type)).Observe(time.Since(start).Seconds())
	}()

	switch frame.Type {
	case types.FrameJoin:
		m.join(ctx, sess, frame)
	case types.FramePing:
		sess.Send(types.Frame{Type: types.FramePong})
	case types.FrameSubscribe:
		sess.SetDeviceID(frame.DeviceID)
	case types.FrameStatus:
		m.handleStatus(sess, frame)
	case types.FrameCommand:
		m.handleCommand(sess, frame)
	case types.FrameCommandResponse:
		m.handleCommandResponse(sess, frame)
	case types.FrameGetStatus, types.FrameGetConfig:
		m.handleGet(sess, frame)
	case types.FrameConfig:
		m.handleConfig(sess, frame)
	case types.FrameDebugLog:
		m.handleDebugLog(sess, frame)
	case types.FrameSubscribeDebug:
		m.handleSubscribeDebug(sess)
	default:
		logging.Debug(ctx, "dropping unrecognized frame type", zap.String("type", string(frame.Type)))
	}
}

// join executes the Room Manager's join algorithm, spec §4.3.
func (m *Manager) join(ctx context.Context, sess types.ClientSession, frame types.Frame) {
	if frame.Code == "" || (frame.ClientType != types.RoleDisplay && frame.ClientType != types.RoleApp) {
		sess.Send(errorFrame("Missing code or clientType"))
		metrics.JoinAttempts.WithLabelValues("unknown", "schema_error").Inc()
		return
	}

	var authResult types.AuthResult
	switch frame.ClientType {
	case types.RoleDisplay:
		result, err := m.auth.VerifyDisplay(ctx, frame.Serial, frame.Auth)
		if err != nil {
			sess.Send(errorFrame(err.Error()))
			metrics.JoinAttempts.WithLabelValues("display", "auth_rejected").Inc()
			return
		}
		authResult = result

		// Per-device join throttling runs only after VerifyDisplay admits
		// the join. When REQUIRE_DEVICE_AUTH is off that includes displays
		// whose signature was missing or invalid, keyed on the claimed serial.
		if m.limiter != nil {
			if err := m.limiter.CheckWebSocketJoinDevice(ctx, frame.Serial); err != nil {
				sess.Send(errorFrame("Too many join attempts for this device"))
				metrics.JoinAttempts.WithLabelValues("display", "rate_limited").Inc()
				return
			}
		}
	case types.RoleApp:
		result, err := m.auth.VerifyApp(ctx, frame.AppAuth)
		if err != nil {
			sess.Send(errorFrame(err.Error()))
			metrics.JoinAttempts.WithLabelValues("app", "auth_rejected").Inc()
			return
		}
		authResult = result
	}

	code := normalizeCode(frame.Code)

	m.mu.Lock()
	rm, ok := m.rooms[code]
	if !ok {
		rm = newRoom(code)
		m.rooms[code] = rm
	}

	rm.mu.Lock()
	var rejected bool
	switch frame.ClientType {
	case types.RoleDisplay:
		if rm.display != nil {
			rejected = true
		} else {
			rm.display = sess
		}
	case types.RoleApp:
		if rm.app != nil {
			rejected = true
		} else {
			rm.app = sess
		}
	}
	displayConnected, appConnected := rm.occupantsLocked()
	peer := rm.peerLocked(frame.ClientType)
	rm.mu.Unlock()
	m.mu.Unlock()

	if rejected {
		sess.Send(errorFrame(fmt.Sprintf("%s slot already occupied for this pairing code", frame.ClientType)))
		metrics.JoinAttempts.WithLabelValues(string(frame.ClientType), "slot_occupied").Inc()
		return
	}

	sess.SetRole(frame.ClientType)
	sess.SetRoomCode(code)
	if frame.ClientType == types.RoleDisplay {
		sess.SetSerial(frame.Serial)
		deviceID := frame.DeviceID
		if authResult.Device != nil {
			deviceID = string(authResult.Device.DeviceID)
			sess.SetDebugEnabled(authResult.Device.DebugEnabled)
		}
		sess.SetDeviceID(deviceID)
	}

	data, _ := json.Marshal(joinedData{
		Code:             code,
		ClientType:       frame.ClientType,
		DisplayConnected: displayConnected,
		AppConnected:     appConnected,
	})
	sess.Send(types.Frame{Type: types.FrameJoined, Data: data})
	metrics.JoinAttempts.WithLabelValues(string(frame.ClientType), "success").Inc()

	if peer != nil && peer.IsOpen() {
		peer.Send(types.Frame{Type: types.FramePeerConnected, PeerType: frame.ClientType})
	}

	if frame.ClientType == types.RoleDisplay && authResult.Device != nil && m.registry != nil {
		go m.registry.TouchLastSeen(context.Background(), authResult.Device.DeviceID, time.Now())
	}
}

type joinedData struct {
	Code             types.PairingCode `json:"code"`
	ClientType       types.ClientRole  `json:"clientType"`
	DisplayConnected bool              `json:"displayConnected"`
	AppConnected     bool              `json:"appConnected"`
}

// Leave executes the Room Manager's leave algorithm, spec §4.3: clear the
// session's slot, delete the room synchronously if now empty, otherwise
// notify the remaining peer exactly once.
func (m *Manager) Leave(sess types.ClientSession) {
	code := sess.RoomCode()
	if code == "" {
		return
	}

	m.mu.Lock()
	rm, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return
	}

	rm.mu.Lock()
	var peer types.ClientSession
	role := sess.Role()
	switch role {
	case types.RoleDisplay:
		if rm.display == sess {
			rm.display = nil
		}
		peer = rm.app
	case types.RoleApp:
		if rm.app == sess {
			rm.app = nil
		}
		peer = rm.display
		rm.corr.removeAllForSession(sess.ID())
	}
	displayConnected, appConnected := rm.occupantsLocked()
	rm.mu.Unlock()

	if !displayConnected && !appConnected {
		delete(m.rooms, code)
	}
	m.mu.Unlock()

	if peer != nil && peer.IsOpen() {
		peer.Send(types.Frame{Type: types.FramePeerDisconnect, PeerType: role})
	}
}

func (m *Manager) roomFor(code types.PairingCode) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[code]
}

// requireRoom resolves the sender's room or sends the out-of-room error and
// returns nil, per spec §7 "Out-of-room".
func (m *Manager) requireRoom(sess types.ClientSession) *Room {
	code := sess.RoomCode()
	if code == "" {
		sess.Send(errorFrame("Not in a pairing room"))
		return nil
	}
	rm := m.roomFor(code)
	if rm == nil {
		sess.Send(errorFrame("Not in a pairing room"))
		return nil
	}
	return rm
}
