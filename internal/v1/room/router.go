package room

import (
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

func boolPtr(b bool) *bool { return &b }

// handleStatus relays a status frame verbatim to the sender's peer, spec
// §4.4. Valid from either role.
func (m *Manager) handleStatus(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	peer := rm.peerLocked(sess.Role())
	rm.mu.Unlock()

	if peer == nil || !peer.IsOpen() {
		metrics.WebsocketEvents.WithLabelValues(string(frame.Type), "dropped").Inc()
		return
	}
	peer.Send(frame)
	metrics.WebsocketEvents.WithLabelValues(string(frame.Type), "relayed").Inc()
}

// handleCommand relays an app-originated command to the display and
// installs a Command Correlator entry, spec §4.4 and §4.5.
func (m *Manager) handleCommand(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}

	if sess.Role() == types.RoleDisplay {
		sess.Send(types.Frame{
			Type:      types.FrameCommandResponse,
			RequestID: frame.RequestID,
			Success:   boolPtr(false),
			Error:     "Only apps can send commands",
		})
		return
	}
	if sess.Role() != types.RoleApp {
		return
	}

	if frame.RequestID == "" {
		sess.Send(errorFrame("Missing requestId"))
		return
	}

	rm.mu.Lock()
	display := rm.display
	rm.mu.Unlock()

	if display == nil || !display.IsOpen() {
		sess.Send(types.Frame{
			Type:      types.FrameCommandResponse,
			RequestID: frame.RequestID,
			Success:   boolPtr(false),
			Error:     "Display not connected",
		})
		metrics.CommandsTimedOut.Inc()
		return
	}

	// Install the pending entry only after confirming the display is open,
	// per §4.5, so a relay write failure can't leave an orphaned entry.
	rm.corr.add(frame.RequestID, sess.ID())
	metrics.CommandsPending.Inc()
	display.Send(frame)

	if !display.IsOpen() {
		// SendRaw closes the socket synchronously on a full outbound queue;
		// if that just happened, the frame never reached the display. Undo
		// the pending entry and synthesize the response ourselves so P4
		// still holds: every accepted command yields exactly one response.
		if _, ok := rm.corr.remove(frame.RequestID); ok {
			metrics.CommandsPending.Dec()
		}
		sess.Send(types.Frame{
			Type:      types.FrameCommandResponse,
			RequestID: frame.RequestID,
			Success:   boolPtr(false),
			Error:     "Display not connected",
		})
	}
}

// handleCommandResponse relays a display's response back to the owning app
// session and retires the Command Correlator entry, spec §4.4 and §4.5.
func (m *Manager) handleCommandResponse(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}
	if sess.Role() != types.RoleDisplay {
		return
	}

	appSessionID, ok := rm.corr.remove(frame.RequestID)
	if !ok {
		// Unknown or already-resolved requestId: dropped, not relayed.
		return
	}
	metrics.CommandsPending.Dec()

	rm.mu.Lock()
	app := rm.app
	rm.mu.Unlock()

	if app == nil || !app.IsOpen() || app.ID() != appSessionID {
		return
	}
	app.Send(frame)
}

// handleGet relays get_status/get_config from an app to the display, spec
// §4.4. Emits an error to the sender if the display isn't connected.
func (m *Manager) handleGet(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}
	if sess.Role() != types.RoleApp {
		return
	}

	rm.mu.Lock()
	display := rm.display
	rm.mu.Unlock()

	if display == nil || !display.IsOpen() {
		sess.Send(errorFrame("Display not connected"))
		return
	}
	display.Send(frame)
}

// handleConfig relays a config frame from the display to the app, spec
// §4.4. Dropped silently if the app is absent.
func (m *Manager) handleConfig(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}
	if sess.Role() != types.RoleDisplay {
		return
	}

	rm.mu.Lock()
	app := rm.app
	rm.mu.Unlock()

	if app != nil && app.IsOpen() {
		app.Send(frame)
	}
}

// handleDebugLog forwards a display's debug_log frame to the Debug Log
// Sink. Never relayed to the paired app, spec §4.4 and §4.6.
func (m *Manager) handleDebugLog(sess types.ClientSession, frame types.Frame) {
	rm := m.requireRoom(sess)
	if rm == nil {
		return
	}
	if sess.Role() != types.RoleDisplay || m.logSink == nil {
		return
	}

	m.logSink.Submit(types.DebugLogEntry{
		DeviceID:     types.DeviceID(sess.DeviceID()),
		Serial:       sess.Serial(),
		DebugEnabled: sess.DebugEnabled(),
		Level:        frame.Level,
		Message:      frame.LogMessage,
		Metadata:     frame.LogMetadata,
	})
}

// handleSubscribeDebug toggles the deprecated bridge-debug-subscribe path
// behind the Admission Gate's feature flag, spec §4.4 and §4.7.
func (m *Manager) handleSubscribeDebug(sess types.ClientSession) {
	if !m.bridgeDebugSubscribe {
		sess.Send(errorFrame("subscribe_debug is deprecated"))
		return
	}
	sess.Send(types.Frame{Type: types.FrameDebugSubscribed})
}
