package room

import (
	"context"
	"sync"
	"time"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// fakeSession is a minimal types.ClientSession test double: no sockets, just
// state and a recorded outbox.
type fakeSession struct {
	mu           sync.Mutex
	id           types.SessionID
	role         types.ClientRole
	code         types.PairingCode
	deviceID     string
	serial       string
	debugEnabled bool
	open         bool
	sent         []types.Frame
	failNextSend bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: types.SessionID(id), open: true}
}

func (s *fakeSession) ID() types.SessionID { return s.id }

func (s *fakeSession) Role() types.ClientRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *fakeSession) SetRole(r types.ClientRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

func (s *fakeSession) RoomCode() types.PairingCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *fakeSession) SetRoomCode(c types.PairingCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = c
}

func (s *fakeSession) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *fakeSession) SetDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}

func (s *fakeSession) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

func (s *fakeSession) SetSerial(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial = serial
}

func (s *fakeSession) DebugEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debugEnabled
}

func (s *fakeSession) SetDebugEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugEnabled = v
}

func (s *fakeSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSession) Send(f types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	if s.failNextSend {
		// Mirrors transport.Session.SendRaw: a write that hits a full queue
		// closes the socket synchronously and the frame is never delivered.
		s.failNextSend = false
		s.open = false
		return
	}
	s.sent = append(s.sent, f)
}

// setFailNextSend arranges for the next Send call to behave like a relay
// write into a full outbound queue: the session closes and the frame is
// dropped, without being recorded in the outbox.
func (s *fakeSession) setFailNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSend = true
}

func (s *fakeSession) SendRaw([]byte) {}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *fakeSession) outbox() []types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) lastFrame() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return types.Frame{}, false
	}
	return s.sent[len(s.sent)-1], true
}

// fakeAuth is a scriptable Authenticator.
type fakeAuth struct {
	displayResult types.AuthResult
	displayErr    error
	appResult     types.AuthResult
	appErr        error
}

func (a *fakeAuth) VerifyDisplay(ctx context.Context, serial string, payload *types.AuthPayload) (types.AuthResult, error) {
	return a.displayResult, a.displayErr
}

func (a *fakeAuth) VerifyApp(ctx context.Context, payload *types.AppAuthPayload) (types.AuthResult, error) {
	return a.appResult, a.appErr
}

// fakeRegistry records TouchLastSeen calls.
type fakeRegistry struct {
	mu    sync.Mutex
	calls []types.DeviceID
}

func (r *fakeRegistry) TouchLastSeen(ctx context.Context, deviceID types.DeviceID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deviceID)
}

func (r *fakeRegistry) touchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeLogSink records Submit calls.
type fakeLogSink struct {
	mu      sync.Mutex
	entries []types.DebugLogEntry
}

func (s *fakeLogSink) Submit(entry types.DebugLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *fakeLogSink) submitted() []types.DebugLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DebugLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
