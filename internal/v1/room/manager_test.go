package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

func alwaysValidAuth() *fakeAuth {
	return &fakeAuth{
		displayResult: types.AuthResult{Valid: true, Device: &types.DeviceRecord{DeviceID: "dev-1", SerialNumber: "SN-001"}},
		appResult:     types.AuthResult{Valid: true, Device: &types.DeviceRecord{DeviceID: "dev-1", SerialNumber: "SN-001"}},
	}
}

func TestManager_Join_HappyPair(t *testing.T) {
	reg := &fakeRegistry{}
	m := NewManager(alwaysValidAuth(), reg, nil, nil, true, false)

	display := newFakeSession("display-1")
	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "test01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})

	joined, ok := display.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameJoined, joined.Type)
	var jd joinedData
	require.NoError(t, json.Unmarshal(joined.Data, &jd))
	assert.True(t, jd.DisplayConnected)
	assert.False(t, jd.AppConnected)
	assert.Equal(t, types.PairingCode("TEST01"), jd.Code)

	app := newFakeSession("app-1")
	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameJoin, Code: "TEST01", ClientType: types.RoleApp,
		AppAuth: &types.AppAuthPayload{Token: "tok"},
	})

	appJoined, ok := app.lastFrame()
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(appJoined.Data, &jd))
	assert.True(t, jd.DisplayConnected)
	assert.True(t, jd.AppConnected)

	displayFrames := display.outbox()
	require.Len(t, displayFrames, 2)
	assert.Equal(t, types.FramePeerConnected, displayFrames[1].Type)
	assert.Equal(t, types.RoleApp, displayFrames[1].PeerType)

	require.Eventually(t, func() bool { return reg.touchedCount() == 1 }, time.Second, time.Millisecond)

	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameCommand, Command: "restart", RequestID: "r1", Payload: json.RawMessage(`{"force":true}`),
	})
	displayFrames = display.outbox()
	require.Len(t, displayFrames, 3)
	assert.Equal(t, types.FrameCommand, displayFrames[2].Type)
	assert.Equal(t, types.RequestID("r1"), displayFrames[2].RequestID)

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameCommandResponse, RequestID: "r1", Success: boolPtr(true), Data: json.RawMessage(`{"restarting":true}`),
	})
	appFrames := app.outbox()
	last := appFrames[len(appFrames)-1]
	assert.Equal(t, types.FrameCommandResponse, last.Type)
	assert.Equal(t, types.RequestID("r1"), last.RequestID)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
}

func TestManager_Join_MissingCodeOrClientType(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FrameJoin})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "Missing code or clientType", frame.Message)
}

func TestManager_Join_BadSignature_RequireAuth(t *testing.T) {
	auth := &fakeAuth{displayErr: errors.New("Authentication failed")}
	m := NewManager(auth, nil, nil, nil, true, false)
	sess := newFakeSession("display-1")

	m.Route(context.Background(), sess, types.Frame{
		Type: types.FrameJoin, Code: "TEST01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "invalid"},
	})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "Authentication failed", frame.Message)
	assert.Equal(t, 0, m.RoomCount())
}

func TestManager_Join_SecondDisplay_RejectsNewcomer(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)

	first := newFakeSession("display-1")
	m.Route(context.Background(), first, types.Frame{
		Type: types.FrameJoin, Code: "TEST01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})

	second := newFakeSession("display-2")
	m.Route(context.Background(), second, types.Frame{
		Type: types.FrameJoin, Code: "TEST01", ClientType: types.RoleDisplay, Serial: "SN-002",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})

	frame, ok := second.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Empty(t, second.RoomCode())

	// incumbent is undisturbed
	firstFrames := first.outbox()
	assert.Len(t, firstFrames, 1)
	assert.Equal(t, types.FrameJoined, firstFrames[0].Type)
}

func TestManager_Status_NotInRoom(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FrameStatus, WebexStatus: "active"})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Equal(t, "Not in a pairing room", frame.Message)
}

func TestManager_Command_NoDisplay(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	app := newFakeSession("app-1")

	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleApp, AppAuth: &types.AppAuthPayload{Token: "tok"},
	})

	m.Route(context.Background(), app, types.Frame{Type: types.FrameCommand, Command: "restart", RequestID: "r1"})

	frames := app.outbox()
	last := frames[len(frames)-1]
	assert.Equal(t, types.FrameCommandResponse, last.Type)
	assert.Equal(t, types.RequestID("r1"), last.RequestID)
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
	assert.Equal(t, "Display not connected", last.Error)
}

func TestManager_Command_RoleViolation_DisplaySends(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	display := newFakeSession("display-1")
	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})

	m.Route(context.Background(), display, types.Frame{Type: types.FrameCommand, Command: "restart", RequestID: "r1"})

	frame, ok := display.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameCommandResponse, frame.Type)
	require.NotNil(t, frame.Success)
	assert.False(t, *frame.Success)
	assert.Equal(t, "Only apps can send commands", frame.Error)
}

func TestManager_CommandResponse_UnknownRequestId_Dropped(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	display := newFakeSession("display-1")
	app := newFakeSession("app-1")

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})
	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleApp, AppAuth: &types.AppAuthPayload{Token: "tok"},
	})

	m.Route(context.Background(), display, types.Frame{Type: types.FrameCommandResponse, RequestID: "unknown"})

	appFrames := app.outbox()
	// only the app's joined frame (peer_connected went to the display), no command_response
	for _, f := range appFrames {
		assert.NotEqual(t, types.FrameCommandResponse, f.Type)
	}
}

func TestManager_Leave_NotifiesPeerOnce_RoomSurvivesThenDeletes(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	display := newFakeSession("display-1")
	app := newFakeSession("app-1")

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})
	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleApp, AppAuth: &types.AppAuthPayload{Token: "tok"},
	})

	require.Equal(t, 1, m.RoomCount())

	display.Close()
	m.Leave(display)

	require.Equal(t, 1, m.RoomCount(), "room survives while app is still present")

	appFrames := app.outbox()
	last := appFrames[len(appFrames)-1]
	assert.Equal(t, types.FramePeerDisconnect, last.Type)
	assert.Equal(t, types.RoleDisplay, last.PeerType)

	app.Close()
	m.Leave(app)

	assert.Equal(t, 0, m.RoomCount(), "room is deleted once both slots are empty")
}

func TestManager_SubscribeDebug_FeatureFlagOff(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FrameSubscribeDebug})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameError, frame.Type)
	assert.Contains(t, frame.Message, "deprecated")
}

func TestManager_SubscribeDebug_FeatureFlagOn(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, true)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FrameSubscribeDebug})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameDebugSubscribed, frame.Type)
}

func TestManager_Ping_RepliesPong(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FramePing})

	frame, ok := sess.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FramePong, frame.Type)
}

func TestManager_Subscribe_UpdatesDeclaredDeviceID(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	sess := newFakeSession("s1")

	m.Route(context.Background(), sess, types.Frame{Type: types.FrameSubscribe, DeviceID: "dev-99"})

	assert.Equal(t, "dev-99", sess.DeviceID())
	assert.Empty(t, sess.outbox(), "subscribe has no reply")
}

func TestManager_DebugLog_ForwardedToSink(t *testing.T) {
	sink := &fakeLogSink{}
	m := NewManager(alwaysValidAuth(), nil, sink, nil, true, false)
	display := newFakeSession("display-1")

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameDebugLog, Level: "error", LogMessage: "boom",
	})

	entries := sink.submitted()
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Level)
	assert.Equal(t, "boom", entries[0].Message)
	assert.Equal(t, "SN-001", entries[0].Serial)
}

// Every room-scoped frame type must reject a not-yet-joined session with
// "Not in a pairing room" rather than dropping it silently, spec §7.
func TestManager_OutOfRoom_EveryRoomScopedFrameTypeErrors(t *testing.T) {
	frames := []types.Frame{
		{Type: types.FrameStatus, WebexStatus: "active"},
		{Type: types.FrameCommand, Command: "restart", RequestID: "r1"},
		{Type: types.FrameCommandResponse, RequestID: "r1"},
		{Type: types.FrameGetStatus},
		{Type: types.FrameGetConfig},
		{Type: types.FrameConfig, Data: json.RawMessage(`{}`)},
		{Type: types.FrameDebugLog, Level: "error", LogMessage: "boom"},
	}

	for _, frame := range frames {
		m := NewManager(alwaysValidAuth(), nil, &fakeLogSink{}, nil, true, false)
		sess := newFakeSession("s1")

		m.Route(context.Background(), sess, frame)

		got, ok := sess.lastFrame()
		require.True(t, ok, "frame type %s produced no reply", frame.Type)
		assert.Equal(t, types.FrameError, got.Type, "frame type %s", frame.Type)
		assert.Equal(t, "Not in a pairing room", got.Message, "frame type %s", frame.Type)
	}
}

// A relay write that fails mid-stream (the display's queue is full and
// SendRaw closes the socket) must still yield exactly one command_response
// to the app, per spec §4.5 and invariant P4.
func TestManager_Command_RelayWriteFails_SynthesizesResponse(t *testing.T) {
	m := NewManager(alwaysValidAuth(), nil, nil, nil, true, false)
	display := newFakeSession("display-1")
	app := newFakeSession("app-1")

	m.Route(context.Background(), display, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleDisplay, Serial: "SN-001",
		Auth: &types.AuthPayload{Timestamp: 1, Signature: "sig"},
	})
	m.Route(context.Background(), app, types.Frame{
		Type: types.FrameJoin, Code: "ROOM01", ClientType: types.RoleApp, AppAuth: &types.AppAuthPayload{Token: "tok"},
	})

	display.setFailNextSend()
	m.Route(context.Background(), app, types.Frame{Type: types.FrameCommand, Command: "restart", RequestID: "r1"})

	assert.False(t, display.IsOpen(), "display socket closes on a failed relay write")

	last, ok := app.lastFrame()
	require.True(t, ok)
	assert.Equal(t, types.FrameCommandResponse, last.Type)
	assert.Equal(t, types.RequestID("r1"), last.RequestID)
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
	assert.Equal(t, "Display not connected", last.Error)

	rm := m.roomFor("ROOM01")
	require.NotNil(t, rm)
	_, stillPending := rm.corr.remove("r1")
	assert.False(t, stillPending, "correlator entry is cleaned up after the synthesized response")
}
