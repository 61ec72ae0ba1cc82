// Package types defines the shared domain vocabulary for the pairing broker:
// identifiers, client roles, wire frames, and the narrow interfaces that let
// the transport, room, and registry packages depend on each other without
// import cycles.
package types

import (
	"context"
	"encoding/json"
	"time"
)

// ClientRole identifies which side of a pairing a session has negotiated.
type ClientRole string

const (
	RoleUnset   ClientRole = "unset"
	RoleDisplay ClientRole = "display"
	RoleApp     ClientRole = "app"
)

// SessionState tracks a ClientSession through its lifecycle.
type SessionState string

const (
	StateConnected SessionState = "connected"
	StateJoined    SessionState = "joined"
	StateClosed    SessionState = "closed"
)

// PairingCode is the 6-character uppercase alphanumeric room key.
type PairingCode string

// SessionID uniquely identifies one connection, independent of pairing code.
type SessionID string

// DeviceID is the display's stable identifier as assigned by the identity store.
type DeviceID string

// RequestID correlates an app-issued command with its eventual response.
type RequestID string

// FrameType is the `type` discriminant carried by every wire message.
type FrameType string

const (
	FrameConnection      FrameType = "connection"
	FrameJoin            FrameType = "join"
	FrameJoined          FrameType = "joined"
	FramePeerConnected   FrameType = "peer_connected"
	FramePeerDisconnect  FrameType = "peer_disconnected"
	FramePing            FrameType = "ping"
	FramePong            FrameType = "pong"
	FrameSubscribe       FrameType = "subscribe"
	FrameStatus          FrameType = "status"
	FrameCommand         FrameType = "command"
	FrameCommandResponse FrameType = "command_response"
	FrameGetStatus       FrameType = "get_status"
	FrameGetConfig       FrameType = "get_config"
	FrameConfig          FrameType = "config"
	FrameDebugLog        FrameType = "debug_log"
	FrameSubscribeDebug  FrameType = "subscribe_debug"
	FrameDebugSubscribed FrameType = "debug_subscribed"
	FrameError           FrameType = "error"
)

// AuthPayload carries the HMAC credentials a display presents on join.
type AuthPayload struct {
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// AppAuthPayload carries the bearer token an app presents on join.
type AppAuthPayload struct {
	Token string `json:"token"`
}

// Frame is the tagged-variant decoding of every inbound/outbound wire message.
// Re-architected from the source's dynamic object shapes: every field the
// broker might read is declared, and Router only looks at the fields its
// Type implies.
type Frame struct {
	Type FrameType `json:"type"`

	Code       PairingCode     `json:"code,omitempty"`
	ClientType ClientRole      `json:"clientType,omitempty"`
	Serial     string          `json:"serial,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Auth       *AuthPayload    `json:"auth,omitempty"`
	AppAuth    *AppAuthPayload `json:"app_auth,omitempty"`

	RequestID RequestID       `json:"requestId,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`

	WebexStatus string `json:"webex_status,omitempty"`
	CameraOn    *bool  `json:"camera_on,omitempty"`
	MicMuted    *bool  `json:"mic_muted,omitempty"`
	InCall      *bool  `json:"in_call,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	Level       string          `json:"level,omitempty"`
	LogMessage  string          `json:"log_message,omitempty"`
	LogMetadata json.RawMessage `json:"log_metadata,omitempty"`

	// PeerType carries the role of the peer a peer_connected/peer_disconnected
	// frame describes. Listed in the source's observable frames but omitted
	// from its formal field catalog; declared explicitly here per the
	// tagged-variant re-architecture in DESIGN NOTES.
	PeerType ClientRole `json:"peerType,omitempty"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// DebugLogEntry is a debug_log frame resolved against its session's and
// device's context, ready for Debug Log Sink filtering and persistence.
type DebugLogEntry struct {
	DeviceID     DeviceID
	Serial       string
	DebugEnabled bool
	Level        string
	Message      string
	Metadata     json.RawMessage
}

// DeviceRecord mirrors the fields of the external identity store's device
// row that the broker core consumes. The store remains authoritative; the
// broker only ever mutates LastSeen and appends logs.
type DeviceRecord struct {
	DeviceID        DeviceID
	SerialNumber    string
	PairingCode     PairingCode
	DisplayName     string
	FirmwareVersion string
	IPAddress       string
	LastSeen        time.Time
	DebugEnabled    bool
	IsProvisioned   bool
}

// AuthResult is returned by the identity store for both the HMAC and
// bearer-token verification paths.
type AuthResult struct {
	Valid  bool
	Device *DeviceRecord
	Err    error
}

// IdentityStore is the narrow external collaborator described in spec §6.
// It validates credentials and persists device state on the broker's
// behalf; the broker never reaches into its schema directly.
type IdentityStore interface {
	ValidateDeviceAuth(ctx context.Context, serial string, timestamp int64, signature string) (AuthResult, error)
	ValidateAppToken(ctx context.Context, token string) (AuthResult, error)
	UpdateDeviceLastSeen(ctx context.Context, deviceID DeviceID) error
	InsertDeviceLog(ctx context.Context, deviceID DeviceID, level, message string, metadata json.RawMessage, serial string) error
	IsEnabled() bool
}

// ClientSession is the behavior the room/router layer needs from a live
// connection, independent of the transport that backs it.
type ClientSession interface {
	ID() SessionID
	Role() ClientRole
	SetRole(ClientRole)
	RoomCode() PairingCode
	SetRoomCode(PairingCode)
	DeviceID() string
	SetDeviceID(string)
	Serial() string
	SetSerial(string)
	DebugEnabled() bool
	SetDebugEnabled(bool)
	IsOpen() bool
	Send(Frame)
	SendRaw([]byte)
	Close()
}
