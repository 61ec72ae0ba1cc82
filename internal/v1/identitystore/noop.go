package identitystore

import (
	"context"
	"encoding/json"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// NoopStore stands in for a real identity store whenever no
// IDENTITY_STORE_ADDR is configured, typically in local development. It
// authenticates everything and discards writes, rather than the broker
// hard-depending on an identity service just to run locally.
type NoopStore struct{}

func (NoopStore) ValidateDeviceAuth(ctx context.Context, serial string, timestamp int64, signature string) (types.AuthResult, error) {
	return types.AuthResult{Valid: true, Device: &types.DeviceRecord{SerialNumber: serial, IsProvisioned: true}}, nil
}

func (NoopStore) ValidateAppToken(ctx context.Context, token string) (types.AuthResult, error) {
	return types.AuthResult{Valid: true}, nil
}

func (NoopStore) UpdateDeviceLastSeen(ctx context.Context, deviceID types.DeviceID) error {
	return nil
}

func (NoopStore) InsertDeviceLog(ctx context.Context, deviceID types.DeviceID, level, message string, metadata json.RawMessage, serial string) error {
	return nil
}

func (NoopStore) IsEnabled() bool { return false }

// Ping always succeeds: there's no backing service to be unreachable.
func (NoopStore) Ping(ctx context.Context) error { return nil }
