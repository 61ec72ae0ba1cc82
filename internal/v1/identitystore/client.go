// Package identitystore implements the broker's client to the external
// identity/record store: the system of record for provisioned devices,
// device auth verification, app token verification, and debug log
// persistence. Grounded on the teacher's bus.Service Redis client for the
// circuit-breaker-wrapped, graceful-degradation call pattern, adapted here
// to an HTTP dependency rather than Redis since no gRPC/protobuf stubs for
// an identity service were available to ground a gRPC client on.
package identitystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
	"go.uber.org/zap"
)

// Client is an HTTP-backed types.IdentityStore, calling a
// provisioning/record service over REST, with every outbound call wrapped
// in a circuit breaker so an identity-store outage degrades gracefully
// instead of wedging the broker's join path.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// New builds a Client pointed at baseURL (e.g. "https://identity.internal"),
// authenticating outbound requests with a bearer token.
func New(baseURL, token string) *Client {
	st := gobreaker.Settings{
		Name:        "identity_store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("identity_store").Set(stateVal)
		},
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cb: gobreaker.NewCircuitBreaker(st),
	}
}

// IsEnabled reports whether a real identity store endpoint is configured.
func (c *Client) IsEnabled() bool {
	return c != nil && c.baseURL != ""
}

type deviceAuthRequest struct {
	Serial    string `json:"serial"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type deviceAuthResponse struct {
	Valid  bool               `json:"valid"`
	Device *types.DeviceRecord `json:"device,omitempty"`
}

// ValidateDeviceAuth asks the identity store whether a display's HMAC
// signature and serial number correspond to a provisioned, active device.
func (c *Client) ValidateDeviceAuth(ctx context.Context, serial string, timestamp int64, signature string) (types.AuthResult, error) {
	var out deviceAuthResponse
	err := c.post(ctx, "/v1/devices/validate", deviceAuthRequest{
		Serial:    serial,
		Timestamp: timestamp,
		Signature: signature,
	}, &out, "validate_device_auth")
	if err != nil {
		return types.AuthResult{}, err
	}
	return types.AuthResult{Valid: out.Valid, Device: out.Device}, nil
}

type appTokenRequest struct {
	Token string `json:"token"`
}

type appTokenResponse struct {
	Valid  bool               `json:"valid"`
	Device *types.DeviceRecord `json:"device,omitempty"`
}

// ValidateAppToken asks the identity store whether a bearer token presented
// by a browser app client is valid and which device it's scoped to.
func (c *Client) ValidateAppToken(ctx context.Context, token string) (types.AuthResult, error) {
	var out appTokenResponse
	err := c.post(ctx, "/v1/apps/validate", appTokenRequest{Token: token}, &out, "validate_app_token")
	if err != nil {
		return types.AuthResult{}, err
	}
	return types.AuthResult{Valid: out.Valid, Device: out.Device}, nil
}

type lastSeenRequest struct {
	DeviceID  types.DeviceID `json:"deviceId"`
	Timestamp time.Time      `json:"timestamp"`
}

// UpdateDeviceLastSeen records that a device connected just now.
func (c *Client) UpdateDeviceLastSeen(ctx context.Context, deviceID types.DeviceID) error {
	return c.post(ctx, "/v1/devices/last-seen", lastSeenRequest{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}, nil, "update_last_seen")
}

type deviceLogRequest struct {
	DeviceID types.DeviceID  `json:"deviceId"`
	Serial   string          `json:"serial"`
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// InsertDeviceLog persists a debug_log frame forwarded by the logsink.
func (c *Client) InsertDeviceLog(ctx context.Context, deviceID types.DeviceID, level, message string, metadata json.RawMessage, serial string) error {
	return c.post(ctx, "/v1/devices/logs", deviceLogRequest{
		DeviceID: deviceID,
		Serial:   serial,
		Level:    level,
		Message:  message,
		Metadata: metadata,
	}, nil, "insert_device_log")
}

// Ping checks identity-store reachability for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("identity store unhealthy: status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body any, out any, op string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("identity store returned %d: %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
			metrics.IdentityStoreRequests.WithLabelValues(op, "circuit_open").Inc()
			logging.Warn(ctx, "identity store circuit open, failing closed", zap.String("op", op))
			return err
		}
		metrics.IdentityStoreRequests.WithLabelValues(op, "error").Inc()
		return err
	}

	metrics.IdentityStoreRequests.WithLabelValues(op, "success").Inc()
	return nil
}
