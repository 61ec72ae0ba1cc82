package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// Verifier is the join-time Auth Verifier (spec component, not the package
// itself): it turns a join frame's credentials into an admission decision by
// delegating the actual signature/token check to an external identity
// store, enforcing the REQUIRE_DEVICE_AUTH policy and a bounded call budget
// around the delegate.
type Verifier struct {
	store   types.IdentityStore
	require bool
	budget  time.Duration
}

// NewVerifier builds a Verifier. budget bounds how long the identity store
// delegate may take before the join is rejected as unauthenticated (same
// outcome as an explicit "invalid").
func NewVerifier(store types.IdentityStore, requireDeviceAuth bool, budget time.Duration) *Verifier {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return &Verifier{store: store, require: requireDeviceAuth, budget: budget}
}

// VerifyDisplay validates a display's HMAC credentials presented in a join
// frame's auth payload, per spec §4.2.
func (v *Verifier) VerifyDisplay(ctx context.Context, serial string, payload *types.AuthPayload) (types.AuthResult, error) {
	if serial == "" || payload == nil {
		if v.require {
			return types.AuthResult{}, errors.New("Authentication required for display devices")
		}
		return types.AuthResult{Valid: false}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, v.budget)
	defer cancel()

	result, err := v.store.ValidateDeviceAuth(cctx, serial, payload.Timestamp, payload.Signature)
	if err != nil || !result.Valid {
		if v.require {
			return types.AuthResult{}, errors.New("Authentication failed")
		}
		return types.AuthResult{Valid: false}, nil
	}
	return result, nil
}

// VerifyApp validates an app's bearer token presented in a join frame's
// app_auth payload, per spec §4.2.
func (v *Verifier) VerifyApp(ctx context.Context, payload *types.AppAuthPayload) (types.AuthResult, error) {
	if payload == nil || payload.Token == "" {
		if v.require {
			return types.AuthResult{}, errors.New("Authentication required")
		}
		return types.AuthResult{Valid: false}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, v.budget)
	defer cancel()

	result, err := v.store.ValidateAppToken(cctx, payload.Token)
	if err != nil || !result.Valid {
		if v.require {
			return types.AuthResult{}, errors.New("App authentication failed")
		}
		return types.AuthResult{Valid: false}, nil
	}
	return result, nil
}
