// Package room implements the Room Manager, Message Router, and Command
// Correlator described in spec §4.3-§4.5: the pairing-code-keyed room
// state machine, per-type relay rules, and app/display command
// correlation. Grounded on the teacher's room.Room mutex discipline
// (lock, mutate, unlock; never hold the lock across a socket write) but
// re-modeled around a 2-slot (display, app) room instead of a
// host/participant/waiting roster, and around synchronous room deletion
// instead of a grace-period cleanup timer.
package room

import (
	"sync"
	"time"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// Room is the ephemeral binding of one pairing code to at most one display
// session and at most one app session (spec §3).
type Room struct {
	mu        sync.Mutex
	code      types.PairingCode
	display   types.ClientSession
	app       types.ClientSession
	createdAt time.Time
	corr      correlator
}

func newRoom(code types.PairingCode) *Room {
	return &Room{
		code:      code,
		createdAt: time.Now(),
		corr:      newCorrelator(),
	}
}

// occupantsLocked reports slot occupancy. Caller must hold r.mu.
func (r *Room) occupantsLocked() (displayConnected, appConnected bool) {
	return r.display != nil, r.app != nil
}

// peerLocked returns the counterpart session for a given role. Caller must
// hold r.mu.
func (r *Room) peerLocked(role types.ClientRole) types.ClientSession {
	if role == types.RoleDisplay {
		return r.app
	}
	return r.display
}
