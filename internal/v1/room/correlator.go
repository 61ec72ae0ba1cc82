package room

import (
	"sync"
	"time"

	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// pendingCommand is one app-initiated command awaiting a display response.
type pendingCommand struct {
	appSessionID types.SessionID
	createdAt    time.Time
}

// correlator is the Command Correlator (spec §4.5) for a single room: it
// tracks app-initiated command requests awaiting a display response, keyed
// by requestId within the room's own namespace so two rooms can reuse the
// same requestId without collision.
type correlator struct {
	mu      sync.Mutex
	pending map[types.RequestID]pendingCommand
}

func newCorrelator() correlator {
	return correlator{pending: make(map[types.RequestID]pendingCommand)}
}

// add installs a pending entry, to be called only after the display slot is
// confirmed open so a relay failure never leaves an orphaned entry.
func (c *correlator) add(requestID types.RequestID, appSessionID types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = pendingCommand{appSessionID: appSessionID, createdAt: time.Now()}
}

// remove deletes and returns the owning app session id for requestID, or
// ok=false if no such entry exists (unknown or already-resolved requestId).
func (c *correlator) remove(requestID types.RequestID) (types.SessionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[requestID]
	if !ok {
		return "", false
	}
	delete(c.pending, requestID)
	return entry.appSessionID, true
}

// removeAllForSession drops every pending entry owned by sessionID, called
// when its app session closes so late responses have nothing to land on.
func (c *correlator) removeAllForSession(sessionID types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reqID, entry := range c.pending {
		if entry.appSessionID == sessionID {
			delete(c.pending, reqID)
		}
	}
}
