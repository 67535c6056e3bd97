package mqtt

import (
	"sync"
	"time"
)

// connState is the small mutex-guarded connection state machine every
// Endpoint embeds: a connected flag, the error that ended the last
// connection (if any), and timestamps used for keep-alive bookkeeping.
// The shape -- one mutex, a zero-value-means-disconnected timestamp, a
// sticky closeErr -- is adapted from the teacher package's clientState,
// generalized to an Endpoint usable in either client or server role.
type connState struct {
	mu          sync.Mutex
	connectedAt time.Time
	lastRx      time.Time
	lastTx      time.Time
	closeErr    error
}

// onConnect resets connection state on a successful CONNECT/CONNACK
// handshake. Not guarded by mu: caller must hold it.
func (cs *connState) onConnect(t time.Time) {
	cs.closeErr = nil
	cs.connectedAt = t
	cs.lastRx = t
}

// onDisconnect records the terminal error for the connection. err must be
// non-nil; a clean disconnect still carries a sentinel (io.EOF-class)
// error so IsConnected reliably flips to false.
func (cs *connState) onDisconnect(err error) {
	if err == nil {
		panic("connState.onDisconnect expects non-nil error")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closeErr = err
	cs.connectedAt = time.Time{}
}

func (cs *connState) markRx(t time.Time) {
	cs.mu.Lock()
	cs.lastRx = t
	cs.mu.Unlock()
}

func (cs *connState) markTx(t time.Time) {
	cs.mu.Lock()
	cs.lastTx = t
	cs.mu.Unlock()
}

// IsConnected returns true if the endpoint currently has an active
// connection (i.e. has not observed a disconnect or fatal transport
// error since the last successful connect).
func (cs *connState) IsConnected() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closeErr == nil && !cs.connectedAt.IsZero()
}

// Err returns the error that ended the connection, or nil if currently
// connected or never connected.
func (cs *connState) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closeErr
}

// ConnectedAt returns the time of the last successful connect, or the
// zero Time if not currently connected.
func (cs *connState) ConnectedAt() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.connectedAt
}
