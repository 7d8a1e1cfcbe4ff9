package prshare

import (
	"fmt"
	"sync"
)

// ConnectionStatus is the lifecycle state of one tunnel connection
type ConnectionStatus int

const (
	// ConnectionStatusNone means no connection attempt has been made yet
	ConnectionStatusNone ConnectionStatus = iota

	// ConnectionStatusConnecting means a connection attempt is in progress
	ConnectionStatusConnecting

	// ConnectionStatusConnected means the tunnel session is up
	ConnectionStatusConnected

	// ConnectionStatusDisconnected means the connection was lost or could not
	// be established, and no further automatic attempts will be made. The
	// caller may explicitly connect again.
	ConnectionStatusDisconnected

	// ConnectionStatusRetryingConnect means the connection was lost or a
	// connect attempt failed, and an automatic re-attempt is pending
	ConnectionStatusRetryingConnect

	// ConnectionStatusRefreshingTunnel means a re-attempt is fetching fresh
	// tunnel endpoints and an access token before reconnecting
	ConnectionStatusRefreshingTunnel

	// ConnectionStatusDisconnecting means the connection is being shut down
	// deliberately
	ConnectionStatusDisconnecting

	// ConnectionStatusClosed means the connection is fully shut down. This
	// state is terminal; a new instance is required to connect again.
	ConnectionStatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionStatusNone:
		return "None"
	case ConnectionStatusConnecting:
		return "Connecting"
	case ConnectionStatusConnected:
		return "Connected"
	case ConnectionStatusDisconnected:
		return "Disconnected"
	case ConnectionStatusRetryingConnect:
		return "RetryingConnect"
	case ConnectionStatusRefreshingTunnel:
		return "RefreshingTunnel"
	case ConnectionStatusDisconnecting:
		return "Disconnecting"
	case ConnectionStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// legalStatusTransitions defines the edges of the connection state machine.
// Closed is terminal. Disconnecting is reachable from every non-terminal
// state so a deliberate close can interrupt anything.
var legalStatusTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnectionStatusNone: {
		ConnectionStatusConnecting,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusConnecting: {
		ConnectionStatusConnected,
		ConnectionStatusRetryingConnect,
		ConnectionStatusDisconnected,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusConnected: {
		ConnectionStatusRetryingConnect,
		ConnectionStatusDisconnected,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusRetryingConnect: {
		ConnectionStatusConnecting,
		ConnectionStatusRefreshingTunnel,
		ConnectionStatusConnected,
		ConnectionStatusDisconnected,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusRefreshingTunnel: {
		ConnectionStatusConnecting,
		ConnectionStatusRetryingConnect,
		ConnectionStatusDisconnected,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusDisconnected: {
		ConnectionStatusConnecting,
		ConnectionStatusDisconnecting,
	},
	ConnectionStatusDisconnecting: {
		ConnectionStatusClosed,
	},
	ConnectionStatusClosed: {},
}

func isLegalStatusTransition(from, to ConnectionStatus) bool {
	for _, s := range legalStatusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChangeListener is called synchronously with the old and new status
// whenever a connection's status changes. Listeners must not block; they can
// run on I/O handling paths.
type StatusChangeListener func(oldStatus, newStatus ConnectionStatus)

// StatusListenerHandle identifies one registered listener so it can be removed
type StatusListenerHandle int64

type statusListenerEntry struct {
	handle   StatusListenerHandle
	listener StatusChangeListener
}

// statusTracker holds a connection's current status and fans out change
// notifications. Transitions not present in legalStatusTransitions are
// rejected. Notifications are delivered synchronously, serialized in
// transition order, with no lock held that the listener could need.
type statusTracker struct {
	mu         sync.Mutex
	notifyMu   sync.Mutex
	status     ConnectionStatus
	listeners  []statusListenerEntry
	lastHandle StatusListenerHandle
}

func (t *statusTracker) current() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// set transitions to newStatus, notifying listeners with the (old, new) pair.
// Reports whether the transition happened; a repeated set to the current
// status is a no-op. Returns an error for transitions the state machine does
// not allow.
func (t *statusTracker) set(newStatus ConnectionStatus) (bool, error) {
	// notifyMu is taken first so that concurrent transitions deliver their
	// notifications in the order the transitions occurred
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	oldStatus := t.status
	if oldStatus == newStatus {
		t.mu.Unlock()
		return false, nil
	}
	if !isLegalStatusTransition(oldStatus, newStatus) {
		t.mu.Unlock()
		return false, fmt.Errorf("illegal connection status transition %s -> %s", oldStatus, newStatus)
	}
	t.status = newStatus
	listeners := make([]StatusChangeListener, len(t.listeners))
	for i, e := range t.listeners {
		listeners[i] = e.listener
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(oldStatus, newStatus)
	}
	return true, nil
}

func (t *statusTracker) addListener(listener StatusChangeListener) StatusListenerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHandle++
	t.listeners = append(t.listeners, statusListenerEntry{handle: t.lastHandle, listener: listener})
	return t.lastHandle
}

func (t *statusTracker) removeListener(handle StatusListenerHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.listeners {
		if e.handle == handle {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return true
		}
	}
	return false
}
