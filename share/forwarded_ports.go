package prshare

import (
	"fmt"
	"sync"
)

// ForwardedPort describes one active port forward in a tunnel session.
// RemotePort is the stable identity of the forward, the port number as the
// tunnel host knows it. LocalPort is the port actually bound on the local
// side, which may differ from RemotePort if the preferred port was taken; it
// is 0 for consumers that forward without a local listener.
type ForwardedPort struct {
	LocalPort  uint16
	RemotePort uint16
}

func (p ForwardedPort) String() string {
	return fmt.Sprintf("%d->%d", p.LocalPort, p.RemotePort)
}

// PortChangeListener is called synchronously when a port is added to or
// removed from a ForwardedPortsRegistry. The listener is invoked with no
// registry lock held, but it must not call back into Add/Remove/Clear on the
// same registry, and it must not block; notifications can run on session I/O
// handling paths.
type PortChangeListener func(port ForwardedPort, added bool)

// PortListenerHandle identifies one registered listener so it can be removed
type PortListenerHandle int64

type portListenerEntry struct {
	handle   PortListenerHandle
	listener PortChangeListener
}

// ForwardedPortsRegistry is the authoritative, goroutine-safe set of currently
// forwarded ports for one tunnel session. Entries are unique by RemotePort and
// enumerate in insertion order. Its lifetime is bound to the session; it is
// cleared when the session ends.
type ForwardedPortsRegistry struct {
	mu         sync.RWMutex
	order      []uint16
	ports      map[uint16]ForwardedPort
	listeners  []portListenerEntry
	lastHandle PortListenerHandle
}

// NewForwardedPortsRegistry creates an empty registry
func NewForwardedPortsRegistry() *ForwardedPortsRegistry {
	return &ForwardedPortsRegistry{
		ports: make(map[uint16]ForwardedPort),
	}
}

// Add inserts a forwarded port and notifies listeners of the addition.
// returns a *DuplicatePortError if an entry with the same RemotePort is
// already present.
func (r *ForwardedPortsRegistry) Add(port ForwardedPort) error {
	r.mu.Lock()
	if _, present := r.ports[port.RemotePort]; present {
		r.mu.Unlock()
		return &DuplicatePortError{Port: port.RemotePort}
	}
	r.ports[port.RemotePort] = port
	r.order = append(r.order, port.RemotePort)
	listeners := r.listenersSnapshotLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l(port, true)
	}
	return nil
}

// Remove deletes the entry with the given RemotePort, notifying listeners of
// the removal, and reports whether an entry was present.
func (r *ForwardedPortsRegistry) Remove(remotePort uint16) bool {
	r.mu.Lock()
	port, present := r.ports[remotePort]
	if !present {
		r.mu.Unlock()
		return false
	}
	delete(r.ports, remotePort)
	for i, rp := range r.order {
		if rp == remotePort {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	listeners := r.listenersSnapshotLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l(port, false)
	}
	return true
}

// Clear removes all entries, notifying listeners of each removal in insertion
// order. Used at session teardown.
func (r *ForwardedPortsRegistry) Clear() {
	r.mu.Lock()
	removed := make([]ForwardedPort, 0, len(r.order))
	for _, rp := range r.order {
		removed = append(removed, r.ports[rp])
	}
	r.order = nil
	r.ports = make(map[uint16]ForwardedPort)
	listeners := r.listenersSnapshotLocked()
	r.mu.Unlock()

	for _, port := range removed {
		for _, l := range listeners {
			l(port, false)
		}
	}
}

// Has reports whether an entry with the given RemotePort is present
func (r *ForwardedPortsRegistry) Has(remotePort uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, present := r.ports[remotePort]
	return present
}

// Get returns the entry with the given RemotePort, if present
func (r *ForwardedPortsRegistry) Get(remotePort uint16) (ForwardedPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, present := r.ports[remotePort]
	return port, present
}

// List returns a snapshot of all entries in insertion order. The returned
// slice is a copy, safe to iterate and retain without locking.
func (r *ForwardedPortsRegistry) List() []ForwardedPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]ForwardedPort, 0, len(r.order))
	for _, rp := range r.order {
		ports = append(ports, r.ports[rp])
	}
	return ports
}

// AddListener registers a listener for port additions and removals. The
// registry does not own listener lifetime; callers keep the returned handle
// and remove the listener when done. Listeners are notified in registration
// order.
func (r *ForwardedPortsRegistry) AddListener(listener PortChangeListener) PortListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHandle++
	r.listeners = append(r.listeners, portListenerEntry{handle: r.lastHandle, listener: listener})
	return r.lastHandle
}

// RemoveListener unregisters the listener identified by handle, and reports
// whether it was registered.
func (r *ForwardedPortsRegistry) RemoveListener(handle PortListenerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.handle == handle {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *ForwardedPortsRegistry) listenersSnapshotLocked() []PortChangeListener {
	if len(r.listeners) == 0 {
		return nil
	}
	listeners := make([]PortChangeListener, len(r.listeners))
	for i, e := range r.listeners {
		listeners[i] = e.listener
	}
	return listeners
}
