package prshare

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// parkedHost is one host connection waiting at the relay for a client
type parkedHost struct {
	tunnelID string
	hostID   string
	ws       *websocket.Conn

	// claimedC is closed when a client claims this connection
	claimedC chan struct{}

	// done is closed by whoever bridged the pair, once the bridged session
	// ends (or is abandoned)
	done chan struct{}

	// claimed is guarded by the broker mutex; set on claim or withdrawal
	claimed bool
}

type pairWaiter struct {
	hostID string
	ch     chan *parkedHost
}

// pairingBroker matches parked host connections with arriving clients, FIFO
// per tunnel. A client that arrives before any host is parked may wait a
// bounded time; a host that parks while a client is waiting pairs
// immediately. Pairing is strictly instance-local: both legs of a pair
// terminate on this process.
type pairingBroker struct {
	mu      sync.Mutex
	parked  map[string][]*parkedHost
	waiters map[string][]*pairWaiter
}

func newPairingBroker() *pairingBroker {
	return &pairingBroker{
		parked:  make(map[string][]*parkedHost),
		waiters: make(map[string][]*pairWaiter),
	}
}

// park offers a host connection for pairing. If a compatible client is
// already waiting it is handed over immediately; otherwise the connection
// joins the tunnel's FIFO.
func (b *pairingBroker) park(ph *parkedHost) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[ph.tunnelID]
	for i, w := range waiters {
		if w.hostID == "" || w.hostID == ph.hostID {
			b.waiters[ph.tunnelID] = append(waiters[:i], waiters[i+1:]...)
			ph.claimed = true
			close(ph.claimedC)
			// buffered; never blocks
			w.ch <- ph
			return
		}
	}
	b.parked[ph.tunnelID] = append(b.parked[ph.tunnelID], ph)
	metricHostsWaiting.Inc()
}

// claim takes a parked host connection for tunnelID, matching hostID when
// given. When none is parked, claim waits up to wait for one to arrive.
// A nil result means no host became available.
func (b *pairingBroker) claim(ctx context.Context, tunnelID string, hostID string, wait time.Duration) *parkedHost {
	b.mu.Lock()
	parked := b.parked[tunnelID]
	for i, ph := range parked {
		if hostID == "" || ph.hostID == hostID {
			b.parked[tunnelID] = append(parked[:i], parked[i+1:]...)
			ph.claimed = true
			metricHostsWaiting.Dec()
			close(ph.claimedC)
			b.mu.Unlock()
			return ph
		}
	}
	if wait <= 0 {
		b.mu.Unlock()
		return nil
	}
	w := &pairWaiter{hostID: hostID, ch: make(chan *parkedHost, 1)}
	b.waiters[tunnelID] = append(b.waiters[tunnelID], w)
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ph := <-w.ch:
		return ph
	case <-timer.C:
	case <-ctx.Done():
	}

	// withdraw the waiter; park may have handed us a host in the race
	b.mu.Lock()
	waiters := b.waiters[tunnelID]
	for i, cand := range waiters {
		if cand == w {
			b.waiters[tunnelID] = append(waiters[:i], waiters[i+1:]...)
			b.mu.Unlock()
			return nil
		}
	}
	b.mu.Unlock()
	// the waiter is gone, so park already sent a host
	return <-w.ch
}

// unpark withdraws a parked host connection, returning false if a client
// claimed it first. The caller owns the connection only when unpark returns
// true.
func (b *pairingBroker) unpark(ph *parkedHost) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ph.claimed {
		return false
	}
	parked := b.parked[ph.tunnelID]
	for i, cand := range parked {
		if cand == ph {
			b.parked[ph.tunnelID] = append(parked[:i], parked[i+1:]...)
			ph.claimed = true
			metricHostsWaiting.Dec()
			return true
		}
	}
	return false
}

// closeAll force-closes every parked connection; used at relay shutdown
func (b *pairingBroker) closeAll() {
	b.mu.Lock()
	var all []*parkedHost
	for tunnelID, parked := range b.parked {
		for _, ph := range parked {
			ph.claimed = true
			metricHostsWaiting.Dec()
			all = append(all, ph)
		}
		delete(b.parked, tunnelID)
	}
	b.mu.Unlock()
	for _, ph := range all {
		ph.ws.Close()
	}
}
