package prshare

import (
	"context"
	"time"
)

const (
	// DefaultKeepAliveInterval is how often a liveness probe is sent while a
	// tunnel connection is up
	DefaultKeepAliveInterval = 20 * time.Second

	// DefaultKeepAliveReplyTimeout bounds how long one probe waits for the
	// peer's reply before counting as a failure
	DefaultKeepAliveReplyTimeout = 10 * time.Second

	// DefaultKeepAliveFailureThreshold is how many consecutive probe failures
	// declare the connection dead
	DefaultKeepAliveFailureThreshold = 3
)

// KeepAliveSettings tunes the liveness probing of a tunnel connection. Zero
// values select the defaults; an Interval below zero disables probing.
type KeepAliveSettings struct {
	Interval         time.Duration
	ReplyTimeout     time.Duration
	FailureThreshold int
}

func (s KeepAliveSettings) withDefaults() KeepAliveSettings {
	if s.Interval == 0 {
		s.Interval = DefaultKeepAliveInterval
	}
	if s.ReplyTimeout == 0 {
		s.ReplyTimeout = DefaultKeepAliveReplyTimeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultKeepAliveFailureThreshold
	}
	return s
}

// KeepAliveEvent reports the outcome of keep-alive probing. Count is the
// number of consecutive successes (for succeeded events) or consecutive
// failures (for failed events), including this one.
type KeepAliveEvent struct {
	Count     int
	Timestamp time.Time
}

// globalRequester is the slice of TunnelSession the keep-alive runner needs,
// split out so tests can probe a fake peer
type globalRequester interface {
	SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error)
}

// keepAliveRunner periodically probes the peer with a liveness request and
// classifies the connection as dead after a run of consecutive failures. A
// probe counts as successful if any reply arrives within the reply timeout;
// even a refusal proves the peer is processing requests.
type keepAliveRunner struct {
	Logger
	requester globalRequester
	settings  KeepAliveSettings

	// onSucceeded is called after every successful probe
	onSucceeded func(KeepAliveEvent)

	// onFailed is called once, when the failure count reaches the threshold
	onFailed func(KeepAliveEvent)

	// onDead is called once, after onFailed; it owns the recovery decision
	onDead func()
}

func newKeepAliveRunner(logger Logger, requester globalRequester, settings KeepAliveSettings) *keepAliveRunner {
	return &keepAliveRunner{
		Logger:    logger.Fork("KeepAlive"),
		requester: requester,
		settings:  settings.withDefaults(),
	}
}

// run probes until ctx is cancelled or the failure threshold is reached. It
// is intended to run in its own goroutine, one per live session.
func (r *keepAliveRunner) run(ctx context.Context) {
	if r.settings.Interval < 0 {
		return
	}
	ticker := time.NewTicker(r.settings.Interval)
	defer ticker.Stop()
	successes := 0
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.settings.ReplyTimeout)
		_, _, err := r.requester.SendGlobalRequest(probeCtx, KeepAliveRequestName, true, nil)
		cancel()
		now := time.Now()
		if err == nil {
			failures = 0
			successes++
			if r.onSucceeded != nil {
				r.onSucceeded(KeepAliveEvent{Count: successes, Timestamp: now})
			}
			continue
		}
		if ctx.Err() != nil {
			// the session ended out from under the probe; not a liveness verdict
			return
		}
		successes = 0
		failures++
		r.DLogf("Probe failed (%d consecutive): %s", failures, err)
		if failures >= r.settings.FailureThreshold {
			r.WLogf("Peer unresponsive after %d probes; declaring connection dead", failures)
			if r.onFailed != nil {
				r.onFailed(KeepAliveEvent{Count: failures, Timestamp: now})
			}
			if r.onDead != nil {
				r.onDead()
			}
			return
		}
	}
}
