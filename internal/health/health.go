// Package health implements the server availability state machine from
// spec.md §4.4: every configured server is either Live (on the ring,
// eligible for routing) or Quarantined (off the ring, periodically
// probed for revival).
//
// # Why two states, not three
//
// The teacher's internal/circuitbreaker models three states
// (Closed/Open/HalfOpen) with a sliding error-rate window, appropriate
// for a request-shedding breaker. A memcached failover monitor has a
// simpler contract (spec.md §4.4): a server is either routable or it
// isn't, and the only way back is a successful lightweight probe — there
// is no half-open "let a few requests through and see" phase, since
// scatter/gather callers already tolerate partial failure per spec.md
// §4.5. Quarantine here is grounded on the teacher's state-machine
// shape (an explicit State type, a mutex-guarded transition, transition
// timestamps) but collapses it to the two states this domain needs.
//
// # Concurrency
//
// Monitor.mu guards the per-server map; ReportFailure/revival checks
// are independent for each server; Start's probe loop runs in its
// own goroutine and is stopped via Stop's context cancellation.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/metrics"
	"github.com/oriys/memlink/internal/ring"
)

// State is a server's current routability.
type State int

const (
	Live State = iota
	Quarantined
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Prober checks whether a server is reachable, typically by opening a
// short-lived connection and sending a lightweight "version" command
// (spec.md §4.4). It must not block past ctx's deadline.
type Prober func(ctx context.Context, server string) error

type serverHealth struct {
	state         State
	quarantinedAt time.Time
}

// Monitor tracks Live/Quarantined state for a fixed or dynamic set of
// servers and keeps ring in sync with it: Quarantine removes a server
// from the ring, revival re-adds it.
type Monitor struct {
	ring   *ring.Ring
	probe  Prober
	period time.Duration

	mu      sync.Mutex
	servers map[string]*serverHealth

	destroyKey func(server string)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor bound to r. period is the interval between
// revival probe sweeps over quarantined servers; period <= 0 disables
// the background sweep (servers quarantined this way only revive if
// the caller calls ProbeNow itself), matching spec.md §6's
// HealthMonitorIntervalSecs "<=0 disables" convention.
func New(r *ring.Ring, probe Prober, period time.Duration) *Monitor {
	return &Monitor{
		ring:    r,
		probe:   probe,
		period:  period,
		servers: make(map[string]*serverHealth),
	}
}

// SetDestroyHook installs the callback ReportFailure runs on the
// Live→Quarantined transition to tear down the server's connection pool
// (spec.md §4.4: "On entry to Quarantined: remove the server from the
// ring; close its pool (destroyKey)"). Typically wired to
// (*pool.Pool).DestroyKey once the pool exists; Monitor itself holds no
// pool reference so this package stays independent of internal/pool.
func (m *Monitor) SetDestroyHook(fn func(server string)) {
	m.mu.Lock()
	m.destroyKey = fn
	m.mu.Unlock()
}

// AddServer registers server as Live and adds it to the ring. Calling
// it for an already-known server is a no-op.
func (m *Monitor) AddServer(server string) {
	m.mu.Lock()
	if _, ok := m.servers[server]; ok {
		m.mu.Unlock()
		return
	}
	m.servers[server] = &serverHealth{state: Live}
	m.mu.Unlock()

	m.ring.Add(server)
	metrics.SetRingSize(len(m.ring.Servers()))
}

// RemoveServer permanently removes server from both the monitor and the
// ring (e.g. it was dropped from static configuration), as opposed to
// ReportFailure's temporary Quarantine.
func (m *Monitor) RemoveServer(server string) {
	m.mu.Lock()
	delete(m.servers, server)
	m.mu.Unlock()

	m.ring.Remove(server)
	metrics.SetRingSize(len(m.ring.Servers()))
}

// ReportFailure transitions server from Live to Quarantined, removing it
// from the ring so no new keys route to it, and records the transition
// for the background revival sweep to pick up. Reporting failure for an
// already-quarantined or unknown server is a no-op.
func (m *Monitor) ReportFailure(server string) {
	m.mu.Lock()
	sh, ok := m.servers[server]
	if !ok || sh.state == Quarantined {
		m.mu.Unlock()
		return
	}
	sh.state = Quarantined
	sh.quarantinedAt = time.Now()
	destroyKey := m.destroyKey
	m.mu.Unlock()

	m.ring.Remove(server)
	metrics.SetRingSize(len(m.ring.Servers()))
	metrics.RecordQuarantine()
	if destroyKey != nil {
		destroyKey(server)
	}
	logging.Op().Warn("health: server quarantined", "server", server)
}

// State reports the current state of server, or Live if server is
// unknown to the monitor (an unregistered server is assumed routable —
// callers should AddServer before relying on quarantine behavior).
func (m *Monitor) State(server string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sh, ok := m.servers[server]; ok {
		return sh.state
	}
	return Live
}

// LiveServers returns every server currently in the Live state.
func (m *Monitor) LiveServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.servers))
	for s, sh := range m.servers {
		if sh.state == Live {
			out = append(out, s)
		}
	}
	return out
}

// FailoverCandidates returns up to n live alternative servers for key,
// in ring order, excluding primary — used when primary has failed an
// operation but has not yet been quarantined (spec.md §4.4, "Failover
// routing").
func (m *Monitor) FailoverCandidates(key []byte, primary string, n int) []string {
	candidates := m.ring.LookupN(key, n+1)
	out := make([]string, 0, n)
	for _, c := range candidates {
		if c == primary {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	if len(out) > 0 {
		metrics.RecordFailoverRoute()
	}
	return out
}

// Start begins the background revival sweep. It is a no-op if period
// <= 0. Calling Start twice without an intervening Stop leaks the first
// goroutine; callers own exactly one Start/Stop pair per Monitor.
func (m *Monitor) Start(ctx context.Context) {
	if m.period <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(ctx)
}

// Stop halts the background revival sweep and waits for it to exit. Safe
// to call on a Monitor that was never Started.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepQuarantined(ctx)
		}
	}
}

func (m *Monitor) sweepQuarantined(ctx context.Context) {
	m.mu.Lock()
	var candidates []string
	for s, sh := range m.servers {
		if sh.state == Quarantined {
			candidates = append(candidates, s)
		}
	}
	m.mu.Unlock()

	for _, server := range candidates {
		m.ProbeNow(ctx, server)
	}
}

// ProbeNow runs a single revival probe against server immediately,
// reviving it on success. Exposed so callers (e.g. an admin command)
// can force an out-of-cycle check without waiting for the sweep period.
func (m *Monitor) ProbeNow(ctx context.Context, server string) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := m.probe(probeCtx, server)
	cancel()
	if err != nil {
		logging.Op().Debug("health: revival probe failed", "server", server, "error", err)
		return
	}

	m.mu.Lock()
	sh, ok := m.servers[server]
	if !ok || sh.state == Live {
		m.mu.Unlock()
		return
	}
	sh.state = Live
	m.mu.Unlock()

	m.ring.Add(server)
	metrics.SetRingSize(len(m.ring.Servers()))
	metrics.RecordRevival()
	logging.Op().Info("health: server revived", "server", server)
}
