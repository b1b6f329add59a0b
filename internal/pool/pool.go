// Package pool implements the per-server keyed connection pool described
// in spec.md §4.2: a bounded (or unbounded) idle queue of *conn.Connection
// per server key, with disposable overflow, validation hooks, and
// background eviction.
//
// # Design rationale
//
// One poolEntry is maintained per server key. Borrowing a connection for
// a key that has never been seen atomically creates its entry
// (compute-if-absent over a plain map guarded by the pool's mutex,
// mirroring the teacher's function-pool registry keyed by function
// config).
//
// # Concurrency model
//
// Each poolEntry has its own sync.Mutex and a sync.Cond bound to it,
// used to park borrowers when the pool is at max and the idle queue is
// empty — the same waiter/Broadcast pattern the teacher's pool
// acquisition code uses to park callers waiting for a VM to free up,
// adapted here to wake on Return/Invalidate instead of VM release.
//
// poolSizeHint and peakSizeHint are plain ints guarded by the entry's
// mutex, not atomics: every access already holds the lock for other
// reasons, so peakSizeHint is an exact high-water mark of poolSizeHint.
//
// # Invariants
//
//   - poolSizeHint >= len(idle) at all times; active = hint - idle,
//     clamped to 0 on readout (Stats).
//   - peakSizeHint records the historical max of poolSizeHint.
//   - Disposable instances never contribute to poolSizeHint.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/metrics"
)

// Sentinel errors distinguishing the borrow failure kinds named in
// spec.md §4.2.
var (
	ErrPoolExhausted = errors.New("pool: exhausted")
	ErrNoValidObject = errors.New("pool: no valid object")
	ErrPoolClosed    = errors.New("pool: closed")
	ErrTimeout       = errors.New("pool: borrow timed out")
)

// Unbounded is the Max sentinel meaning "no upper bound on pool size".
const Unbounded = 0

// maxValidationAttempts bounds how many freshly-idle connections borrow
// will discard before giving up with ErrNoValidObject — an
// unconditionally-failing validator must not spin forever.
const maxValidationAttempts = 3

// Factory is the create/destroy/validate capability the pool is
// polymorphic over (spec.md §9, "Dynamic dispatch"), parameterized on
// the server key.
type Factory interface {
	Create(key string) (*conn.Connection, error)
	Destroy(key string, c *conn.Connection)
	Validate(key string, c *conn.Connection) bool
}

// Config holds the pool-wide tunables from spec.md §4.2/§6.
type Config struct {
	Min              int
	Max              int // Unbounded (0) means no cap
	BorrowValidation bool
	ReturnValidation bool
	Disposable       bool
	KeepAliveSecs    int
}

// poolEntry is the per-key record described in spec.md §3 ("Pool
// entry").
type poolEntry struct {
	mu           sync.Mutex
	cond         *sync.Cond
	idle         []*conn.Connection
	idleSince    map[*conn.Connection]time.Time
	poolSizeHint int
	peakSizeHint int
	destroyed    bool
	waiters      int
}

// Pool is the keyed connection pool. The zero value is not usable; use
// New.
type Pool struct {
	factory Factory
	cfg     Config

	mu      sync.Mutex
	entries map[string]*poolEntry

	// active maps a borrowed, tracked (non-disposable) connection back
	// to its owning key, so Return/Invalidate can verify the caller is
	// returning to the right pool (spec.md §3, "Active-object map").
	activeMu sync.Mutex
	active   map[*conn.Connection]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a keyed pool backed by factory, and starts the keepalive
// eviction loop if cfg.KeepAliveSecs > 0.
func New(factory Factory, cfg Config) *Pool {
	p := &Pool{
		factory: factory,
		cfg:     cfg,
		entries: make(map[string]*poolEntry),
		active:  make(map[*conn.Connection]string),
		stopCh:  make(chan struct{}),
	}
	if cfg.KeepAliveSecs > 0 {
		go p.evictionLoop()
	}
	return p
}

func (p *Pool) entryFor(key string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{idleSince: make(map[*conn.Connection]time.Time)}
		e.cond = sync.NewCond(&e.mu)
		p.entries[key] = e
	}
	return e
}

func (p *Pool) existingEntryFor(key string) (*poolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

// Stats is a point-in-time snapshot of one key's pool accounting
// (spec.md §8, "Pool accounting").
type Stats struct {
	Idle      int
	Active    int
	Size      int
	Peak      int
	Waiters   int
	Destroyed bool
}

// Stats returns the current accounting for key, or the zero value if
// key has never been borrowed.
func (p *Pool) Stats(key string) Stats {
	e, ok := p.existingEntryFor(key)
	if !ok {
		return Stats{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	active := e.poolSizeHint - len(e.idle)
	if active < 0 {
		active = 0
	}
	return Stats{
		Idle:      len(e.idle),
		Active:    active,
		Size:      e.poolSizeHint,
		Peak:      e.peakSizeHint,
		Waiters:   e.waiters,
		Destroyed: e.destroyed,
	}
}

// Keys returns every server key the pool has an entry for.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	return keys
}

func (p *Pool) trackActive(key string, c *conn.Connection) {
	p.activeMu.Lock()
	p.active[c] = key
	p.activeMu.Unlock()
}

func (p *Pool) untrackActive(c *conn.Connection) (string, bool) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	key, ok := p.active[c]
	if ok {
		delete(p.active, c)
	}
	return key, ok
}

func recordPeak(e *poolEntry) {
	if e.poolSizeHint > e.peakSizeHint {
		e.peakSizeHint = e.poolSizeHint
	}
}

func (p *Pool) emitGauges(key string, e *poolEntry) {
	active := e.poolSizeHint - len(e.idle)
	if active < 0 {
		active = 0
	}
	metrics.SetPoolGauges(key, active, len(e.idle), e.peakSizeHint)
}

// Close destroys every idle connection across every key and stops the
// eviction loop. Connections currently on loan are destroyed as they
// are returned or invalidated (they are not forcibly reclaimed).
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		e, ok := p.existingEntryFor(key)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.destroyed = true
		idle := e.idle
		e.idle = nil
		e.poolSizeHint -= len(idle)
		if e.poolSizeHint < 0 {
			e.poolSizeHint = 0
		}
		for _, c := range idle {
			delete(e.idleSince, c)
		}
		e.cond.Broadcast()
		e.mu.Unlock()

		for _, c := range idle {
			p.factory.Destroy(key, c)
		}
		p.emitGauges(key, e)
	}
}

func warnCreateFailure(key string, err error) {
	logging.Op().Warn("pool: create failed", "key", key, "error", err)
}
