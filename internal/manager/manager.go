// Package manager implements the transport-lifecycle owner named in
// spec.md §6 ("Manager: transport, IO strategy, blocking mode, worker
// pool, remote-config endpoint") and §9's shutdown ordering: stop every
// registered Cache (and, transitively, its pool and health monitor)
// before tearing down the shared transport, and tear down the
// transport only if this Manager created it itself.
//
// A single Manager is meant to be shared by an application that opens
// several Cache instances against different server sets (e.g. one per
// namespace) but wants one dial transport and one shutdown call.
package manager

import (
	"errors"
	"sync"

	"github.com/oriys/memlink/internal/conn"
)

// Transport is the shared dial strategy every Cache registered with a
// Manager uses to establish connections. Close releases any resources
// the transport itself owns (e.g. a shared worker pool); TCPDialer and
// VsockDialer need no teardown of their own, but the interface gives a
// future transport (an AF_VSOCK multiplexer, a dial-rate limiter) a
// place to hook in.
type Transport interface {
	Dialer() conn.Dialer
	Close() error
}

// tcpTransport is the default Transport: a conn.TCPDialer with no
// teardown requirements.
type tcpTransport struct {
	dialer conn.TCPDialer
}

func (t *tcpTransport) Dialer() conn.Dialer { return t.dialer }
func (t *tcpTransport) Close() error        { return nil }

// registrant is anything a Manager can shut down as part of its own
// Close — in practice *memlink.Cache, but expressed as a minimal
// interface here to avoid an import cycle (internal/manager must not
// import the root package).
type registrant interface {
	Close() error
}

// Manager owns zero or more registered caches and one shared Transport.
// Closing a Manager stops every registered cache first, then closes the
// transport only if the Manager created it (ownsTransport).
type Manager struct {
	mu            sync.Mutex
	transport     Transport
	ownsTransport bool
	registered    []registrant
	closed        bool
}

// New creates a Manager that owns a default TCP transport.
func New() *Manager {
	return &Manager{transport: &tcpTransport{}, ownsTransport: true}
}

// NewWithTransport creates a Manager around an externally-supplied
// Transport, e.g. one dialing over AF_VSOCK or shared with another
// Manager. The Manager never closes a transport it did not create.
func NewWithTransport(t Transport) *Manager {
	return &Manager{transport: t, ownsTransport: false}
}

// Dialer returns the shared transport's Dialer for use by a newly
// constructed Cache.
func (m *Manager) Dialer() conn.Dialer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport.Dialer()
}

// Register adds c to the set of caches this Manager shuts down on
// Close. Registering after Close has been called is an error.
func (m *Manager) Register(c registrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("manager: closed")
	}
	m.registered = append(m.registered, c)
	return nil
}

// Close stops every registered cache, then closes the shared transport
// if and only if this Manager created it (spec.md §9 shutdown
// ordering). Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	registered := m.registered
	m.registered = nil
	transport := m.transport
	owns := m.ownsTransport
	m.mu.Unlock()

	var firstErr error
	for _, r := range registered {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if owns {
		if err := transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
