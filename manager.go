package memlink

import (
	"github.com/oriys/memlink/internal/config"
	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/manager"
)

// Manager owns a shared dial transport and the set of Caches built
// against it, so an application that opens several Caches (e.g. one per
// namespace) can shut all of them down, and the transport, with one
// call (spec.md §6 "Manager", §9 shutdown ordering).
type Manager struct {
	m *manager.Manager
}

// NewManager creates a Manager backed by the default TCP transport.
func NewManager() *Manager {
	return &Manager{m: manager.New()}
}

// NewManagerWithDialer creates a Manager around an explicit conn.Dialer
// (e.g. conn.VsockDialer{}). The Manager does not own that transport:
// Close never closes it.
func NewManagerWithDialer(d conn.Dialer) *Manager {
	return &Manager{m: manager.NewWithTransport(&explicitTransport{dialer: d})}
}

type explicitTransport struct{ dialer conn.Dialer }

func (t *explicitTransport) Dialer() conn.Dialer { return t.dialer }
func (t *explicitTransport) Close() error        { return nil }

// NewCache builds a Cache using the Manager's shared transport and
// registers it so Manager.Close stops it.
func (m *Manager) NewCache(cfg config.CacheConfig) (*Cache, error) {
	c, err := NewWithDialer(cfg, m.m.Dialer())
	if err != nil {
		return nil, err
	}
	if err := m.m.Register(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close stops every Cache built through this Manager, then the shared
// transport if the Manager created it itself.
func (m *Manager) Close() error {
	return m.m.Close()
}
