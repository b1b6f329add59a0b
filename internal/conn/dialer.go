package conn

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer establishes a new transport to server and wraps it as a
// Connection. internal/pool does not use Dialer directly: it is
// polymorphic over its own pool.Factory (Create/Destroy/Validate), and
// the root package adapts a Dialer to that interface (dialFactory)
// (spec.md §9, "Dynamic dispatch").
type Dialer interface {
	Dial(ctx context.Context, server string, connectTimeout time.Duration) (*Connection, error)
}

// TCPDialer dials plain TCP connections, the default transport for a
// memcached server reachable as host:port.
type TCPDialer struct {
	// KeepAlive, if positive, enables TCP keepalive with this period.
	KeepAlive time.Duration
}

// Dial connects to server over TCP.
func (d TCPDialer) Dial(ctx context.Context, server string, connectTimeout time.Duration) (*Connection, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	if d.KeepAlive > 0 {
		dialer.KeepAlive = d.KeepAlive
	}
	nc, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", server, err)
	}
	return New(server, nc), nil
}
