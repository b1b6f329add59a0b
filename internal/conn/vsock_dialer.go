package conn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// VsockDialer dials a memcached instance reachable only over AF_VSOCK —
// e.g. one running inside a sibling microVM, with no routable TCP
// address from the caller's network namespace. server is parsed as
// "cid:port" (the VM's context ID and the listening vsock port),
// adapted from the firecracker-agent dial pattern: there it connects to
// the agent inside a guest VM; here it connects to memcached itself.
type VsockDialer struct{}

// Dial connects to server ("cid:port") over AF_VSOCK. connectTimeout
// bounds the dial via a context deadline, since vsock.Dial has no
// timeout parameter of its own.
func (VsockDialer) Dial(ctx context.Context, server string, connectTimeout time.Duration) (*Connection, error) {
	cid, port, err := parseVsockAddr(server)
	if err != nil {
		return nil, err
	}

	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	type result struct {
		conn *vsock.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("conn: vsock dial %s: %w", server, r.err)
		}
		return New(server, r.conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("conn: vsock dial %s: %w", server, ctx.Err())
	}
}

func parseVsockAddr(server string) (cid, port uint32, err error) {
	parts := strings.SplitN(server, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("conn: invalid vsock address %q, want \"cid:port\"", server)
	}
	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("conn: invalid vsock cid %q: %w", parts[0], err)
	}
	p, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("conn: invalid vsock port %q: %w", parts[1], err)
	}
	return uint32(c), uint32(p), nil
}
