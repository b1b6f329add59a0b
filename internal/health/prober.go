package health

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/protocol"
)

// DialProber builds a Prober that opens a throwaway connection via
// dialer, sends a Version request, and closes the connection — the
// "lightweight command" spec.md §4.4 calls for, never borrowed from the
// pool so a revival probe cannot itself be blocked behind an exhausted
// pool.
func DialProber(dialer conn.Dialer, connectTimeout, responseTimeout time.Duration) Prober {
	return func(ctx context.Context, server string) error {
		c, err := dialer.Dial(ctx, server, connectTimeout)
		if err != nil {
			return fmt.Errorf("health: dial %s: %w", server, err)
		}
		defer c.Close()

		req := &protocol.Request{Opcode: protocol.Version}
		resp, err := c.Send(ctx, req, connectTimeout, responseTimeout)
		if err != nil {
			return fmt.Errorf("health: version probe %s: %w", server, err)
		}
		if resp.Status != protocol.NoError {
			return fmt.Errorf("health: version probe %s: status %s", server, resp.Status)
		}
		return nil
	}
}
