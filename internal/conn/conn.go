// Package conn implements the logical duplex channel to one memcached
// server: a net.Conn plus a monotonic opaque-ID generator and an
// in-flight table correlating opaques to pending responses (spec.md
// §3, §4.3).
//
// A Connection is exclusively owned by either the keyed pool's idle
// queue or by one borrowing goroutine (spec.md §3 "Ownership"); conn
// itself enforces nothing about that — internal/pool does, via its
// create/destroy/validate capability hooks (spec.md §9).
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/protocol"
)

// ErrTimeout is returned when a send or receive exceeds its configured
// deadline, and (joined with the read loop's error) when the connection
// is torn down while a request still waits for its response. A
// cancelled ctx is reported as ctx.Err() instead.
var ErrTimeout = errors.New("conn: timeout")

// ErrClosed is returned by any operation on a connection that has
// already been closed.
var ErrClosed = errors.New("conn: closed")

// slot is the in-flight table entry for one outstanding (non-quiet)
// request: the reader goroutine completes it by opaque when the
// matching response frame arrives, or the writer evicts it on timeout
// or teardown so the table stays bounded (spec.md §5, "Cancellation").
type slot struct {
	respCh chan *protocol.Response
	once   sync.Once
}

func (s *slot) complete(r *protocol.Response) {
	s.once.Do(func() { s.respCh <- r })
}

// Connection is one logical duplex channel to a memcached server.
type Connection struct {
	Server string

	nc     net.Conn
	rd     *bufio.Reader
	opaque atomic.Uint32

	mu       sync.Mutex
	inflight map[uint32]*slot
	closed   bool

	// batchCh, when non-nil, diverts every response readLoop receives to
	// it instead of the ordinary inflight dispatch — used by SendBatch to
	// collect a quiet-request batch's hits without racing a second reader
	// against readLoop on the same bufio.Reader (spec.md §4.5).
	batchMu sync.Mutex
	batchCh chan *protocol.Response

	readErr      atomic.Pointer[error]
	readLoopDone chan struct{}
}

// New wraps an established net.Conn for server addr and starts its
// background read loop, which demultiplexes response frames by opaque.
func New(server string, nc net.Conn) *Connection {
	c := &Connection{
		Server:       server,
		nc:           nc,
		rd:           bufio.NewReader(nc),
		inflight:     make(map[uint32]*slot),
		readLoopDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// nextOpaque returns the next monotonically increasing opaque ID. Opaque
// uniqueness holds per-connection: no two in-flight requests on the same
// Connection share an opaque (spec.md §8).
func (c *Connection) nextOpaque() uint32 {
	return c.opaque.Add(1)
}

// Send writes req (assigning it a fresh opaque if req.Opaque is zero and
// the opcode is not quiet) and, unless the opcode is quiet, waits for
// the correlated response or ctx's deadline / writeTimeout+responseTimeout,
// whichever is sooner.
//
// Quiet opcodes return immediately after the write succeeds; the caller
// is responsible for terminating a quiet batch with a NoOp and reading
// responses until it arrives (spec.md §4.3, driven by internal/multiop).
func (c *Connection) Send(ctx context.Context, req *protocol.Request, writeTimeout, responseTimeout time.Duration) (*protocol.Response, error) {
	if req.Opaque == 0 {
		req.Opaque = c.nextOpaque()
	}

	var sl *slot
	if !req.Opcode.IsQuiet() {
		sl = &slot{respCh: make(chan *protocol.Response, 1)}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.inflight[req.Opaque] = sl
		c.mu.Unlock()
	}

	if writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := c.nc.Write(req.Encode()); err != nil {
		c.evict(req.Opaque)
		c.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("conn: write: %w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("conn: write: %w", err)
	}
	if sl == nil {
		return nil, nil
	}

	deadline := responseTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-sl.respCh:
		if resp == nil {
			return nil, fmt.Errorf("conn: %w: %w", ErrTimeout, c.loadReadErr())
		}
		return resp, nil
	case <-timeoutCh:
		c.evict(req.Opaque)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.evict(req.Opaque)
		return nil, ctx.Err()
	case <-c.readLoopDone:
		c.evict(req.Opaque)
		return nil, fmt.Errorf("conn: %w: %w", ErrTimeout, c.loadReadErr())
	}
}

// ErrBatchInProgress is returned by SendBatch if called while another
// batch is already in flight on the same Connection — callers must
// serialize batches per borrowed connection, exactly as the pool
// already guarantees exclusive ownership of a borrowed connection.
var ErrBatchInProgress = errors.New("conn: batch already in progress")

// SendBatch writes every request in reqs in order (assigning opaques to
// any with Opaque == 0) and collects every response that arrives before
// the final request's response, which must be a NoOp used as the batch
// terminator (spec.md §4.5, "quiet-request-batch + terminating NoOp").
// Quiet requests (GetQ, SetQ, ...) produce no response on their common
// case (GetQ: not found; SetQ/DeleteQ: success), so the returned slice
// may be shorter than len(reqs)-1 — callers correlate by Opaque and
// treat an absent opaque as the quiet no-op outcome.
//
// While a batch is in progress, readLoop diverts every response it reads
// to this call instead of the ordinary in-flight dispatch, so SendBatch
// is the only way to read off the wire during that window; ordinary
// Send calls on the same Connection must not be made concurrently with
// SendBatch.
func (c *Connection) SendBatch(ctx context.Context, reqs []*protocol.Request, writeTimeout, responseTimeout time.Duration) ([]*protocol.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	c.batchMu.Lock()
	if c.batchCh != nil {
		c.batchMu.Unlock()
		return nil, ErrBatchInProgress
	}
	ch := make(chan *protocol.Response, len(reqs)+1)
	c.batchCh = ch
	c.batchMu.Unlock()
	defer func() {
		c.batchMu.Lock()
		c.batchCh = nil
		c.batchMu.Unlock()
	}()

	var wire []byte
	for _, req := range reqs {
		if req.Opaque == 0 {
			req.Opaque = c.nextOpaque()
		}
		wire = append(wire, req.Encode()...)
	}
	terminatorOpaque := reqs[len(reqs)-1].Opaque

	if writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := c.nc.Write(wire); err != nil {
		c.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("conn: batch write: %w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("conn: batch write: %w", err)
	}

	var timeoutCh <-chan time.Time
	if responseTimeout > 0 {
		timer := time.NewTimer(responseTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var results []*protocol.Response
	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return results, fmt.Errorf("conn: %w", c.loadReadErr())
			}
			if resp.Opcode == protocol.NoOp && resp.Opaque == terminatorOpaque {
				return results, nil
			}
			results = append(results, resp)
		case <-timeoutCh:
			return results, ErrTimeout
		case <-ctx.Done():
			return results, ctx.Err()
		case <-c.readLoopDone:
			return results, fmt.Errorf("conn: %w", c.loadReadErr())
		}
	}
}

func (c *Connection) evict(opaque uint32) {
	c.mu.Lock()
	delete(c.inflight, opaque)
	c.mu.Unlock()
}

func (c *Connection) loadReadErr() error {
	if p := c.readErr.Load(); p != nil {
		return *p
	}
	return errors.New("connection read loop terminated")
}

// readLoop demultiplexes response frames by opaque for ordinary (non
// quiet-batch) traffic. It exits, completing every pending in-flight
// slot with a timeout error, when the connection is closed or the peer
// resets it — bounding in-flight-table memory per spec.md §5.
func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	for {
		resp, err := protocol.ReadResponse(c.rd)
		if err != nil {
			wrapped := fmt.Errorf("conn: read loop: %w", err)
			c.readErr.Store(&wrapped)
			c.drainInflight()
			c.closeBatch()
			return
		}

		c.batchMu.Lock()
		bch := c.batchCh
		c.batchMu.Unlock()
		if bch != nil {
			select {
			case bch <- resp:
			default:
				logging.Op().Warn("conn: batch channel full, dropping response", "server", c.Server, "opaque", resp.Opaque)
			}
			continue
		}

		c.mu.Lock()
		sl, ok := c.inflight[resp.Opaque]
		if ok {
			delete(c.inflight, resp.Opaque)
		}
		c.mu.Unlock()

		if ok {
			sl.complete(resp)
		} else {
			logging.Op().Debug("conn: unmatched response opaque", "server", c.Server, "opaque", resp.Opaque)
		}
	}
}

func (c *Connection) closeBatch() {
	c.batchMu.Lock()
	ch := c.batchCh
	c.batchCh = nil
	c.batchMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Connection) drainInflight() {
	c.mu.Lock()
	pending := c.inflight
	c.inflight = make(map[uint32]*slot)
	c.mu.Unlock()
	for _, sl := range pending {
		sl.complete(nil)
	}
}

// Close tears down the underlying transport. Safe to call more than
// once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.nc.Close()
}
