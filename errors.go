package memlink

import (
	"errors"
	"fmt"

	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/pool"
	"github.com/oriys/memlink/internal/protocol"
)

// Error kinds surfaced across the public API, matching spec.md §7's
// enumeration: TransportError, Timeout, PoolExhausted, NoValidObject,
// PoolClosed, ProtocolError, ServerStatus. Transport/timeout/protocol
// errors are the conn/pool/protocol package sentinels re-exported here
// so callers never need to import those internal packages to do an
// errors.Is check.
var (
	// ErrTimeout is returned when a write or response exceeds its
	// configured deadline.
	ErrTimeout = conn.ErrTimeout
	// ErrPoolExhausted is returned when Borrow cannot obtain a
	// connection within its timeout and the pool is not Disposable.
	ErrPoolExhausted = pool.ErrPoolExhausted
	// ErrNoValidObject is returned when every available connection for
	// a server fails validation.
	ErrNoValidObject = pool.ErrNoValidObject
	// ErrPoolClosed is returned by every error-returning entry point once
	// the Cache has been Close()d (spec.md §7, "Pool closed / cache stopped").
	ErrPoolClosed = pool.ErrPoolClosed
	// ErrProtocol wraps a malformed wire frame (bad magic, truncated
	// body).
	ErrProtocol = protocol.ErrProtocol
	// ErrClosed is returned by operations attempted on an already-closed
	// Connection.
	ErrClosed = conn.ErrClosed
)

// ServerStatusError wraps a non-No_Error response status from a server.
// Only Stats' per-server STAT exchange produces it, and Stats drops that
// server from its result instead of returning the error. The scalar
// operations never use it: they collapse every non-No_Error status into
// their boolean or found outcome (Key_Not_Found on Delete counts as
// success), per spec.md §7.
type ServerStatusError struct {
	Server string
	Opcode protocol.Opcode
	Status protocol.Status
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("memlink: %s %s on %s: %s", e.Opcode, e.Status, e.Server, e.Status)
}

// errNoRoute is returned internally when the ring has no server to
// route a key to (empty ring, or every candidate quarantined); it never
// escapes the public API, which collapses it to the per-operation
// false/nil/empty-map contract.
var errNoRoute = errors.New("memlink: no live server for key")

// ErrCacheClosed is an alias of ErrPoolClosed kept for readability at
// call sites that are closing the whole Cache rather than borrowing
// from one server's pool.
var ErrCacheClosed = ErrPoolClosed
