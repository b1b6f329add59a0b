// Package multiop implements the scatter/gather engine from spec.md
// §4.5: a multi-key call (get, set, delete, or CAS) is partitioned
// across servers by the hash ring, each server's share is sent as one
// quiet-request batch terminated by a NoOp, and results are aggregated
// back into a single per-key map. A server that fails contributes
// missing/false results for its share of keys; the call as a whole
// still succeeds (spec.md §4.5, "partial-failure tolerance").
//
// # Concurrency
//
// Per-server batches run concurrently via golang.org/x/sync/errgroup,
// mirroring the fan-out-then-join shape the rest of the pack uses for
// independent per-shard work. Each batch goroutine never returns a
// non-nil error to the group — failures are recorded per key instead —
// so one server's trouble never cancels another server's in-flight
// batch: the group is built with errgroup.WithContext, but since no
// goroutine returns an error its derived context is cancelled only when
// the caller's ctx is.
package multiop

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/memlink/internal/health"
	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/pool"
	"github.com/oriys/memlink/internal/protocol"
	"github.com/oriys/memlink/internal/ring"
)

// Engine partitions multi-key operations across the ring and drains
// each server's quiet batch through a pooled connection.
type Engine struct {
	Ring            *ring.Ring
	Pool            *pool.Pool
	Health          *health.Monitor
	BorrowTimeout   time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration
}

// GetResult is one key's outcome from a multi-get.
type GetResult struct {
	Value      []byte
	Flags      uint32
	CAS        uint64
	Found      bool
}

// partitionByServer groups keys by the server the ring currently routes
// them to. Keys for which the ring is empty are silently dropped from
// every group (spec.md §4.1, "Lookup on an empty ring").
func (e *Engine) partitionByServer(keys []string) map[string][]string {
	byServer := make(map[string][]string)
	for _, k := range keys {
		server, ok := e.Ring.Lookup([]byte(k))
		if !ok {
			continue
		}
		byServer[server] = append(byServer[server], k)
	}
	return byServer
}

// GetMulti fetches keys, scattering them across their owning servers in
// parallel. The returned map contains only keys that were found; a
// missing key (cache miss, or a server that failed entirely) is simply
// absent, matching the single-key Get contract (spec.md §7).
func (e *Engine) GetMulti(ctx context.Context, keys []string) (map[string]GetResult, error) {
	byServer := e.partitionByServer(keys)

	results := make(map[string]GetResult)
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for server, serverKeys := range byServer {
		server, serverKeys := server, serverKeys
		g.Go(func() error {
			got, err := e.getServerBatch(gctx, server, serverKeys)
			if err != nil {
				logging.Op().Warn("multiop: get batch failed", "server", server, "keys", len(serverKeys), "error", err)
				e.Health.ReportFailure(server)
				return nil
			}
			resultsMu.Lock()
			for k, v := range got {
				results[k] = v
			}
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Engine) getServerBatch(ctx context.Context, server string, keys []string) (map[string]GetResult, error) {
	c, err := e.Pool.Borrow(server, e.BorrowTimeout)
	if err != nil {
		return nil, err
	}

	opaqueToKey := make(map[uint32]string, len(keys))
	reqs := make([]*protocol.Request, 0, len(keys)+1)
	for _, k := range keys {
		req := &protocol.Request{Opcode: protocol.GetKQ, Key: []byte(k)}
		reqs = append(reqs, req)
	}
	reqs = append(reqs, &protocol.Request{Opcode: protocol.NoOp})

	responses, err := c.SendBatch(ctx, reqs, e.WriteTimeout, e.ResponseTimeout)
	if err != nil {
		e.Pool.Invalidate(c)
		return nil, err
	}
	e.Pool.Return(c)

	for i, req := range reqs[:len(reqs)-1] {
		opaqueToKey[req.Opaque] = keys[i]
	}

	out := make(map[string]GetResult, len(responses))
	for _, resp := range responses {
		key, ok := opaqueToKey[resp.Opaque]
		if !ok || resp.Status != protocol.NoError {
			continue
		}
		flags, _ := protocol.ParseStorageExtras(resp.Extras)
		out[key] = GetResult{Value: resp.Value, Flags: flags, CAS: resp.CAS, Found: true}
	}
	return out, nil
}

// DeleteMulti deletes keys, scattering them across their owning
// servers. The returned map reports, per key, whether the delete
// reached its server successfully (true) — a key on a server whose
// batch failed entirely reports false, not an error, per spec.md §4.5's
// partial-failure contract.
func (e *Engine) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	byServer := e.partitionByServer(keys)

	results := make(map[string]bool, len(keys))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for server, serverKeys := range byServer {
		server, serverKeys := server, serverKeys
		g.Go(func() error {
			serverResults := e.deleteServerBatch(gctx, server, serverKeys)
			resultsMu.Lock()
			for k, ok := range serverResults {
				results[k] = ok
			}
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// deleteServerBatch reports, per key, whether the delete reached the
// server and either removed the key or found it already absent
// (Key_Not_Found counts as success for a delete). A borrow or transport
// failure marks every key in the batch false; on a successful round
// trip, only the keys whose quiet response carried a non-terminal,
// non-Key_Not_Found status are marked false (spec.md §4.5 step 3).
func (e *Engine) deleteServerBatch(ctx context.Context, server string, keys []string) map[string]bool {
	results := make(map[string]bool, len(keys))
	for _, k := range keys {
		results[k] = true
	}

	c, err := e.Pool.Borrow(server, e.BorrowTimeout)
	if err != nil {
		logging.Op().Warn("multiop: delete batch borrow failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = false
		}
		return results
	}

	opaqueToKey := make(map[uint32]string, len(keys))
	reqs := make([]*protocol.Request, 0, len(keys)+1)
	for _, k := range keys {
		reqs = append(reqs, &protocol.Request{Opcode: protocol.DeleteQ, Key: []byte(k)})
	}
	reqs = append(reqs, &protocol.Request{Opcode: protocol.NoOp})

	responses, err := c.SendBatch(ctx, reqs, e.WriteTimeout, e.ResponseTimeout)
	if err != nil {
		e.Pool.Invalidate(c)
		logging.Op().Warn("multiop: delete batch failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = false
		}
		return results
	}
	e.Pool.Return(c)

	for i, req := range reqs[:len(reqs)-1] {
		opaqueToKey[req.Opaque] = keys[i]
	}
	for _, resp := range responses {
		key, ok := opaqueToKey[resp.Opaque]
		if !ok {
			continue
		}
		if resp.Status != protocol.NoError && resp.Status != protocol.KeyNotFound {
			results[key] = false
		}
	}
	return results
}

// SetEntry is one key/value pair to store via SetMulti or CasMulti. CAS
// is left zero by SetMulti (unconditional store); CasMulti requires it
// to be the token the caller last observed for Key, matching the
// single-key CAS contract (spec.md §7).
type SetEntry struct {
	Key        string
	Value      []byte
	Flags      uint32
	Expiration uint32
	CAS        uint64
}

// SetMulti stores entries, scattering them across their owning servers.
// The returned map reports, per key, whether the store reached its
// server successfully, with the same partial-failure contract as
// DeleteMulti.
func (e *Engine) SetMulti(ctx context.Context, entries []SetEntry) (map[string]bool, error) {
	byServer := make(map[string][]SetEntry)
	for _, ent := range entries {
		server, ok := e.Ring.Lookup([]byte(ent.Key))
		if !ok {
			continue
		}
		byServer[server] = append(byServer[server], ent)
	}

	results := make(map[string]bool, len(entries))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for server, serverEntries := range byServer {
		server, serverEntries := server, serverEntries
		g.Go(func() error {
			serverResults := e.setServerBatch(gctx, server, serverEntries)
			resultsMu.Lock()
			for k, ok := range serverResults {
				results[k] = ok
			}
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// setServerBatch reports, per key, whether the store succeeded. A
// borrow or transport failure marks every key in the batch false; on a
// successful round trip, only the keys whose quiet response carried a
// non-terminal status (e.g. Key_Exists if ent.CAS was set and stale)
// are marked false (spec.md §4.5 step 3).
func (e *Engine) setServerBatch(ctx context.Context, server string, entries []SetEntry) map[string]bool {
	results := make(map[string]bool, len(entries))
	for _, ent := range entries {
		results[ent.Key] = true
	}

	c, err := e.Pool.Borrow(server, e.BorrowTimeout)
	if err != nil {
		logging.Op().Warn("multiop: set batch borrow failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = false
		}
		return results
	}

	opaqueToKey := make(map[uint32]string, len(entries))
	reqs := make([]*protocol.Request, 0, len(entries)+1)
	for _, ent := range entries {
		reqs = append(reqs, &protocol.Request{
			Opcode: protocol.SetQ,
			Key:    []byte(ent.Key),
			Value:  ent.Value,
			Extras: protocol.StorageExtras(ent.Flags, ent.Expiration),
			CAS:    ent.CAS,
		})
	}
	reqs = append(reqs, &protocol.Request{Opcode: protocol.NoOp})

	responses, err := c.SendBatch(ctx, reqs, e.WriteTimeout, e.ResponseTimeout)
	if err != nil {
		e.Pool.Invalidate(c)
		logging.Op().Warn("multiop: set batch failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = false
		}
		return results
	}
	e.Pool.Return(c)

	for i, req := range reqs[:len(reqs)-1] {
		opaqueToKey[req.Opaque] = entries[i].Key
	}
	for _, resp := range responses {
		key, ok := opaqueToKey[resp.Opaque]
		if !ok {
			continue
		}
		if resp.Status != protocol.NoError {
			results[key] = false
		}
	}
	return results
}

// CasResult is one key's outcome from a multi-CAS store (spec.md §4.5,
// "multi-CAS"). Stored reports whether the compare-and-swap succeeded;
// Status carries the protocol status when it did not — typically
// Key_Exists for a stale token, or Key_Not_Found for a key that no
// longer exists on that server.
type CasResult struct {
	Stored bool
	Status protocol.Status
}

// CasMulti stores entries only if each key's current CAS token still
// matches the corresponding entry's CAS field, scattering the batch
// across owning servers with the same quiet-store shape as SetMulti. A
// key whose server could not be reached at all reports
// Status == protocol.InternalError.
func (e *Engine) CasMulti(ctx context.Context, entries []SetEntry) (map[string]CasResult, error) {
	byServer := make(map[string][]SetEntry)
	for _, ent := range entries {
		server, ok := e.Ring.Lookup([]byte(ent.Key))
		if !ok {
			continue
		}
		byServer[server] = append(byServer[server], ent)
	}

	results := make(map[string]CasResult, len(entries))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for server, serverEntries := range byServer {
		server, serverEntries := server, serverEntries
		g.Go(func() error {
			serverResults := e.casServerBatch(gctx, server, serverEntries)
			resultsMu.Lock()
			for k, r := range serverResults {
				results[k] = r
			}
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Engine) casServerBatch(ctx context.Context, server string, entries []SetEntry) map[string]CasResult {
	results := make(map[string]CasResult, len(entries))
	for _, ent := range entries {
		results[ent.Key] = CasResult{Stored: true, Status: protocol.NoError}
	}

	c, err := e.Pool.Borrow(server, e.BorrowTimeout)
	if err != nil {
		logging.Op().Warn("multiop: cas batch borrow failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = CasResult{Stored: false, Status: protocol.InternalError}
		}
		return results
	}

	opaqueToKey := make(map[uint32]string, len(entries))
	reqs := make([]*protocol.Request, 0, len(entries)+1)
	for _, ent := range entries {
		reqs = append(reqs, &protocol.Request{
			Opcode: protocol.SetQ,
			Key:    []byte(ent.Key),
			Value:  ent.Value,
			Extras: protocol.StorageExtras(ent.Flags, ent.Expiration),
			CAS:    ent.CAS,
		})
	}
	reqs = append(reqs, &protocol.Request{Opcode: protocol.NoOp})

	responses, err := c.SendBatch(ctx, reqs, e.WriteTimeout, e.ResponseTimeout)
	if err != nil {
		e.Pool.Invalidate(c)
		logging.Op().Warn("multiop: cas batch failed", "server", server, "error", err)
		e.Health.ReportFailure(server)
		for k := range results {
			results[k] = CasResult{Stored: false, Status: protocol.InternalError}
		}
		return results
	}
	e.Pool.Return(c)

	for i, req := range reqs[:len(reqs)-1] {
		opaqueToKey[req.Opaque] = entries[i].Key
	}
	for _, resp := range responses {
		key, ok := opaqueToKey[resp.Opaque]
		if !ok {
			continue
		}
		if resp.Status != protocol.NoError {
			results[key] = CasResult{Stored: false, Status: resp.Status}
		}
	}
	return results
}
