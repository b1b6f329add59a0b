package memlink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/memlink/internal/config"
	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/coordination"
	"github.com/oriys/memlink/internal/health"
	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/metrics"
	"github.com/oriys/memlink/internal/multiop"
	"github.com/oriys/memlink/internal/pool"
	"github.com/oriys/memlink/internal/protocol"
	"github.com/oriys/memlink/internal/ring"
)

var tracer = otel.Tracer("github.com/oriys/memlink")

// Cache is the public entry point: one logical memcached cache
// multiplexing backend servers behind a consistent-hash ring, a keyed
// connection pool, and a background health monitor (spec.md §1, §2).
type Cache struct {
	cfg    config.CacheConfig
	dialer conn.Dialer

	ring   *ring.Ring
	pool   *pool.Pool
	health *health.Monitor
	multi  *multiop.Engine

	coordinator coordination.Coordinator
	coordPath   string

	closeOnce sync.Once
	closed    atomicBool
}

// ringListener applies a remote server-set commit (spec.md §6's
// "Commits replace the active server set atomically") to a live ring
// and health monitor: servers present in the new set but not the ring
// are added, servers absent from the new set are removed.
type ringListener struct {
	r   *ring.Ring
	mon *health.Monitor
}

func (l *ringListener) apply(raw []byte) error {
	servers, err := normalizeServerList([]string{string(raw)})
	if err != nil {
		return err
	}
	want := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		want[s] = struct{}{}
		if !l.r.Contains(s) {
			l.r.Add(s)
			l.mon.AddServer(s)
		}
	}
	for _, s := range l.r.Servers() {
		if _, ok := want[s]; !ok {
			l.r.Remove(s)
			l.mon.RemoveServer(s)
		}
	}
	metrics.SetRingSize(len(l.r.Servers()))
	return nil
}

func (l *ringListener) OnInit(region, path string, remoteBytes []byte) error {
	if len(remoteBytes) == 0 {
		return errors.New("memlink: remote server list is empty")
	}
	return l.apply(remoteBytes)
}

func (l *ringListener) OnCommit(region, path string, newBytes []byte) error {
	return l.apply(newBytes)
}

func (l *ringListener) OnDestroy(region string) {}

// atomicBool is a tiny CAS-free flag guarded by a mutex; Cache.Close is
// called at most once per closeOnce, so a plain bool behind a mutex is
// enough (no hot-path reader needs lock-free access).
type atomicBool struct {
	mu sync.RWMutex
	v  bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) get() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

// New constructs a Cache from cfg without dialing any connection: each
// server's pool fills on demand as operations borrow from it, and
// Pool.Min is not preloaded. The health monitor's background revival
// sweep is started immediately if HealthMonitorIntervalSecs > 0.
func New(cfg config.CacheConfig) (*Cache, error) {
	return NewWithDialer(cfg, conn.TCPDialer{})
}

// NewWithDialer is New but with an explicit transport Dialer, e.g.
// conn.VsockDialer{} for servers reachable only over AF_VSOCK.
func NewWithDialer(cfg config.CacheConfig, dialer conn.Dialer) (*Cache, error) {
	servers, err := normalizeServerList(cfg.Servers)
	if err != nil {
		return nil, err
	}

	r := ring.New(true)
	for _, s := range servers {
		r.Add(s)
	}
	metrics.SetRingSize(len(r.Servers()))

	prober := health.DialProber(dialer, cfg.ConnectTimeout(), cfg.ResponseTimeout())
	mon := health.New(r, prober, cfg.HealthMonitorInterval())
	for _, s := range servers {
		mon.AddServer(s)
	}

	c := &Cache{cfg: cfg, dialer: dialer, ring: r, health: mon}

	c.pool = pool.New(&dialFactory{dialer: dialer, connectTimeout: cfg.ConnectTimeout()}, pool.Config{
		Min:              cfg.Pool.Min,
		Max:              cfg.Pool.Max,
		BorrowValidation: cfg.Pool.BorrowValidation,
		ReturnValidation: cfg.Pool.ReturnValidation,
		Disposable:       cfg.Pool.Disposable,
		KeepAliveSecs:    cfg.Pool.KeepAliveSecs,
	})
	mon.SetDestroyHook(c.pool.DestroyKey)

	c.multi = &multiop.Engine{
		Ring:            r,
		Pool:            c.pool,
		Health:          mon,
		BorrowTimeout:   cfg.ConnectTimeout(),
		WriteTimeout:    cfg.WriteTimeout(),
		ResponseTimeout: cfg.ResponseTimeout(),
	}

	mon.Start(context.Background())

	if cfg.PreferRemoteConfig && cfg.RemoteConfigEndpoint != "" {
		if err := c.attachCoordinator(context.Background(), servers); err != nil {
			mon.Stop()
			c.pool.Close()
			return nil, err
		}
	}

	return c, nil
}

// attachCoordinator registers a barrier for cfg.Namespace against the
// Postgres-backed reference coordinator at cfg.RemoteConfigEndpoint,
// seeding it with localServers and letting subsequent commits replace
// the ring's active server set (spec.md §6).
func (c *Cache) attachCoordinator(ctx context.Context, localServers []string) error {
	coord, err := coordination.NewPostgresCoordinator(ctx, c.cfg.RemoteConfigEndpoint)
	if err != nil {
		return err
	}
	listener := &ringListener{r: c.ring, mon: c.health}
	path, err := coord.RegisterBarrier(ctx, c.cfg.Namespace, listener, []byte(strings.Join(localServers, ",")))
	if err != nil {
		coord.Close()
		return err
	}
	c.coordinator = coord
	c.coordPath = path
	return nil
}

// normalizeServerList parses spec.md §6's server-list serialization
// convention (though here callers already pass a []string — this also
// accepts a caller that joined servers into one comma-separated element,
// trimming whitespace and collapsing duplicates to a set).
func normalizeServerList(servers []string) ([]string, error) {
	seen := make(map[string]struct{}, len(servers))
	var out []string
	for _, raw := range servers {
		for _, part := range strings.Split(raw, ",") {
			s := strings.TrimSpace(part)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("memlink: no servers configured")
	}
	return out, nil
}

// dialFactory adapts a conn.Dialer to pool.Factory: Create dials a
// fresh connection, Destroy closes it, Validate sends a lightweight
// Version round-trip.
type dialFactory struct {
	dialer         conn.Dialer
	connectTimeout time.Duration
}

func (f *dialFactory) Create(key string) (*conn.Connection, error) {
	return f.dialer.Dial(context.Background(), key, f.connectTimeout)
}

func (f *dialFactory) Destroy(key string, c *conn.Connection) {
	c.Close()
}

func (f *dialFactory) Validate(key string, c *conn.Connection) bool {
	resp, err := c.Send(context.Background(), &protocol.Request{Opcode: protocol.Version}, time.Second, time.Second)
	return err == nil && resp.Status == protocol.NoError
}

// startSpan begins an OpenTelemetry span for a public operation, named
// "memlink.<op>", tagged with key/server when known.
func startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "memlink."+op)
	if key != "" {
		span.SetAttributes(attribute.String("memlink.key", key))
	}
	return ctx, span
}

// logOp records a per-operation telemetry entry (request log + metrics)
// for one scalar cache command.
func logOp(opcode protocol.Opcode, key, server string, start time.Time, hit, success bool, retries int, failover bool, err error) {
	dur := time.Since(start)
	metrics.RecordOp(opcode.String(), dur.Milliseconds(), hit, success)
	entry := &logging.OpLog{
		RequestID:  uuid.NewString(),
		Opcode:     opcode.String(),
		Key:        key,
		Server:     server,
		DurationMs: dur.Milliseconds(),
		Hit:        hit,
		Success:    success,
		Retries:    retries,
		Failover:   failover,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)
}

// route resolves key to its primary server; ok is false if the ring has
// no server at all.
func (c *Cache) route(key []byte) (string, bool) {
	return c.ring.Lookup(key)
}

// candidates returns the primary server plus, if failover is enabled,
// up to RetryCount failover alternates, in routing order.
func (c *Cache) candidates(key []byte) []string {
	primary, ok := c.route(key)
	if !ok {
		return nil
	}
	out := []string{primary}
	if c.cfg.Failover && c.cfg.RetryCount > 0 {
		out = append(out, c.health.FailoverCandidates(key, primary, c.cfg.RetryCount)...)
	}
	return out
}

// Servers returns every server configured on the ring, regardless of
// its current health state.
func (c *Cache) Servers() []string {
	return c.ring.Servers()
}

// LiveServers returns every server the health monitor currently
// considers reachable.
func (c *Cache) LiveServers() []string {
	return c.health.LiveServers()
}

// RouteKey reports which server key currently hashes to, and the full
// failover candidate order behind it, without issuing any request.
func (c *Cache) RouteKey(key string) (server string, candidates []string, ok bool) {
	cands := c.candidates([]byte(key))
	if len(cands) == 0 {
		return "", nil, false
	}
	return cands[0], cands, true
}

// sendOne borrows a connection to server, sends req, and returns or
// invalidates the connection depending on outcome. On a transport
// failure it quarantines the server via the health monitor, per
// spec.md §7's propagation policy.
func (c *Cache) sendOne(ctx context.Context, server string, req *protocol.Request) (*protocol.Response, error) {
	bc, err := c.pool.Borrow(server, c.cfg.ConnectTimeout())
	if err != nil {
		return nil, err
	}
	resp, err := bc.Send(ctx, req, c.cfg.WriteTimeout(), c.cfg.ResponseTimeout())
	if err != nil {
		c.pool.Invalidate(bc)
		c.health.ReportFailure(server)
		return nil, err
	}
	c.pool.Return(bc)
	return resp, nil
}

// dispatch sends req to key's resolved server, retrying on the next
// failover candidate (if any) when the primary attempt fails at the
// transport level. It never retries on a well-formed server status
// response (spec.md §7: status-level outcomes are not transport
// failures).
func (c *Cache) dispatch(ctx context.Context, key []byte, req *protocol.Request) (*protocol.Response, string, int, bool, error) {
	if c.closed.get() {
		return nil, "", 0, false, ErrPoolClosed
	}
	servers := c.candidates(key)
	if len(servers) == 0 {
		return nil, "", 0, false, errNoRoute
	}

	var lastErr error
	for i, server := range servers {
		resp, err := c.sendOne(ctx, server, req)
		if err == nil {
			return resp, server, i, i > 0, nil
		}
		lastErr = err
	}
	return nil, servers[len(servers)-1], len(servers) - 1, len(servers) > 1, lastErr
}

// Get fetches the value stored at key. found is false both on a cache
// miss and on a routing/transport failure, matching spec.md §7's
// "no exception" contract; Close/ErrPoolClosed is the one error
// returned to the caller.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, span := startSpan(ctx, "get", key)
	defer span.End()
	start := time.Now()

	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), &protocol.Request{Opcode: protocol.Get, Key: []byte(key)})
	if derr != nil {
		logOp(protocol.Get, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return nil, false, derr
		}
		return nil, false, nil
	}
	hit := resp.Status == protocol.NoError
	logOp(protocol.Get, key, server, start, hit, true, retries, failover, nil)
	if !hit {
		return nil, false, nil
	}
	return resp.Value, true, nil
}

// Gets is Get plus the CAS token needed for a subsequent CAS call
// (spec.md §8 scenario 5).
func (c *Cache) Gets(ctx context.Context, key string) (value []byte, cas uint64, found bool, err error) {
	ctx, span := startSpan(ctx, "gets", key)
	defer span.End()
	start := time.Now()

	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), &protocol.Request{Opcode: protocol.Get, Key: []byte(key)})
	if derr != nil {
		logOp(protocol.Get, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return nil, 0, false, derr
		}
		return nil, 0, false, nil
	}
	hit := resp.Status == protocol.NoError
	logOp(protocol.Get, key, server, start, hit, true, retries, failover, nil)
	if !hit {
		return nil, 0, false, nil
	}
	return resp.Value, resp.CAS, true, nil
}

// set issues a storage command (Set/Add/Replace) and collapses the
// result to the boolean outcome spec.md §7 requires: Key_Exists on Add
// and Item_Not_Stored on Replace are reported as false, not an error.
func (c *Cache) set(ctx context.Context, op string, opcode protocol.Opcode, key string, value []byte, flags, expiration uint32, casToken uint64) (bool, error) {
	ctx, span := startSpan(ctx, op, key)
	defer span.End()
	start := time.Now()

	req := &protocol.Request{
		Opcode: opcode,
		Key:    []byte(key),
		Value:  value,
		Extras: protocol.StorageExtras(flags, expiration),
		CAS:    casToken,
	}
	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), req)
	if derr != nil {
		logOp(opcode, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return false, derr
		}
		return false, nil
	}
	ok := resp.Status == protocol.NoError
	logOp(opcode, key, server, start, false, ok, retries, failover, nil)
	return ok, nil
}

// Set unconditionally stores value at key with the given flags and
// expiration (seconds, or an absolute unix time per the wire
// convention — spec.md §4.3).
func (c *Cache) Set(ctx context.Context, key string, value []byte, flags, expiration uint32) (bool, error) {
	return c.set(ctx, "set", protocol.Set, key, value, flags, expiration, 0)
}

// Add stores value at key only if key does not already exist; a
// Key_Exists response is reported as false (spec.md §7).
func (c *Cache) Add(ctx context.Context, key string, value []byte, flags, expiration uint32) (bool, error) {
	return c.set(ctx, "add", protocol.Add, key, value, flags, expiration, 0)
}

// Replace stores value at key only if key already exists; an
// Item_Not_Stored response is reported as false.
func (c *Cache) Replace(ctx context.Context, key string, value []byte, flags, expiration uint32) (bool, error) {
	return c.set(ctx, "replace", protocol.Replace, key, value, flags, expiration, 0)
}

// CAS stores value at key only if the server's current CAS for key
// equals token (as returned by a prior Gets); a mismatch is reported as
// false (spec.md §8 scenario 5, "CAS conflict").
func (c *Cache) CAS(ctx context.Context, key string, value []byte, flags, expiration uint32, token uint64) (bool, error) {
	return c.set(ctx, "cas", protocol.Set, key, value, flags, expiration, token)
}

// Delete removes key. Deleting an already-absent key (Key_Not_Found) is
// reported as success per spec.md §7's "DELETE idempotence", satisfying
// the delete-idempotence testable property (spec.md §8).
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := startSpan(ctx, "delete", key)
	defer span.End()
	start := time.Now()

	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), &protocol.Request{Opcode: protocol.Delete, Key: []byte(key)})
	if derr != nil {
		logOp(protocol.Delete, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return false, derr
		}
		return false, nil
	}
	ok := resp.Status == protocol.NoError || resp.Status == protocol.KeyNotFound
	logOp(protocol.Delete, key, server, start, false, ok, retries, failover, nil)
	return ok, nil
}

// Exists reports whether key is present, implemented as a Get that
// discards the value.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := c.Get(ctx, key)
	return found, err
}

// incrDecr issues Increment/Decrement. createIfMissing controls whether
// the server creates key with initial when it does not exist, per
// spec.md §4.3's NoCreateExpiration sentinel.
func (c *Cache) incrDecr(ctx context.Context, op string, opcode protocol.Opcode, key string, delta, initial uint64, expiration uint32, createIfMissing bool) (uint64, bool, error) {
	ctx, span := startSpan(ctx, op, key)
	defer span.End()
	start := time.Now()

	exp := expiration
	if !createIfMissing {
		exp = protocol.NoCreateExpiration
	}
	req := &protocol.Request{
		Opcode: opcode,
		Key:    []byte(key),
		Extras: protocol.IncrDecrExtras(delta, initial, exp),
	}
	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), req)
	if derr != nil {
		logOp(opcode, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return 0, false, derr
		}
		return 0, false, nil
	}
	ok := resp.Status == protocol.NoError
	logOp(opcode, key, server, start, false, ok, retries, failover, nil)
	if !ok || len(resp.Value) < 8 {
		return 0, false, nil
	}
	return decodeUint64(resp.Value), true, nil
}

// Incr adds delta to the number stored at key, creating it with initial
// if absent and createIfMissing is true.
func (c *Cache) Incr(ctx context.Context, key string, delta, initial uint64, expiration uint32, createIfMissing bool) (uint64, bool, error) {
	return c.incrDecr(ctx, "incr", protocol.Increment, key, delta, initial, expiration, createIfMissing)
}

// Decr subtracts delta from the number stored at key (floored at 0 by
// the server), creating it with initial if absent and createIfMissing
// is true.
func (c *Cache) Decr(ctx context.Context, key string, delta, initial uint64, expiration uint32, createIfMissing bool) (uint64, bool, error) {
	return c.incrDecr(ctx, "decr", protocol.Decrement, key, delta, initial, expiration, createIfMissing)
}

// Touch updates key's expiration without fetching its value.
func (c *Cache) Touch(ctx context.Context, key string, expiration uint32) (bool, error) {
	ctx, span := startSpan(ctx, "touch", key)
	defer span.End()
	start := time.Now()

	req := &protocol.Request{Opcode: protocol.Touch, Key: []byte(key), Extras: protocol.TouchExtras(expiration)}
	resp, server, retries, failover, derr := c.dispatch(ctx, []byte(key), req)
	if derr != nil {
		logOp(protocol.Touch, key, server, start, false, false, retries, failover, derr)
		if errors.Is(derr, ErrPoolClosed) {
			return false, derr
		}
		return false, nil
	}
	ok := resp.Status == protocol.NoError
	logOp(protocol.Touch, key, server, start, false, ok, retries, failover, nil)
	return ok, nil
}

// Version returns every live server's reported version string, keyed
// by server address; a server that fails to answer is simply absent
// from the map (spec.md §7, "stats/version return a structured map or
// null on failure").
func (c *Cache) Version(ctx context.Context) map[string]string {
	out := make(map[string]string)
	if c.closed.get() {
		return out
	}
	for _, server := range c.health.LiveServers() {
		resp, err := c.sendOne(ctx, server, &protocol.Request{Opcode: protocol.Version})
		if err != nil || resp.Status != protocol.NoError {
			c.health.ReportFailure(server)
			continue
		}
		out[server] = string(resp.Value)
	}
	return out
}

// Stats returns per-server raw STAT key/value pairs. A server that
// fails to answer (or the protocol's loop-until-empty-key terminator
// never arrives within ResponseTimeout) is absent from the result.
func (c *Cache) Stats(ctx context.Context) map[string]map[string]string {
	out := make(map[string]map[string]string)
	if c.closed.get() {
		return out
	}
	for _, server := range c.health.LiveServers() {
		stats, err := c.statsOne(ctx, server)
		if err != nil {
			c.health.ReportFailure(server)
			continue
		}
		out[server] = stats
	}
	return out
}

func (c *Cache) statsOne(ctx context.Context, server string) (map[string]string, error) {
	bc, err := c.pool.Borrow(server, c.cfg.ConnectTimeout())
	if err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for {
		resp, err := bc.Send(ctx, &protocol.Request{Opcode: protocol.Stat}, c.cfg.WriteTimeout(), c.cfg.ResponseTimeout())
		if err != nil {
			c.pool.Invalidate(bc)
			return nil, err
		}
		if resp.Status != protocol.NoError {
			c.pool.Invalidate(bc)
			return nil, &ServerStatusError{Server: server, Opcode: protocol.Stat, Status: resp.Status}
		}
		if len(resp.Key) == 0 {
			// Empty key terminates the STAT sequence.
			c.pool.Return(bc)
			return stats, nil
		}
		stats[string(resp.Key)] = string(resp.Value)
	}
}

// GetMulti fetches keys, scattering them across their owning servers in
// parallel via the multi-op engine (spec.md §4.5).
func (c *Cache) GetMulti(ctx context.Context, keys []string) (map[string]multiop.GetResult, error) {
	if c.closed.get() {
		return nil, ErrPoolClosed
	}
	ctx, span := startSpan(ctx, "multiGet", "")
	defer span.End()
	return c.multi.GetMulti(ctx, keys)
}

// SetMulti stores entries, scattering them across their owning servers.
func (c *Cache) SetMulti(ctx context.Context, entries []multiop.SetEntry) (map[string]bool, error) {
	if c.closed.get() {
		return nil, ErrPoolClosed
	}
	ctx, span := startSpan(ctx, "multiSet", "")
	defer span.End()
	return c.multi.SetMulti(ctx, entries)
}

// DeleteMulti deletes keys, scattering them across their owning
// servers.
func (c *Cache) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	if c.closed.get() {
		return nil, ErrPoolClosed
	}
	ctx, span := startSpan(ctx, "multiDelete", "")
	defer span.End()
	return c.multi.DeleteMulti(ctx, keys)
}

// CasMulti stores entries only if each key's current CAS token still
// matches the corresponding entries[i].CAS, scattering the batch across
// owning servers (spec.md §4.5, "multi-CAS").
func (c *Cache) CasMulti(ctx context.Context, entries []multiop.SetEntry) (map[string]multiop.CasResult, error) {
	if c.closed.get() {
		return nil, ErrPoolClosed
	}
	ctx, span := startSpan(ctx, "multiCas", "")
	defer span.End()
	return c.multi.CasMulti(ctx, entries)
}

// Close stops the health monitor's background sweep and closes every
// idle pooled connection. Every error-returning operation on a closed
// Cache returns ErrPoolClosed, and Version and Stats return an empty map
// (spec.md §7, "Pool closed / cache stopped").
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.set(true)
		if c.coordinator != nil {
			c.coordinator.UnregisterBarrier(context.Background(), c.cfg.Namespace)
			if closer, ok := c.coordinator.(interface{ Close() error }); ok {
				closer.Close()
			}
		}
		c.health.Stop()
		c.pool.Close()
	})
	return nil
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b[:8] {
		v = v<<8 | uint64(x)
	}
	return v
}
