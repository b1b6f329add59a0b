package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotRegistered is returned by SetData/UnregisterBarrier when no
// barrier is open for the given path or region.
var ErrNotRegistered = errors.New("coordination: region not registered")

// PostgresCoordinator is a reference Coordinator backed by a single
// Postgres table, memlink_server_sets, grounded on the teacher's
// internal/store.PostgresStore (pgxpool.New -> Ping -> ensureSchema).
// Commits are detected by polling updated_at on an interval rather than
// LISTEN/NOTIFY, so any number of processes (including ones on a
// different host) can share one table without holding a dedicated
// connection open per registrant.
type PostgresCoordinator struct {
	pool *pgxpool.Pool

	pollInterval time.Duration

	mu        sync.Mutex
	listeners map[string]*watchedRegion // region -> watch state
}

type watchedRegion struct {
	path      string
	listener  Listener
	lastSeen  time.Time
	cancel    context.CancelFunc
}

// NewPostgresCoordinator connects to dsn, verifies connectivity, and
// ensures memlink_server_sets exists.
func NewPostgresCoordinator(ctx context.Context, dsn string) (*PostgresCoordinator, error) {
	return NewPostgresCoordinatorWithPollInterval(ctx, dsn, 5*time.Second)
}

// NewPostgresCoordinatorWithPollInterval is like NewPostgresCoordinator
// but lets the caller tune how often RegisterBarrier's background watch
// checks for a new commit.
func NewPostgresCoordinatorWithPollInterval(ctx context.Context, dsn string, pollInterval time.Duration) (*PostgresCoordinator, error) {
	if dsn == "" {
		return nil, errors.New("coordination: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("coordination: connect: %w", err)
	}
	c := &PostgresCoordinator{pool: pool, pollInterval: pollInterval, listeners: make(map[string]*watchedRegion)}
	if err := c.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := c.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Ping verifies the pool can reach Postgres.
func (c *PostgresCoordinator) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("coordination: ping: %w", err)
	}
	return nil
}

func (c *PostgresCoordinator) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memlink_server_sets (
			region     TEXT PRIMARY KEY,
			data_path  TEXT NOT NULL UNIQUE,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS memlink_server_sets_updated_at_idx ON memlink_server_sets (updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("coordination: ensure schema: %w", err)
		}
	}
	return nil
}

// RegisterBarrier implements Coordinator.
func (c *PostgresCoordinator) RegisterBarrier(ctx context.Context, region string, listener Listener, localBytes []byte) (string, error) {
	path := "memlink_server_sets/" + region

	var data []byte
	var updatedAt time.Time
	err := c.pool.QueryRow(ctx,
		`INSERT INTO memlink_server_sets (region, data_path, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (region) DO UPDATE SET region = memlink_server_sets.region
		 RETURNING data, updated_at`,
		region, path, localBytes,
	).Scan(&data, &updatedAt)
	if err != nil {
		return "", fmt.Errorf("coordination: register barrier %q: %w", region, err)
	}

	if err := listener.OnInit(region, path, data); err != nil {
		return "", err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.listeners[region] = &watchedRegion{path: path, listener: listener, lastSeen: updatedAt, cancel: cancel}
	c.mu.Unlock()

	go c.watch(watchCtx, region)

	return path, nil
}

// SetData implements Coordinator: it replaces the row at path and
// bumps updated_at so every watcher's next poll observes the commit.
func (c *PostgresCoordinator) SetData(ctx context.Context, path string, bytes []byte) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE memlink_server_sets SET data = $2, updated_at = now() WHERE data_path = $1`,
		path, bytes,
	)
	if err != nil {
		return fmt.Errorf("coordination: set data %q: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRegistered
	}
	return nil
}

// UnregisterBarrier implements Coordinator: it stops this process's
// watch goroutine and invokes the listener's OnDestroy. It does not
// delete the row — other registrants, if any, keep seeing it.
func (c *PostgresCoordinator) UnregisterBarrier(ctx context.Context, region string) error {
	c.mu.Lock()
	w, ok := c.listeners[region]
	if ok {
		delete(c.listeners, region)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	w.cancel()
	w.listener.OnDestroy(region)
	return nil
}

// Close stops all outstanding watches and closes the pool.
func (c *PostgresCoordinator) Close() error {
	c.mu.Lock()
	for region, w := range c.listeners {
		w.cancel()
		delete(c.listeners, region)
	}
	c.mu.Unlock()
	c.pool.Close()
	return nil
}

func (c *PostgresCoordinator) watch(ctx context.Context, region string) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, region)
		}
	}
}

func (c *PostgresCoordinator) pollOnce(ctx context.Context, region string) {
	c.mu.Lock()
	w, ok := c.listeners[region]
	c.mu.Unlock()
	if !ok {
		return
	}

	var data []byte
	var updatedAt time.Time
	err := c.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM memlink_server_sets WHERE region = $1`, region,
	).Scan(&data, &updatedAt)
	if err != nil {
		return
	}

	c.mu.Lock()
	w, ok = c.listeners[region]
	if !ok || !updatedAt.After(w.lastSeen) {
		c.mu.Unlock()
		return
	}
	w.lastSeen = updatedAt
	c.mu.Unlock()

	w.listener.OnCommit(region, w.path, data)
}
