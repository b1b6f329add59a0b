package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/memlink/internal/conn"
)

// fakeFactory creates *conn.Connection values backed by pipeConn
// stand-ins (conn_fake_test.go) that never produce data; the pool only
// passes connections through, so pointer identity is enough to tell
// instances apart across borrow/return calls in tests.
type fakeFactory struct {
	mu        sync.Mutex
	created   int
	destroyed int
	valid     atomic.Bool
	failNext  atomic.Bool
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{}
	f.valid.Store(true)
	return f
}

func (f *fakeFactory) Create(key string) (*conn.Connection, error) {
	if f.failNext.Load() {
		f.failNext.Store(false)
		return nil, errors.New("fake: create failed")
	}
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return conn.New(key, newPipeConn()), nil
}

func (f *fakeFactory) Destroy(key string, c *conn.Connection) {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	c.Close()
}

func (f *fakeFactory) Validate(key string, c *conn.Connection) bool {
	return f.valid.Load()
}

func TestBorrowCreatesUpToMax(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 2})

	c1, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}
	c2, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow 2: %v", err)
	}
	if c1 == c2 {
		t.Fatal("expected distinct connections")
	}

	_, err = p.Borrow("a", 50*time.Millisecond)
	if err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted at capacity, got %v", err)
	}

	stats := p.Stats("a")
	if stats.Active != 2 || stats.Idle != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReturnMakesConnectionReusable(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1})

	c, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	p.Return(c)

	c2, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow after return: %v", err)
	}
	if c2 != c {
		t.Fatal("expected the returned connection to be reused")
	}
	if f.created != 1 {
		t.Fatalf("expected exactly 1 create, got %d", f.created)
	}
}

func TestInvalidateDestroysAndFreesCapacity(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1})

	c, _ := p.Borrow("a", 0)
	p.Invalidate(c)

	if f.destroyed != 1 {
		t.Fatalf("expected 1 destroy, got %d", f.destroyed)
	}

	c2, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow after invalidate: %v", err)
	}
	if c2 == c {
		t.Fatal("expected a freshly created connection")
	}
}

func TestBorrowValidationDiscardsInvalidIdle(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 2, BorrowValidation: true})

	c, _ := p.Borrow("a", 0)
	p.Return(c)

	f.valid.Store(false)
	_, err := p.Borrow("a", 0)
	if err != ErrNoValidObject {
		t.Fatalf("expected ErrNoValidObject, got %v", err)
	}
	if f.destroyed == 0 {
		t.Fatal("expected invalid idle connections to be destroyed")
	}
}

func TestDisposableOverflow(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1, Disposable: true})

	c1, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}

	c2, err := p.Borrow("a", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected disposable overflow to succeed, got %v", err)
	}
	if c2 == c1 {
		t.Fatal("expected a distinct disposable connection")
	}

	// Returning a disposable connection must not grow poolSizeHint back
	// down below zero nor re-pool it.
	p.Return(c2)
	stats := p.Stats("a")
	if stats.Active != 1 {
		t.Fatalf("expected active to remain 1 after disposable return, got %+v", stats)
	}
}

func TestBorrowBlocksUntilReturn(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1})

	c1, _ := p.Borrow("a", 0)

	done := make(chan struct{})
	go func() {
		c2, err := p.Borrow("a", time.Second)
		if err != nil {
			t.Errorf("blocked borrow: %v", err)
		}
		if c2 != c1 {
			t.Errorf("expected the released connection to be handed to the waiter")
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Return(c1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked borrow never woke up")
	}
}

func TestPoolClosedRejectsBorrow(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1})

	c, _ := p.Borrow("a", 0)
	p.Return(c)
	p.Close()

	_, err := p.Borrow("a", 0)
	if err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestMinPrimesPoolEagerly(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 2, Max: 5})

	c1, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}
	p.Return(c1)

	stats := p.Stats("a")
	if stats.Size < 1 {
		t.Fatalf("expected at least one primed connection, got %+v", stats)
	}
}

func TestPreloadMinCreatesIdleConnectionsUpFront(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 3, Max: 5})

	if err := p.PreloadMin("a"); err != nil {
		t.Fatalf("PreloadMin: %v", err)
	}

	stats := p.Stats("a")
	if stats.Size != 3 || stats.Idle != 3 {
		t.Fatalf("expected 3 idle preloaded connections, got %+v", stats)
	}
	if f.created != 3 {
		t.Fatalf("expected 3 creates, got %d", f.created)
	}

	// A second call tops up nothing further: the floor is already met.
	if err := p.PreloadMin("a"); err != nil {
		t.Fatalf("PreloadMin (second call): %v", err)
	}
	if f.created != 3 {
		t.Fatalf("expected no additional creates on a second PreloadMin, got %d", f.created)
	}
}

func TestPreloadMinAfterDestroyKeyStartsFreshEntry(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 1, Max: 1})

	c, _ := p.Borrow("a", 0)
	p.Return(c)
	p.DestroyKey("a")

	// DestroyKey drops the entry entirely, so PreloadMin builds a brand
	// new (non-destroyed) one rather than seeing the old destroyed flag.
	if err := p.PreloadMin("a"); err != nil {
		t.Fatalf("PreloadMin after DestroyKey: %v", err)
	}
	if stats := p.Stats("a"); stats.Size != 1 || stats.Idle != 1 {
		t.Fatalf("expected a fresh primed entry, got %+v", stats)
	}
}

func TestClearEmptiesIdleButKeepsEntryUsable(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 5})

	c, _ := p.Borrow("a", 0)
	p.Return(c)

	p.Clear("a")

	stats := p.Stats("a")
	if stats.Idle != 0 || stats.Size != 0 {
		t.Fatalf("expected Clear to zero out the entry, got %+v", stats)
	}
	if f.destroyed != 1 {
		t.Fatalf("expected the idle connection to be destroyed, got %d", f.destroyed)
	}

	c2, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow after Clear: %v", err)
	}
	if c2 == c {
		t.Fatal("expected a freshly created connection after Clear")
	}
}

func TestDestroyKeyRejectsFurtherBorrowsForThatEntry(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 1})

	c, _ := p.Borrow("a", 0)
	p.Return(c)

	p.DestroyKey("a")

	if f.destroyed != 1 {
		t.Fatalf("expected the idle connection to be destroyed, got %d", f.destroyed)
	}
	if _, ok := p.existingEntryFor("a"); ok {
		t.Fatal("expected the entry itself to be removed")
	}

	// A fresh Borrow after DestroyKey starts a brand-new entry rather
	// than reusing the destroyed one.
	c2, err := p.Borrow("a", 0)
	if err != nil {
		t.Fatalf("borrow after DestroyKey: %v", err)
	}
	if c2 == c {
		t.Fatal("expected a freshly created connection")
	}
}

func TestEvictionSweepRunsEveryKeepAliveInterval(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Config{Min: 0, Max: 10, KeepAliveSecs: 1})
	defer p.Close()

	conns := make([]*conn.Connection, 0, 10)
	for i := 0; i < 10; i++ {
		c, err := p.Borrow("a", 0)
		if err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Return(c)
	}

	stats := p.Stats("a")
	if stats.Size != 10 {
		t.Fatalf("expected pool to settle at 10 before eviction, got %+v", stats)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats("a").Size <= 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected idle connections evicted down toward Min within ~2s of a 1s KeepAliveSecs, got %+v", p.Stats("a"))
}
