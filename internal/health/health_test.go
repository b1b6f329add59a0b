package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/memlink/internal/ring"
)

func newTestRing(servers ...string) *ring.Ring {
	r := ring.New(true)
	for _, s := range servers {
		r.Add(s)
	}
	return r
}

func TestReportFailureRemovesFromRing(t *testing.T) {
	r := newTestRing("a:1", "b:1")
	m := New(r, func(ctx context.Context, server string) error { return nil }, 0)
	m.AddServer("a:1")
	m.AddServer("b:1")

	m.ReportFailure("a:1")

	if m.State("a:1") != Quarantined {
		t.Fatalf("expected a:1 quarantined")
	}
	if r.Contains("a:1") {
		t.Fatal("expected a:1 removed from ring")
	}
	if !r.Contains("b:1") {
		t.Fatal("expected b:1 untouched")
	}
}

func TestProbeNowRevivesOnSuccess(t *testing.T) {
	r := newTestRing("a:1")
	var fail atomic.Bool
	fail.Store(true)

	probe := func(ctx context.Context, server string) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}

	m := New(r, probe, 0)
	m.AddServer("a:1")
	m.ReportFailure("a:1")

	m.ProbeNow(context.Background(), "a:1")
	if m.State("a:1") != Quarantined {
		t.Fatal("expected still quarantined while probe fails")
	}

	fail.Store(false)
	m.ProbeNow(context.Background(), "a:1")
	if m.State("a:1") != Live {
		t.Fatal("expected revived after successful probe")
	}
	if !r.Contains("a:1") {
		t.Fatal("expected server re-added to ring")
	}
}

func TestSweepLoopRevivesPeriodically(t *testing.T) {
	r := newTestRing("a:1")
	var allow atomic.Bool

	probe := func(ctx context.Context, server string) error {
		if allow.Load() {
			return nil
		}
		return errors.New("down")
	}

	m := New(r, probe, 20*time.Millisecond)
	m.AddServer("a:1")
	m.ReportFailure("a:1")

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	allow.Store(true)

	deadline := time.After(time.Second)
	for m.State("a:1") != Live {
		select {
		case <-deadline:
			t.Fatal("server never revived via sweep loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFailoverCandidatesExcludesPrimary(t *testing.T) {
	r := newTestRing("a:1", "b:1", "c:1")
	m := New(r, func(ctx context.Context, server string) error { return nil }, 0)
	m.AddServer("a:1")
	m.AddServer("b:1")
	m.AddServer("c:1")

	primary, _ := r.Lookup([]byte("somekey"))
	candidates := m.FailoverCandidates([]byte("somekey"), primary, 2)

	for _, c := range candidates {
		if c == primary {
			t.Fatalf("expected primary %s excluded from candidates %v", primary, candidates)
		}
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", candidates)
	}
}

func TestRemoveServerIsPermanent(t *testing.T) {
	r := newTestRing("a:1")
	m := New(r, func(ctx context.Context, server string) error { return nil }, 0)
	m.AddServer("a:1")

	m.RemoveServer("a:1")
	if r.Contains("a:1") {
		t.Fatal("expected server removed from ring")
	}
	// Unknown servers report Live by convention.
	if m.State("a:1") != Live {
		t.Fatal("expected unregistered server to report Live")
	}
}

func TestReportFailureInvokesDestroyHook(t *testing.T) {
	r := newTestRing("a:1")
	m := New(r, func(ctx context.Context, server string) error { return nil }, 0)
	m.AddServer("a:1")

	var destroyed []string
	m.SetDestroyHook(func(server string) {
		destroyed = append(destroyed, server)
	})

	m.ReportFailure("a:1")
	if len(destroyed) != 1 || destroyed[0] != "a:1" {
		t.Fatalf("expected destroy hook called once for a:1, got %v", destroyed)
	}

	// Reporting failure again on an already-quarantined server is a
	// no-op, including for the destroy hook.
	m.ReportFailure("a:1")
	if len(destroyed) != 1 {
		t.Fatalf("expected no further destroy calls, got %v", destroyed)
	}
}
