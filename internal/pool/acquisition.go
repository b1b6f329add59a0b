package pool

import (
	"sync/atomic"
	"time"

	"github.com/oriys/memlink/internal/conn"
)

// noTimeout, passed as timeout to Borrow, blocks indefinitely instead of
// failing with ErrPoolExhausted once poolSizeHint reaches Max.
const noTimeout time.Duration = -1

// Borrow returns a connection for key, following spec.md §4.2's borrow
// algorithm:
//
//  1. If the entry is destroyed, fail with ErrPoolClosed.
//  2. If poolSizeHint < Min, reserve a slot and create unconditionally
//     (priming the pool up to its floor even under concurrent borrows).
//  3. Else try to pop an idle connection.
//  4. Else if poolSizeHint < Max (or Max is Unbounded), reserve a slot
//     and create.
//  5. Else block on the idle queue until timeout elapses (or forever,
//     if timeout is negative).
//  6. Else, if Disposable, create an untracked connection that does not
//     count against poolSizeHint and is destroyed (not returned) by
//     Return; otherwise fail with ErrPoolExhausted.
//
// A connection popped from idle or freshly created is validated with
// Factory.Validate when the corresponding *Validation config flag is
// set; failing validation, it is destroyed and the search restarts, up
// to maxValidationAttempts before giving up with ErrNoValidObject.
func (p *Pool) Borrow(key string, timeout time.Duration) (*conn.Connection, error) {
	for attempt := 0; attempt < maxValidationAttempts; attempt++ {
		c, disposable, err := p.borrowOnce(key, timeout)
		if err != nil {
			return nil, err
		}
		if !p.cfg.BorrowValidation || p.factory.Validate(key, c) {
			if !disposable {
				p.trackActive(key, c)
			}
			return c, nil
		}
		p.factory.Destroy(key, c)
		if !disposable {
			e := p.entryFor(key)
			e.mu.Lock()
			e.poolSizeHint--
			if e.poolSizeHint < 0 {
				e.poolSizeHint = 0
			}
			e.cond.Broadcast()
			e.mu.Unlock()
			p.emitGauges(key, e)
		}
	}
	return nil, ErrNoValidObject
}

func (p *Pool) borrowOnce(key string, timeout time.Duration) (c *conn.Connection, disposable bool, err error) {
	e := p.entryFor(key)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, false, ErrPoolClosed
	}

	// Priming: always create below Min, regardless of idle availability,
	// so the floor is reached as fast as concurrent borrowers allow.
	if e.poolSizeHint < p.cfg.Min {
		e.poolSizeHint++
		recordPeak(e)
		e.mu.Unlock()
		c, err = p.create(key, e)
		return c, false, err
	}

	if n := len(e.idle); n > 0 {
		c = e.idle[n-1]
		e.idle = e.idle[:n-1]
		delete(e.idleSince, c)
		e.mu.Unlock()
		p.emitGauges(key, e)
		return c, false, nil
	}

	if p.cfg.Max == Unbounded || e.poolSizeHint < p.cfg.Max {
		e.poolSizeHint++
		recordPeak(e)
		e.mu.Unlock()
		c, err = p.create(key, e)
		return c, false, err
	}

	// At capacity with no idle connections: block for timeout, or spill
	// over to a disposable connection.
	c, err = p.waitForIdle(e, timeout)
	if err == nil {
		p.emitGauges(key, e)
		return c, false, nil
	}
	if err == ErrTimeout && p.cfg.Disposable {
		c, derr := p.factory.Create(key)
		if derr != nil {
			return nil, false, derr
		}
		return c, true, nil
	}
	if err == ErrTimeout {
		return nil, false, ErrPoolExhausted
	}
	return nil, false, err
}

func (p *Pool) create(key string, e *poolEntry) (*conn.Connection, error) {
	c, err := p.factory.Create(key)
	if err != nil {
		warnCreateFailure(key, err)
		e.mu.Lock()
		e.poolSizeHint--
		if e.poolSizeHint < 0 {
			e.poolSizeHint = 0
		}
		e.cond.Broadcast()
		e.mu.Unlock()
		p.emitGauges(key, e)
		return nil, err
	}
	p.emitGauges(key, e)
	return c, nil
}

// waitForIdle parks the caller on e.cond until an idle connection
// appears, the entry is destroyed, or timeout elapses. A negative
// timeout blocks indefinitely (spec.md §4.2, "blocking borrow").
func (p *Pool) waitForIdle(e *poolEntry, timeout time.Duration) (*conn.Connection, error) {
	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.waiters++
	defer func() { e.waiters-- }()

	timedOut := new(atomic.Bool)
	var timer *time.Timer
	if hasDeadline {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if len(e.idle) == 0 && !e.destroyed {
				return nil, ErrTimeout
			}
		} else {
			timer = time.AfterFunc(remaining, func() {
				timedOut.Store(true)
				e.mu.Lock()
				e.cond.Broadcast()
				e.mu.Unlock()
			})
			defer timer.Stop()
		}
	}

	for len(e.idle) == 0 && !e.destroyed && !timedOut.Load() {
		e.cond.Wait()
	}

	if e.destroyed {
		return nil, ErrPoolClosed
	}
	if n := len(e.idle); n > 0 {
		c := e.idle[n-1]
		e.idle = e.idle[:n-1]
		delete(e.idleSince, c)
		return c, nil
	}
	return nil, ErrTimeout
}

// Return hands a connection back to its pool, running Factory.Validate
// first if ReturnValidation is set. An invalid or disposable connection
// is destroyed instead of re-pooled. Returning a connection this pool
// did not lend (or already reclaimed) is a no-op other than destroying
// it, guarding against double-return bugs in calling code.
func (p *Pool) Return(c *conn.Connection) {
	key, tracked := p.untrackActive(c)
	if !tracked {
		p.factory.Destroy("", c)
		return
	}

	e, ok := p.existingEntryFor(key)
	if !ok {
		p.factory.Destroy(key, c)
		return
	}

	if p.cfg.ReturnValidation && !p.factory.Validate(key, c) {
		p.invalidateLocked(key, e, c)
		return
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		p.factory.Destroy(key, c)
		return
	}
	e.idle = append(e.idle, c)
	e.idleSince[c] = time.Now()
	e.cond.Signal()
	e.mu.Unlock()
	p.emitGauges(key, e)
}

// Invalidate destroys a borrowed connection instead of returning it to
// the idle queue — used when the caller observed the connection to be
// broken (e.g. a read/write error) rather than merely done using it.
func (p *Pool) Invalidate(c *conn.Connection) {
	key, tracked := p.untrackActive(c)
	if !tracked {
		p.factory.Destroy("", c)
		return
	}
	e, ok := p.existingEntryFor(key)
	if !ok {
		p.factory.Destroy(key, c)
		return
	}
	p.invalidateLocked(key, e, c)
}

func (p *Pool) invalidateLocked(key string, e *poolEntry, c *conn.Connection) {
	e.mu.Lock()
	e.poolSizeHint--
	if e.poolSizeHint < 0 {
		e.poolSizeHint = 0
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	p.factory.Destroy(key, c)
	p.emitGauges(key, e)
}
