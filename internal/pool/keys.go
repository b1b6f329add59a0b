package pool

import "time"

// PreloadMin creates connections for key up front until poolSizeHint
// reaches cfg.Min, instead of waiting for the first Min borrows to pay
// the dial cost (spec.md §4.2, "preloadMin"). Connections created this
// way are immediately idle, ready for the next Borrow. Safe to call more
// than once; it only tops up the shortfall against the current hint.
func (p *Pool) PreloadMin(key string) error {
	e := p.entryFor(key)

	for {
		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			return ErrPoolClosed
		}
		if e.poolSizeHint >= p.cfg.Min {
			e.mu.Unlock()
			return nil
		}
		e.poolSizeHint++
		recordPeak(e)
		e.mu.Unlock()

		c, err := p.create(key, e)
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.idle = append(e.idle, c)
		e.idleSince[c] = time.Now()
		e.cond.Signal()
		e.mu.Unlock()
		p.emitGauges(key, e)
	}
}

// Clear destroys every idle connection for key and resets its pool size
// back to zero, without removing the key's entry — a later Borrow
// re-populates it from scratch (spec.md §4.2, "clear"). Connections
// currently on loan are unaffected: they still count in poolSizeHint
// and go back to the idle queue when returned, since the entry is not
// marked destroyed.
func (p *Pool) Clear(key string) {
	e, ok := p.existingEntryFor(key)
	if !ok {
		return
	}

	e.mu.Lock()
	idle := e.idle
	e.idle = nil
	e.poolSizeHint -= len(idle)
	if e.poolSizeHint < 0 {
		e.poolSizeHint = 0
	}
	for _, c := range idle {
		delete(e.idleSince, c)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, c := range idle {
		p.factory.Destroy(key, c)
	}
	p.emitGauges(key, e)
}

// DestroyKey tears down key's pool entirely: every idle connection is
// destroyed and the entry itself is removed and marked destroyed, so
// any borrower still parked in Borrow wakes with ErrPoolClosed and any
// later Borrow for key starts a fresh entry (spec.md §4.4, "On entry to
// Quarantined: ... close its pool (destroyKey)"). Connections on loan
// are destroyed as they are returned or invalidated.
func (p *Pool) DestroyKey(key string) {
	e, ok := p.existingEntryFor(key)
	if !ok {
		return
	}

	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()

	e.mu.Lock()
	e.destroyed = true
	idle := e.idle
	e.idle = nil
	e.poolSizeHint = 0
	for _, c := range idle {
		delete(e.idleSince, c)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, c := range idle {
		p.factory.Destroy(key, c)
	}
	p.emitGauges(key, e)
}
