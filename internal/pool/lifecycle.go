package pool

import (
	"time"

	"github.com/oriys/memlink/internal/conn"
)

// evictionLoop periodically destroys idle connections that have sat
// unused longer than KeepAliveSecs, down to Min, reclaiming resources
// from servers that have gone quiet (spec.md §4.2, "Idle eviction"). The
// sweep runs every KeepAliveSecs, the same duration it evicts against,
// so a freshly idle connection is never left around for more than
// roughly two sweep periods.
func (p *Pool) evictionLoop() {
	ticker := time.NewTicker(time.Duration(p.cfg.KeepAliveSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	maxAge := time.Duration(p.cfg.KeepAliveSecs) * time.Second

	for _, key := range p.Keys() {
		e, ok := p.existingEntryFor(key)
		if !ok {
			continue
		}

		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			continue
		}

		now := time.Now()
		var evict []*conn.Connection
		keep := e.idle[:0:0]
		for _, c := range e.idle {
			aboveMin := e.poolSizeHint-len(evict) > p.cfg.Min
			if aboveMin && now.Sub(e.idleSince[c]) >= maxAge {
				evict = append(evict, c)
				delete(e.idleSince, c)
				continue
			}
			keep = append(keep, c)
		}
		e.idle = keep
		e.poolSizeHint -= len(evict)
		if e.poolSizeHint < 0 {
			e.poolSizeHint = 0
		}
		e.mu.Unlock()

		for _, c := range evict {
			p.factory.Destroy(key, c)
		}
		if len(evict) > 0 {
			p.emitGauges(key, e)
		}
	}
}
