// Package pool implements a bounded pool of protocol connections with a
// FIFO waiter queue, idle eviction, and fire-and-forget release-time
// cleanup (spec.md §4.5).
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geldata/gel-go/internal/conn"
)

// Stats is a snapshot of a Pool's counters, grounded on the teacher
// pack's db-bouncer pool Stats struct.
type Stats struct {
	Idle      int
	InUse     int
	Opening   int
	Waiting   int
	Exhausted int64
}

// Config bounds and times a Pool (spec.md §4.5).
type Config struct {
	MinSize        int
	MaxSize        int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration

	Dial func(ctx context.Context) (*conn.Conn, error)

	Logger  *slog.Logger
	Metrics *Metrics
}

// Pool hands out *conn.Conn values up to MaxSize concurrently, queuing
// callers FIFO once exhausted (spec.md §4.5's "idle + in_use + opening <=
// max_size" invariant). It mirrors the shape of the teacher pack's
// db-bouncer TenantPool -- a sync.Cond-guarded idle slice/active set with
// a background reaper -- generalized from a multi-tenant map of pools to
// the single pool one Client owns.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	idle    []*conn.Conn
	active  map[*conn.Conn]struct{}
	opening int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}
}

// New constructs a Pool and starts its idle reaper.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		active: make(map[*conn.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Acquire returns a ready connection, creating one if the pool has
// capacity, or blocking FIFO behind earlier waiters otherwise.
func (p *Pool) Acquire(ctx context.Context) (*conn.Conn, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closed")
		}

		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if c.Dirty() || c.Phase() == conn.PhaseClosed {
				c.Close()
				continue
			}
			p.active[c] = struct{}{}
			p.cfg.Metrics.observe(p.statsLocked())
			p.mu.Unlock()
			p.cfg.Metrics.observeAcquire(time.Since(start))
			return c, nil
		}

		if p.opening+len(p.active) < p.cfg.MaxSize {
			p.opening++
			p.mu.Unlock()

			c, err := p.cfg.Dial(ctx)

			p.mu.Lock()
			p.opening--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				c.Close()
				return nil, fmt.Errorf("pool: closed")
			}
			p.active[c] = struct{}{}
			p.cfg.Metrics.observe(p.statsLocked())
			p.mu.Unlock()
			p.cfg.Metrics.observeAcquire(time.Since(start))
			return c, nil
		}

		p.waiting++
		p.exhausted++
		p.cfg.Metrics.incExhausted()
		p.cfg.Metrics.observe(p.statsLocked())

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout after %s", p.cfg.AcquireTimeout)
		}
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
		p.waiting--
	}
}

// statsLocked returns the current counters. Callers must hold p.mu.
func (p *Pool) statsLocked() Stats {
	return Stats{
		Idle:      len(p.idle),
		InUse:     len(p.active),
		Opening:   p.opening,
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// Release returns c to the pool. Cleanup (rolling back an open
// transaction left by a caller that didn't commit/rollback explicitly) is
// fire-and-forget: Release never blocks the caller on it, matching
// spec.md §9's preference for bounded release latency over guaranteed
// synchronous cleanup.
func (p *Pool) Release(c *conn.Conn) {
	p.mu.Lock()
	delete(p.active, c)

	if p.closed || c.Dirty() || c.Phase() == conn.PhaseClosed {
		p.cfg.Metrics.observe(p.statsLocked())
		p.mu.Unlock()
		c.Close()
		p.cond.Signal()
		return
	}

	if c.Phase() == conn.PhaseInTxImplicit || c.Phase() == conn.PhaseInTxExplicit {
		p.cfg.Metrics.observe(p.statsLocked())
		p.mu.Unlock()
		go p.rollbackAndReturn(c)
		return
	}

	p.idle = append(p.idle, c)
	p.cfg.Metrics.observe(p.statsLocked())
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) rollbackAndReturn(c *conn.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Query(ctx, "rollback", nil, nil, conn.QueryOptions{}); err != nil {
		p.logger.Warn("rollback on release failed, discarding connection", slog.Any("error", err))
		c.Close()
		p.cond.Signal()
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.cfg.Metrics.observe(p.statsLocked())
	p.mu.Unlock()
	p.cond.Signal()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Close drains idle connections and stops the reaper. In-flight
// connections close as they're released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) <= p.cfg.MinSize {
		return
	}
	excess := len(p.idle) - p.cfg.MinSize
	kept := p.idle[:0]
	for i, c := range p.idle {
		if i < excess {
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
}
