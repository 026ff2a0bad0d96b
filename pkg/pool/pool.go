// Package pool manages a bounded set of live database connections.
// Acquire blocks up to the configured timeout when every connection is
// leased; blocked callers are served strictly first-come-first-served.
// The pool is safe for concurrent use; individual connections are not.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/logging"
	"github.com/meridian-data/meridian-engine/pkg/retry"
)

// PooledConn is a leased connection. The holder owns it exclusively until
// Release or Discard returns it to the pool.
type PooledConn struct {
	driver.Conn
	createdAt time.Time
	idleSince time.Time
}

// Age returns how long ago the underlying connection was dialed.
func (pc *PooledConn) Age() time.Duration {
	return time.Since(pc.createdAt)
}

type waiter struct {
	// conn delivers a handed-off connection, or nil when capacity freed
	// without one and the waiter should retry.
	conn chan *PooledConn
}

// Pool owns up to MaxConns connections, idle plus leased plus in-flight
// dials, and never exceeds that bound.
type Pool struct {
	connector driver.Connector
	cfg       config.PoolConfig
	logger    *zap.Logger

	mu      sync.Mutex
	idle    []*PooledConn // newest last
	leased  map[*PooledConn]struct{}
	waiters []*waiter // FIFO
	dialing int       // capacity reserved for dials in flight
	closed  bool
}

// New creates a pool over the given connector. No connections are dialed
// until the first Acquire.
func New(connector driver.Connector, cfg config.PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{
		connector: connector,
		cfg:       cfg,
		logger:    logger.Named("pool"),
		leased:    make(map[*PooledConn]struct{}),
	}
}

// Dialect returns the dialect of the pooled connections.
func (p *Pool) Dialect() driver.Dialect {
	return p.connector.Dialect()
}

// Stats returns the current leased and idle connection counts.
func (p *Pool) Stats() (leased, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased), len(p.idle)
}

// Acquire leases a connection, blocking up to the configured acquire
// timeout when the pool is exhausted. Expiry fails with ErrPoolExhausted;
// cancellation of the caller's context fails with the context error.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, apperrors.ErrPoolClosed
		}

		// Reuse the most recently idle connection, recycling any that
		// outlived the configured age.
		if pc := p.popIdleLocked(); pc != nil {
			p.leased[pc] = struct{}{}
			p.mu.Unlock()

			if p.cfg.LivenessCheck {
				if err := pc.Ping(ctx); err != nil {
					p.logger.Debug("liveness check failed, discarding connection",
						zap.String("error", logging.SanitizeError(err)))
					p.Discard(pc)
					continue
				}
			}
			return pc, nil
		}

		if len(p.leased)+len(p.idle)+p.dialing < p.cfg.MaxConns {
			p.dialing++
			p.mu.Unlock()
			return p.dial(ctx)
		}

		// At capacity: queue and wait for a handoff.
		w := &waiter{conn: make(chan *PooledConn, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case pc := <-w.conn:
			if pc == nil {
				continue // capacity freed without a connection, retry
			}
			return pc, nil
		case <-ctx.Done():
			p.abandonWait(w)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waited %s", apperrors.ErrPoolExhausted, p.cfg.AcquireTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// popIdleLocked removes and returns a usable idle connection, closing any
// that exceeded the recycle age. Caller must hold p.mu.
func (p *Pool) popIdleLocked() *PooledConn {
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.MaxConnAge > 0 && pc.Age() > p.cfg.MaxConnAge {
			p.logger.Debug("recycling connection past max age",
				zap.Duration("age", pc.Age()))
			go pc.Conn.Close()
			continue
		}
		return pc
	}
	return nil
}

// dial creates a fresh connection for a reserved capacity slot. Transient
// dial failures retry with backoff, bounded by the liveness retry budget.
func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	rcfg := &retry.Config{
		MaxRetries:   p.cfg.LivenessRetries,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
	conn, err := retry.DoWithResult(ctx, rcfg, func() (driver.Conn, error) {
		return p.connector.Connect(ctx)
	})

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.notifyOneLocked()
		p.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrPoolExhausted, logging.SanitizeError(err))
		}
		return nil, fmt.Errorf("dial connection: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, apperrors.ErrPoolClosed
	}
	pc := &PooledConn{Conn: conn, createdAt: time.Now()}
	p.leased[pc] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("connection dialed")
	return pc, nil
}

// Release returns a leased connection to the pool. The first blocked
// waiter, if any, receives the connection directly without it passing
// through the idle set.
func (p *Pool) Release(pc *PooledConn) {
	p.mu.Lock()
	if _, ok := p.leased[pc]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of a connection the pool does not hold leased")
		return
	}

	if p.closed {
		delete(p.leased, pc)
		p.mu.Unlock()
		pc.Conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.conn <- pc // stays leased, new holder
		return
	}

	delete(p.leased, pc)
	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Discard closes a leased connection instead of returning it, freeing its
// capacity slot. Used when the connection is known broken.
func (p *Pool) Discard(pc *PooledConn) {
	p.mu.Lock()
	if _, ok := p.leased[pc]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, pc)
	p.notifyOneLocked()
	p.mu.Unlock()

	pc.Conn.Close()
	p.logger.Debug("connection discarded")
}

// Dispose closes every idle connection and marks the pool closed. Leased
// connections are closed as they come back. Blocked waiters fail with
// ErrPoolClosed.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.conn <- nil // waiters wake, observe closed, fail
	}

	var errs error
	for _, pc := range idle {
		if err := pc.Conn.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	p.logger.Info("pool disposed", zap.Int("closed_idle", len(idle)))
	return errs
}

// abandonWait removes a timed-out waiter. If the waiter was already
// popped from the queue, a handoff is committed and will arrive on its
// channel; the connection must not stay half-leased, so it goes back
// through Release for the next waiter or the idle set.
func (p *Pool) abandonWait(w *waiter) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue: a sender already claimed this waiter.
	if pc := <-w.conn; pc != nil {
		p.Release(pc)
	}
}

// notifyOneLocked wakes the first waiter without a connection so it can
// use the capacity slot that just freed. Caller must hold p.mu.
func (p *Pool) notifyOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.conn <- nil
}
