package fetchx

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"dqx0.com/go/fetch/internal/obs"
	"dqx0.com/go/fetch/internal/sched"
)

// PoolKey identifies one pool of interchangeable connections.
type PoolKey struct {
	Scheme string
	Host   string
	Port   int
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

// waiterGrant is what a queued acquirer receives: a released transport
// to reuse, a reserved slot to dial into (both nil), or a terminal
// error.
type waiterGrant struct {
	t   *Transport
	err error
}

type waiter struct {
	key  PoolKey
	ch   chan waiterGrant
	done bool // removed or granted; guarded by Connector.mu
}

// Connector owns a bounded set of Transports keyed by
// (scheme, host, port). It reuses idle connections after a liveness
// probe, enforces global and per-host limits, queues acquirers FIFO
// under contention, and reaps idle connections past their timeout on
// the scheduler loop.
//
// Bookkeeping is guarded by a mutex so a Connector may be shared by
// Sessions running on different goroutines; no I/O happens under the
// lock.
type Connector struct {
	cfg      ConnectorConfig
	resolver Resolver
	loop     *sched.Loop
	tls      *tls.Config
	log      obs.Logger
	metrics  obs.Metrics

	mu      sync.Mutex
	idle    map[PoolKey][]*Transport
	conns   map[PoolKey]int // idle + in-use per key
	total   int             // idle + in-use across keys
	waiters []*waiter
	closed  bool
	reaper  *sched.Timer
}

// NewConnector builds a Connector from cfg. Defaults are applied for
// zero-valued fields; see ConnectorConfig.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loop := sched.NewLoop(cfg.Workers, cfg.WorkerQueue)
	c := &Connector{
		cfg:     cfg,
		loop:    loop,
		tls:     cfg.TLSConfig,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		idle:    make(map[PoolKey][]*Transport),
		conns:   make(map[PoolKey]int),
	}
	if c.log == nil {
		c.log = obs.NopLogger{}
	}
	if c.metrics == nil {
		c.metrics = obs.NopMetrics{}
	}

	upstream := cfg.Resolver
	if upstream == nil {
		upstream = &netResolver{loop: loop}
	}
	if caching, ok := upstream.(*CachingResolver); ok {
		caching.setMetrics(c.metrics)
		c.resolver = caching
	} else {
		caching := NewCachingResolver(upstream, cfg.DNSTTL)
		caching.setMetrics(c.metrics)
		c.resolver = caching
	}

	c.reaper = loop.AfterFunc(cfg.ReapInterval, c.reap)
	return c, nil
}

// Acquire returns a transport for key: an idle one that passes the
// liveness probe, a freshly dialed one when under the per-host and
// global limits, or, under contention, it suspends in FIFO order until
// a matching transport is released or a slot frees up.
func (c *Connector) Acquire(ctx context.Context, key PoolKey) (*Transport, error) {
	var waitStart time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil, mapContextErr(err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if t := c.popIdleLocked(key); t != nil {
			c.mu.Unlock()
			if t.alive() {
				c.metrics.ConnReused(key.Host)
				return t, nil
			}
			c.discard(t)
			continue
		}
		if evict := c.makeRoomLocked(key); evict != nil {
			// Global limit held entirely by idle connections of
			// other keys; evict the oldest to free a slot.
			c.mu.Unlock()
			c.metrics.ConnIdleClosed(evict.key.Host)
			c.discard(evict)
			continue
		}
		if c.hasCapacityLocked(key) {
			c.reserveLocked(key)
			c.mu.Unlock()
			return c.dial(ctx, key)
		}

		w := &waiter{key: key, ch: make(chan waiterGrant, 1)}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()
		if waitStart.IsZero() {
			waitStart = time.Now()
		}

		select {
		case g := <-w.ch:
			if g.err != nil {
				return nil, g.err
			}
			c.metrics.PoolWait(key.Host, time.Since(waitStart))
			if g.t == nil {
				// Slot reserved on our behalf.
				return c.dial(ctx, key)
			}
			if g.t.alive() {
				c.metrics.ConnReused(key.Host)
				return g.t, nil
			}
			c.discard(g.t)
		case <-ctx.Done():
			c.abandonWaiter(w)
			return nil, mapContextErr(ctx.Err())
		}
	}
}

// Release returns a transport to the pool. Reusable transports are
// handed directly to the earliest waiter for the same key, or parked
// idle with a fresh expiry; everything else is closed and its slot
// granted to the earliest eligible waiter.
func (c *Connector) Release(t *Transport, reusable bool) {
	if t == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.decrementLocked(t.key)
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	if reusable && !t.isClosed() && !t.aborted.Load() {
		if w := c.takeWaiterLocked(t.key); w != nil {
			w.ch <- waiterGrant{t: t}
			c.mu.Unlock()
			return
		}
		if len(c.idle[t.key]) < c.cfg.MaxIdlePerHost {
			t.idleAt = time.Now().Add(c.cfg.IdleTimeout)
			c.idle[t.key] = append(c.idle[t.key], t)
			c.mu.Unlock()
			return
		}
	}
	c.decrementLocked(t.key)
	c.dispatchSlotLocked()
	c.mu.Unlock()
	_ = t.Close()
}

// CloseIdleConnections closes all idle pooled transports immediately.
func (c *Connector) CloseIdleConnections() {
	c.mu.Lock()
	var victims []*Transport
	for key, list := range c.idle {
		victims = append(victims, list...)
		for range list {
			c.decrementLocked(key)
		}
		delete(c.idle, key)
	}
	c.dispatchSlotLocked()
	c.mu.Unlock()
	for _, t := range victims {
		_ = t.Close()
	}
}

// Close shuts the pool down: idle transports are closed, queued and
// future acquirers fail with ErrPoolClosed, and in-use transports are
// closed as they are released.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var victims []*Transport
	for key, list := range c.idle {
		victims = append(victims, list...)
		for range list {
			c.decrementLocked(key)
		}
		delete(c.idle, key)
	}
	waiters := c.waiters
	c.waiters = nil
	reaper := c.reaper
	c.mu.Unlock()

	if reaper != nil {
		reaper.Stop()
	}
	for _, w := range waiters {
		w.ch <- waiterGrant{err: ErrPoolClosed}
	}
	for _, t := range victims {
		_ = t.Close()
	}
	c.loop.Close()
	return nil
}

// Resolver exposes the connector's caching resolver.
func (c *Connector) Resolver() Resolver { return c.resolver }

func (c *Connector) dial(ctx context.Context, key PoolKey) (*Transport, error) {
	addrs, err := c.resolver.Resolve(ctx, key.Host, key.Port)
	if err != nil {
		c.unreserve(key)
		c.log.Logf(obs.Warn, "resolve %s failed: %v", key.Host, err)
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		t, dialErr := dialTransport(ctx, key, addr, c.tls, c.cfg.DialTimeout, c.loop)
		if dialErr == nil {
			c.metrics.ConnDialed(key.Host)
			c.log.Logf(obs.Debug, "dialed %s via %s", key, addr)
			return t, nil
		}
		lastErr = dialErr
		if ctx.Err() != nil {
			break
		}
	}
	c.unreserve(key)
	c.log.Logf(obs.Warn, "dial %s failed: %v", key, lastErr)
	return nil, lastErr
}

// reap runs on the scheduler loop: it closes idle transports past
// their expiry, frees their slots, and reschedules itself.
func (c *Connector) reap() {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var victims []*Transport
	for key, list := range c.idle {
		kept := list[:0]
		for _, t := range list {
			if t.idleAt.Before(now) {
				victims = append(victims, t)
				c.decrementLocked(key)
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(c.idle, key)
		} else {
			c.idle[key] = kept
		}
	}
	for range victims {
		c.dispatchSlotLocked()
	}
	c.reaper = c.loop.AfterFunc(c.cfg.ReapInterval, c.reap)
	c.mu.Unlock()

	for _, t := range victims {
		c.metrics.ConnIdleClosed(t.key.Host)
		_ = t.Close()
	}
}

// discard closes a transport that failed its liveness probe or became
// unusable, freeing its slot for the next waiter.
func (c *Connector) discard(t *Transport) {
	c.mu.Lock()
	c.decrementLocked(t.key)
	c.dispatchSlotLocked()
	c.mu.Unlock()
	_ = t.Close()
}

func (c *Connector) popIdleLocked(key PoolKey) *Transport {
	list := c.idle[key]
	if len(list) == 0 {
		return nil
	}
	t := list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(c.idle, key)
	} else {
		c.idle[key] = list
	}
	return t
}

func (c *Connector) hasCapacityLocked(key PoolKey) bool {
	if c.cfg.LimitPerHost > 0 && c.conns[key] >= c.cfg.LimitPerHost {
		return false
	}
	if c.cfg.Limit > 0 && c.total >= c.cfg.Limit {
		return false
	}
	return true
}

// makeRoomLocked picks an idle transport of another key to evict when
// only the global limit blocks this acquire. The caller closes it.
func (c *Connector) makeRoomLocked(key PoolKey) *Transport {
	if c.cfg.Limit <= 0 || c.total < c.cfg.Limit {
		return nil
	}
	if c.cfg.LimitPerHost > 0 && c.conns[key] >= c.cfg.LimitPerHost {
		return nil
	}
	var (
		oldestKey PoolKey
		oldestIdx = -1
		oldestAt  time.Time
	)
	for k, list := range c.idle {
		for i, t := range list {
			if oldestIdx == -1 || t.idleAt.Before(oldestAt) {
				oldestKey, oldestIdx, oldestAt = k, i, t.idleAt
			}
		}
	}
	if oldestIdx == -1 {
		return nil
	}
	list := c.idle[oldestKey]
	t := list[oldestIdx]
	list = append(list[:oldestIdx], list[oldestIdx+1:]...)
	if len(list) == 0 {
		delete(c.idle, oldestKey)
	} else {
		c.idle[oldestKey] = list
	}
	return t
}

func (c *Connector) reserveLocked(key PoolKey) {
	c.conns[key]++
	c.total++
}

func (c *Connector) decrementLocked(key PoolKey) {
	if c.conns[key] > 0 {
		c.conns[key]--
		if c.conns[key] == 0 {
			delete(c.conns, key)
		}
	}
	if c.total > 0 {
		c.total--
	}
}

// unreserve releases a slot reserved for a dial that failed.
func (c *Connector) unreserve(key PoolKey) {
	c.mu.Lock()
	c.decrementLocked(key)
	c.dispatchSlotLocked()
	c.mu.Unlock()
}

// takeWaiterLocked removes and returns the earliest waiter for key.
func (c *Connector) takeWaiterLocked(key PoolKey) *waiter {
	for i, w := range c.waiters {
		if w.done || w.key != key {
			continue
		}
		w.done = true
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		return w
	}
	return nil
}

// dispatchSlotLocked grants a freed slot to the earliest waiter whose
// key is under its per-host limit, reserving the slot on its behalf.
func (c *Connector) dispatchSlotLocked() {
	if c.closed {
		return
	}
	for i, w := range c.waiters {
		if w.done {
			continue
		}
		if c.cfg.LimitPerHost > 0 && c.conns[w.key] >= c.cfg.LimitPerHost {
			continue
		}
		if c.cfg.Limit > 0 && c.total >= c.cfg.Limit {
			return
		}
		w.done = true
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		c.reserveLocked(w.key)
		w.ch <- waiterGrant{}
		return
	}
}

// abandonWaiter handles a cancelled acquire; a grant that raced the
// cancellation is re-dispatched instead of leaking.
func (c *Connector) abandonWaiter(w *waiter) {
	c.mu.Lock()
	if !w.done {
		w.done = true
		for i, q := range c.waiters {
			if q == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case g := <-w.ch:
		switch {
		case g.err != nil:
		case g.t != nil:
			c.Release(g.t, true)
		default:
			c.unreserve(w.key)
		}
	default:
	}
}

// stats returns current per-key and total connection counts, for tests.
func (c *Connector) stats() (perKey map[PoolKey]int, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perKey = make(map[PoolKey]int, len(c.conns))
	for k, n := range c.conns {
		perKey[k] = n
	}
	return perKey, c.total
}
