package fetchx

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dqx0.com/go/fetch/internal/obs"
	"dqx0.com/go/fetch/internal/sched"
)

// Address is a resolved peer address. Expires is the cache deadline;
// the caching resolver never hands out an address past it without
// re-resolving.
type Address struct {
	IP      net.IP
	Port    int
	Expires time.Time
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Resolver resolves a hostname to an ordered list of addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) ([]Address, error)
}

// netResolver performs DNS lookups through net.Resolver, delegating the
// blocking call to the scheduler's worker pool so lookups for the same
// host serialize on one shard.
type netResolver struct {
	loop *sched.Loop
	r    *net.Resolver
}

func (n *netResolver) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []Address{{IP: ip, Port: port}}, nil
	}

	type result struct {
		ips []net.IPAddr
		err error
	}
	ch := make(chan result, 1)
	n.loop.Offload(host, func() {
		ips, err := n.r.LookupIPAddr(ctx, host)
		ch <- result{ips: ips, err: err}
	}, nil)

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrResolution, host, res.err)
		}
		if len(res.ips) == 0 {
			return nil, fmt.Errorf("%w: %s: no addresses", ErrResolution, host)
		}
		addrs := make([]Address, 0, len(res.ips))
		for _, ip := range res.ips {
			addrs = append(addrs, Address{IP: ip.IP, Port: port})
		}
		return addrs, nil
	case <-ctx.Done():
		return nil, mapContextErr(ctx.Err())
	}
}

// CachingResolver caches successful resolutions for a TTL and coalesces
// concurrent lookups for the same hostname into one upstream query.
type CachingResolver struct {
	upstream Resolver
	ttl      time.Duration
	metrics  obs.Metrics

	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]Address
}

// NewCachingResolver wraps upstream with a TTL cache. A zero ttl
// disables caching but keeps coalescing.
func NewCachingResolver(upstream Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		upstream: upstream,
		ttl:      ttl,
		metrics:  obs.NopMetrics{},
		cache:    make(map[string][]Address),
	}
}

func (c *CachingResolver) setMetrics(m obs.Metrics) {
	if m != nil {
		c.metrics = m
	}
}

func (c *CachingResolver) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if addrs, ok := c.cached(key); ok {
		c.metrics.DNSLookup(host, true)
		return addrs, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Recheck under the flight: a concurrent caller may have
		// refreshed the entry while this one queued.
		if addrs, ok := c.cached(key); ok {
			return addrs, nil
		}
		// The flight is shared by every coalesced caller, so it must
		// not inherit the first caller's cancellation; each caller
		// still honors its own ctx in the select below.
		addrs, err := c.upstream.Resolve(context.WithoutCancel(ctx), host, port)
		if err != nil {
			return nil, err
		}
		c.metrics.DNSLookup(host, false)
		if c.ttl > 0 {
			expires := time.Now().Add(c.ttl)
			stamped := make([]Address, len(addrs))
			for i, a := range addrs {
				a.Expires = expires
				stamped[i] = a
			}
			c.store(key, stamped)
			return stamped, nil
		}
		return addrs, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Address), nil
	case <-ctx.Done():
		return nil, mapContextErr(ctx.Err())
	}
}

// Flush drops all cached entries.
func (c *CachingResolver) Flush() {
	c.mu.Lock()
	c.cache = make(map[string][]Address)
	c.mu.Unlock()
}

// Invalidate drops cached entries for one host, any port.
func (c *CachingResolver) Invalidate(host string) {
	c.mu.Lock()
	for key := range c.cache {
		if h, _, err := net.SplitHostPort(key); err == nil && h == host {
			delete(c.cache, key)
		}
	}
	c.mu.Unlock()
}

func (c *CachingResolver) cached(key string) ([]Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	now := time.Now()
	for _, a := range addrs {
		if !a.Expires.After(now) {
			delete(c.cache, key)
			return nil, false
		}
	}
	out := make([]Address, len(addrs))
	copy(out, addrs)
	return out, true
}

func (c *CachingResolver) store(key string, addrs []Address) {
	c.mu.Lock()
	c.cache[key] = addrs
	c.mu.Unlock()
}
