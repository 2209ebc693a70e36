// Package pool implements the Pool & Routing Table: the proxy-IP to
// backend mapping exposed to front-ends as an O(1) resolve(), backed by a
// read-through LRU cache over the Policy Store's Allocations repository.
// Grounded on the pack's bounded-cache convention (hashicorp/golang-lru),
// with explicit invalidate-on-write methods per spec.md §9's note that
// engine-owned caches must tie invalidation to writer commits, not hooks.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"

	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
)

// Entry is a cached proxy-IP -> backend routing fact.
type Entry struct {
	Backend   model.Backend
	Protocols []model.Protocol
}

// Pool resolves proxy IPs to backends in O(1), backed by the Policy
// Store's Allocations/Backends repositories and invalidated on every
// bind/release.
type Pool struct {
	allocations store.Allocations
	backends    store.Backends

	mu    sync.RWMutex
	cache *lru.Cache

	// activeStays reports whether any stay is currently open on a proxy
	// IP; Bind and Release consult it to enforce "a proxy IP may not be rebound
	// while any stay is active on it" (spec.md §4.2).
	activeStays func(proxyIP string) bool
}

// New constructs a Pool with room for maxEntries cached routes and warms
// it from every currently active allocation.
func New(ctx context.Context, allocations store.Allocations, backends store.Backends, maxEntries int, activeStays func(string) bool) (*Pool, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{allocations: allocations, backends: backends, cache: c, activeStays: activeStays}

	actives, err := allocations.AllActive(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, a := range actives {
		b, err := backends.Get(ctx, a.BackendID)
		if err != nil {
			continue
		}
		p.cache.Add(a.ProxyIP, Entry{Backend: b, Protocols: b.Protocols()})
	}
	return p, nil
}

// Resolve returns the backend currently bound to proxyIP. Cache hits never
// touch the Policy Store.
func (p *Pool) Resolve(ctx context.Context, proxyIP string) (Entry, error) {
	p.mu.RLock()
	if v, ok := p.cache.Get(proxyIP); ok {
		p.mu.RUnlock()
		return v.(Entry), nil
	}
	p.mu.RUnlock()

	alloc, err := p.allocations.Active(ctx, proxyIP)
	if err != nil {
		return Entry{}, trace.Wrap(err)
	}
	b, err := p.backends.Get(ctx, alloc.BackendID)
	if err != nil {
		return Entry{}, trace.Wrap(err)
	}
	e := Entry{Backend: b, Protocols: b.Protocols()}
	p.mu.Lock()
	p.cache.Add(proxyIP, e)
	p.mu.Unlock()
	return e, nil
}

// Bind creates a new allocation for proxyIP and atomically invalidates (by
// replacing) the cache entry.
func (p *Pool) Bind(ctx context.Context, proxyIP, backendID string, now time.Time) error {
	if p.activeStays != nil && p.activeStays(proxyIP) {
		return trace.BadParameter("proxy IP %q has active stays, cannot rebind", proxyIP)
	}
	if err := p.allocations.Bind(ctx, proxyIP, backendID, now); err != nil {
		return trace.Wrap(err)
	}
	b, err := p.backends.Get(ctx, backendID)
	if err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.cache.Add(proxyIP, Entry{Backend: b, Protocols: b.Protocols()})
	p.mu.Unlock()
	return nil
}

// Release ends the active allocation for proxyIP and invalidates the cache.
func (p *Pool) Release(ctx context.Context, proxyIP string, now time.Time) error {
	if p.activeStays != nil && p.activeStays(proxyIP) {
		return trace.BadParameter("proxy IP %q has active stays, cannot unbind", proxyIP)
	}
	if err := p.allocations.Release(ctx, proxyIP, now); err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.cache.Remove(proxyIP)
	p.mu.Unlock()
	return nil
}
