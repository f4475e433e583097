// Package whitelist implements the in-memory address whitelist behind the
// forward-auth endpoints. An address authorized with a set of identity
// headers stays whitelisted until a daily cutoff computed by a Schedule;
// lookups replay the captured headers.
//
// All state lives in one map guarded by a sync.RWMutex. Successful lookups
// take the read lock only, so concurrent checks proceed in parallel; inserts,
// lazy deletes and prunes take the write lock.
package whitelist

import (
	"errors"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotAuthorized is returned by Check for unknown or expired addresses.
	ErrNotAuthorized = errors.New("whitelist: address not authorized")

	// ErrInvalidAddress is returned when the zero netip.Addr is passed in.
	ErrInvalidAddress = errors.New("whitelist: invalid address")
)

// Header is one captured request header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (h Header) String() string { return h.Name + ": " + h.Value }

// entry is never mutated after insertion; Authorize replaces it whole.
type entry struct {
	expiresAt time.Time
	headers   []Header
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Record is a point-in-time copy of one whitelist entry.
type Record struct {
	Address   netip.Addr `json:"address"`
	ExpiresAt time.Time  `json:"expires_at"`
	Headers   []Header   `json:"headers"`
}

// Cache maps client addresses to their captured headers and expiry.
type Cache struct {
	schedule Schedule
	now      func() time.Time

	mu      sync.RWMutex
	entries map[netip.Addr]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache using schedule for expiries.
func New(schedule Schedule, opts ...Option) (*Cache, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		schedule: schedule,
		now:      time.Now,
		entries:  make(map[netip.Addr]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Schedule returns the expiry schedule the cache was built with.
func (c *Cache) Schedule() Schedule { return c.schedule }

// Authorize whitelists addr until the next scheduled cutoff, replacing any
// previous entry, and returns the new expiry.
func (c *Cache) Authorize(addr netip.Addr, headers []Header) (time.Time, error) {
	if !addr.IsValid() {
		return time.Time{}, ErrInvalidAddress
	}
	addr = addr.Unmap()
	e := entry{
		expiresAt: c.schedule.Next(c.now()),
		headers:   slices.Clone(headers),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = e
	return e.expiresAt, nil
}

// Check returns a copy of the headers captured for addr. Expired entries are
// removed and reported as ErrNotAuthorized.
func (c *Cache) Check(addr netip.Addr) ([]Header, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	addr = addr.Unmap()
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[addr]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrNotAuthorized
	}
	if !e.expired(now) {
		return slices.Clone(e.headers), nil
	}

	c.deleteIfExpired(addr, now)
	return nil, ErrNotAuthorized
}

// deleteIfExpired removes addr only if the entry present under the write
// lock is still expired. An Authorize that slipped in between the read and
// this call wins.
func (c *Cache) deleteIfExpired(addr netip.Addr, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[addr]; ok && cur.expired(now) {
		delete(c.entries, addr)
	}
}

// Prune removes every expired entry and returns how many were dropped.
func (c *Cache) Prune() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, addr)
			removed++
		}
	}
	return removed
}

// Revoke drops the entry for addr. It reports whether one existed.
func (c *Cache) Revoke(addr netip.Addr) bool {
	addr = addr.Unmap()

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[addr]
	delete(c.entries, addr)
	return ok
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns the unexpired entries sorted by address.
func (c *Cache) Snapshot() []Record {
	now := c.now()

	c.mu.RLock()
	out := make([]Record, 0, len(c.entries))
	for addr, e := range c.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, Record{Address: addr, ExpiresAt: e.expiresAt, Headers: slices.Clone(e.headers)})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}
