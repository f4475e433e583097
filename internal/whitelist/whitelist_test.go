package whitelist

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock safe for concurrent use.
type fakeClock struct {
	ns atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *fakeClock) Set(t time.Time)         { c.ns.Store(t.UnixNano()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

var (
	addrA = netip.MustParseAddr("192.0.2.10")
	addrB = netip.MustParseAddr("2001:db8::20")
	bob   = []Header{{Name: "Remote-User", Value: "bob"}, {Name: "Remote-Groups", Value: "admins"}}
	alice = []Header{{Name: "Remote-User", Value: "alice"}}
)

func newTestCache(t *testing.T, s Schedule, clock *fakeClock) *Cache {
	t.Helper()
	c, err := New(s, WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Schedule{Hour: 24})
	assert.Error(t, err)
}

func TestAuthorizeThenCheck(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 12, 0, 0))
	c := newTestCache(t, Schedule{Days: 1, Hour: 3}, clock)

	expires, err := c.Authorize(addrA, bob)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, time.May, 3, 3, 0, 0), expires)

	got, err := c.Check(addrA)
	require.NoError(t, err)
	assert.Equal(t, bob, got)
}

func TestCheckUnknownAddress(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 12, 0, 0)))

	_, err := c.Check(addrB)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestInvalidAddress(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 12, 0, 0)))

	_, err := c.Authorize(netip.Addr{}, bob)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = c.Check(netip.Addr{})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Zero(t, c.Len())
}

func TestCheckReturnsCopies(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))

	in := []Header{{Name: "Remote-User", Value: "bob"}}
	_, err := c.Authorize(addrA, in)
	require.NoError(t, err)
	in[0].Value = "mallory"

	got, err := c.Check(addrA)
	require.NoError(t, err)
	got[0].Value = "eve"

	again, err := c.Check(addrA)
	require.NoError(t, err)
	assert.Equal(t, "bob", again[0].Value)
}

func TestMappedIPv4IsSameAddress(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))

	_, err := c.Authorize(netip.MustParseAddr("::ffff:192.0.2.10"), bob)
	require.NoError(t, err)

	_, err = c.Check(addrA)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestExpiredEntryIsRemovedLazily(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	_, err := c.Authorize(addrA, bob)
	require.NoError(t, err)

	clock.Set(utc(2024, time.May, 1, 2, 59, 59))
	_, err = c.Check(addrA)
	require.NoError(t, err, "still valid one second before cutoff")

	clock.Set(utc(2024, time.May, 1, 3, 0, 0))
	_, err = c.Check(addrA)
	assert.ErrorIs(t, err, ErrNotAuthorized, "invalid exactly at expiry")
	assert.Zero(t, c.Len(), "expired entry removed by the failed check")

	assert.Zero(t, c.Prune())
}

func TestPrune(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	_, err := c.Authorize(addrA, bob) // expires 2024-05-01 03:00
	require.NoError(t, err)

	clock.Set(utc(2024, time.May, 1, 4, 0, 0))
	_, err = c.Authorize(addrB, alice) // expires 2024-05-02 03:00
	require.NoError(t, err)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())

	got, err := c.Check(addrB)
	require.NoError(t, err, "prune must not touch live entries")
	assert.Equal(t, alice, got)

	_, err = c.Check(addrA)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.Zero(t, c.Prune(), "prune is idempotent")
}

func TestPruneNoop(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))
	assert.Zero(t, c.Prune())
}

func TestAuthorizeOverwrites(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	_, err := c.Authorize(addrA, bob)
	require.NoError(t, err)

	clock.Set(utc(2024, time.May, 1, 5, 0, 0))
	expires, err := c.Authorize(addrA, alice)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, time.May, 2, 3, 0, 0), expires)

	got, err := c.Check(addrA)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
	assert.Equal(t, 1, c.Len())
}

func TestAuthorizeIdempotent(t *testing.T) {
	c := newTestCache(t, Schedule{Days: 2, Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))

	first, err := c.Authorize(addrA, bob)
	require.NoError(t, err)
	second, err := c.Authorize(addrA, bob)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Len())

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, first, snap[0].ExpiresAt)
}

func TestRevoke(t *testing.T) {
	c := newTestCache(t, Schedule{Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))

	_, err := c.Authorize(addrA, bob)
	require.NoError(t, err)

	assert.True(t, c.Revoke(addrA))
	assert.False(t, c.Revoke(addrA))

	_, err = c.Check(addrA)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSnapshotSkipsExpiredAndSorts(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	_, _ = c.Authorize(addrB, alice)
	_, _ = c.Authorize(addrA, bob)
	clock.Set(utc(2024, time.May, 1, 4, 0, 0))
	third := netip.MustParseAddr("10.0.0.1")
	_, _ = c.Authorize(third, alice)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, third, snap[0].Address)

	clock.Set(utc(2024, time.May, 1, 1, 0, 0))
	snap = c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []netip.Addr{third, addrA, addrB}, []netip.Addr{snap[0].Address, snap[1].Address, snap[2].Address})
}

// A delete triggered by an expired read must not remove an entry that was
// refreshed after the read.
func TestLazyDeleteKeepsFreshEntry(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	_, err := c.Authorize(addrA, bob)
	require.NoError(t, err)

	staleNow := utc(2024, time.May, 1, 3, 30, 0)
	clock.Set(staleNow)
	_, err = c.Authorize(addrA, alice) // refreshed to 2024-05-02 03:00
	require.NoError(t, err)

	c.deleteIfExpired(addrA, staleNow)

	got, err := c.Check(addrA)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestConcurrentAuthorizeAndCheckNeverMixHeaders(t *testing.T) {
	c := newTestCache(t, Schedule{Days: 1, Hour: 3}, newFakeClock(utc(2024, time.May, 1, 1, 0, 0)))

	sets := make([][]Header, 8)
	for i := range sets {
		user := fmt.Sprintf("user-%d", i)
		sets[i] = []Header{
			{Name: "Remote-User", Value: user},
			{Name: "Remote-Email", Value: user + "@example.com"},
			{Name: "Remote-Name", Value: user},
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, err := c.Authorize(addrA, sets[(w+i)%len(sets)])
				assert.NoError(t, err)
			}
		}(w)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got, err := c.Check(addrA)
				if err != nil {
					continue
				}
				if !assert.Len(t, got, 3) {
					continue
				}
				user := got[0].Value
				assert.Equal(t, user+"@example.com", got[1].Value)
				assert.Equal(t, user, got[2].Value)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.Prune()
		}
	}()

	wg.Wait()
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentExpiryAndRefresh(t *testing.T) {
	clock := newFakeClock(utc(2024, time.May, 1, 1, 0, 0))
	c := newTestCache(t, Schedule{Hour: 3}, clock)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 300; j++ {
				_, _ = c.Check(addrA)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 300; j++ {
				_, _ = c.Authorize(addrA, bob)
				clock.Advance(time.Minute)
			}
		}()
	}
	wg.Wait()

	// Whatever the interleaving, the last authorize always leaves a live
	// entry once the clock stops.
	_, err := c.Authorize(addrA, alice)
	require.NoError(t, err)
	got, err := c.Check(addrA)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}
