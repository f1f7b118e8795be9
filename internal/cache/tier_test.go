package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandi-price-engine/internal/market"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func sampleSnapshot() market.Snapshot {
	return market.Snapshot{
		Commodity:    "onion",
		CurrentPrice: 2000,
		PriceRange:   market.PriceRange{Min: 1950, Max: 2050, Modal: 2000},
		Volatility:   0.0204,
		Sources:      []market.SourceID{"agmarknet", "enam"},
		Arrivals:     140,
		LastUpdated:  time.Date(2024, 3, 1, 9, 30, 15, 123000000, time.UTC),
		Market:       "Lasalgaon",
	}
}

func newRedisTier(t *testing.T, clk *clock) (*Tier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(NewRedisBackend(client), Options{Now: clk.Now}, zerolog.Nop()), mr
}

func TestTierRoundTripIsByteEqual(t *testing.T) {
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	tier, _ := newRedisTier(t, clk)
	ctx := context.Background()

	snap := sampleSnapshot()
	tier.Set(ctx, Key("Onion", ""), snap)

	clk.now = clk.now.Add(30 * time.Minute)
	got, age, found := tier.Get(ctx, "onion")
	require.True(t, found)
	assert.Equal(t, 30*time.Minute, age)
	assert.True(t, tier.Fresh(age))

	want, err := json.Marshal(snap)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(have))
	assert.Equal(t, snap, got)
}

func TestTierFreshnessWindows(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	tier, mr := newRedisTier(t, clk)
	ctx := context.Background()
	tier.Set(ctx, "onion", sampleSnapshot())

	clk.now = clk.now.Add(4 * time.Hour)
	_, age, found := tier.Get(ctx, "onion")
	require.True(t, found)
	assert.True(t, tier.Fresh(age), "4h is still fresh")

	clk.now = clk.now.Add(time.Minute)
	_, age, found = tier.Get(ctx, "onion")
	require.True(t, found)
	assert.False(t, tier.Fresh(age), "past 4h is stale")

	// The backend keeps the entry well past the write TTL.
	mr.FastForward(5 * time.Hour)
	clk.now = start.Add(48 * time.Hour)
	_, _, found = tier.Get(ctx, "onion")
	assert.True(t, found, "48h old entries are still usable")

	clk.now = start.Add(48*time.Hour + time.Minute)
	_, _, found = tier.Get(ctx, "onion")
	assert.False(t, found, "entries past the hard expiry are not found")
}

func TestTierRedisTTLCoversHardExpiry(t *testing.T) {
	clk := &clock{now: time.Now()}
	tier, mr := newRedisTier(t, clk)
	tier.Set(context.Background(), "wheat", sampleSnapshot())

	assert.Equal(t, DefaultHardExpiry, mr.TTL(DefaultKeyPrefix+"wheat"))
}

func TestTierMiss(t *testing.T) {
	tier, _ := newRedisTier(t, &clock{now: time.Now()})
	_, _, found := tier.Get(context.Background(), "rice")
	assert.False(t, found)
}

func TestTierCorruptEntry(t *testing.T) {
	tier, mr := newRedisTier(t, &clock{now: time.Now()})
	require.NoError(t, mr.Set(DefaultKeyPrefix+"rice", "not json"))

	_, _, found := tier.Get(context.Background(), "rice")
	assert.False(t, found)
}

type failingBackend struct{ err error }

func (f failingBackend) Get(context.Context, string) ([]byte, error) { return nil, f.err }

func (f failingBackend) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return f.err
}

func TestTierBackendFailuresAreAbsorbed(t *testing.T) {
	tier := New(failingBackend{err: errors.New("connection refused")}, Options{}, zerolog.Nop())
	ctx := context.Background()

	assert.NotPanics(t, func() { tier.Set(ctx, "onion", sampleSnapshot()) })
	_, _, found := tier.Get(ctx, "onion")
	assert.False(t, found)
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewMemoryBackend(ctx, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	_, err = backend.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	tier := New(backend, Options{Now: clk.Now}, zerolog.Nop())
	tier.Set(ctx, Key("Tomato", " Nashik "), sampleSnapshot())

	got, _, found := tier.Get(ctx, "tomato:nashik")
	require.True(t, found)
	assert.Equal(t, sampleSnapshot(), got)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "onion", Key(" Onion ", ""))
	assert.Equal(t, "onion:lasalgaon", Key("onion", "Lasalgaon"))
}
