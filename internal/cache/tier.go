// Package cache implements the freshness-bounded snapshot cache with a
// stale-but-usable window behind it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

const (
	DefaultFreshTTL   = 4 * time.Hour
	DefaultHardExpiry = 48 * time.Hour
	DefaultWriteTTL   = time.Hour
	DefaultKeyPrefix  = "pricewatch:price:"
)

// Options tune the tier. Zero values fall back to the defaults above.
type Options struct {
	FreshTTL   time.Duration
	HardExpiry time.Duration
	WriteTTL   time.Duration
	KeyPrefix  string
	Now        func() time.Time
}

type entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"storedAt"`
}

// Tier reads and writes snapshots through a Backend.
type Tier struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
}

// New builds a Tier.
func New(backend Backend, opts Options, logger zerolog.Logger) *Tier {
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = DefaultFreshTTL
	}
	if opts.HardExpiry <= 0 {
		opts.HardExpiry = DefaultHardExpiry
	}
	if opts.HardExpiry < opts.FreshTTL {
		opts.HardExpiry = opts.FreshTTL
	}
	if opts.WriteTTL <= 0 {
		opts.WriteTTL = DefaultWriteTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tier{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

// Key builds the cache key for a commodity and optional location.
func Key(commodity, location string) string {
	key := market.NormalizeCommodity(commodity)
	if loc := market.NormalizeCommodity(location); loc != "" {
		key += ":" + loc
	}
	return key
}

// Get returns the cached snapshot and its age. Entries older than the hard
// expiry, unreadable entries and backend errors all report found=false.
func (t *Tier) Get(ctx context.Context, key string) (market.Snapshot, time.Duration, bool) {
	raw, err := t.backend.Get(ctx, t.opts.KeyPrefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			t.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return market.Snapshot{}, 0, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		return market.Snapshot{}, 0, false
	}
	age := t.opts.Now().Sub(e.StoredAt)
	if age < 0 {
		age = 0
	}
	if age > t.opts.HardExpiry {
		return market.Snapshot{}, age, false
	}

	var snap market.Snapshot
	if err := json.Unmarshal(e.Value, &snap); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt")
		return market.Snapshot{}, 0, false
	}
	return snap, age, true
}

// Fresh reports whether an entry of the given age may be served without a
// live fetch.
func (t *Tier) Fresh(age time.Duration) bool {
	return age <= t.opts.FreshTTL
}

// Set stores snap under key. Failures are logged and never returned. The
// backend keeps the entry for at least the hard expiry so the stale window
// stays reachable after the write TTL has passed.
func (t *Tier) Set(ctx context.Context, key string, snap market.Snapshot) {
	value, err := json.Marshal(snap)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		return
	}
	payload, err := json.Marshal(entry{Value: value, StoredAt: t.opts.Now().UTC()})
	if err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		return
	}
	if err := t.backend.SetWithTTL(ctx, t.opts.KeyPrefix+key, payload, t.retention()); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (t *Tier) retention() time.Duration {
	if t.opts.WriteTTL > t.opts.HardExpiry {
		return t.opts.WriteTTL
	}
	return t.opts.HardExpiry
}
