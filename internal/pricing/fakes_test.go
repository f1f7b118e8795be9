package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mandi-price-engine/internal/cache"
	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/storage"
)

type fakeSource struct {
	id    market.SourceID
	obs   []market.Observation
	err   error
	delay time.Duration
	calls int32
}

func (f *fakeSource) ID() market.SourceID { return f.id }

func (f *fakeSource) Fetch(ctx context.Context, commodity, _ string) ([]market.Observation, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]market.Observation, len(f.obs))
	for i, o := range f.obs {
		o.Commodity = commodity
		out[i] = o
	}
	return out, nil
}

func (f *fakeSource) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func quote(id string, modal float64, at time.Time) *fakeSource {
	return &fakeSource{
		id: market.SourceID(id),
		obs: []market.Observation{{
			Source:     market.SourceID(id),
			MinPrice:   modal - 50,
			MaxPrice:   modal + 50,
			ModalPrice: modal,
			Arrivals:   10,
			ObservedAt: at,
		}},
	}
}

type fakeHistory struct {
	mu        sync.Mutex
	latest    market.HistoryEntry
	latestErr error
	entries   []market.HistoryEntry
	rangeErr  error
	rangeDays []int
	upserts   []market.Snapshot
}

func (f *fakeHistory) InsertOrUpdateSnapshot(_ context.Context, snap market.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, snap)
	return nil
}

func (f *fakeHistory) QueryLatest(context.Context, string) (market.HistoryEntry, error) {
	if f.latestErr != nil {
		return market.HistoryEntry{}, f.latestErr
	}
	return f.latest, nil
}

func (f *fakeHistory) QueryRange(_ context.Context, _ string, days int) ([]market.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeDays = append(f.rangeDays, days)
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	return f.entries, nil
}

func (f *fakeHistory) Upserts() []market.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.Snapshot(nil), f.upserts...)
}

type fakeSubs struct {
	saved []market.Subscription
	err   error
}

func (f *fakeSubs) UpsertSubscription(_ context.Context, sub market.Subscription) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, sub)
	return nil
}

func (f *fakeSubs) ListSubscribers(context.Context, string) ([]market.Subscription, error) {
	return f.saved, nil
}

type fakeLocker struct {
	acquired bool
	unlocked bool
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

type fakeAlerter struct {
	mu    sync.Mutex
	snaps []market.Snapshot
}

func (f *fakeAlerter) Dispatch(_ string, snap market.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
}

func (f *fakeAlerter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

// mapBackend is an in-memory cache.Backend that ignores TTLs.
type mapBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string][]byte)}
}

func (m *mapBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *mapBackend) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

var (
	_ storage.HistoryStore      = (*fakeHistory)(nil)
	_ storage.SubscriptionStore = (*fakeSubs)(nil)
	_ storage.AdvisoryLocker    = (*fakeLocker)(nil)
	_ cache.Backend             = (*mapBackend)(nil)
)
