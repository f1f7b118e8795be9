package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/storage"
)

type staticSubs struct {
	subs []market.Subscription
	err  error
}

func (s staticSubs) ListSubscribers(_ context.Context, commodity string) ([]market.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []market.Subscription
	for _, sub := range s.subs {
		if sub.Commodity == commodity {
			out = append(out, sub)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	fail  map[string]bool
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[note.VendorID] {
		return errors.New("sink down")
	}
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) vendors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.VendorID
	}
	return out
}

type memoryAudit struct {
	mu   sync.Mutex
	recs []storage.AlertRecord
}

func (m *memoryAudit) InsertAlert(_ context.Context, rec storage.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func volatileSnapshot(vol float64) market.Snapshot {
	return market.Snapshot{
		Commodity:    "onion",
		CurrentPrice: 2000,
		PriceRange:   market.PriceRange{Min: 1600, Max: 2600, Modal: 2000},
		Volatility:   vol,
		Sources:      []market.SourceID{"agmarknet"},
		LastUpdated:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func subscriptions() staticSubs {
	return staticSubs{subs: []market.Subscription{
		{VendorID: "v1", Commodity: "onion"},
		{VendorID: "v2", Commodity: "onion", ThresholdPercent: 20},
		{VendorID: "v3", Commodity: "onion", ThresholdPercent: 12},
		{VendorID: "v4", Commodity: "potato"},
	}}
}

func TestDispatchSyncHonoursThresholds(t *testing.T) {
	notifier := &recordingNotifier{}
	audit := &memoryAudit{}
	d := NewDispatcher(subscriptions(), notifier, audit, DispatcherOptions{Channels: []string{"telegram"}}, testLogger())

	sent, err := d.DispatchSync(context.Background(), " Onion ", volatileSnapshot(0.15))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []string{"v1", "v3"}, notifier.vendors())

	require.Len(t, audit.recs, 2)
	for _, rec := range audit.recs {
		assert.Equal(t, storage.AlertStatusSent, rec.Status)
		assert.Equal(t, []string{"telegram"}, rec.Channels)
		assert.NotEqual(t, [16]byte{}, [16]byte(rec.ID))
	}
}

func TestDispatchBelowGateSendsNothing(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDispatcher(subscriptions(), notifier, nil, DispatcherOptions{}, testLogger())

	sent, err := d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.0999))
	require.NoError(t, err)
	assert.Zero(t, sent)

	d.Dispatch("onion", volatileSnapshot(0.05))
	d.Wait()
	assert.Empty(t, notifier.vendors())
}

func TestDispatchCooldown(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{}
	d := NewDispatcher(staticSubs{subs: []market.Subscription{{VendorID: "v1", Commodity: "onion"}}}, notifier, nil,
		DispatcherOptions{Cooldown: 30 * time.Minute, Now: func() time.Time { return now }}, testLogger())

	ctx := context.Background()
	sent, _ := d.DispatchSync(ctx, "onion", volatileSnapshot(0.2))
	assert.Equal(t, 1, sent)

	now = now.Add(10 * time.Minute)
	sent, _ = d.DispatchSync(ctx, "onion", volatileSnapshot(0.2))
	assert.Equal(t, 0, sent, "inside cooldown")

	now = now.Add(25 * time.Minute)
	sent, _ = d.DispatchSync(ctx, "onion", volatileSnapshot(0.2))
	assert.Equal(t, 1, sent, "cooldown elapsed")
}

func TestDispatchFailureIsAuditedAndRetried(t *testing.T) {
	notifier := &recordingNotifier{fail: map[string]bool{"v1": true}}
	audit := &memoryAudit{}
	d := NewDispatcher(staticSubs{subs: []market.Subscription{{VendorID: "v1", Commodity: "onion"}}}, notifier, audit,
		DispatcherOptions{Cooldown: time.Hour}, testLogger())

	sent, err := d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.2))
	require.NoError(t, err)
	assert.Zero(t, sent)
	require.Len(t, audit.recs, 1)
	assert.Equal(t, storage.AlertStatusFailed, audit.recs[0].Status)
	require.NotNil(t, audit.recs[0].Error)

	notifier.fail = nil
	sent, _ = d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.2))
	assert.Equal(t, 1, sent, "a failed delivery does not start the cooldown")
}

func TestDispatchPartialDeliveryKeepsCooldown(t *testing.T) {
	telegram := &recordingNotifier{}
	kafkaSink := &recordingNotifier{fail: map[string]bool{"v1": true}}
	audit := &memoryAudit{}
	d := NewDispatcher(staticSubs{subs: []market.Subscription{{VendorID: "v1", Commodity: "onion"}}}, Multi{telegram, kafkaSink}, audit,
		DispatcherOptions{Cooldown: time.Hour}, testLogger())

	sent, err := d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.2))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, audit.recs, 1)
	assert.Equal(t, storage.AlertStatusSent, audit.recs[0].Status)
	require.NotNil(t, audit.recs[0].Error)

	sent, err = d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.2))
	require.NoError(t, err)
	assert.Zero(t, sent, "inside cooldown")
	assert.Equal(t, []string{"v1"}, telegram.vendors())
}

func TestDispatchSubscriberLookupError(t *testing.T) {
	d := NewDispatcher(staticSubs{err: errors.New("db down")}, &recordingNotifier{}, nil, DispatcherOptions{}, testLogger())
	_, err := d.DispatchSync(context.Background(), "onion", volatileSnapshot(0.3))
	assert.Error(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch("onion", volatileSnapshot(0.3))
		d.Wait()
	})
}

func TestDispatchInBackground(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDispatcher(subscriptions(), notifier, nil, DispatcherOptions{}, testLogger())

	d.Dispatch("onion", volatileSnapshot(0.25))
	d.Wait()
	assert.ElementsMatch(t, []string{"v1", "v2", "v3"}, notifier.vendors())
}
