// Package alerting notifies subscribed vendors when a commodity's price
// becomes volatile.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/storage"
)

// DefaultVolatilityThreshold gates every dispatch.
const DefaultVolatilityThreshold = 0.10

// SubscriberLister resolves the subscriptions of a commodity.
type SubscriberLister interface {
	ListSubscribers(ctx context.Context, commodity string) ([]market.Subscription, error)
}

// AuditRecorder persists dispatched alerts.
type AuditRecorder interface {
	InsertAlert(ctx context.Context, alert storage.AlertRecord) error
}

// DispatcherOptions tune the dispatcher.
type DispatcherOptions struct {
	// VolatilityThreshold is the fraction below which nothing is sent.
	VolatilityThreshold float64
	// Cooldown suppresses repeats per vendor and commodity.
	Cooldown time.Duration
	// Timeout bounds one background dispatch.
	Timeout  time.Duration
	Channels []string
	Now      func() time.Time
}

// Dispatcher fans volatility alerts out to subscribers.
type Dispatcher struct {
	subs     SubscriberLister
	notifier Notifier
	audit    AuditRecorder
	opts     DispatcherOptions
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher. audit may be nil.
func NewDispatcher(subs SubscriberLister, notifier Notifier, audit AuditRecorder, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.VolatilityThreshold <= 0 {
		opts.VolatilityThreshold = DefaultVolatilityThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		subs:     subs,
		notifier: notifier,
		audit:    audit,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Threshold returns the volatility gate.
func (d *Dispatcher) Threshold() float64 {
	return d.opts.VolatilityThreshold
}

// Dispatch notifies subscribers in the background and returns immediately.
// Errors are logged only.
func (d *Dispatcher) Dispatch(commodity string, snap market.Snapshot) {
	if d == nil || snap.Volatility < d.opts.VolatilityThreshold {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		defer cancel()
		if _, err := d.DispatchSync(ctx, commodity, snap); err != nil {
			d.logger.Error().Err(err).Str("commodity", commodity).Msg("alert dispatch failed")
		}
	}()
}

// Wait blocks until background dispatches finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// DispatchSync notifies every eligible subscriber and returns how many were
// notified. Only the subscriber lookup error is returned; per-vendor delivery
// failures are logged and audited.
func (d *Dispatcher) DispatchSync(ctx context.Context, commodity string, snap market.Snapshot) (int, error) {
	if snap.Volatility < d.opts.VolatilityThreshold {
		return 0, nil
	}
	key := market.NormalizeCommodity(commodity)
	subs, err := d.subs.ListSubscribers(ctx, key)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		if sub.ThresholdPercent > 0 && snap.Volatility*100 < sub.ThresholdPercent {
			continue
		}
		if !d.acquire(sub.VendorID, key) {
			d.logger.Debug().Str("vendor", sub.VendorID).Str("commodity", key).Msg("alert suppressed by cooldown")
			continue
		}

		note := notification(sub, key, snap, d.opts.VolatilityThreshold)
		notifyErr := d.notifier.Notify(ctx, note)
		switch {
		case notifyErr == nil:
			sent++
		case Delivered(notifyErr):
			sent++
			d.logger.Warn().Err(notifyErr).Str("vendor", sub.VendorID).Str("commodity", key).Msg("alert partially delivered")
		default:
			d.release(sub.VendorID, key)
			d.logger.Warn().Err(notifyErr).Str("vendor", sub.VendorID).Str("commodity", key).Msg("alert dispatch failed")
		}
		d.record(ctx, note, notifyErr)
	}
	return sent, nil
}

func notification(sub market.Subscription, commodity string, snap market.Snapshot, gate float64) Notification {
	threshold := sub.ThresholdPercent
	if threshold <= 0 {
		threshold = gate * 100
	}
	sources := make([]string, len(snap.Sources))
	for i, id := range snap.Sources {
		sources[i] = string(id)
	}
	return Notification{
		ID:           uuid.New(),
		VendorID:     sub.VendorID,
		Commodity:    commodity,
		Market:       snap.Market,
		Price:        decimal.NewFromFloat(snap.CurrentPrice),
		MinPrice:     decimal.NewFromFloat(snap.PriceRange.Min),
		MaxPrice:     decimal.NewFromFloat(snap.PriceRange.Max),
		Volatility:   decimal.NewFromFloat(snap.Volatility),
		ThresholdPct: decimal.NewFromFloat(threshold),
		Sources:      sources,
		ObservedAt:   snap.LastUpdated,
		Stale:        snap.Stale,
	}
}

// acquire reserves the (vendor, commodity) slot unless it is cooling down.
// Expired slots are evicted on the way.
func (d *Dispatcher) acquire(vendorID, commodity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Now()
	for k, at := range d.lastSent {
		if now.Sub(at) >= d.opts.Cooldown {
			delete(d.lastSent, k)
		}
	}

	key := vendorID + "|" + commodity
	if _, cooling := d.lastSent[key]; cooling && d.opts.Cooldown > 0 {
		return false
	}
	d.lastSent[key] = now
	return true
}

func (d *Dispatcher) release(vendorID, commodity string) {
	d.mu.Lock()
	delete(d.lastSent, vendorID+"|"+commodity)
	d.mu.Unlock()
}

func (d *Dispatcher) record(ctx context.Context, note Notification, notifyErr error) {
	if d.audit == nil {
		return
	}
	rec := storage.AlertRecord{
		ID:           note.ID,
		VendorID:     note.VendorID,
		Commodity:    note.Commodity,
		Price:        note.Price,
		Volatility:   note.Volatility,
		ThresholdPct: note.ThresholdPct,
		Channels:     d.opts.Channels,
		Status:       storage.AlertStatusSent,
	}
	if notifyErr != nil {
		msg := notifyErr.Error()
		rec.Error = &msg
		if !Delivered(notifyErr) {
			rec.Status = storage.AlertStatusFailed
		}
	}
	if err := d.audit.InsertAlert(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Str("alert_id", note.ID.String()).Msg("alert audit failed")
	}
}
