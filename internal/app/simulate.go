package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mandi-price-engine/internal/alerting"
	"mandi-price-engine/internal/market"
)

// SimulateAlert pushes a synthetic snapshot through the dispatcher. Without a
// database the alert goes to a single stand-in subscriber.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var (
		subs  alerting.SubscriberLister = staticSubscribers{vendorID: opts.VendorID}
		audit alerting.AuditRecorder
	)
	if store != nil {
		defer closeStore()
		subs = store
		audit = store
	}

	cfg := a.Config.Alerting
	dispatcher := alerting.NewDispatcher(subs, notifier, audit, alerting.DispatcherOptions{
		VolatilityThreshold: cfg.VolatilityThreshold,
		Timeout:             cfg.Timeout,
		Channels:            cfg.Channels,
	}, a.Logger)

	snap := syntheticSnapshot(opts)
	if snap.Volatility < dispatcher.Threshold() {
		fmt.Fprintf(a.Out, "volatility %.2f is below the alert threshold %.2f; nothing to send\n", snap.Volatility, dispatcher.Threshold())
		return nil
	}
	sent, err := dispatcher.DispatchSync(ctx, opts.Commodity, snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "alerts sent: %d\n", sent)
	return nil
}

// syntheticSnapshot spreads a band of plus or minus volatility around price.
func syntheticSnapshot(opts SimulateOptions) market.Snapshot {
	spread := opts.Price * opts.Volatility
	return market.Snapshot{
		Commodity:    market.NormalizeCommodity(opts.Commodity),
		CurrentPrice: opts.Price,
		PriceRange: market.PriceRange{
			Min:   opts.Price - spread,
			Max:   opts.Price + spread,
			Modal: opts.Price,
		},
		Volatility:  opts.Volatility,
		Sources:     []market.SourceID{"simulated"},
		LastUpdated: time.Now().UTC(),
	}
}

type staticSubscribers struct {
	vendorID string
}

func (s staticSubscribers) ListSubscribers(_ context.Context, commodity string) ([]market.Subscription, error) {
	vendor := s.vendorID
	if vendor == "" {
		vendor = "simulated"
	}
	return []market.Subscription{{VendorID: vendor, Commodity: commodity}}, nil
}

var _ alerting.SubscriberLister = staticSubscribers{}
