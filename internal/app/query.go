package app

import (
	"context"
	"encoding/json"
	"time"
)

// Price resolves the current price of a commodity and prints it as JSON.
func (a *App) Price(ctx context.Context, commodity, location string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := rt.service.GetCurrentPrice(ctx, commodity, location)
	if err != nil {
		return err
	}
	return a.printJSON(snap)
}

// History prints the stored daily history of a commodity.
func (a *App) History(ctx context.Context, commodity string, days int) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.service.GetPriceHistory(ctx, commodity, days)
	if err != nil {
		return err
	}
	return a.printJSON(entries)
}

// Trend prints the trend analysis of a commodity.
func (a *App) Trend(ctx context.Context, commodity string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.service.GetPriceTrends(ctx, commodity)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// Ranges prints the current and historical price bands of a commodity.
func (a *App) Ranges(ctx context.Context, commodity string, days int) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ranges, err := rt.service.CalculatePriceRanges(ctx, commodity, days)
	if err != nil {
		return err
	}
	return a.printJSON(ranges)
}

// Subscribe registers a vendor for volatility alerts.
func (a *App) Subscribe(ctx context.Context, vendorID string, commodities []string, thresholdPercent float64) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.service.SubscribeToAlerts(ctx, vendorID, commodities, thresholdPercent)
}

// Refresh runs one warm-up pass now, regardless of operating hours, and
// prints the breaker state of every source afterwards.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	commodities := opts.Commodities
	if len(commodities) == 0 {
		commodities = a.Config.Scheduler.Commodities
	}
	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	refreshErr := rt.service.RefreshCommodities(ctx, bucket, commodities)
	if err := a.printJSON(rt.service.SourceHealth()); err != nil {
		return err
	}
	return refreshErr
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
