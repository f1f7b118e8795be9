package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent history rows or, with opts.Alerts, the alert audit log.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	defer closeStore()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(a.Out, "no alerts found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tVendor\tCommodity\tPrice\tVolatility%\tStatus\tError")
		for _, alert := range alerts {
			errMsg := ""
			if alert.Error != nil {
				errMsg = sanitizeInline(*alert.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				alert.CreatedAt.UTC().Format(time.RFC3339),
				alert.VendorID,
				alert.Commodity,
				formatDecimal(alert.Price, 2),
				formatDecimal(alert.Volatility.Mul(decimal.NewFromInt(100)), 2),
				alert.Status,
				errMsg,
			)
		}
		return nil
	}

	entries, err := store.ListRecentHistory(ctx, opts.Commodity, opts.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no history found")
		return nil
	}

	fmt.Fprintln(writer, "Date\tCommodity\tMarket\tMin\tModal\tMax\tArrivals")
	for _, e := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Date.Format(time.DateOnly),
			e.Commodity,
			sanitizeInline(e.Market),
			formatFloat(e.MinPrice, 2),
			formatFloat(e.Price, 2),
			formatFloat(e.MaxPrice, 2),
			formatFloat(e.Arrivals, 1),
		)
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatFloat(v float64, places int32) string {
	return formatDecimal(decimal.NewFromFloat(v), places)
}
