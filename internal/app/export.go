package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/trend"
)

const (
	shortSMA = 7
	longSMA  = 14
)

// Export renders a commodity's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Commodity == "" {
		return errors.New("--commodity is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.service.GetPriceHistory(ctx, opts.Commodity, opts.Days)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.Logger.Info().Str("commodity", opts.Commodity).Msg("no history found for export window")
		return nil
	}

	rows := buildExportRows(entries)
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.Commodity, downsampled); err != nil {
			return err
		}
	}

	return nil
}

type exportRow struct {
	market.HistoryEntry
	// NaN until enough points precede the row.
	SMAShort float64
	SMALong  float64
}

// buildExportRows attaches moving averages before any downsampling so the
// averages reflect the full daily series.
func buildExportRows(entries []market.HistoryEntry) []exportRow {
	prices := make([]float64, len(entries))
	for i, e := range entries {
		prices[i] = e.Price
	}
	short := alignSMA(trend.SMA(prices, shortSMA), len(prices))
	long := alignSMA(trend.SMA(prices, longSMA), len(prices))

	rows := make([]exportRow, len(entries))
	for i, e := range entries {
		rows[i] = exportRow{HistoryEntry: e, SMAShort: short[i], SMALong: long[i]}
	}
	return rows
}

// alignSMA right-aligns a moving average series to n points, padding the
// head with NaN.
func alignSMA(series []float64, n int) []float64 {
	out := make([]float64, n)
	offset := n - len(series)
	for i := range out {
		if i < offset {
			out[i] = math.NaN()
			continue
		}
		out[i] = series[i-offset]
	}
	return out
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeHistoryCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "commodity", "market", "min_price", "modal_price", "max_price", "arrivals", "sma_7", "sma_14"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Date.Format(time.DateOnly),
			row.Commodity,
			row.Market,
			formatFloat(row.MinPrice, 2),
			formatFloat(row.Price, 2),
			formatFloat(row.MaxPrice, 2),
			formatFloat(row.Arrivals, 2),
			formatOptional(row.SMAShort),
			formatOptional(row.SMALong),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, commodity string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	modal := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Date
		modal[i] = row.Price
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Modal (Rs/quintal)",
			XValues: x,
			YValues: modal,
		},
	}
	if sx, sy := definedPoints(rows, func(r exportRow) float64 { return r.SMAShort }); len(sx) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA 7", XValues: sx, YValues: sy})
	}
	if lx, ly := definedPoints(rows, func(r exportRow) float64 { return r.SMALong }); len(lx) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA 14", XValues: lx, YValues: ly})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  commodity,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (Rs/quintal)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func definedPoints(rows []exportRow, value func(exportRow) float64) ([]time.Time, []float64) {
	var (
		xs []time.Time
		ys []float64
	)
	for _, row := range rows {
		v := value(row)
		if math.IsNaN(v) {
			continue
		}
		xs = append(xs, row.Date)
		ys = append(ys, v)
	}
	return xs, ys
}

func formatOptional(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return formatFloat(v, 2)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
