package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandi-price-engine/internal/config"
	"mandi-price-engine/internal/market"
)

func history(n int) []market.HistoryEntry {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.HistoryEntry, n)
	for i := range out {
		p := 2000 + float64(i)*10
		out[i] = market.HistoryEntry{
			Commodity: "onion",
			Market:    "Lasalgaon",
			Date:      start.AddDate(0, 0, i),
			Price:     p,
			MinPrice:  p - 100,
			MaxPrice:  p + 100,
			Arrivals:  50,
		}
	}
	return out
}

func TestBuildExportRowsAlignsMovingAverages(t *testing.T) {
	rows := buildExportRows(history(14))
	require.Len(t, rows, 14)

	assert.True(t, math.IsNaN(rows[5].SMAShort))
	assert.InDelta(t, 2030.0, rows[6].SMAShort, 1e-9)
	assert.InDelta(t, 2100.0, rows[13].SMAShort, 1e-9)
	assert.True(t, math.IsNaN(rows[12].SMALong))
	assert.InDelta(t, 2065.0, rows[13].SMALong, 1e-9)
}

func TestDownsampleRows(t *testing.T) {
	rows := buildExportRows(history(10))

	assert.Len(t, downsampleRows(rows, 0), 10)
	assert.Len(t, downsampleRows(rows, 20), 10)

	sampled := downsampleRows(rows, 4)
	require.Len(t, sampled, 4)
	assert.Equal(t, rows[0].Date, sampled[0].Date)
	assert.Equal(t, rows[9].Date, sampled[3].Date)
}

func TestWriteHistoryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "onion.csv")
	require.NoError(t, writeHistoryCSV(path, buildExportRows(history(8))))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 9)
	assert.Equal(t, "sma_7", records[0][7])
	assert.Equal(t, []string{"2024-01-01", "onion", "Lasalgaon", "1900.00", "2000.00", "2100.00", "50.00", "", ""}, records[1])
	assert.Equal(t, "2040.00", records[8][7])
	assert.Empty(t, records[8][8])
}

func TestSyntheticSnapshot(t *testing.T) {
	snap := syntheticSnapshot(SimulateOptions{Commodity: " Onion ", Price: 2000, Volatility: 0.25})

	assert.Equal(t, "onion", snap.Commodity)
	assert.Equal(t, market.PriceRange{Min: 1500, Max: 2500, Modal: 2000}, snap.PriceRange)
	assert.True(t, snap.Valid())
}

func TestStaticSubscribers(t *testing.T) {
	subs, err := staticSubscribers{}.ListSubscribers(context.Background(), "onion")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "simulated", subs[0].VendorID)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	a := NewApp(&config.Config{}, zerolog.Nop())
	a.Out = &buf

	require.NoError(t, a.printJSON(market.HistoricalRange{Min: 1, Max: 2, Average: 1.5, Samples: 2}))
	assert.JSONEq(t, `{"min":1,"max":2,"average":1.5,"samples":2}`, buf.String())
}

func telegramApp(t *testing.T, hits *int32) *App {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.VolatilityThreshold = 0.10
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}
	return NewApp(cfg, zerolog.Nop())
}

func TestSimulateAlertSendsToTelegram(t *testing.T) {
	var hits int32
	a := telegramApp(t, &hits)
	var buf bytes.Buffer
	a.Out = &buf

	require.NoError(t, a.SimulateAlert(context.Background(), SimulateOptions{Commodity: "onion", Price: 2000, Volatility: 0.2, VendorID: "v1"}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Contains(t, buf.String(), "alerts sent: 1")
}

func TestSimulateAlertBelowThreshold(t *testing.T) {
	var hits int32
	a := telegramApp(t, &hits)
	var buf bytes.Buffer
	a.Out = &buf

	require.NoError(t, a.SimulateAlert(context.Background(), SimulateOptions{Commodity: "onion", Price: 2000, Volatility: 0.05}))
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Contains(t, buf.String(), "below the alert threshold 0.10")
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{Commodity: "onion", Price: 2000, Volatility: 0.2}))
}
