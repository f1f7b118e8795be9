// Package market holds the price records shared by the fetch, validation,
// aggregation, cache and analytics layers.
package market

import (
	"math"
	"strings"
	"time"
)

// SourceID names an upstream price feed.
type SourceID string

// SourceDatabase tags snapshots rebuilt from the persistent store.
const SourceDatabase SourceID = "database"

// Degradation markers carried on snapshots served from a fallback tier.
const (
	DegradedNone       = ""
	DegradedDatabase   = "database"
	DegradedStaleCache = "stale_cache"
)

// Observation is one normalised price reading from a single source.
// Prices are Rs/quintal.
type Observation struct {
	Source     SourceID  `json:"source"`
	Commodity  string    `json:"commodity"`
	Market     string    `json:"market,omitempty"`
	MinPrice   float64   `json:"minPrice"`
	MaxPrice   float64   `json:"maxPrice"`
	ModalPrice float64   `json:"modalPrice"`
	Arrivals   float64   `json:"arrivals"`
	ObservedAt time.Time `json:"observedAt"`
}

// PriceRange is the min/max/modal band of a snapshot.
type PriceRange struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Modal float64 `json:"modal"`
}

// Snapshot is the canonical aggregated price of a commodity.
type Snapshot struct {
	Commodity     string     `json:"commodity"`
	CurrentPrice  float64    `json:"currentPrice"`
	PriceRange    PriceRange `json:"priceRange"`
	Volatility    float64    `json:"volatility"`
	Sources       []SourceID `json:"sources"`
	Arrivals      float64    `json:"arrivals"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	Market        string     `json:"market,omitempty"`
	Stale         bool       `json:"stale,omitempty"`
	LowConfidence bool       `json:"lowConfidence,omitempty"`
	Degraded      string     `json:"degraded,omitempty"`
}

// Valid reports whether the snapshot satisfies min <= modal <= max with finite
// positive prices and a volatility in [0,1].
func (s Snapshot) Valid() bool {
	r := s.PriceRange
	if !positiveFinite(r.Min) || !positiveFinite(r.Max) || !positiveFinite(r.Modal) {
		return false
	}
	if r.Min > r.Modal || r.Modal > r.Max {
		return false
	}
	return s.Volatility >= 0 && s.Volatility <= 1
}

// Newer reports whether s was observed after other. Used to settle
// last-write-wins races between concurrent refreshes of the same key.
func (s Snapshot) Newer(other Snapshot) bool {
	return s.LastUpdated.After(other.LastUpdated)
}

// HistoryEntry is one persisted daily price of a commodity in a market.
type HistoryEntry struct {
	Commodity string    `json:"commodity"`
	Market    string    `json:"market"`
	Date      time.Time `json:"date"`
	Price     float64   `json:"price"`
	MinPrice  float64   `json:"minPrice"`
	MaxPrice  float64   `json:"maxPrice"`
	Arrivals  float64   `json:"arrivals"`
}

// Trend classifies the direction of a price series.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Prediction is the next-period price estimate.
type Prediction struct {
	NextPeriod float64 `json:"nextPeriod"`
	Confidence float64 `json:"confidence"`
}

// TrendResult is derived on demand from history and never persisted.
type TrendResult struct {
	Commodity     string     `json:"commodity"`
	Trend         Trend      `json:"trend"`
	ChangePercent float64    `json:"changePercent"`
	Volatility    float64    `json:"volatility"`
	Prediction    Prediction `json:"prediction"`
}

// Subscription asks for volatility alerts on a commodity.
type Subscription struct {
	VendorID         string    `json:"vendorId"`
	Commodity        string    `json:"commodity"`
	ThresholdPercent float64   `json:"thresholdPercent"`
	CreatedAt        time.Time `json:"createdAt"`
}

// VolatilityLevel buckets a coefficient of variation.
type VolatilityLevel string

const (
	VolatilityLow    VolatilityLevel = "low"
	VolatilityMedium VolatilityLevel = "medium"
	VolatilityHigh   VolatilityLevel = "high"
)

// ClassifyVolatility maps volatility to low (<5%), medium (<15%) or high.
func ClassifyVolatility(v float64) VolatilityLevel {
	switch {
	case v < 0.05:
		return VolatilityLow
	case v < 0.15:
		return VolatilityMedium
	default:
		return VolatilityHigh
	}
}

// HistoricalRange summarises a window of history rows.
type HistoricalRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Samples int     `json:"samples"`
}

// PriceRanges combines the current snapshot with a historical window.
type PriceRanges struct {
	Current         Snapshot        `json:"current"`
	Historical      HistoricalRange `json:"historical"`
	VolatilityLevel VolatilityLevel `json:"volatilityLevel"`
}

// NormalizeCommodity canonicalises a commodity name used as a key.
func NormalizeCommodity(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
