// Package aggregator merges validated per-source observations into one
// canonical price snapshot.
package aggregator

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"mandi-price-engine/internal/market"
)

// Aggregate merges observations into a snapshot. The band is taken over the
// sources' modal prices: min and max are their extremes and modal is their
// median. Volatility is the population coefficient of variation, zero for a
// single observation and capped at 1.
func Aggregate(observations []market.Observation) (market.Snapshot, error) {
	if len(observations) == 0 {
		return market.Snapshot{}, market.ErrNoObservations
	}

	prices := make([]float64, len(observations))
	sources := make([]market.SourceID, 0, len(observations))
	seen := make(map[market.SourceID]struct{}, len(observations))
	var (
		arrivals    float64
		lastUpdated time.Time
	)
	mkt := observations[0].Market

	for i, obs := range observations {
		prices[i] = obs.ModalPrice
		arrivals += obs.Arrivals
		if obs.ObservedAt.After(lastUpdated) {
			lastUpdated = obs.ObservedAt
		}
		if obs.Market != mkt {
			mkt = ""
		}
		if _, ok := seen[obs.Source]; !ok {
			seen[obs.Source] = struct{}{}
			sources = append(sources, obs.Source)
		}
	}

	minPrice, err := stats.Min(prices)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("aggregate min: %w", err)
	}
	maxPrice, err := stats.Max(prices)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("aggregate max: %w", err)
	}
	modal, err := stats.Median(prices)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("aggregate median: %w", err)
	}
	volatility, err := Volatility(prices)
	if err != nil {
		return market.Snapshot{}, err
	}
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}

	return market.Snapshot{
		Commodity:    market.NormalizeCommodity(observations[0].Commodity),
		CurrentPrice: modal,
		PriceRange:   market.PriceRange{Min: minPrice, Max: maxPrice, Modal: modal},
		Volatility:   volatility,
		Sources:      sources,
		Arrivals:     arrivals,
		LastUpdated:  lastUpdated.UTC(),
		Market:       mkt,
	}, nil
}

// Volatility is stdDev(prices)/mean(prices) using the population deviation.
// Fewer than two prices have zero volatility.
func Volatility(prices []float64) (float64, error) {
	if len(prices) < 2 {
		return 0, nil
	}
	mean, err := stats.Mean(prices)
	if err != nil {
		return 0, fmt.Errorf("volatility mean: %w", err)
	}
	if mean <= 0 {
		return 0, nil
	}
	sd, err := stats.StandardDeviationPopulation(prices)
	if err != nil {
		return 0, fmt.Errorf("volatility stddev: %w", err)
	}
	return math.Min(sd/mean, 1), nil
}
