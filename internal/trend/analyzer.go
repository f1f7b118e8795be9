// Package trend derives direction, moving-average momentum and a next-period
// estimate from daily price history.
package trend

import (
	"math"
	"sort"

	"github.com/cinar/indicator/v2/helper"
	indicatortrend "github.com/cinar/indicator/v2/trend"
	"github.com/montanaflynn/stats"

	"mandi-price-engine/internal/aggregator"
	"mandi-price-engine/internal/market"
)

const (
	// MinPoints is the shortest history that gets a real analysis.
	MinPoints = 7

	shortPeriod = 7
	longPeriod  = 14

	stableChangePercent  = 2.0
	minCorrelation       = 0.3
	horizonDays          = 7.0
	meanReversionWeight  = 0.3
	defaultConfidence    = 0.1
	maxVolatilityPenalty = 0.8
)

// AnalyzeTrend classifies the history of one commodity. Entries may arrive in
// any order; they are analysed by date.
func AnalyzeTrend(commodity string, history []market.HistoryEntry) market.TrendResult {
	result := market.TrendResult{
		Commodity:  market.NormalizeCommodity(commodity),
		Trend:      market.TrendStable,
		Prediction: market.Prediction{Confidence: defaultConfidence},
	}

	entries := make([]market.HistoryEntry, len(history))
	copy(entries, history)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })

	if len(entries) > 0 {
		result.Prediction.NextPeriod = entries[len(entries)-1].Price
	}
	if len(entries) < MinPoints {
		return result
	}

	days := make([]float64, len(entries))
	prices := make([]float64, len(entries))
	origin := entries[0].Date
	for i, e := range entries {
		days[i] = e.Date.Sub(origin).Hours() / 24
		prices[i] = e.Price
	}

	slope, correlation := regression(days, prices)
	shortMA := movingAverage(prices, shortPeriod)
	longMA := movingAverage(prices, longPeriod)

	var changePercent float64
	if longMA > 0 {
		changePercent = (shortMA - longMA) / longMA * 100
	}
	volatility, err := aggregator.Volatility(prices)
	if err != nil {
		volatility = 0
	}

	current := prices[len(prices)-1]
	adjustment := (shortMA - current) * meanReversionWeight

	result.Trend = classify(slope, correlation, changePercent)
	result.ChangePercent = changePercent
	result.Volatility = volatility
	result.Prediction = market.Prediction{
		NextPeriod: current + slope*horizonDays + adjustment,
		Confidence: math.Max(defaultConfidence, math.Abs(correlation)-math.Min(volatility*2, maxVolatilityPenalty)),
	}
	return result
}

func classify(slope, correlation, changePercent float64) market.Trend {
	if math.Abs(changePercent) < stableChangePercent || math.Abs(correlation) < minCorrelation {
		return market.TrendStable
	}
	switch {
	case slope > 0 && changePercent > 0:
		return market.TrendRising
	case slope < 0 && changePercent < 0:
		return market.TrendFalling
	default:
		return market.TrendStable
	}
}

// regression returns the least-squares slope of y over x and the Pearson
// correlation. A constant series yields zero for both.
func regression(x, y []float64) (slope, correlation float64) {
	r, err := stats.Correlation(x, y)
	if err != nil || math.IsNaN(r) {
		return 0, 0
	}
	sdX, err := stats.StandardDeviationPopulation(x)
	if err != nil || sdX == 0 {
		return 0, 0
	}
	sdY, err := stats.StandardDeviationPopulation(y)
	if err != nil {
		return 0, 0
	}
	return r * sdY / sdX, r
}

// movingAverage is the simple average of the last period values, or of all
// values when fewer are available.
func movingAverage(values []float64, period int) float64 {
	if len(values) < period {
		mean, err := stats.Mean(values)
		if err != nil {
			return 0
		}
		return mean
	}
	out := SMA(values, period)
	if len(out) == 0 {
		mean, _ := stats.Mean(values[len(values)-period:])
		return mean
	}
	return out[len(out)-1]
}

// SMA returns the simple moving average series of values. The result has
// len(values)-period+1 points; it is empty when values is shorter than period.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	sma := indicatortrend.NewSmaWithPeriod[float64](period)
	return helper.ChanToSlice(sma.Compute(helper.SliceToChan(values)))
}
