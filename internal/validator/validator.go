// Package validator rejects malformed observations and excludes statistical
// outliers before aggregation.
package validator

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

// DefaultAnomalyThreshold is the relative deviation from the median above
// which an observation is anomalous.
const DefaultAnomalyThreshold = 0.25

// Validator checks observations. Stateless apart from configuration.
type Validator struct {
	threshold float64
	logger    zerolog.Logger
}

// New builds a validator. A threshold outside (0,1] falls back to the default.
func New(threshold float64, logger zerolog.Logger) *Validator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultAnomalyThreshold
	}
	return &Validator{
		threshold: threshold,
		logger:    logger.With().Str("component", "validator").Logger(),
	}
}

// Validate reports whether the observation is structurally sound.
func (v *Validator) Validate(obs market.Observation) bool {
	return Check(obs) == nil
}

// Check explains why an observation is structurally invalid.
func Check(obs market.Observation) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"minPrice", obs.MinPrice},
		{"maxPrice", obs.MaxPrice},
		{"modalPrice", obs.ModalPrice},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value <= 0 {
			return fmt.Errorf("%w: %s=%v", market.ErrValidationFailure, f.name, f.value)
		}
	}
	if obs.MinPrice > obs.MaxPrice {
		return fmt.Errorf("%w: minPrice %v above maxPrice %v", market.ErrValidationFailure, obs.MinPrice, obs.MaxPrice)
	}
	if obs.ModalPrice < obs.MinPrice || obs.ModalPrice > obs.MaxPrice {
		return fmt.Errorf("%w: modalPrice %v outside [%v, %v]", market.ErrValidationFailure, obs.ModalPrice, obs.MinPrice, obs.MaxPrice)
	}
	if math.IsNaN(obs.Arrivals) || math.IsInf(obs.Arrivals, 0) || obs.Arrivals < 0 {
		return fmt.Errorf("%w: arrivals=%v", market.ErrValidationFailure, obs.Arrivals)
	}
	return nil
}

// DetectAnomaly reports whether the observation's modal price deviates from
// the median of history by strictly more than the threshold. An empty or
// non-positive reference never flags.
func (v *Validator) DetectAnomaly(obs market.Observation, history []float64) bool {
	return v.Anomaly(obs, history) != nil
}

// Anomaly explains why an observation is anomalous, wrapping
// market.ErrAnomalyDetected, or returns nil.
func (v *Validator) Anomaly(obs market.Observation, history []float64) error {
	median, ok := referenceMedian(history)
	if !ok {
		return nil
	}
	deviation := math.Abs(obs.ModalPrice-median) / median
	if deviation <= v.threshold {
		return nil
	}
	return fmt.Errorf("%w: modalPrice %v deviates %.1f%% from median %v", market.ErrAnomalyDetected, obs.ModalPrice, deviation*100, median)
}

// Result of filtering one fetch round.
type Result struct {
	Kept      []market.Observation
	Invalid   []market.Observation
	Anomalous []market.Observation
	// LowConfidence is set when every valid observation was anomalous and the
	// unfiltered set was kept instead.
	LowConfidence bool
}

// Filter drops invalid observations and excludes anomalies. history holds
// recent modal prices; when empty the median of the round's own valid
// observations is the reference. If every valid observation is anomalous the
// valid set is returned unfiltered and flagged low confidence.
func (v *Validator) Filter(observations []market.Observation, history []float64) Result {
	var res Result

	valid := make([]market.Observation, 0, len(observations))
	for _, obs := range observations {
		if err := Check(obs); err != nil {
			v.logger.Debug().Err(err).Str("source", string(obs.Source)).Str("commodity", obs.Commodity).Msg("observation dropped")
			res.Invalid = append(res.Invalid, obs)
			continue
		}
		valid = append(valid, obs)
	}
	if len(valid) == 0 {
		return res
	}

	reference := history
	if len(reference) == 0 {
		reference = modalPrices(valid)
	}

	for _, obs := range valid {
		if err := v.Anomaly(obs, reference); err != nil {
			v.logger.Warn().
				Err(err).
				Str("source", string(obs.Source)).
				Str("commodity", obs.Commodity).
				Float64("modal_price", obs.ModalPrice).
				Msg("anomalous observation excluded")
			res.Anomalous = append(res.Anomalous, obs)
			continue
		}
		res.Kept = append(res.Kept, obs)
	}

	if len(res.Kept) == 0 {
		v.logger.Warn().
			Str("commodity", valid[0].Commodity).
			Int("observations", len(valid)).
			Msg("all observations flagged; using unfiltered set")
		res.Kept = valid
		res.LowConfidence = true
	}
	return res
}

func referenceMedian(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	median, err := stats.Median(values)
	if err != nil || median <= 0 || math.IsNaN(median) {
		return 0, false
	}
	return median, true
}

func modalPrices(observations []market.Observation) []float64 {
	prices := make([]float64, len(observations))
	for i, obs := range observations {
		prices[i] = obs.ModalPrice
	}
	return prices
}
