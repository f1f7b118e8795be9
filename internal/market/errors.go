package market

import "errors"

var (
	// ErrSourceUnavailable wraps any failure of a single upstream feed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrValidationFailure marks a structurally invalid observation.
	ErrValidationFailure = errors.New("observation failed validation")
	// ErrAnomalyDetected marks an observation excluded as a statistical outlier.
	ErrAnomalyDetected = errors.New("anomalous observation")
	// ErrNoObservations is returned when nothing survives fetch and filtering.
	ErrNoObservations = errors.New("no observations available")
	// ErrDataUnavailable is returned when live fetch, store and cache all failed.
	ErrDataUnavailable = errors.New("price data unavailable")
)
