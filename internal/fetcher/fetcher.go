// Package fetcher adapts external price feeds into normalised observations.
package fetcher

import (
	"context"

	"mandi-price-engine/internal/market"
)

// Source retrieves price observations for a commodity from one upstream.
// location is optional and narrows the query where the upstream supports it.
type Source interface {
	ID() market.SourceID
	Fetch(ctx context.Context, commodity, location string) ([]market.Observation, error)
}

const (
	SourceAgmarknet market.SourceID = "agmarknet"
	SourceENAM      market.SourceID = "enam"
	SourceChainlink market.SourceID = "chainlink"
)
