package breaker

import (
	"sort"

	"github.com/rs/zerolog"

	"mandi-price-engine/internal/market"
)

// Registry owns one independent breaker per source. The set of sources is
// fixed at construction, so lookups need no locking.
type Registry struct {
	breakers map[market.SourceID]*Breaker
}

// NewRegistry builds a closed breaker for every id.
func NewRegistry(ids []market.SourceID, opts Options, logger zerolog.Logger) *Registry {
	breakers := make(map[market.SourceID]*Breaker, len(ids))
	for _, id := range ids {
		breakers[id] = New(id, opts, logger)
	}
	return &Registry{breakers: breakers}
}

// For returns the breaker of a source, or nil if it was never registered.
func (r *Registry) For(id market.SourceID) *Breaker {
	return r.breakers[id]
}

// Records returns the state of every breaker ordered by source id.
func (r *Registry) Records() []Record {
	records := make([]Record, 0, len(r.breakers))
	for _, b := range r.breakers {
		records = append(records, b.Stats())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SourceID < records[j].SourceID })
	return records
}
