// Package pricing serves commodity prices through an ordered fallback chain
// (fresh cache, live sources, persistent store, stale cache) and exposes the
// history, trend and range queries built on top of it.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mandi-price-engine/internal/aggregator"
	"mandi-price-engine/internal/breaker"
	"mandi-price-engine/internal/cache"
	"mandi-price-engine/internal/fetcher"
	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/scheduler"
	"mandi-price-engine/internal/storage"
	"mandi-price-engine/internal/trend"
	"mandi-price-engine/internal/validator"
)

const (
	DefaultRoundTimeout = 8 * time.Second
	DefaultHistoryDays  = 7
	DefaultTrendDays    = 30
	DefaultConcurrency  = 4
	// DefaultAlertVolatility is the volatility at which a snapshot is handed
	// to the alerter.
	DefaultAlertVolatility = 0.10

	maxHistoryDays = 365
)

// ErrInvalidSubscription is returned for a subscription without a vendor,
// commodities or a sane threshold.
var ErrInvalidSubscription = errors.New("invalid alert subscription")

// Alerter receives snapshots whose volatility may warrant an alert.
// Implementations must not block.
type Alerter interface {
	Dispatch(commodity string, snap market.Snapshot)
}

// Options tune the service.
type Options struct {
	// RoundTimeout bounds one live fan-out across all sources.
	RoundTimeout time.Duration
	// HistoryDays is the window of history used as the anomaly reference.
	HistoryDays int
	// TrendDays is the window fed to the trend analyzer.
	TrendDays int
	// Commodities are refreshed by the warm-up job.
	Commodities []string
	// Concurrency caps parallel commodity refreshes.
	Concurrency int
	// LockKey is the advisory lock held during a refresh. Zero disables it.
	LockKey int64
	// AlertVolatility gates calls to the alerter.
	AlertVolatility float64
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RoundTimeout <= 0 {
		o.RoundTimeout = DefaultRoundTimeout
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = DefaultHistoryDays
	}
	if o.TrendDays <= 0 {
		o.TrendDays = DefaultTrendDays
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.AlertVolatility <= 0 {
		o.AlertVolatility = DefaultAlertVolatility
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Dependencies are the collaborators of the service. Alerts, Locker and
// Breakers may be nil.
type Dependencies struct {
	Cache         *cache.Tier
	Sources       []fetcher.Source
	Validator     *validator.Validator
	History       storage.HistoryStore
	Subscriptions storage.SubscriptionStore
	Locker        storage.AdvisoryLocker
	Alerts        Alerter
	Breakers      *breaker.Registry
}

// Service is the price discovery entry point.
type Service struct {
	cache     *cache.Tier
	sources   []fetcher.Source
	validator *validator.Validator
	history   storage.HistoryStore
	subs      storage.SubscriptionStore
	locker    storage.AdvisoryLocker
	alerts    Alerter
	breakers  *breaker.Registry
	opts      Options
	logger    zerolog.Logger
}

// New constructs the service.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Service {
	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.History.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}
	v := deps.Validator
	if v == nil {
		v = validator.New(validator.DefaultAnomalyThreshold, logger)
	}
	return &Service{
		cache:     deps.Cache,
		sources:   deps.Sources,
		validator: v,
		history:   deps.History,
		subs:      deps.Subscriptions,
		locker:    locker,
		alerts:    deps.Alerts,
		breakers:  deps.Breakers,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "pricing").Logger(),
	}
}

// request carries one GetCurrentPrice call through the strategies. The cache
// is read once up front so the stale fallback still works after the caller's
// deadline has passed.
type request struct {
	commodity string
	location  string
	key       string

	cached      market.Snapshot
	cachedAge   time.Duration
	cachedFound bool
}

type strategy struct {
	name string
	run  func(ctx context.Context, req *request) (market.Snapshot, error)
}

func (s *Service) strategies() []strategy {
	return []strategy{
		{name: "fresh_cache", run: s.fromFreshCache},
		{name: "live", run: s.fromSources},
		{name: "database", run: s.fromStore},
		{name: "stale_cache", run: s.fromStaleCache},
	}
}

// GetCurrentPrice returns the best available snapshot for a commodity. The
// strategies are tried in order and the first success wins. Only
// market.ErrDataUnavailable (wrapping the live failure) is returned.
func (s *Service) GetCurrentPrice(ctx context.Context, commodity, location string) (market.Snapshot, error) {
	req := &request{
		commodity: market.NormalizeCommodity(commodity),
		location:  strings.TrimSpace(location),
	}
	if req.commodity == "" {
		return market.Snapshot{}, fmt.Errorf("%w: commodity is required", market.ErrDataUnavailable)
	}
	req.key = cache.Key(req.commodity, req.location)
	if s.cache != nil {
		req.cached, req.cachedAge, req.cachedFound = s.cache.Get(ctx, req.key)
	}

	var liveErr error
	for _, st := range s.strategies() {
		snap, err := st.run(ctx, req)
		if err != nil {
			if st.name == "live" {
				liveErr = err
			}
			s.logger.Debug().Err(err).Str("commodity", req.commodity).Str("strategy", st.name).Msg("strategy yielded nothing")
			continue
		}
		if s.alerts != nil && snap.Volatility >= s.opts.AlertVolatility {
			s.alerts.Dispatch(req.commodity, snap)
		}
		return snap, nil
	}

	if liveErr == nil {
		liveErr = market.ErrNoObservations
	}
	s.logger.Error().Err(liveErr).Str("commodity", req.commodity).Msg("price data unavailable")
	return market.Snapshot{}, fmt.Errorf("%w: %s: %w", market.ErrDataUnavailable, req.commodity, liveErr)
}

var errNotCached = errors.New("not cached")

func (s *Service) fromFreshCache(_ context.Context, req *request) (market.Snapshot, error) {
	if !req.cachedFound || !s.cache.Fresh(req.cachedAge) {
		return market.Snapshot{}, errNotCached
	}
	return req.cached, nil
}

func (s *Service) fromSources(ctx context.Context, req *request) (market.Snapshot, error) {
	observations := s.fetchAll(ctx, req.commodity, req.location)
	if len(observations) == 0 {
		return market.Snapshot{}, market.ErrNoObservations
	}

	res := s.validator.Filter(observations, s.historyPrices(ctx, req.commodity))
	if len(res.Kept) == 0 {
		return market.Snapshot{}, fmt.Errorf("%w: %d observations failed validation", market.ErrNoObservations, len(res.Invalid))
	}

	snap, err := aggregator.Aggregate(res.Kept)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap.LowConfidence = res.LowConfidence
	if !snap.Valid() {
		return market.Snapshot{}, fmt.Errorf("%w: aggregated snapshot out of range", market.ErrNoObservations)
	}

	s.writeThrough(ctx, req, snap)
	s.logger.Info().
		Str("commodity", req.commodity).
		Float64("modal_price", snap.PriceRange.Modal).
		Float64("volatility", snap.Volatility).
		Int("sources", len(snap.Sources)).
		Bool("low_confidence", snap.LowConfidence).
		Msg("price aggregated")
	return snap, nil
}

type fetchResult struct {
	source       market.SourceID
	observations []market.Observation
	err          error
}

// fetchAll queries every source concurrently and returns whatever arrived
// before the round deadline. Late results are dropped into the buffered
// channel and never read.
func (s *Service) fetchAll(ctx context.Context, commodity, location string) []market.Observation {
	if len(s.sources) == 0 {
		return nil
	}
	roundCtx, cancel := context.WithTimeout(ctx, s.opts.RoundTimeout)
	defer cancel()

	results := make(chan fetchResult, len(s.sources))
	for _, src := range s.sources {
		go func(src fetcher.Source) {
			obs, err := src.Fetch(roundCtx, commodity, location)
			results <- fetchResult{source: src.ID(), observations: obs, err: err}
		}(src)
	}

	var out []market.Observation
	for pending := len(s.sources); pending > 0; pending-- {
		select {
		case r := <-results:
			if r.err != nil {
				s.logger.Warn().Err(r.err).Str("source", string(r.source)).Str("commodity", commodity).Msg("source fetch failed")
				continue
			}
			out = append(out, r.observations...)
		case <-roundCtx.Done():
			s.logger.Warn().Str("commodity", commodity).Int("abandoned", pending).Msg("fetch round deadline reached")
			return out
		}
	}
	return out
}

func (s *Service) historyPrices(ctx context.Context, commodity string) []float64 {
	if s.history == nil {
		return nil
	}
	entries, err := s.history.QueryRange(ctx, commodity, s.opts.HistoryDays)
	if err != nil {
		s.logger.Debug().Err(err).Str("commodity", commodity).Msg("history unavailable for anomaly reference")
		return nil
	}
	prices := make([]float64, 0, len(entries))
	for _, e := range entries {
		if e.Price > 0 {
			prices = append(prices, e.Price)
		}
	}
	return prices
}

// writeThrough stores snap in cache and history. Both writes are best effort.
// A cached snapshot observed later than snap is left in place.
func (s *Service) writeThrough(ctx context.Context, req *request, snap market.Snapshot) {
	if s.cache != nil {
		if req.cachedFound && req.cached.Newer(snap) {
			s.logger.Debug().Str("key", req.key).Msg("cached snapshot is newer; cache write skipped")
		} else {
			s.cache.Set(ctx, req.key, snap)
		}
	}
	if s.history != nil {
		if err := s.history.InsertOrUpdateSnapshot(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Str("commodity", req.commodity).Msg("history write failed")
		}
	}
}

func (s *Service) fromStore(ctx context.Context, req *request) (market.Snapshot, error) {
	if s.history == nil {
		return market.Snapshot{}, storage.ErrNotConfigured
	}
	entry, err := s.history.QueryLatest(ctx, req.commodity)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap := snapshotFromHistory(entry)
	if !snap.Valid() {
		return market.Snapshot{}, fmt.Errorf("history row for %s is out of range", req.commodity)
	}
	s.logger.Warn().Str("commodity", req.commodity).Time("date", entry.Date).Msg("serving price from database")
	return snap, nil
}

func snapshotFromHistory(e market.HistoryEntry) market.Snapshot {
	minPrice, maxPrice := e.MinPrice, e.MaxPrice
	if minPrice <= 0 || minPrice > e.Price {
		minPrice = e.Price
	}
	if maxPrice <= 0 || maxPrice < e.Price {
		maxPrice = e.Price
	}
	return market.Snapshot{
		Commodity:    market.NormalizeCommodity(e.Commodity),
		CurrentPrice: e.Price,
		PriceRange:   market.PriceRange{Min: minPrice, Max: maxPrice, Modal: e.Price},
		Sources:      []market.SourceID{market.SourceDatabase},
		Arrivals:     e.Arrivals,
		LastUpdated:  e.Date,
		Market:       e.Market,
		Degraded:     market.DegradedDatabase,
	}
}

func (s *Service) fromStaleCache(_ context.Context, req *request) (market.Snapshot, error) {
	if !req.cachedFound {
		return market.Snapshot{}, errNotCached
	}
	snap := req.cached
	snap.Stale = true
	snap.Degraded = market.DegradedStaleCache
	s.logger.Warn().Str("commodity", req.commodity).Dur("age", req.cachedAge).Msg("stale cache used")
	return snap, nil
}

// GetPriceHistory returns the daily history of the last days days, clamped
// to [1, 365].
func (s *Service) GetPriceHistory(ctx context.Context, commodity string, days int) ([]market.HistoryEntry, error) {
	if s.history == nil {
		return nil, storage.ErrNotConfigured
	}
	if days < 1 {
		days = 1
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}
	entries, err := s.history.QueryRange(ctx, market.NormalizeCommodity(commodity), days)
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	return entries, nil
}

// GetPriceTrends analyses the trend window of a commodity.
func (s *Service) GetPriceTrends(ctx context.Context, commodity string) (market.TrendResult, error) {
	entries, err := s.GetPriceHistory(ctx, commodity, s.opts.TrendDays)
	if err != nil {
		return market.TrendResult{}, err
	}
	return trend.AnalyzeTrend(commodity, entries), nil
}

// CalculatePriceRanges combines the current price with the min, max and
// average of the history window. A history failure leaves the historical
// range empty.
func (s *Service) CalculatePriceRanges(ctx context.Context, commodity string, days int) (market.PriceRanges, error) {
	current, err := s.GetCurrentPrice(ctx, commodity, "")
	if err != nil {
		return market.PriceRanges{}, err
	}
	ranges := market.PriceRanges{
		Current:         current,
		VolatilityLevel: market.ClassifyVolatility(current.Volatility),
	}

	entries, err := s.GetPriceHistory(ctx, commodity, days)
	if err != nil {
		s.logger.Warn().Err(err).Str("commodity", current.Commodity).Msg("historical range unavailable")
		return ranges, nil
	}
	ranges.Historical = historicalRange(entries)
	return ranges, nil
}

func historicalRange(entries []market.HistoryEntry) market.HistoricalRange {
	prices := make([]float64, 0, len(entries))
	for _, e := range entries {
		prices = append(prices, e.Price)
	}
	if len(prices) == 0 {
		return market.HistoricalRange{}
	}
	minPrice, _ := stats.Min(prices)
	maxPrice, _ := stats.Max(prices)
	mean, _ := stats.Mean(prices)
	return market.HistoricalRange{Min: minPrice, Max: maxPrice, Average: mean, Samples: len(prices)}
}

// SubscribeToAlerts registers vendorID for volatility alerts on every listed
// commodity. thresholdPercent of zero defers to the global gate.
func (s *Service) SubscribeToAlerts(ctx context.Context, vendorID string, commodities []string, thresholdPercent float64) error {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return fmt.Errorf("%w: vendor id is required", ErrInvalidSubscription)
	}
	if thresholdPercent < 0 || thresholdPercent > 100 {
		return fmt.Errorf("%w: threshold %.2f outside [0,100]", ErrInvalidSubscription, thresholdPercent)
	}
	if s.subs == nil {
		return storage.ErrNotConfigured
	}

	seen := make(map[string]struct{}, len(commodities))
	now := s.opts.Now().UTC()
	for _, raw := range commodities {
		commodity := market.NormalizeCommodity(raw)
		if commodity == "" {
			continue
		}
		if _, dup := seen[commodity]; dup {
			continue
		}
		seen[commodity] = struct{}{}

		sub := market.Subscription{
			VendorID:         vendorID,
			Commodity:        commodity,
			ThresholdPercent: thresholdPercent,
			CreatedAt:        now,
		}
		if err := s.subs.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", vendorID, commodity, err)
		}
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: no commodities", ErrInvalidSubscription)
	}
	s.logger.Info().Str("vendor", vendorID).Int("commodities", len(seen)).Msg("alert subscription saved")
	return nil
}

// SourceHealth reports the breaker state of every source.
func (s *Service) SourceHealth() []breaker.Record {
	if s.breakers == nil {
		return nil
	}
	return s.breakers.Records()
}

// Run drives Refresh from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, s.Refresh)
}

// Refresh re-resolves every configured commodity to keep the cache warm.
func (s *Service) Refresh(ctx context.Context, bucket time.Time) error {
	return s.RefreshCommodities(ctx, bucket, s.opts.Commodities)
}

// RefreshCommodities resolves the listed commodities with bounded
// concurrency. It is a no-op when another instance holds the advisory lock.
func (s *Service) RefreshCommodities(ctx context.Context, bucket time.Time, commodities []string) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip refresh because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, commodity := range commodities {
		g.Go(func() error {
			if _, err := s.GetCurrentPrice(gctx, commodity, ""); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Time("bucket", bucket).
		Int("commodities", len(commodities)).
		Int("failed", len(failures)).
		Msg("refresh finished")
	if len(failures) > 0 {
		return fmt.Errorf("refresh: %d of %d commodities failed: %w", len(failures), len(commodities), errors.Join(failures...))
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
