package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mandi-price-engine/internal/alerting"
	"mandi-price-engine/internal/breaker"
	"mandi-price-engine/internal/cache"
	"mandi-price-engine/internal/config"
	"mandi-price-engine/internal/fetcher"
	"mandi-price-engine/internal/market"
	"mandi-price-engine/internal/pricing"
	"mandi-price-engine/internal/scheduler"
	"mandi-price-engine/internal/storage"
	"mandi-price-engine/internal/validator"
	"mandi-price-engine/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the assembled engine plus everything that must be released
// when a command finishes.
type runtime struct {
	service    *pricing.Service
	dispatcher *alerting.Dispatcher
	store      *storage.Store
	closers    []func()
}

func (r *runtime) Close() {
	if r.dispatcher != nil {
		r.dispatcher.Wait()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.Tier, func(), error) {
	cfg := a.Config.Cache
	opts := cache.Options{
		FreshTTL:   cfg.FreshTTL,
		HardExpiry: cfg.HardExpiry,
		WriteTTL:   cfg.WriteTTL,
		KeyPrefix:  cfg.KeyPrefix,
	}

	if a.Config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.Addr).Msg("redis unreachable; cache reads will miss until it recovers")
		}
		closer := func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		}
		return cache.New(cache.NewRedisBackend(client), opts, a.Logger), closer, nil
	}

	backend, err := cache.NewMemoryBackend(ctx, cfg.HardExpiry)
	if err != nil {
		return nil, nil, fmt.Errorf("in-process cache: %w", err)
	}
	a.Logger.Info().Msg("redis.addr not configured; using in-process cache")
	closer := func() {
		_ = backend.Close()
	}
	return cache.New(backend, opts, a.Logger), closer, nil
}

func (a *App) marketLocation() *time.Location {
	if tz := a.Config.Scheduler.OperatingHours.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// newSources builds every enabled upstream wrapped in its breaker, limiter
// and retry policy.
func (a *App) newSources() ([]fetcher.Source, *breaker.Registry, func()) {
	cfg := a.Config.Sources
	loc := a.marketLocation()
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	var (
		raw     []fetcher.Source
		limits  = map[market.SourceID]config.RateConfig{}
		closers []func()
	)
	if cfg.Agmarknet.Enabled {
		raw = append(raw, fetcher.NewAgmarknet(fetcher.AgmarknetOptions{
			BaseURL:   cfg.Agmarknet.BaseURL,
			APIKey:    cfg.Agmarknet.APIKey,
			Resource:  cfg.Agmarknet.Resource,
			Limit:     cfg.Agmarknet.Limit,
			Timeout:   cfg.Agmarknet.Timeout,
			UserAgent: userAgent,
			Location:  loc,
		}, a.Logger))
		limits[fetcher.SourceAgmarknet] = cfg.Agmarknet.RateConfig
	}
	if cfg.ENAM.Enabled {
		raw = append(raw, fetcher.NewENAM(fetcher.ENAMOptions{
			BaseURL:   cfg.ENAM.BaseURL,
			APIKey:    cfg.ENAM.APIKey,
			Timeout:   cfg.ENAM.Timeout,
			UserAgent: userAgent,
			Location:  loc,
		}, a.Logger))
		limits[fetcher.SourceENAM] = cfg.ENAM.RateConfig
	}
	if cfg.Chainlink.Enabled {
		feeds := make([]fetcher.ChainlinkFeed, 0, len(cfg.Chainlink.Feeds))
		for _, f := range cfg.Chainlink.Feeds {
			feeds = append(feeds, fetcher.ChainlinkFeed{Commodity: f.Commodity, Address: f.Address, Scale: f.Scale, Market: f.Market})
		}
		chainlink := fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL:  cfg.Chainlink.RPCURL,
			Feeds:   feeds,
			MaxAge:  cfg.Chainlink.MaxAge,
			Timeout: cfg.Chainlink.Timeout,
		}, a.Logger)
		raw = append(raw, chainlink)
		limits[fetcher.SourceChainlink] = cfg.Chainlink.RateConfig
		closers = append(closers, chainlink.Close)
	}

	ids := make([]market.SourceID, len(raw))
	for i, src := range raw {
		ids[i] = src.ID()
	}
	res := a.Config.Resilience
	registry := breaker.NewRegistry(ids, breaker.Options{
		FailureThreshold: res.FailureThreshold,
		MinRequests:      res.MinRequests,
		Window:           res.Window,
		RecoveryTimeout:  res.RecoveryTimeout,
	}, a.Logger)

	sources := make([]fetcher.Source, len(raw))
	for i, src := range raw {
		limit := limits[src.ID()]
		timeout := res.FetchTimeout
		if limit.Timeout > 0 && limit.Timeout < timeout {
			timeout = limit.Timeout
		}
		sources[i] = fetcher.NewResilient(src, registry.For(src.ID()), fetcher.ResilienceOptions{
			Timeout:       timeout,
			MaxRetries:    res.MaxRetries,
			BaseDelay:     res.BaseDelay,
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
		}, a.Logger)
	}
	if len(sources) == 0 {
		a.Logger.Warn().Msg("no price sources enabled; only cached and stored prices will be served")
	}

	return sources, registry, func() {
		for _, c := range closers {
			c()
		}
	}
}

func (a *App) newNotifier() (alerting.Notifier, func()) {
	cfg := a.Config.Alerting
	var (
		sinks   alerting.Multi
		closers []func()
	)
	if cfg.Telegram.Enabled {
		sinks = append(sinks, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger))
	}
	if cfg.Kafka.Enabled {
		writer := alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, alerting.NewKafkaNotifier(writer, a.Logger))
		closers = append(closers, func() {
			if err := writer.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		})
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(sinks) {
	case 0:
		return nil, closeAll
	case 1:
		return sinks[0], closeAll
	default:
		return sinks, closeAll
	}
}

func (a *App) newDispatcher(subs alerting.SubscriberLister, audit alerting.AuditRecorder) (*alerting.Dispatcher, func()) {
	if !a.Config.Alerting.Enabled {
		return nil, func() {}
	}
	notifier, closeNotifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
		return nil, closeNotifier
	}
	cfg := a.Config.Alerting
	return alerting.NewDispatcher(subs, notifier, audit, alerting.DispatcherOptions{
		VolatilityThreshold: cfg.VolatilityThreshold,
		Cooldown:            cfg.Cooldown,
		Timeout:             cfg.Timeout,
		Channels:            cfg.Channels,
	}, a.Logger), closeNotifier
}

// build assembles the pricing service. Persistence is optional; without a
// DSN history, subscriptions and alert audit are unavailable.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
	}

	tier, closeCache, err := a.openCache(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeCache)

	sources, registry, closeSources := a.newSources()
	rt.closers = append(rt.closers, closeSources)

	deps := pricing.Dependencies{
		Cache:     tier,
		Sources:   sources,
		Validator: validator.New(a.Config.Validation.AnomalyThreshold, a.Logger),
		Breakers:  registry,
	}
	if store != nil {
		deps.History = store
		deps.Subscriptions = store
		deps.Locker = store

		dispatcher, closeNotifier := a.newDispatcher(store, store)
		rt.closers = append(rt.closers, closeNotifier)
		if dispatcher != nil {
			rt.dispatcher = dispatcher
			deps.Alerts = dispatcher
		}
	}

	sched := a.Config.Scheduler
	rt.service = pricing.New(deps, pricing.Options{
		RoundTimeout:    a.Config.Resilience.RoundTimeout,
		HistoryDays:     a.Config.Validation.HistoryDays,
		Commodities:     sched.Commodities,
		Concurrency:     sched.Concurrency,
		LockKey:         sched.AdvisoryLockKey,
		AlertVolatility: a.Config.Alerting.VolatilityThreshold,
	}, a.Logger)
	return rt, nil
}

// Run executes the long-running cache warm-up service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store != nil && a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, rt.store.Pool()); err != nil {
			return err
		}
	}
	if rt.store != nil && a.Config.Alerting.Retention > 0 {
		cutoff := time.Now().UTC().Add(-a.Config.Alerting.Retention)
		if err := rt.store.DeleteAlertsBefore(ctx, cutoff); err != nil {
			a.Logger.Warn().Err(err).Msg("prune alert audit failed")
		}
	}

	hours, err := a.Config.OperatingHours()
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Hours:        hours,
	}, a.Logger)

	a.Logger.Info().
		Strs("commodities", a.Config.Scheduler.Commodities).
		Str("operating_hours", hours.String()).
		Msg("starting price warm-up service")
	err = rt.service.Run(ctx, sched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price warm-up service stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	defer closeStore()

	if err := storage.Migrate(ctx, store.Pool()); err != nil {
		return err
	}
	a.Logger.Info().Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Commodity string
	Days      int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Commodity string
	Limit     int
	Alerts    bool
}

// RefreshOptions configure a one-off warm-up pass.
type RefreshOptions struct {
	Commodities []string
}

// SimulateOptions describe a synthetic snapshot pushed through the
// dispatcher.
type SimulateOptions struct {
	Commodity  string
	Price      float64
	Volatility float64
	VendorID   string
}
