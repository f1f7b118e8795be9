package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mandi-price-engine/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when no history row matches.
	ErrNotFound = errors.New("storage: not found")
)

const (
	upsertSnapshotSQL = `INSERT INTO price_history (
        commodity,
        market,
        price_date,
        price,
        min_price,
        max_price,
        arrivals,
        volatility,
        sources,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (commodity, market, price_date) DO UPDATE
    SET
        price       = EXCLUDED.price,
        min_price   = EXCLUDED.min_price,
        max_price   = EXCLUDED.max_price,
        arrivals    = EXCLUDED.arrivals,
        volatility  = EXCLUDED.volatility,
        sources     = EXCLUDED.sources,
        observed_at = EXCLUDED.observed_at,
        updated_at  = now()
    WHERE price_history.observed_at <= EXCLUDED.observed_at;`

	historyColumns = `commodity,
        market,
        price_date,
        price::text,
        min_price::text,
        max_price::text,
        arrivals::text`

	queryLatestSQL = `SELECT ` + historyColumns + `
    FROM price_history
    WHERE commodity = $1
    ORDER BY price_date DESC, observed_at DESC
    LIMIT 1;`

	queryRangeSQL = `SELECT ` + historyColumns + `
    FROM price_history
    WHERE commodity = $1
      AND price_date >= $2
    ORDER BY price_date, market;`

	listRecentHistorySQL = `SELECT ` + historyColumns + `
    FROM price_history
    WHERE ($1 = '' OR commodity = $1)
    ORDER BY price_date DESC, commodity, market
    LIMIT $2;`

	upsertSubscriptionSQL = `INSERT INTO alert_subscriptions (
        vendor_id,
        commodity,
        threshold_pct
    ) VALUES ($1,$2,$3)
    ON CONFLICT (vendor_id, commodity) DO UPDATE
    SET threshold_pct = EXCLUDED.threshold_pct;`

	listSubscribersSQL = `SELECT vendor_id, commodity, threshold_pct::text, created_at
    FROM alert_subscriptions
    WHERE commodity = $1
    ORDER BY vendor_id;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        vendor_id,
        commodity,
        price,
        volatility,
        threshold_pct,
        channels,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        vendor_id,
        commodity,
        price::text,
        volatility::text,
        threshold_pct::text,
        channels,
        status,
        error,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoryStore persists aggregated snapshots as daily history.
type HistoryStore interface {
	InsertOrUpdateSnapshot(ctx context.Context, snap market.Snapshot) error
	QueryLatest(ctx context.Context, commodity string) (market.HistoryEntry, error)
	QueryRange(ctx context.Context, commodity string, days int) ([]market.HistoryEntry, error)
}

// SubscriptionStore holds alert subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub market.Subscription) error
	ListSubscribers(ctx context.Context, commodity string) ([]market.Subscription, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price history, subscriptions and alerts.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool, e.g. for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock if the explicit unlock fails.
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertOrUpdateSnapshot upserts the snapshot as the history row of its
// (commodity, market, date). An older observation never overwrites a newer one.
func (s *Store) InsertOrUpdateSnapshot(ctx context.Context, snap market.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	sources := make([]string, len(snap.Sources))
	for i, id := range snap.Sources {
		sources[i] = string(id)
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		market.NormalizeCommodity(snap.Commodity),
		snap.Market,
		priceDate(snap.LastUpdated),
		numeric(snap.PriceRange.Modal),
		numeric(snap.PriceRange.Min),
		numeric(snap.PriceRange.Max),
		numeric(snap.Arrivals),
		numeric(snap.Volatility),
		sources,
		snap.LastUpdated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// QueryLatest returns the most recent history row for a commodity.
func (s *Store) QueryLatest(ctx context.Context, commodity string) (market.HistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.HistoryEntry{}, err
	}

	rows, queryErr := pool.Query(ctx, queryLatestSQL, market.NormalizeCommodity(commodity))
	if queryErr != nil {
		return market.HistoryEntry{}, fmt.Errorf("query latest: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return market.HistoryEntry{}, fmt.Errorf("query latest: %w", rows.Err())
		}
		return market.HistoryEntry{}, ErrNotFound
	}
	return scanHistoryEntry(rows)
}

// QueryRange returns the history rows of the last days days, oldest first.
func (s *Store) QueryRange(ctx context.Context, commodity string, days int) ([]market.HistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	since := priceDate(s.now()).AddDate(0, 0, -days)
	rows, queryErr := pool.Query(ctx, queryRangeSQL, market.NormalizeCommodity(commodity), since)
	if queryErr != nil {
		return nil, fmt.Errorf("query range: %w", queryErr)
	}
	defer rows.Close()

	return collectHistory(rows, 0)
}

// ListRecentHistory lists the newest history rows, optionally for one commodity.
func (s *Store) ListRecentHistory(ctx context.Context, commodity string, limit int) ([]market.HistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentHistorySQL, market.NormalizeCommodity(commodity), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent history: %w", queryErr)
	}
	defer rows.Close()

	return collectHistory(rows, limit)
}

// UpsertSubscription creates or updates a vendor's subscription to a commodity.
func (s *Store) UpsertSubscription(ctx context.Context, sub market.Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSubscriptionSQL,
		sub.VendorID,
		market.NormalizeCommodity(sub.Commodity),
		numeric(sub.ThresholdPercent),
	); execErr != nil {
		return fmt.Errorf("upsert subscription: %w", execErr)
	}
	return nil
}

// ListSubscribers lists every subscription for a commodity.
func (s *Store) ListSubscribers(ctx context.Context, commodity string) ([]market.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscribersSQL, market.NormalizeCommodity(commodity))
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]market.Subscription, 0)
	for rows.Next() {
		var (
			sub          market.Subscription
			thresholdStr string
		)
		if err := rows.Scan(&sub.VendorID, &sub.Commodity, &thresholdStr, &sub.CreatedAt); err != nil {
			return nil, err
		}
		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}
		sub.ThresholdPercent = threshold.InexactFloat64()
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// InsertAlert persists an alert emission. Re-inserting the same id is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}

	var errMsg interface{}
	if alert.Error != nil {
		errMsg = *alert.Error
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.VendorID,
		alert.Commodity,
		alert.Price.String(),
		alert.Volatility.String(),
		alert.ThresholdPct.String(),
		alert.Channels,
		alert.Status,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                AlertRecord
			priceStr, volatilityStr, threshStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.VendorID,
			&rec.Commodity,
			&priceStr,
			&volatilityStr,
			&threshStr,
			&rec.Channels,
			&rec.Status,
			&rec.Error,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		if rec.Volatility, convErr = decimal.NewFromString(volatilityStr); convErr != nil {
			return nil, fmt.Errorf("parse volatility: %w", convErr)
		}
		if rec.ThresholdPct, convErr = decimal.NewFromString(threshStr); convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectHistory(rows pgx.Rows, capacity int) ([]market.HistoryEntry, error) {
	entries := make([]market.HistoryEntry, 0, capacity)
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanHistoryEntry(rows pgx.Rows) (market.HistoryEntry, error) {
	var (
		entry                                 market.HistoryEntry
		priceStr, minStr, maxStr, arrivalsStr string
	)
	if err := rows.Scan(
		&entry.Commodity,
		&entry.Market,
		&entry.Date,
		&priceStr,
		&minStr,
		&maxStr,
		&arrivalsStr,
	); err != nil {
		return market.HistoryEntry{}, err
	}

	values, err := parseNumerics(priceStr, minStr, maxStr, arrivalsStr)
	if err != nil {
		return market.HistoryEntry{}, err
	}
	entry.Price, entry.MinPrice, entry.MaxPrice, entry.Arrivals = values[0], values[1], values[2], values[3]
	return entry, nil
}

// numeric renders a float for a NUMERIC column without binary float noise.
func numeric(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseNumerics(raw ...string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", s, err)
		}
		out[i] = d.InexactFloat64()
	}
	return out, nil
}

// priceDate truncates t to its UTC calendar day.
func priceDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	_ HistoryStore      = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
