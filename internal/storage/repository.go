package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	findCurrentSQL = `SELECT
        asset, platform, chain, lock_period, platform_type,
        apr::text, apy::text, min_stake::text, risk_level, source, last_updated
    FROM rates_current
    WHERE asset = $1 AND platform = $2 AND chain = $3 AND lock_period = $4;`

	upsertCurrentSQL = `INSERT INTO rates_current (
        asset, platform, chain, lock_period, platform_type,
        apr, apy, min_stake, risk_level, source, last_updated
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (asset, platform, chain, lock_period) DO UPDATE
    SET
        platform_type = EXCLUDED.platform_type,
        apr           = EXCLUDED.apr,
        apy           = EXCLUDED.apy,
        min_stake     = EXCLUDED.min_stake,
        risk_level    = EXCLUDED.risk_level,
        source        = EXCLUDED.source,
        last_updated  = EXCLUDED.last_updated;`

	listCurrentSQL = `SELECT
        asset, platform, chain, lock_period, platform_type,
        apr::text, apy::text, min_stake::text, risk_level, source, last_updated
    FROM rates_current
    ORDER BY asset, platform, chain, lock_period;`

	appendHistorySQL = `INSERT INTO rate_history (
        asset, platform, chain, lock_period, apr, apy, recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listHistorySQL = `SELECT
        asset, platform, chain, lock_period, apr::text, apy::text, recorded_at
    FROM rate_history
    WHERE asset = $1 AND platform = $2 AND chain = $3 AND lock_period = $4
      AND recorded_at >= $5
      AND recorded_at < $6
    ORDER BY recorded_at, id;`

	findActiveAlertsSQL = `SELECT
        id, user_id, asset, platform, alert_type, threshold::text, is_active, last_triggered
    FROM alerts
    WHERE is_active = TRUE
    ORDER BY id;`

	setAlertLastTriggeredSQL = `UPDATE alerts SET last_triggered = $2 WHERE id = $1;`

	insertNotificationSQL = `INSERT INTO notifications (
        id, user_id, alert_id, type, title, message, data, read, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed Gateway.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
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
		// the lock dies with the session if this fails, so the connection is dropped instead
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

// FindCurrent loads the current row for key.
func (s *Store) FindCurrent(ctx context.Context, key RateKey) (RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return RateObservation{}, err
	}

	row := pool.QueryRow(ctx, findCurrentSQL, key.Asset, key.Platform, key.Chain, key.LockPeriod)
	obs, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RateObservation{}, ErrNotFound
	}
	if err != nil {
		return RateObservation{}, fmt.Errorf("find current rate: %w", err)
	}
	return obs, nil
}

// UpsertCurrent persists or updates the current row for the observation's key.
func (s *Store) UpsertCurrent(ctx context.Context, obs RateObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var riskLevel interface{}
	if obs.RiskLevel != "" {
		riskLevel = string(obs.RiskLevel)
	}

	_, execErr := pool.Exec(ctx, upsertCurrentSQL,
		obs.Asset,
		obs.Platform,
		obs.Chain,
		obs.LockPeriod,
		string(obs.PlatformType),
		obs.APR.String(),
		nullableDecimal(obs.APY),
		nullableDecimal(obs.MinStake),
		riskLevel,
		obs.Source,
		obs.LastUpdated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert current rate: %w", execErr)
	}
	return nil
}

// ListCurrent returns every current row.
func (s *Store) ListCurrent(ctx context.Context) ([]RateObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCurrentSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list current rates: %w", queryErr)
	}
	defer rows.Close()

	out := make([]RateObservation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// AppendHistory records the value a key held before it changed.
func (s *Store) AppendHistory(ctx context.Context, entry RateHistoryEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, appendHistorySQL,
		entry.Asset,
		entry.Platform,
		entry.Chain,
		entry.LockPeriod,
		entry.APR.String(),
		nullableDecimal(entry.APY),
		entry.RecordedAt,
	)
	if execErr != nil {
		return fmt.Errorf("append rate history: %w", execErr)
	}
	return nil
}

// ListHistory lists entries for key within [from, to).
func (s *Store) ListHistory(ctx context.Context, key RateKey, from, to time.Time) ([]RateHistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, key.Asset, key.Platform, key.Chain, key.LockPeriod, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list rate history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]RateHistoryEntry, 0)
	for rows.Next() {
		var (
			entry  RateHistoryEntry
			aprStr string
			apyStr sql.NullString
		)
		if err := rows.Scan(
			&entry.Asset,
			&entry.Platform,
			&entry.Chain,
			&entry.LockPeriod,
			&aprStr,
			&apyStr,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if entry.APR, convErr = decimal.NewFromString(aprStr); convErr != nil {
			return nil, fmt.Errorf("parse history apr: %w", convErr)
		}
		if entry.APY, convErr = parseNullableDecimal(apyStr); convErr != nil {
			return nil, fmt.Errorf("parse history apy: %w", convErr)
		}
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// FindActiveAlerts lists alerts with is_active = true.
func (s *Store) FindActiveAlerts(ctx context.Context) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findActiveAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("find active alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			alert        Alert
			alertType    string
			thresholdStr string
			lastTrig     sql.NullTime
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.UserID,
			&alert.Asset,
			&alert.Platform,
			&alertType,
			&thresholdStr,
			&alert.IsActive,
			&lastTrig,
		); err != nil {
			return nil, err
		}

		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert threshold: %w", convErr)
		}
		alert.Threshold = threshold
		alert.AlertType = AlertType(alertType)
		if lastTrig.Valid {
			stamp := lastTrig.Time
			alert.LastTriggered = &stamp
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// SetAlertLastTriggered stamps an alert's last trigger time.
func (s *Store) SetAlertLastTriggered(ctx context.Context, alertID string, when time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setAlertLastTriggeredSQL, alertID, when)
	if execErr != nil {
		return fmt.Errorf("set alert last triggered: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertNotification persists a notification, assigning id and timestamp when absent.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return Notification{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(n.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal notification data: %w", err)
	}

	if _, execErr := pool.Exec(ctx, insertNotificationSQL,
		n.ID,
		n.UserID,
		n.AlertID,
		n.Type,
		n.Title,
		n.Message,
		data,
		n.Read,
		n.CreatedAt,
	); execErr != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", execErr)
	}
	return n, nil
}

// DeleteNotificationsOlderThan deletes notifications created before cutoff.
func (s *Store) DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteNotificationsBeforeSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("delete notifications before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanObservation(row pgx.Row) (RateObservation, error) {
	var (
		obs          RateObservation
		platformType string
		aprStr       string
		apyStr       sql.NullString
		minStakeStr  sql.NullString
		riskLevel    sql.NullString
	)

	if err := row.Scan(
		&obs.Asset,
		&obs.Platform,
		&obs.Chain,
		&obs.LockPeriod,
		&platformType,
		&aprStr,
		&apyStr,
		&minStakeStr,
		&riskLevel,
		&obs.Source,
		&obs.LastUpdated,
	); err != nil {
		return RateObservation{}, err
	}

	apr, err := decimal.NewFromString(aprStr)
	if err != nil {
		return RateObservation{}, fmt.Errorf("parse apr: %w", err)
	}
	obs.APR = apr
	if obs.APY, err = parseNullableDecimal(apyStr); err != nil {
		return RateObservation{}, fmt.Errorf("parse apy: %w", err)
	}
	if obs.MinStake, err = parseNullableDecimal(minStakeStr); err != nil {
		return RateObservation{}, fmt.Errorf("parse min stake: %w", err)
	}
	obs.PlatformType = PlatformType(platformType)
	if riskLevel.Valid {
		obs.RiskLevel = RiskLevel(riskLevel.String)
	}
	return obs, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullableDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var (
	_ Gateway        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
