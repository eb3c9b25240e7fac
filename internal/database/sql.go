package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pricealert/internal/logger"
	"pricealert/internal/models"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on Postgres (lib/pq) or SQLite (modernc.org/sqlite).
// Queries are written with ? placeholders and rebound for Postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
	log      *zap.Logger
}

// Open connects to the database, applies migrations and returns a store.
// driver is "postgres" or "sqlite".
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*SQLStore, error) {
	log = logger.OrNop(log)
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// SQLite is a single-writer engine.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := applyPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	log.Info("Database connection established", zap.String("driver", driver))
	return &SQLStore{db: db, postgres: driver == "postgres", now: time.Now, log: log}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(postgres bool, query string) string {
	if !postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.postgres, query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.postgres, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.postgres, query), args...)
}

const alertColumns = `id, user_id, asset_id, asset_name, asset_symbol, target_price, condition,
	is_active, is_triggered, triggered_at, triggered_price, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (models.PriceAlert, error) {
	var (
		a              models.PriceAlert
		condition      string
		triggeredAt    sql.NullInt64
		triggeredPrice decimal.NullDecimal
		createdAt      int64
		updatedAt      int64
	)
	if err := row.Scan(
		&a.ID, &a.UserID, &a.AssetID, &a.AssetName, &a.AssetSymbol, &a.TargetPrice, &condition,
		&a.IsActive, &a.IsTriggered, &triggeredAt, &triggeredPrice, &createdAt, &updatedAt,
	); err != nil {
		return a, err
	}
	a.Condition = models.Condition(condition)
	a.TriggeredAt = fromNullInt64(triggeredAt)
	if triggeredPrice.Valid {
		p := triggeredPrice.Decimal
		a.TriggeredPrice = &p
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}

func scanAlerts(rows *sql.Rows) ([]models.PriceAlert, error) {
	var alerts []models.PriceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// ListActiveAlerts returns alerts that are active and not yet triggered.
func (s *SQLStore) ListActiveAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	rows, err := s.query(ctx, `SELECT `+alertColumns+`
		FROM price_alerts
		WHERE is_active = ? AND is_triggered = ?
		ORDER BY created_at, id`, true, false)
	if err != nil {
		s.log.Error("Failed to query active alerts", zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// MarkTriggered is a single conditional update; only the call that finds the
// alert still active and untriggered changes it.
func (s *SQLStore) MarkTriggered(ctx context.Context, alertID string, price decimal.Decimal, at time.Time) (MarkResult, error) {
	res, err := s.exec(ctx, `
		UPDATE price_alerts
		SET is_active = ?, is_triggered = ?, triggered_at = ?, triggered_price = ?, updated_at = ?
		WHERE id = ? AND is_active = ? AND is_triggered = ?`,
		false, true, at.UTC().Unix(), price.String(), s.now().UTC().Unix(),
		alertID, true, false,
	)
	if err != nil {
		s.log.Error("Failed to mark alert triggered", zap.String("alert_id", alertID), zap.Error(err))
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return MarkConflict, nil
	}
	return MarkApplied, nil
}

// CreateAlert inserts a new alert. The caller sets ID and the asset fields.
func (s *SQLStore) CreateAlert(ctx context.Context, alert *models.PriceAlert) error {
	now := s.now().UTC().Truncate(time.Second)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now

	var triggeredPrice any
	if alert.TriggeredPrice != nil {
		triggeredPrice = alert.TriggeredPrice.String()
	}
	res, err := s.exec(ctx, `
		INSERT INTO price_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.UserID, alert.AssetID, alert.AssetName, alert.AssetSymbol,
		alert.TargetPrice.String(), string(alert.Condition),
		alert.IsActive, alert.IsTriggered, toNullInt64(alert.TriggeredAt), triggeredPrice,
		alert.CreatedAt.Unix(), alert.UpdatedAt.Unix(),
	)
	if err != nil {
		s.log.Error("Failed to create alert in database", zap.String("alert_id", alert.ID), zap.Error(err))
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetAlert retrieves an alert by its ID.
func (s *SQLStore) GetAlert(ctx context.Context, id string) (*models.PriceAlert, error) {
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertColumns+` FROM price_alerts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.log.Error("Failed to retrieve alert", zap.String("alert_id", id), zap.Error(err))
		return nil, err
	}
	return &a, nil
}

// ListAlertsByUser retrieves all alerts for a user, newest first.
func (s *SQLStore) ListAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error) {
	rows, err := s.query(ctx, `SELECT `+alertColumns+`
		FROM price_alerts
		WHERE user_id = ?
		ORDER BY created_at DESC, id`, userID)
	if err != nil {
		s.log.Error("Failed to query alerts by user ID", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// PauseAlert deactivates an untriggered alert.
func (s *SQLStore) PauseAlert(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

// ActivateAlert re-activates an untriggered alert.
func (s *SQLStore) ActivateAlert(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

func (s *SQLStore) setActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `
		UPDATE price_alerts SET is_active = ?, updated_at = ?
		WHERE id = ? AND is_triggered = ?`,
		active, s.now().UTC().Unix(), id, false,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyTriggered
}

// DeleteAlert deletes an alert by ID.
func (s *SQLStore) DeleteAlert(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM price_alerts WHERE id = ?`, id)
	if err != nil {
		s.log.Error("Failed to delete alert", zap.String("alert_id", id), zap.Error(err))
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const prefsColumns = `user_id, email, email_enabled, push_enabled, email_digest, digest_frequency,
	quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone, updated_at`

// GetPreferences inserts default rows for unknown users, then reads them all.
func (s *SQLStore) GetPreferences(ctx context.Context, userIDs []string) (map[string]models.NotificationPreferences, error) {
	out := make(map[string]models.NotificationPreferences, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	now := s.now().UTC().Unix()
	for _, id := range userIDs {
		def := models.DefaultPreferences(id)
		if _, err := s.exec(ctx, `
			INSERT INTO notification_preferences (`+prefsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO NOTHING`,
			def.UserID, def.Email, def.EmailEnabled, def.PushEnabled, def.EmailDigest, string(def.DigestFrequency),
			def.QuietHoursEnabled, def.QuietHoursStart, def.QuietHoursEnd, def.Timezone, now,
		); err != nil {
			s.log.Error("Failed to create default preferences", zap.String("user_id", id), zap.Error(err))
			return nil, err
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := s.query(ctx, `SELECT `+prefsColumns+`
		FROM notification_preferences
		WHERE user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         models.NotificationPreferences
			freq      string
			updatedAt int64
		)
		if err := rows.Scan(
			&p.UserID, &p.Email, &p.EmailEnabled, &p.PushEnabled, &p.EmailDigest, &freq,
			&p.QuietHoursEnabled, &p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone, &updatedAt,
		); err != nil {
			return nil, err
		}
		p.DigestFrequency = models.DigestFrequency(freq)
		p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertPreferences replaces a user's preferences.
func (s *SQLStore) UpsertPreferences(ctx context.Context, p models.NotificationPreferences) error {
	_, err := s.exec(ctx, `
		INSERT INTO notification_preferences (`+prefsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email               = excluded.email,
			email_enabled       = excluded.email_enabled,
			push_enabled        = excluded.push_enabled,
			email_digest        = excluded.email_digest,
			digest_frequency    = excluded.digest_frequency,
			quiet_hours_enabled = excluded.quiet_hours_enabled,
			quiet_hours_start   = excluded.quiet_hours_start,
			quiet_hours_end     = excluded.quiet_hours_end,
			timezone            = excluded.timezone,
			updated_at          = excluded.updated_at`,
		p.UserID, p.Email, p.EmailEnabled, p.PushEnabled, p.EmailDigest, string(p.DigestFrequency),
		p.QuietHoursEnabled, p.QuietHoursStart, p.QuietHoursEnd, p.Timezone, s.now().UTC().Unix(),
	)
	if err != nil {
		s.log.Error("Failed to upsert preferences", zap.String("user_id", p.UserID), zap.Error(err))
	}
	return err
}

func toNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func fromNullInt64(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}
