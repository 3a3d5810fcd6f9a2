package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alert_history (
        alert_id,
        kind,
        severity,
        title,
        description,
        entity,
        correlation_key,
        score,
        confidence,
        alert_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, alert_id, kind, severity, title, description, entity, correlation_key, score, confidence, alert_ts, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        kind,
        severity,
        title,
        description,
        entity,
        correlation_key,
        score,
        confidence,
        alert_ts,
        created_at
    FROM alert_history
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_history WHERE created_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alert_history;`
)

// AlertHistoryStore defines operations for alert auditing.
type AlertHistoryStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// Store provides pgx-backed alert history persistence.
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

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Kind,
		alert.Severity,
		alert.Title,
		alert.Description,
		alert.Entity,
		alert.CorrelationKey,
		alert.Score,
		alert.Confidence,
		alert.Timestamp,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Kind,
		&rec.Severity,
		&rec.Title,
		&rec.Description,
		&rec.Entity,
		&rec.CorrelationKey,
		&rec.Score,
		&rec.Confidence,
		&rec.Timestamp,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}

	return rec, nil
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
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&rec.Kind,
			&rec.Severity,
			&rec.Title,
			&rec.Description,
			&rec.Entity,
			&rec.CorrelationKey,
			&rec.Score,
			&rec.Confidence,
			&rec.Timestamp,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts beyond retention.
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

// CountAlerts counts stored alert records.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

var _ AlertHistoryStore = (*Store)(nil)
