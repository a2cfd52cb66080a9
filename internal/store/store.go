package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"futures_bot/internal/models"
)

// Store is the optional append-only history of candles and computed
// scores. The decision logic works without it; it exists so restarts
// and offline analysis do not have to refetch everything.
type Store interface {
	SaveCandles(ctx context.Context, symbol string, candles []models.Candle) error
	SaveScores(ctx context.Context, symbol, interval string, closeTime time.Time, scores map[string]float64) error
	RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	Close() error
}

// SQLiteStore keeps history in a single sqlite file, deduplicated on
// (symbol, interval, close_time).
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	close_time INTEGER NOT NULL,
	open_time  INTEGER NOT NULL,
	open       REAL NOT NULL,
	high       REAL NOT NULL,
	low        REAL NOT NULL,
	close      REAL NOT NULL,
	volume     REAL NOT NULL,
	PRIMARY KEY (symbol, interval, close_time)
);
CREATE TABLE IF NOT EXISTS indicator_scores (
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	close_time INTEGER NOT NULL,
	name       TEXT NOT NULL,
	score      REAL NOT NULL,
	PRIMARY KEY (symbol, interval, close_time, name)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO candles
		(symbol, interval, close_time, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, c.Interval, c.CloseTime.UnixMilli(),
			c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("insert candle: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveScores(ctx context.Context, symbol, interval string, closeTime time.Time, scores map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO indicator_scores
		(symbol, interval, close_time, name, score) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for name, score := range scores {
		if _, err := stmt.ExecContext(ctx, symbol, interval, closeTime.UnixMilli(), name, score); err != nil {
			return fmt.Errorf("insert score: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT close_time, open_time, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND interval = ?
		ORDER BY close_time DESC LIMIT ?`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		var closeMs, openMs int64
		if err := rows.Scan(&closeMs, &openMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Interval = interval
		c.CloseTime = time.UnixMilli(closeMs)
		c.OpenTime = time.UnixMilli(openMs)
		candles = append(candles, c)
	}

	// Oldest first, matching the exchange kline ordering.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
