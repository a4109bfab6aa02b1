// Package analytics is the SQLite-backed error and observation store
// shared with the other subsystems. The engine reads it for the
// error-spike detector, pattern observations, and the chronic-error
// maintenance pass.
package analytics

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the analytics database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics db: %w", err)
	}
	// SQLite allows one writer; the engine and the messaging handler
	// share this file.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate analytics db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordError stores one classified error occurrence.
func (s *Store) RecordError(ctx context.Context, module, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (ts, module, message) VALUES (?, ?, ?)`,
		s.now().Unix(), module, message)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordObservation stores a content keyword or recovery-pattern
// observation for the pattern detectors.
func (s *Store) RecordObservation(ctx context.Context, kind, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (ts, kind, content) VALUES (?, ?, ?)`,
		s.now().Unix(), kind, content)
	if err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	return nil
}

// Spike describes an hour-over-hour error surge.
type Spike struct {
	RecentCount int
	PriorCount  int
	Ratio       float64
	ByModule    map[string]int
}

// DetectSpike compares error counts in the most recent hour against
// the prior hour. Returns nil when the recent count is below the
// medium threshold (5).
func (s *Store) DetectSpike(ctx context.Context) (*Spike, error) {
	now := s.now().Unix()
	hour := int64(3600)

	var recent, prior int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM errors WHERE ts > ?`, now-hour).Scan(&recent); err != nil {
		return nil, fmt.Errorf("failed to count recent errors: %w", err)
	}
	if recent < 5 {
		return nil, nil
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM errors WHERE ts > ? AND ts <= ?`, now-2*hour, now-hour).Scan(&prior); err != nil {
		return nil, fmt.Errorf("failed to count prior errors: %w", err)
	}

	spike := &Spike{RecentCount: recent, PriorCount: prior, ByModule: make(map[string]int)}
	if prior > 0 {
		spike.Ratio = float64(recent) / float64(prior)
	} else {
		spike.Ratio = float64(recent)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT module, COUNT(*) FROM errors WHERE ts > ? GROUP BY module`, now-hour)
	if err != nil {
		return nil, fmt.Errorf("failed to group errors by module: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var module string
		var n int
		if err := rows.Scan(&module, &n); err != nil {
			return nil, err
		}
		spike.ByModule[module] = n
	}
	return spike, rows.Err()
}

// SummarizeForAgent renders the recent error distribution as a short
// text block for the prompt composer's error-pattern section.
func (s *Store) SummarizeForAgent(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module, COUNT(*) AS n, MAX(message)
		 FROM errors WHERE ts > ?
		 GROUP BY module ORDER BY n DESC LIMIT 5`,
		s.now().Add(-24*time.Hour).Unix())
	if err != nil {
		return "", fmt.Errorf("failed to summarize errors: %w", err)
	}
	defer rows.Close()

	out := ""
	for rows.Next() {
		var module, sample string
		var n int
		if err := rows.Scan(&module, &n, &sample); err != nil {
			return "", err
		}
		if module == "" {
			module = "core"
		}
		out += fmt.Sprintf("- %s: %d errors in 24h (latest: %s)\n", module, n, truncate(sample, 120))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if out == "" {
		out = "No errors recorded in the last 24h.\n"
	}
	return out, nil
}

// KeywordDays returns, for each keyword observed in the past seven
// days, the number of distinct days it appeared on.
func (s *Store) KeywordDays(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, COUNT(DISTINCT ts / 86400)
		 FROM observations WHERE kind = 'keyword' AND ts > ?
		 GROUP BY content`,
		s.now().AddDate(0, 0, -7).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword days: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var kw string
		var days int
		if err := rows.Scan(&kw, &days); err != nil {
			return nil, err
		}
		out[kw] = days
	}
	return out, rows.Err()
}

// RecoveryPatternCounts returns recovery-pattern occurrence counts for
// the prior week, feeding the self-improvement detector.
func (s *Store) RecoveryPatternCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, COUNT(*)
		 FROM observations WHERE kind = 'recovery' AND ts > ?
		 GROUP BY content`,
		s.now().AddDate(0, 0, -7).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery patterns: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var pattern string
		var n int
		if err := rows.Scan(&pattern, &n); err != nil {
			return nil, err
		}
		out[pattern] = n
	}
	return out, rows.Err()
}

// ChronicModules returns modules with errors on at least minDays
// distinct days over the past 30 days. Run from the supervisor's
// low-frequency maintenance slot.
func (s *Store) ChronicModules(ctx context.Context, minDays int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module FROM errors WHERE ts > ?
		 GROUP BY module HAVING COUNT(DISTINCT ts / 86400) >= ?`,
		s.now().AddDate(0, 0, -30).Unix(), minDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query chronic modules: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
