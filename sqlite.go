package ygggo_odbc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the modernc SQLite backend.
type SQLiteConfig struct {
	// Database file path. ":memory:" gives every native connection its own
	// private database, so pools sharing data need a file.
	Path string

	MaxOpenConns    int
	ConnMaxIdleTime time.Duration

	// Applied as _pragma parameters on every native connection.
	BusyTimeout time.Duration
	JournalMode string
	Synchronous string
	CacheSize   int // pages
}

// DefaultSQLiteConfig targets ":memory:"; JournalMode takes effect once Path names a file.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:            ":memory:",
		MaxOpenConns:    10,
		ConnMaxIdleTime: 30 * time.Minute,
		BusyTimeout:     5 * time.Second,
		JournalMode:     "WAL",
		Synchronous:     "NORMAL",
		CacheSize:       2000,
	}
}

// NewSQLiteDriver opens a modernc SQLite database as a native driver.
func NewSQLiteDriver(ctx context.Context, config SQLiteConfig) (*SQLDriver, error) {
	d, err := OpenSQLDriver("sqlite", buildSQLiteDSN(config))
	if err != nil { return nil, fmt.Errorf("failed to open SQLite database: %w", err) }
	if config.MaxOpenConns > 0 { d.db.SetMaxOpenConns(config.MaxOpenConns) }
	d.db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := d.db.PingContext(ctx); err != nil {
		d.db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return d, nil
}

// buildSQLiteDSN builds a modernc DSN with one _pragma per setting.
func buildSQLiteDSN(config SQLiteConfig) string {
	path := config.Path
	if path == "" { path = ":memory:" }

	q := url.Values{}
	if config.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()))
	}
	if config.JournalMode != "" && path != ":memory:" {
		q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", strings.ToUpper(config.JournalMode)))
	}
	if config.Synchronous != "" {
		q.Add("_pragma", fmt.Sprintf("synchronous(%s)", strings.ToUpper(config.Synchronous)))
	}
	if config.CacheSize > 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", config.CacheSize))
	}
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}
