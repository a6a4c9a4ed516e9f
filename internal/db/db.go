package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultDir    = ".trackline"
	defaultDBName = "trackline.db"
)

type Config struct {
	// Workspace is the directory holding the .trackline data folder.
	Workspace string
	// Path overrides the database file location when set.
	Path        string
	BusyTimeout time.Duration
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, defaultDir, defaultDBName)
}

// Open opens the SQLite database with foreign keys on and immediate write
// transactions so concurrent writers queue on busy_timeout instead of
// failing on lock upgrade.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, timeout.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the config.
func Path(cfg Config) string {
	return cfg.path()
}
