// Package hostdb reads and writes keyed configuration items in the home
// automation host's SQLite database. Items live in the Configuration column
// of the plugin's Hardware row as one JSON object keyed by item name.
package hostdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"zigbee-nwkcore/internal/store"
)

const (
	msPerSecond = 1000
	opTimeout   = 5 * time.Second
)

const schema = `CREATE TABLE IF NOT EXISTS Hardware (
	ID INTEGER PRIMARY KEY,
	Name VARCHAR(200) NOT NULL DEFAULT '',
	Configuration TEXT DEFAULT ''
)`

// Config selects the database and the Hardware row.
type Config struct {
	Path        string
	HardwareID  int
	BusyTimeout int // seconds
}

// ConfigStore implements store.ConfigStore on the Hardware table.
type ConfigStore struct {
	db         *sql.DB
	hardwareID int
}

// Open connects to the host database and makes sure the Hardware table
// exists.
func Open(cfg Config) (*ConfigStore, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5
	}
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout*msPerSecond)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening host database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing host database: %w", err)
	}
	return &ConfigStore{db: db, hardwareID: cfg.HardwareID}, nil
}

// GetConfigItem returns the item stored under key.
func (s *ConfigStore) GetConfigItem(key string) (*store.ConfigItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	items, err := s.readAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	item, ok := items[key]
	if !ok {
		return nil, fmt.Errorf("config item %s: %w", key, store.ErrNotFound)
	}
	return item, nil
}

// SetConfigItem stores item under key, keeping the other keys of the row.
func (s *ConfigStore) SetConfigItem(key string, item *store.ConfigItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	items, err := s.readAll(ctx, tx)
	if errors.Is(err, store.ErrNotFound) {
		items = make(map[string]*store.ConfigItem)
	} else if err != nil {
		return err
	}
	items[key] = item

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE Hardware SET Configuration = ? WHERE ID = ?`, string(data), s.hardwareID)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO Hardware (ID, Configuration) VALUES (?, ?)`, s.hardwareID, string(data)); err != nil {
			return fmt.Errorf("insert configuration: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *ConfigStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ConfigStore) readAll(ctx context.Context, q queryer) (map[string]*store.ConfigItem, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `SELECT Configuration FROM Hardware WHERE ID = ?`, s.hardwareID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hardware %d: %w", s.hardwareID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	items := make(map[string]*store.ConfigItem)
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
			return nil, fmt.Errorf("parse configuration of hardware %d: %w", s.hardwareID, err)
		}
	}
	return items, nil
}
