// Package store provides SQLite-backed persistence for settings and the
// durable tier of the location cache.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Register the sqlite database/sql driver.
)

// Setting keys. Values are stored as JSON text.
const (
	KeyEnabled          = "enabled"
	KeyBlockedCountries = "blockedCountries"
	KeyBlockedUsernames = "blockedUsernames"
	KeyCustomCountries  = "customCountries"
	KeyExcludeFollowing = "excludeFollowing"
	KeyCache            = "euCache"
	KeyStats            = "stats"
)

const subscriberBuffer = 64

var ErrNotFound = errors.New("setting not found")

// Open is part of the store package API.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite behaves best with a single connection for this workload.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return db, nil
}

// Init is part of the store package API.
func Init(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

	_, err := db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	return nil
}

// GetValue returns the raw JSON value stored under key.
func GetValue(ctx context.Context, db *sql.DB, key string) (string, error) {
	ctx = contextOrBackground(ctx)

	var value string

	err := db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// ListValues returns every stored setting keyed by name.
func ListValues(ctx context.Context, db *sql.DB) (map[string]string, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer closeRows(rows)

	values := make(map[string]string)

	for rows.Next() {
		var key, value string

		scanErr := rows.Scan(&key, &value)
		if scanErr != nil {
			return nil, fmt.Errorf("scan setting: %w", scanErr)
		}

		values[key] = value
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate settings: %w", rowsErr)
	}

	return values, nil
}

// SetValues writes all values in one transaction.
func SetValues(ctx context.Context, db *sql.DB, values map[string]string) error {
	ctx = contextOrBackground(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set settings transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			rollbackTx(tx)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`)
	if err != nil {
		return fmt.Errorf("prepare set setting statement: %w", err)
	}

	defer func() {
		closeErr := stmt.Close()
		if closeErr != nil {
			slog.Warn("stmt close failed", "err", closeErr)
		}
	}()

	now := time.Now().UTC()

	for _, key := range sortedKeys(values) {
		_, execErr := stmt.ExecContext(ctx, key, values[key], now)
		if execErr != nil {
			return fmt.Errorf("set setting %q: %w", key, execErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return fmt.Errorf("commit set settings transaction: %w", commitErr)
	}

	committed = true

	return nil
}

// DeleteValue removes key. Deleting a missing key is not an error.
func DeleteValue(ctx context.Context, db *sql.DB, key string) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}

	return nil
}

// Change describes one write observed by a subscriber. Value is the new
// raw JSON value and is empty when Removed is set.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Store wraps the settings table and fans out every change to its
// subscribers.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int]chan []Change
	next int
}

// New creates a Store on an initialized database.
func New(db *sql.DB) *Store {
	return &Store{db: db, subs: make(map[int]chan []Change)}
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Get returns the raw JSON value of key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return GetValue(ctx, s.db, key)
}

// All returns every stored setting.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	return ListValues(ctx, s.db)
}

// Set writes one value and notifies subscribers.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes values atomically and notifies subscribers with a single
// batch.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if err := SetValues(ctx, s.db, values); err != nil {
		return err
	}
	batch := make([]Change, 0, len(values))
	for _, key := range sortedKeys(values) {
		batch = append(batch, Change{Key: key, Value: values[key]})
	}
	s.publish(batch)
	return nil
}

// Remove deletes key and notifies subscribers.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := DeleteValue(ctx, s.db, key); err != nil {
		return err
	}
	s.publish([]Change{{Key: key, Removed: true}})
	return nil
}

// EnsureDefaults writes each default whose key is absent. It runs once at
// startup and does not notify subscribers.
func (s *Store) EnsureDefaults(ctx context.Context, defaults map[string]string) error {
	existing, err := s.All(ctx)
	if err != nil {
		return err
	}
	missing := make(map[string]string)
	for key, value := range defaults {
		if _, ok := existing[key]; !ok {
			missing[key] = value
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slog.Info("writing default settings", "keys", sortedKeys(missing))
	return SetValues(ctx, s.db, missing)
}

// Subscribe returns a channel that receives every batch of changes until
// ctx ends, at which point the channel is closed. A subscriber that falls
// behind loses batches.
func (s *Store) Subscribe(ctx context.Context) <-chan []Change {
	ch := make(chan []Change, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Store) publish(batch []Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- batch:
		default:
			slog.Warn("settings subscriber is behind, change dropped", "keys", len(batch))
		}
	}
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func closeRows(rows *sql.Rows) {
	closeErr := rows.Close()
	if closeErr != nil {
		slog.Warn("rows close failed", "err", closeErr)
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}

	return ctx
}

func rollbackTx(tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("tx rollback failed", "err", err)
	}
}
