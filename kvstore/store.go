// Package kvstore provides the durable primitives the queue and schedule
// packages are built on: a key-value map with per-key expiry, sorted sets,
// and plain sets, all backed by a single SQLite database.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	database *sql.DB
	dbPath   string
}

// Open opens (creating if needed) the database at dbPath. The handle is
// meant to be opened once at process start and injected into every
// component that needs it.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	database.SetMaxOpenConns(1)

	store := &Store{
		database: database,
		dbPath:   dbPath,
	}

	if err := store.migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, err
	}

	return store, nil
}

func (store *Store) Close() error {
	return store.database.Close()
}

func (store *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			expires_at INTEGER NULL
		);`,
		`CREATE TABLE IF NOT EXISTS zsets (
			name TEXT NOT NULL,
			member TEXT NOT NULL,
			score INTEGER NOT NULL,
			PRIMARY KEY (name, member)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_zsets_score ON zsets (name, score);`,
		`CREATE TABLE IF NOT EXISTS sets (
			name TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (name, member)
		);`,
	}

	for _, stmt := range statements {
		if _, err := store.database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}

	return time.Now().Add(ttl).UnixMilli()
}

// Set writes key to value. A ttl of zero means the key never expires.
func (store *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := store.database.ExecContext(
		ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key, value, expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to set key '%s': %w", key, err)
	}

	return nil
}

// SetNX sets key to value only if the key is absent, in a single
// transaction. An expired row counts as absent. It reports whether the
// key was claimed by this call.
func (store *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM kv WHERE k = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, nowMillis(),
	); err != nil {
		return false, fmt.Errorf("failed to purge expired key '%s': %w", key, err)
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?) ON CONFLICT (k) DO NOTHING`,
		key, value, expiry(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert key '%s': %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	return n > 0, nil
}

// Get reads the value stored at key. Expired keys read as absent.
func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)

	err := store.database.QueryRowContext(
		ctx,
		`SELECT v, expires_at FROM kv WHERE k = ?`,
		key,
	).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key '%s': %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= nowMillis() {
		return nil, false, nil
	}

	return value, true, nil
}

func (store *Store) Delete(ctx context.Context, key string) error {
	if _, err := store.database.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key '%s': %w", key, err)
	}

	return nil
}

// ZEntry is a sorted-set member with its score.
type ZEntry struct {
	Member string
	Score  int64
}

func (store *Store) ZAdd(ctx context.Context, name, member string, score int64) error {
	_, err := store.database.ExecContext(
		ctx,
		`INSERT INTO zsets (name, member, score) VALUES (?, ?, ?)
		 ON CONFLICT (name, member) DO UPDATE SET score = excluded.score`,
		name, member, score,
	)
	if err != nil {
		return fmt.Errorf("failed to zadd to '%s': %w", name, err)
	}

	return nil
}

// ZRem removes member and reports whether it was present. Concurrent
// callers racing on the same member see exactly one true result.
func (store *Store) ZRem(ctx context.Context, name, member string) (bool, error) {
	res, err := store.database.ExecContext(
		ctx,
		`DELETE FROM zsets WHERE name = ? AND member = ?`,
		name, member,
	)
	if err != nil {
		return false, fmt.Errorf("failed to zrem from '%s': %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n > 0, nil
}

// ZLowest returns the member with the lowest score, without removing it.
func (store *Store) ZLowest(ctx context.Context, name string) (string, int64, bool, error) {
	var (
		member string
		score  int64
	)

	err := store.database.QueryRowContext(
		ctx,
		`SELECT member, score FROM zsets WHERE name = ? ORDER BY score ASC, member ASC LIMIT 1`,
		name,
	).Scan(&member, &score)

	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}

	if err != nil {
		return "", 0, false, fmt.Errorf("failed to read lowest of '%s': %w", name, err)
	}

	return member, score, true, nil
}

// ZMembers returns all members in ascending score order.
func (store *Store) ZMembers(ctx context.Context, name string) ([]ZEntry, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT member, score FROM zsets WHERE name = ? ORDER BY score ASC, member ASC`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of '%s': %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ZEntry

	for rows.Next() {
		var entry ZEntry
		if err := rows.Scan(&entry.Member, &entry.Score); err != nil {
			return nil, fmt.Errorf("failed to scan member of '%s': %w", name, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating members of '%s': %w", name, err)
	}

	return entries, nil
}

func (store *Store) ZCard(ctx context.Context, name string) (int, error) {
	var count int

	err := store.database.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM zsets WHERE name = ?`,
		name,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members of '%s': %w", name, err)
	}

	return count, nil
}

func (store *Store) SAdd(ctx context.Context, name, member string) error {
	_, err := store.database.ExecContext(
		ctx,
		`INSERT INTO sets (name, member) VALUES (?, ?) ON CONFLICT (name, member) DO NOTHING`,
		name, member,
	)
	if err != nil {
		return fmt.Errorf("failed to sadd to '%s': %w", name, err)
	}

	return nil
}

func (store *Store) SRem(ctx context.Context, name, member string) (bool, error) {
	res, err := store.database.ExecContext(
		ctx,
		`DELETE FROM sets WHERE name = ? AND member = ?`,
		name, member,
	)
	if err != nil {
		return false, fmt.Errorf("failed to srem from '%s': %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n > 0, nil
}

func (store *Store) SCard(ctx context.Context, name string) (int, error) {
	var count int

	err := store.database.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM sets WHERE name = ?`,
		name,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members of '%s': %w", name, err)
	}

	return count, nil
}

func (store *Store) SMembers(ctx context.Context, name string) ([]string, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT member FROM sets WHERE name = ? ORDER BY member ASC`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of '%s': %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var members []string

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan member of '%s': %w", name, err)
		}

		members = append(members, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating members of '%s': %w", name, err)
	}

	return members, nil
}
