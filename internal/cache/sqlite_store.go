package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/simplecrew/swcache/internal/cache/migrations"
)

const migrationTable = "schema_migrations"

// NewSQLiteStorage 打开 path 处的 sqlite 数据库并执行内嵌迁移。
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache store %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	var (
		status     int
		headerJSON string
		body       []byte
		storedAt   int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM cache_entries
		 WHERE store_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	).Scan(&status, &headerJSON, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return &Snapshot{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (c *sqliteCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	header := snap.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode cached header: %w", err)
	}
	body := snap.Body
	if body == nil {
		body = []byte{}
	}
	storedAt := snap.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (store_name, method, url, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(store_name, method, url) DO UPDATE SET
		   status = excluded.status,
		   header_json = excluded.header_json,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		c.name, key.Method, key.URL, snap.Status, string(headerJSON), body, storedAt.UTC().UnixMilli(),
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrStoreDeleted, c.name)
	}
	return err
}

func (c *sqliteCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE store_name = ? ORDER BY method, url`,
		c.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return errors.New("sqlite foreign keys are disabled")
	}
	return nil
}

// applyMigrations 按文件名顺序执行 -- +migrate Up 段，每个文件只执行一次。
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func extractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(up):]
	if downIdx := strings.Index(rest, down); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}
