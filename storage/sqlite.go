package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/huykn/offline-sync/storage/migrations"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	sqlDB  *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (and migrates) a SQLite store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the store serializes on the connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Put inserts or replaces a record and its index rows in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, area Area, rec Record) error {
	if err := checkArea(area); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (area, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (area, key) DO UPDATE SET value = excluded.value`,
			string(area), rec.Key, rec.Value); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_index WHERE area = ? AND key = ?`, string(area), rec.Key); err != nil {
			return fmt.Errorf("drop index rows: %w", err)
		}
		for name, value := range rec.Indexes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO record_index (area, name, value, key) VALUES (?, ?, ?, ?)`,
				string(area), name, value, rec.Key); err != nil {
				return fmt.Errorf("put index row: %w", err)
			}
		}
		return nil
	})
}

// Get returns the record stored under key.
func (s *SQLiteStore) Get(ctx context.Context, area Area, key string) (Record, error) {
	if err := checkArea(area); err != nil {
		return Record{}, err
	}
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM records WHERE area = ? AND key = ?`, string(area), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return Record{Key: key, Value: value}, nil
}

// GetAll returns the records of an area, optionally through an index.
func (s *SQLiteStore) GetAll(ctx context.Context, area Area, filter *IndexFilter) ([]Record, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case filter == nil:
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT key, value FROM records WHERE area = ? ORDER BY key`, string(area))
	case filter.Value == "":
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT r.key, r.value FROM record_index i
			 JOIN records r ON r.area = i.area AND r.key = i.key
			 WHERE i.area = ? AND i.name = ?
			 ORDER BY i.value, i.key`, string(area), filter.Index)
	default:
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT r.key, r.value FROM record_index i
			 JOIN records r ON r.area = i.area AND r.key = i.key
			 WHERE i.area = ? AND i.name = ? AND i.value = ?
			 ORDER BY i.key`, string(area), filter.Index, filter.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record and its index rows.
func (s *SQLiteStore) Delete(ctx context.Context, area Area, key string) error {
	if err := checkArea(area); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_index WHERE area = ? AND key = ?`, string(area), key); err != nil {
			return fmt.Errorf("drop index rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE area = ? AND key = ?`, string(area), key); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
}

// Clear removes every record of an area.
func (s *SQLiteStore) Clear(ctx context.Context, area Area) error {
	if err := checkArea(area); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE area = ?`, string(area)); err != nil {
			return fmt.Errorf("clear index rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE area = ?`, string(area)); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
