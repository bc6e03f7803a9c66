package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// The embedded engine compiles on first use, which can take many seconds
	// on a cold or instrumented process.
	defaultSQLiteSchemaTimeout = time.Minute
	defaultSQLiteBusyTimeout   = 5 * time.Second
)

type SQLiteOptions struct {
	// SchemaTimeout bounds opening the database and creating its tables.
	SchemaTimeout time.Duration
	// BusyTimeout is how long a write waits for another process's lock.
	BusyTimeout time.Duration
}

// SQLiteStore keeps the queue and snapshots in an embedded SQLite database.
// A single connection serializes writers inside the process; busy_timeout
// covers other processes opening the same file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithOptions(path, SQLiteOptions{})
}

func NewSQLiteStoreWithOptions(path string, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.SchemaTimeout <= 0 {
		opts.SchemaTimeout = defaultSQLiteSchemaTimeout
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultSQLiteBusyTimeout
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(full)", path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.ensureSchema(opts.SchemaTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('sequence', 0)`,
		`CREATE TABLE IF NOT EXISTS operations (
			op_id TEXT PRIMARY KEY,
			sequence INTEGER NOT NULL UNIQUE,
			entity_key TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS operations_entity_key ON operations (entity_key, sequence)`,
		`CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendOperation(ctx context.Context, op model.Operation, snapshot *model.Entity) (model.Operation, error) {
	if err := validateOperation(op); err != nil {
		return model.Operation{}, err
	}
	stored := op.Clone()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE op_id = ?`, op.OpID).Scan(&exists)
		if err == nil {
			return ErrInvalidInput
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'sequence'`); err != nil {
			return err
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'sequence'`).Scan(&seq); err != nil {
			return err
		}
		stored.Sequence = uint64(seq)
		if err := insertOperation(ctx, tx, stored); err != nil {
			return err
		}
		if snapshot != nil {
			return upsertEntity(ctx, tx, *snapshot)
		}
		return nil
	})
	if err != nil {
		return model.Operation{}, err
	}
	return stored, nil
}

func (s *SQLiteStore) SaveOperation(ctx context.Context, op model.Operation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateOperation(ctx, tx, op)
	})
}

func (s *SQLiteStore) ApplyOperation(ctx context.Context, op model.Operation, snapshot model.Entity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE op_id = ?`, op.OpID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if tempID, serverID := confirmedTempID(op, snapshot); tempID != "" {
			queued, err := queryOperations(ctx, tx)
			if err != nil {
				return err
			}
			for _, q := range queued {
				if !model.RewriteTempID(&q, tempID, serverID) {
					continue
				}
				if err := updateOperation(ctx, tx, q); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND entity_key = ?`, string(op.EntityType), tempID); err != nil {
				return err
			}
		}
		if snapshot.Deleted {
			_, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND entity_key = ?`, string(snapshot.Type), snapshot.Key())
			return err
		}
		return upsertEntity(ctx, tx, snapshot)
	})
}

func (s *SQLiteStore) RemoveOperation(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE op_id = ?`, opID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Operation(ctx context.Context, opID string) (model.Operation, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM operations WHERE op_id = ?`, opID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, ErrNotFound
	}
	if err != nil {
		return model.Operation{}, err
	}
	var op model.Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return model.Operation{}, err
	}
	return op, nil
}

func (s *SQLiteStore) Operations(ctx context.Context) ([]model.Operation, error) {
	return queryOperations(ctx, s.db)
}

func (s *SQLiteStore) Entity(ctx context.Context, entityType model.EntityType, key string) (model.Entity, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM entities WHERE entity_type = ? AND entity_key = ?`, string(entityType), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, err
	}
	var entity model.Entity
	if err := json.Unmarshal([]byte(data), &entity); err != nil {
		return model.Entity{}, err
	}
	return entity, nil
}

func (s *SQLiteStore) Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entities WHERE entity_type = ? ORDER BY entity_key`, string(entityType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entity model.Entity
		if err := json.Unmarshal([]byte(data), &entity); err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutEntity(ctx context.Context, entity model.Entity) error {
	if !entity.Type.Valid() || entity.Key() == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertEntity(ctx, tx, entity)
	})
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, entityType model.EntityType, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND entity_key = ?`, string(entityType), key)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOperations(ctx context.Context, q sqlQueryer) ([]model.Operation, error) {
	rows, err := q.QueryContext(ctx, `SELECT data FROM operations ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Operation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var op model.Operation
		if err := json.Unmarshal([]byte(data), &op); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func insertOperation(ctx context.Context, tx *sql.Tx, op model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO operations (op_id, sequence, entity_key, data) VALUES (?, ?, ?, ?)`,
		op.OpID, int64(op.Sequence), op.EntityKey(), string(data))
	return err
}

func updateOperation(ctx context.Context, tx *sql.Tx, op model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE operations SET entity_key = ?, data = ? WHERE op_id = ?`,
		op.EntityKey(), string(data), op.OpID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, entity model.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_key, data) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_key) DO UPDATE SET data = excluded.data`,
		string(entity.Type), entity.Key(), string(data))
	return err
}
