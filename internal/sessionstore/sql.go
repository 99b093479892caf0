package sessionstore

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type dialect struct {
	schema string
	get    string
	upsert string
	delete string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		schema: `CREATE TABLE IF NOT EXISTS klt_session_store (
			store_key TEXT PRIMARY KEY,
			store_value BYTEA NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);`,
		get: `SELECT store_value FROM klt_session_store WHERE store_key = $1`,
		upsert: `
			INSERT INTO klt_session_store (store_key, store_value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (store_key) DO UPDATE SET
				store_value = EXCLUDED.store_value,
				updated_at = EXCLUDED.updated_at`,
		delete: `DELETE FROM klt_session_store WHERE store_key = $1`,
	},
	DriverMySQL: {
		schema: "CREATE TABLE IF NOT EXISTS klt_session_store (" +
			"store_key VARCHAR(255) NOT NULL PRIMARY KEY, " +
			"store_value LONGBLOB NOT NULL, " +
			"updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP)",
		get: `SELECT store_value FROM klt_session_store WHERE store_key = ?`,
		upsert: `
			INSERT INTO klt_session_store (store_key, store_value)
			VALUES (?, ?)
			ON DUPLICATE KEY UPDATE store_value = VALUES(store_value)`,
		delete: `DELETE FROM klt_session_store WHERE store_key = ?`,
	},
}

// SQLStore keeps the key/value table in PostgreSQL or MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to init schema")
	}
	return s, nil
}

func (s *SQLStore) InitSchema() error {
	if _, err := s.db.Exec(s.dialect.schema); err != nil {
		return errors.Wrapf(err, "failed to execute query %s", s.dialect.schema)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %s", key)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsert, key, value)
	return errors.Wrapf(err, "writing %s", key)
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.delete, key)
	return errors.Wrapf(err, "deleting %s", key)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
