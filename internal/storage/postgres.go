package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/hoodlink/hoodlink-server/pkg/crypto"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db        *sql.DB
	tx        *sql.Tx
	secretKey []byte
}

// NewPostgresStore creates a new PostgreSQL store. secretKey, when
// non-empty, must be a valid AES key (16/24/32 bytes); stored local
// keys and refresh tokens are then encrypted at rest.
func NewPostgresStore(dsn string, secretKey []byte) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, secretKey: secretKey}, nil
}

// NewPostgresStoreWithDB wraps an existing database handle. Used by tests.
func NewPostgresStoreWithDB(db *sql.DB, secretKey []byte) *PostgresStore {
	return &PostgresStore{db: db, secretKey: secretKey}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx, secretKey: s.secretKey}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// seal encrypts a secret column value when at-rest encryption is on.
func (s *PostgresStore) seal(plaintext string) (string, error) {
	if len(s.secretKey) == 0 {
		return plaintext, nil
	}
	return crypto.EncryptString(s.secretKey, plaintext)
}

// open reverses seal.
func (s *PostgresStore) open(stored string) (string, error) {
	if len(s.secretKey) == 0 {
		return stored, nil
	}
	return crypto.DecryptString(s.secretKey, stored)
}
