// Package pgshipment implements storage.Store on PostgreSQL via pgx.
package pgshipment

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/pkg/errors"
)

// Store is the PostgreSQL-backed shipment store.
type Store struct {
	db *pgxpool.Pool
}

// New connects to Postgres and bootstraps the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool without schema bootstrap.
func NewWithPool(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ensure Store implements the contract.
var _ storage.Store = (*Store)(nil)
