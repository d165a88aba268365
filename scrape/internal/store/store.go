// Package store is the SQLite persistence layer of the engine: the strategy
// outcome ledger and the failure evidence captured on exhausted fetches.
package store

import (
	"database/sql"

	"github.com/hazyhaar/hybridfetch/dbopen"
)

// Store is the hybridfetch database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
