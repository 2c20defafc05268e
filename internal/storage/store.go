package storage

import (
	"database/sql"
	"errors"
)

var (
	ErrJobNotFound       = errors.New("ingestion job not found")
	ErrCharacterNotFound = errors.New("character not found")
)

// Store wraps the database handle with the driver-specific SQL dialect.
type Store struct {
	db     *sql.DB
	driver string
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: normalizeDriver(driver)}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return rebind(s.driver, query)
}
