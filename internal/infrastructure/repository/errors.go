// Package repository implements the detection provider interfaces and the
// analysis store on PostgreSQL, plus in-memory counterparts for the CLI
// and tests.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound marks lookups whose subject does not exist. The API layer
// turns it into a 404; detectors treat it as absent reference data.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err means the row was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKey reports a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
