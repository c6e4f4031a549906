// Package store provides the PostgreSQL client, migrations, the unit of
// work, and repositories for the relational entities.
package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound reports a lookup for a row that does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRowLocked reports a NOWAIT row lock that another writer holds.
	// Callers map it to a resource-busy response and abort.
	ErrRowLocked = errors.New("store: row locked")

	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("store: conflict")
)

const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// translateError maps driver errors onto the package sentinels so callers
// can branch with errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrRowLocked, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}
