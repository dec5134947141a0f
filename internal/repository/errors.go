package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidohq/nido-billing/internal/domain"
)

const uniqueViolation = "23505"

// notFound maps pgx.ErrNoRows to a domain not-found error; other errors
// wrap as internal.
func notFound(err error, op, resource, identifier string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(op, resource, identifier)
	}
	return domain.Internal(err, op, "failed to load "+resource)
}

// writeError maps unique-constraint violations to domain conflicts.
func writeError(err error, op, message string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.Conflict(op, message)
	}
	return domain.Internal(err, op, message)
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
