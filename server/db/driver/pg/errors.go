// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"errors"

	"github.com/lib/pq"
)

// PostgreSQL error codes used to map low-level constraint violations onto
// archivist error codes.
const (
	pqErrUniqueViolation     = pq.ErrorCode("23505")
	pqErrForeignKeyViolation = pq.ErrorCode("23503")
)

// isUniqueViolation recognizes a unique or primary key constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqErrUniqueViolation
}

// isForeignKeyViolation recognizes a foreign key constraint violation, which
// for the proposal child tables means the referenced proposal does not exist.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqErrForeignKeyViolation
}

// DetailedError pairs an Error with details.
type DetailedError struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e DetailedError) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e DetailedError) Unwrap() error {
	return e.wrapped
}

// NewDetailedError wraps the provided Error with details in a DetailedError,
// facilitating the use of errors.Is and errors.As via errors.Unwrap.
func NewDetailedError(err error, detail string) DetailedError {
	return DetailedError{
		wrapped: err,
		detail:  detail,
	}
}
