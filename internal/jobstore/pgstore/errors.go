package pgstore

import (
	"github.com/jackc/pgx/v5/pgconn"

	"cre8/internal/pkg/errors"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeUndefinedTable      = "42P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool     { return pgCode(err) == codeUniqueViolation }
func isForeignKeyViolation(err error) bool { return pgCode(err) == codeForeignKeyViolation }
func isUndefinedTable(err error) bool      { return pgCode(err) == codeUndefinedTable }

func mapErr(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return errors.WrapWithCode(err, errors.CodeConflict, op, "duplicate key")
	case isUndefinedTable(err):
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "job tables missing, run EnsureSchema")
	}
	return errors.StoreUnavailable(op, err)
}
