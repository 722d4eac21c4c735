package store

import (
	"context"
	"errors"
	"net"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps a pgx error onto the apperr kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.Kind(err) != "internal" {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperr.Duplicate(err)
		case pgErr.Code == "23503":
			return apperr.NotFound(err)
		case pgErr.Code == "42501":
			return apperr.Permission(err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return apperr.Transient(err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return apperr.Transient(err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "22":
			return apperr.Invalid(pgErr.ColumnName, pgErr.Message)
		}
		return err
	}

	var netErr net.Error
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return apperr.Transient(err)
	}
	return err
}
