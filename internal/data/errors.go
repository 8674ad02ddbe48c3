package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Shared sentinel errors for data-layer repositories.
var (
	// Catalog repository sentinels.
	ErrProductNotFound = errors.New("product not found")
	ErrLeadNotFound    = errors.New("lead not found")

	// ErrQueueUnavailable is returned when the backing database cannot be
	// reached or cannot accept writes, so callers can surface a 503 instead
	// of a generic 500.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// MapConnectionErr wraps connection-class Postgres failures as
// ErrQueueUnavailable and passes every other error through unchanged.
func MapConnectionErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgErr.Code == pgerrcode.CannotConnectNow,
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown:
			return errors.Join(ErrQueueUnavailable, err)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return errors.Join(ErrQueueUnavailable, err)
	}
	return err
}
