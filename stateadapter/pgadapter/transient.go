package pgadapter

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// transientCodes are Postgres error classes worth retrying: serialization
// and deadlock conflicts from concurrent AcquireJob/RunInTransaction
// callers, and connection-level failures.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// Classifier implements stateadapter.TransientClassifier against pgx/Postgres
// error codes, telling a retryable conflict from a permanent failure. It is
// a standalone value: *Adapter does not implement IsTransient, so the worker
// does not pick Classifier up from the adapter.
type Classifier struct{}

func (Classifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

var _ interface{ IsTransient(error) bool } = Classifier{}
