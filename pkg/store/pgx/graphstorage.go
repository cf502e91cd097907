// Package pgx implements the graph store and vector index on PostgreSQL
// with pgvector. Every multi-statement write runs in one transaction, so a
// fragment, a merge or a community swap is either fully visible or not at
// all.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// querier is the part of a connection or transaction the read helpers use.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// GraphDBStorage implements store.Store. The pool must register the
// pgvector types on connect.
type GraphDBStorage struct {
	conn pgxIConn
}

var _ store.Store = (*GraphDBStorage)(nil)

// NewGraphDBStorageWithConnection wraps an existing pool or connection.
func NewGraphDBStorageWithConnection(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *GraphDBStorage) inTx(ctx context.Context, fn func(tx pgxv5.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// classify attaches common.ErrTransient to errors a retry can fix: lost
// connections, timeouts, serialization failures and deadlocks.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrTransient) || errors.Is(err, context.Canceled) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", common.ErrTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, common.ErrNotFound)
	}
	return classify(err)
}
