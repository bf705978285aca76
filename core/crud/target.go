// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package crud

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier executes statements. *sql.DB, *sql.Conn and *sql.Tx implement it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Target is where the executor runs its statements: a connection pool or a pinned connection.
//
// Batch runs f atomically. On a pool it opens a transaction; on a pinned connection the statements
// already run inside the request transaction and f executes inline.
type Target interface {
	Querier
	Batch(ctx context.Context, f func(q Querier) error) error
}

// PoolTarget runs statements on any connection of a pool
type PoolTarget struct {
	*sql.DB
}

// NewPoolTarget returns a target for db
func NewPoolTarget(db *sql.DB) *PoolTarget {
	return &PoolTarget{DB: db}
}

// Batch runs f inside a transaction
func (p *PoolTarget) Batch(ctx context.Context, f func(q Querier) error) error {
	tx, err := p.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// PinnedTarget runs all statements in one transaction on one connection taken from a pool.
// Session settings made with SET LOCAL end with that transaction.
type PinnedTarget struct {
	*sql.Tx
	conn *sql.Conn
}

// Pin acquires a connection from db, begins a transaction on it and executes the init statements,
// for example SET LOCAL app.tenant_id = '...'. The caller must call Release.
func Pin(ctx context.Context, db *sql.DB, init ...string) (*PinnedTarget, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot begin transaction: %w", err)
	}
	for _, statement := range init {
		if _, err = tx.ExecContext(ctx, statement); err != nil {
			tx.Rollback()
			conn.Close()
			return nil, fmt.Errorf("cannot initialize pinned connection: %w", err)
		}
	}
	return &PinnedTarget{Tx: tx, conn: conn}, nil
}

// Batch runs f inline, the pinned transaction already makes it atomic
func (p *PinnedTarget) Batch(ctx context.Context, f func(q Querier) error) error {
	return f(p.Tx)
}

// Release ends the transaction, committing it if failure is nil, and returns the connection to
// its pool.
func (p *PinnedTarget) Release(failure error) error {
	var err error
	if failure == nil {
		err = p.Tx.Commit()
	} else {
		err = p.Tx.Rollback()
	}
	if err == sql.ErrTxDone {
		err = nil
	}
	if closeErr := p.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}
