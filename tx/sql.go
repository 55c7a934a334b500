package tx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staale/gomats/broker"
)

// AttributeSQLTx is the Resources key under which SQLManager exposes the
// per-message pgx transaction to user code.
const AttributeSQLTx = "sql.tx"

// SQLManager co-transacts a Postgres transaction with the broker session:
// every message gets its own pgx.Tx, committed just before the broker commit
// and rolled back with it.
//
// Usage in a stage:
//
//	sqlTx := pctx.Attribute(tx.AttributeSQLTx).(pgx.Tx)
//	_, err := sqlTx.Exec(ctx, "INSERT INTO orders ...")
type SQLManager struct {
	pool *pgxpool.Pool
}

// NewSQLManager creates a SQLManager over the given pool.
func NewSQLManager(pool *pgxpool.Pool) *SQLManager {
	return &SQLManager{pool: pool}
}

// Transact begins a database transaction, exposes it as AttributeSQLTx, runs
// fn, then commits database first and broker last. Any failure rolls back
// both sides.
func (m *SQLManager) Transact(ctx context.Context, sess broker.Session, fn ProcessingFunc) error {
	sqlTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		_ = sess.Rollback()
		return fmt.Errorf("beginning database transaction: %w", err)
	}

	res := NewResources()
	res.Set(AttributeSQLTx, sqlTx)

	if err := fn(ctx, res); err != nil {
		_ = sqlTx.Rollback(ctx)
		if rbErr := sess.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back broker session after %w: %v", err, rbErr)
		}
		return err
	}

	// Database first, broker last: a crash between the two redelivers the
	// message rather than losing the database write.
	if err := sqlTx.Commit(ctx); err != nil {
		_ = sess.Rollback()
		return fmt.Errorf("committing database transaction: %w", err)
	}
	if err := sess.Commit(); err != nil {
		_ = sess.Rollback()
		return fmt.Errorf("committing broker session: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var _ Manager = (*SQLManager)(nil)
