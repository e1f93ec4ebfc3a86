package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const txKey contextKey = "db_tx"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s is safe to splice into SQL as an
// unquoted identifier.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// WithTx stores tx in ctx so repositories join it instead of using the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTx runs fn inside a transaction carried on ctx. The transaction is
// committed when fn returns nil and rolled back otherwise. A ctx that
// already carries a transaction is reused as is.
func InTx(ctx context.Context, b TxBeginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
