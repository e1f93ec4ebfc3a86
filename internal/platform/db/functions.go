package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error code for a missing function.
const codeUndefinedFunction = "42883"

// ErrUndefinedFunction is returned when the called function does not exist.
var ErrUndefinedFunction = errors.New("undefined function")

// RowQuerier runs a single-row query. *pgxpool.Pool and pgx.Tx satisfy it.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Functions calls SQL functions with named arguments and decodes their
// result as JSON, the way the hosted data API exposes them as remote
// procedures.
type Functions struct {
	db     RowQuerier
	schema string
}

func NewFunctions(db RowQuerier) *Functions {
	return &Functions{db: db, schema: "public"}
}

// RPC runs SELECT to_jsonb(schema.fn(k1 => $1, ...)) and decodes the value
// into out. out may be nil.
func (f *Functions) RPC(ctx context.Context, fn string, params map[string]any, out any) error {
	sql, args, err := f.buildCall(fn, params)
	if err != nil {
		return err
	}

	q := f.db
	if tx := TxFromContext(ctx); tx != nil {
		q = tx
	}

	var raw []byte
	if err := q.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUndefinedFunction {
			return fmt.Errorf("rpc %s: %w: %s", fn, ErrUndefinedFunction, pgErr.Message)
		}
		return fmt.Errorf("rpc %s: %w", fn, err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", fn, err)
	}
	return nil
}

func (f *Functions) buildCall(fn string, params map[string]any) (string, []any, error) {
	if !ValidIdentifier(fn) {
		return "", nil, fmt.Errorf("rpc: invalid function name %q", fn)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if !ValidIdentifier(k) {
			return "", nil, fmt.Errorf("rpc %s: invalid parameter name %q", fn, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	named := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		named[i] = fmt.Sprintf("%s => $%d", k, i+1)
		args[i] = params[k]
	}

	sql := fmt.Sprintf("SELECT to_jsonb(%s.%s(%s))", f.schema, fn, strings.Join(named, ", "))
	return sql, args, nil
}
