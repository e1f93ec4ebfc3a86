package baas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// QueryOp is the kind of table operation.
type QueryOp string

const (
	OpSelect QueryOp = "select"
	OpInsert QueryOp = "insert"
	OpUpdate QueryOp = "update"
)

// Cardinality constrains the number of rows a query may return.
type Cardinality int

const (
	Many Cardinality = iota
	Single
	MaybeSingle
)

// Filter is an equality predicate on a column.
type Filter struct {
	Column string
	Value  string
}

// Executor runs a built query and returns the affected rows as a JSON array.
type Executor interface {
	ExecuteQuery(ctx context.Context, q *Query) ([]byte, error)
}

// Query is a table query builder in the style of the data API client:
//
//	err := c.From("patients").Select("id").Eq("id", uid).MaybeSingle().Execute(ctx, &row)
type Query struct {
	Table       string
	Columns     string
	Filters     []Filter
	Op          QueryOp
	Values      map[string]any
	Cardinality Cardinality

	exec Executor
}

// NewQuery creates a select-all query on table executed by exec.
func NewQuery(exec Executor, table string) *Query {
	return &Query{Table: table, Columns: "*", Op: OpSelect, exec: exec}
}

func (q *Query) Select(columns string) *Query {
	if columns == "" {
		columns = "*"
	}
	q.Columns = columns
	return q
}

func (q *Query) Eq(column string, value any) *Query {
	q.Filters = append(q.Filters, Filter{Column: column, Value: fmt.Sprint(value)})
	return q
}

func (q *Query) Insert(values map[string]any) *Query {
	q.Op = OpInsert
	q.Values = values
	return q
}

func (q *Query) Update(values map[string]any) *Query {
	q.Op = OpUpdate
	q.Values = values
	return q
}

// Single requires exactly one row.
func (q *Query) Single() *Query {
	q.Cardinality = Single
	return q
}

// MaybeSingle allows zero or one row. Zero rows decode as JSON null.
func (q *Query) MaybeSingle() *Query {
	q.Cardinality = MaybeSingle
	return q
}

// Execute runs the query and decodes the result into out. out may be nil
// when only success matters.
func (q *Query) Execute(ctx context.Context, out any) error {
	if q.exec == nil {
		return fmt.Errorf("query %s: no executor", q.Table)
	}
	raw, err := q.exec.ExecuteQuery(ctx, q)
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if len(raw) == 0 {
		raw = []byte("[]")
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("query %s: decode rows: %w", q.Table, err)
	}

	var payload []byte
	switch q.Cardinality {
	case Single:
		if len(rows) != 1 {
			return &Error{
				Status:  http.StatusNotAcceptable,
				Code:    CodeNoRows,
				Message: "JSON object requested, multiple (or no) rows returned",
				Details: fmt.Sprintf("results contain %d rows", len(rows)),
			}
		}
		payload = rows[0]
	case MaybeSingle:
		switch len(rows) {
		case 0:
			payload = []byte("null")
		case 1:
			payload = rows[0]
		default:
			return &Error{
				Status:  http.StatusNotAcceptable,
				Code:    CodeNoRows,
				Message: "JSON object requested, multiple rows returned",
				Details: fmt.Sprintf("results contain %d rows", len(rows)),
			}
		}
	default:
		payload = raw
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("query %s: decode result: %w", q.Table, err)
	}
	return nil
}
